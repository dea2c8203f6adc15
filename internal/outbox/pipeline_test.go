package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockEmitter struct {
	mu    sync.Mutex
	sent  []protocol.SendMessageRequest
	ack   json.RawMessage
	err   error
	store *convo.Store
	seen  []int
}

func (m *mockEmitter) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event != protocol.EventSendMessage {
		return nil, errors.New("unexpected event " + event)
	}
	req := payload.(protocol.SendMessageRequest)
	m.sent = append(m.sent, req)
	if m.store != nil {
		c, _ := m.store.Get(req.ConversationID)
		m.seen = append(m.seen, len(c.Messages))
	}
	return m.ack, m.err
}

func (m *mockEmitter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockUploader struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (u *mockUploader) Upload(ctx context.Context, path string, progress func(int)) (protocol.Attachment, error) {
	u.mu.Lock()
	u.calls = append(u.calls, path)
	err := u.fail[path]
	u.mu.Unlock()
	if err != nil {
		return protocol.Attachment{}, err
	}
	progress(50)
	progress(100)
	return protocol.Attachment{ID: "asset-" + filepath.Base(path), URL: "http://cdn/" + filepath.Base(path)}, nil
}

type mockRefresher struct {
	mu    sync.Mutex
	calls []string
}

func (r *mockRefresher) Refresh(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return nil
}

type fixture struct {
	p       *Pipeline
	store   *convo.Store
	emit    *mockEmitter
	upload  *mockUploader
	refresh *mockRefresher
	db      *store.DB
	bus     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	s := convo.New("userA", b)
	s.Replace([]protocol.Conversation{{
		ID:         "c1",
		Type:       protocol.TypeDirect,
		Recipients: []protocol.Participant{{ID: "userA"}, {ID: "userB"}},
		Messages:   []protocol.Message{{ID: "m1", User: "userB", Content: "hello"}},
	}}, "")

	f := &fixture{
		store:   s,
		emit:    &mockEmitter{ack: json.RawMessage(`{"_id":"srv-1","content":"hi"}`), store: s},
		upload:  &mockUploader{fail: map[string]error{}},
		refresh: &mockRefresher{},
		db:      db,
		bus:     b,
	}
	f.p = New(Options{Store: s, Emitter: f.emit, Uploader: f.upload, Refresher: f.refresh, DB: db, Bus: b})
	return f
}

func TestSendTextPromotesAndRefreshes(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.p.Send(context.Background(), Request{ConversationID: "c1", SenderID: "userA", RecipientID: "userB", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, convo.StateSent, receipt.State)
	require.Equal(t, "srv-1", receipt.ServerID)

	require.Len(t, f.emit.sent, 1)
	sent := f.emit.sent[0]
	require.Equal(t, protocol.MessageText, sent.Type)
	require.Equal(t, receipt.ClientID, sent.ClientID)
	require.Empty(t, sent.Attachments)
	require.NotNil(t, sent.Attachments)
	require.Equal(t, []int{2}, f.emit.seen, "provisional must be in the store before the emit")

	m, ok := f.store.Provisional("c1", receipt.ClientID)
	require.True(t, ok)
	require.Equal(t, convo.StateSent, m.State)
	require.Equal(t, "srv-1", m.ID)
	require.Equal(t, []string{"c1"}, f.refresh.calls)

	entry, err := f.db.GetOutbox(receipt.ClientID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxSent, entry.Status)
	require.Equal(t, "srv-1", entry.ServerMsgID)
}

func TestSendDoesNotCountProvisionalAsUnread(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 1, f.store.UnreadTotal())
	f.emit.err = errors.New("ack timeout")

	_, err := f.p.Send(context.Background(), Request{ConversationID: "c1", SenderID: "userA", Text: "hi"})
	require.Error(t, err)
	require.Equal(t, 1, f.store.UnreadTotal())
}

func TestSendWithAttachments(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.p.Send(context.Background(), Request{
		ConversationID: "c1",
		SenderID:       "userA",
		RecipientID:    "userB",
		Attachments:    []string{"/tmp/a.png", "/tmp/b.pdf"},
	})
	require.NoError(t, err)

	sent := f.emit.sent[0]
	require.Equal(t, protocol.MessageMedia, sent.Type)
	require.Equal(t, []string{"asset-a.png", "asset-b.pdf"}, sent.Attachments)

	m, _ := f.store.Provisional("c1", receipt.ClientID)
	require.Len(t, m.Attachments, 2)
	for _, a := range m.Attachments {
		require.Equal(t, 100, a.Progress)
		require.NotEmpty(t, a.URL)
	}
}

func TestUploadFailureNeverEmits(t *testing.T) {
	f := newFixture(t)
	f.upload.fail["/tmp/a.png"] = errors.New("413 too large")
	notices, unsub := f.bus.Subscribe("notice.", 1)
	defer unsub()

	receipt, err := f.p.Send(context.Background(), Request{
		ConversationID: "c1",
		SenderID:       "userA",
		Attachments:    []string{"/tmp/a.png", "/tmp/b.pdf"},
	})
	require.ErrorIs(t, err, ErrUploadFailed)
	require.Equal(t, convo.StateFailed, receipt.State)
	require.Zero(t, f.emit.calls())

	m, ok := f.store.Provisional("c1", receipt.ClientID)
	require.True(t, ok)
	require.Equal(t, convo.StateFailed, m.State)
	require.Contains(t, m.FailureReason, "413 too large")

	evt := <-notices
	require.Equal(t, bus.KindNoticeSendFailed, evt.Kind)
	require.Equal(t, receipt.ClientID, evt.Payload.(Notice).ClientID)

	entry, _ := f.db.GetOutbox(receipt.ClientID)
	require.Equal(t, store.OutboxFailed, entry.Status)
	require.Empty(t, f.refresh.calls)
}

func TestRetryReusesCommittedAttachments(t *testing.T) {
	f := newFixture(t)
	f.upload.fail["/tmp/a.png"] = errors.New("network down")

	receipt, err := f.p.Send(context.Background(), Request{
		ConversationID: "c1",
		SenderID:       "userA",
		RecipientID:    "userB",
		Text:           "see attached",
		Attachments:    []string{"/tmp/a.png"},
	})
	require.Error(t, err)

	delete(f.upload.fail, "/tmp/a.png")
	retried, err := f.p.Retry(context.Background(), "c1", receipt.ClientID)
	require.NoError(t, err)
	require.Equal(t, convo.StateSent, retried.State)
	require.Equal(t, receipt.ClientID, retried.ClientID)

	require.Len(t, f.emit.sent, 1)
	require.Equal(t, "userB", f.emit.sent[0].RecipientID)
	require.Equal(t, "see attached", f.emit.sent[0].Message)

	entry, _ := f.db.GetOutbox(receipt.ClientID)
	require.Equal(t, 2, entry.Attempts)
	require.Equal(t, store.OutboxSent, entry.Status)

	_, err = f.p.Retry(context.Background(), "c1", receipt.ClientID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestDiscardFailed(t *testing.T) {
	f := newFixture(t)
	f.emit.err = errors.New("not connected")
	receipt, _ := f.p.Send(context.Background(), Request{ConversationID: "c1", SenderID: "userA", Text: "hi"})

	require.NoError(t, f.p.Discard("c1", receipt.ClientID))
	_, ok := f.store.Provisional("c1", receipt.ClientID)
	require.False(t, ok)
	_, err := f.db.GetOutbox(receipt.ClientID)
	require.ErrorIs(t, err, store.ErrOutboxNotFound)

	require.ErrorIs(t, f.p.Discard("c1", receipt.ClientID), convo.ErrMessageNotFound)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"no conversation", Request{SenderID: "userA", Text: "x"}},
		{"no sender", Request{ConversationID: "c1", Text: "x"}},
		{"empty", Request{ConversationID: "c1", SenderID: "userA", Text: "  "}},
		{"bad type", Request{ConversationID: "c1", SenderID: "userA", Text: "x", Type: "VIDEO"}},
		{"blank attachment", Request{ConversationID: "c1", SenderID: "userA", Attachments: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.Send(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	c, _ := f.store.Get("c1")
	require.Len(t, c.Messages, 1)
}

func TestSendUnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Send(context.Background(), Request{ConversationID: "nope", SenderID: "userA", Text: "x"})
	require.ErrorIs(t, err, convo.ErrConversationNotFound)
	require.Zero(t, f.emit.calls())
}

func TestMalformedAckIsLogged(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.DebugLevel)
	f.p = New(Options{Store: f.store, Emitter: f.emit, Uploader: f.upload, DB: f.db, Bus: f.bus, Logger: zap.New(core)})
	f.emit.ack = json.RawMessage(`"ok"`)

	receipt, err := f.p.Send(context.Background(), Request{ConversationID: "c1", SenderID: "userA", RecipientID: "userB", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, convo.StateSent, receipt.State)
	require.Empty(t, receipt.ServerID)

	m, ok := f.store.Provisional("c1", receipt.ClientID)
	require.True(t, ok)
	require.Equal(t, convo.StateSent, m.State)
	require.Empty(t, m.ID, "no server id to substitute")

	entries := logs.FilterMessage("send ack is not a message, keeping client id").All()
	require.Len(t, entries, 1)
	require.Equal(t, receipt.ClientID, entries[0].ContextMap()["client_msg_id"])
}

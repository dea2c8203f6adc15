package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/gigchat/internal/backend"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/notify"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// mockFetcher serves a fixed list built from raw JSON.
type mockFetcher struct {
	mu    gosync.Mutex
	raws  []string
	err   error
	calls int
}

func (f *mockFetcher) FetchConversations(ctx context.Context) (*backend.ConversationList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	list := &backend.ConversationList{}
	for _, r := range f.raws {
		var c protocol.Conversation
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			return nil, err
		}
		list.Conversations = append(list.Conversations, c)
		list.Raw = append(list.Raw, json.RawMessage(r))
	}
	return list, nil
}

func (f *mockFetcher) set(raws ...string) {
	f.mu.Lock()
	f.raws = raws
	f.mu.Unlock()
}

type mockRejoiner struct{ calls int }

func (r *mockRejoiner) Rejoin(ctx context.Context) error {
	r.calls++
	return nil
}

const (
	convC1 = `{"_id":"c1","type":"DIRECT","recipients":[{"_id":"userA"},{"_id":"userB","firstName":"Bruno","lastName":"Costa"}],"messages":[{"_id":"m1","user":"userB","content":"hi"}]}`
	convC2 = `{"_id":"c2","type":"DIRECT","recipients":[{"_id":"userA"},{"_id":"userC"}],"messages":[]}`
)

func TestRefreshReplacesStoreAndCaches(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	convos := convo.New("userA", b)
	fetch := &mockFetcher{raws: []string{convC1, convC2}}
	rejoin := &mockRejoiner{}
	r := NewReconciler(fetch, convos, db, rejoin, b, nil)

	if err := r.Refresh(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := len(convos.List()); got != 2 {
		t.Fatalf("store has %d conversations, want 2", got)
	}
	if convos.ActiveID() != "c1" {
		t.Errorf("active = %q, want c1", convos.ActiveID())
	}
	if convos.UnreadTotal() != 1 {
		t.Errorf("unread = %d, want 1", convos.UnreadTotal())
	}
	if rejoin.calls != 1 {
		t.Errorf("rejoin calls = %d, want 1", rejoin.calls)
	}

	cached, err := db.LoadConversations("userA")
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 || cached[0].ID != "c1" {
		t.Errorf("cache = %+v", cached)
	}
	if ts, ok := r.LastFullSync(); !ok || time.Since(ts) > time.Minute {
		t.Errorf("LastFullSync = %v %v", ts, ok)
	}

	evt := <-events
	if p := evt.Payload.(Refreshed); p.Conversations != 2 || p.Unread != 1 {
		t.Errorf("refreshed payload = %+v", p)
	}
}

func TestRefreshErrorLeavesStore(t *testing.T) {
	convos := convo.New("userA", nil)
	fetch := &mockFetcher{raws: []string{convC1}}
	r := NewReconciler(fetch, convos, nil, nil, nil, nil)
	if err := r.Refresh(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	fetch.err = errors.New("502")
	if err := r.Refresh(context.Background(), ""); err == nil {
		t.Fatal("want error")
	}
	if len(convos.List()) != 1 {
		t.Error("failed refresh should keep previous contents")
	}
}

func TestWarmStartFromCache(t *testing.T) {
	db := testDB(t)
	if err := db.SaveConversations("userA", []json.RawMessage{json.RawMessage(convC2), json.RawMessage(`{broken`), json.RawMessage(convC1)}, []string{"c2", "bad", "c1"}); err != nil {
		t.Fatal(err)
	}

	convos := convo.New("userA", nil)
	r := NewReconciler(&mockFetcher{}, convos, db, nil, nil, nil)
	n, err := r.WarmStart()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("warm start loaded %d, want 2", n)
	}
	list := convos.List()
	if len(list) != 2 || list[0].ID != "c2" {
		t.Errorf("list = %+v", list)
	}
	if convos.Loading() {
		t.Error("store still loading after warm start")
	}

	n, _ = r.WarmStart()
	if n != 0 {
		t.Error("second warm start should not reload a seeded store")
	}
}

func TestCheckpoints(t *testing.T) {
	r := NewReconciler(&mockFetcher{}, convo.New("userA", nil), testDB(t), nil, nil, nil)
	if v, err := r.GetCheckpoint("k"); err != nil || v != "" {
		t.Fatalf("unset checkpoint = %q %v", v, err)
	}
	if err := r.UpdateCheckpoint("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.GetCheckpoint("k"); v != "v1" {
		t.Errorf("checkpoint = %q, want v1", v)
	}
}

func TestEnginePopupRefreshesThenAlerts(t *testing.T) {
	b := bus.New()
	alerts, unsub := b.Subscribe("alert.", 1)
	defer unsub()

	convos := convo.New("userA", b)
	fetch := &mockFetcher{raws: []string{convC1}}
	r := NewReconciler(fetch, convos, nil, nil, b, nil)
	gate := notify.New("userA", "/messages", 25, b, nil)
	gate.SetRoute("/dashboard")

	e := NewEngine(r, convos, gate, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	popup := protocol.PopupMessage{
		ID: "c1",
		Recipients: []protocol.Participant{
			{ID: "userA"},
			{ID: "userB", FirstName: "Bruno", LastName: "Costa"},
		},
		CurrentMessage: protocol.Message{ID: "m1", User: "userB", Content: "this message is well over twenty-five characters"},
	}
	b.Emit(bus.KindPopupMessage, popup)

	select {
	case evt := <-alerts:
		alert := evt.Payload.(notify.Alert)
		if alert.Body != "this message is well over..." {
			t.Errorf("body = %q", alert.Body)
		}
		if alert.Title != "Bruno Costa" {
			t.Errorf("title = %q", alert.Title)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert")
	}
	if len(convos.List()) != 1 {
		t.Error("store not refreshed before alert")
	}
	if convos.ActiveID() != "" {
		t.Error("popup for an inactive conversation must not change the active one")
	}
}

func TestEnginePopupInsideMessagingStillRefreshes(t *testing.T) {
	b := bus.New()
	alerts, unsub := b.Subscribe("alert.", 1)
	defer unsub()

	convos := convo.New("userA", b)
	fetch := &mockFetcher{raws: []string{convC2}}
	r := NewReconciler(fetch, convos, nil, nil, b, nil)
	if err := r.Refresh(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	gate := notify.New("userA", "/messages", 25, b, nil)
	gate.SetRoute("/messages/c2")
	e := NewEngine(r, convos, gate, b, nil)

	fetch.set(convC1, convC2)
	e.HandlePopup(context.Background(), protocol.PopupMessage{ID: "c2", CurrentMessage: protocol.Message{Content: "hello"}})

	if len(convos.List()) != 2 {
		t.Errorf("store has %d conversations, want 2", len(convos.List()))
	}
	if convos.ActiveID() != "c2" {
		t.Errorf("active = %q, want c2", convos.ActiveID())
	}
	if len(alerts) != 0 {
		t.Error("no alert expected inside messaging section")
	}
}

func TestEngineAppliesPresence(t *testing.T) {
	b := bus.New()
	convos := convo.New("userA", b)
	r := NewReconciler(&mockFetcher{raws: []string{convC1}}, convos, nil, nil, b, nil)
	if err := r.Refresh(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(r, convos, nil, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	b.Emit(bus.KindUserStatus, protocol.UserStatusChange{User: "userB", CurrentConversation: "c1", Status: "online"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, _ := convos.Get("c1"); c.Sender != nil && c.Sender.Status == "online" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("presence not applied")
}

func TestWarmStartIgnoresOtherUsersCache(t *testing.T) {
	db := testDB(t)
	if err := db.SaveConversations("userA", []json.RawMessage{json.RawMessage(convC1)}, []string{"c1"}); err != nil {
		t.Fatal(err)
	}

	convos := convo.New("userC", nil)
	r := NewReconciler(&mockFetcher{}, convos, db, nil, nil, nil)
	n, err := r.WarmStart()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(convos.List()) != 0 {
		t.Errorf("userC warmed with %d conversations from userA's cache", n)
	}
	if !convos.Loading() {
		t.Error("store should still be loading")
	}
}

func TestForgetClearsOnlyOwnCache(t *testing.T) {
	db := testDB(t)
	if err := db.SaveConversations("userB", []json.RawMessage{json.RawMessage(convC2)}, []string{"c2"}); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(&mockFetcher{raws: []string{convC1}}, convo.New("userA", nil), db, nil, nil, nil)
	if err := r.Refresh(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.LastFullSync(); !ok {
		t.Fatal("LastFullSync unset after refresh")
	}

	if err := r.Forget(); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.LoadConversations("userA"); len(got) != 0 {
		t.Errorf("userA cache = %d rows after Forget", len(got))
	}
	if _, ok := r.LastFullSync(); ok {
		t.Error("LastFullSync survived Forget")
	}
	if got, _ := db.LoadConversations("userB"); len(got) != 1 {
		t.Error("Forget dropped another user's cache")
	}
}

// gatedFetcher blocks each fetch until release is closed.
type gatedFetcher struct {
	mockFetcher
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) FetchConversations(ctx context.Context) (*backend.ConversationList, error) {
	close(f.entered)
	<-f.release
	return f.mockFetcher.FetchConversations(ctx)
}

func TestSeedWaitsForRefreshInFlight(t *testing.T) {
	convos := convo.New("userA", nil)
	fetch := &gatedFetcher{
		mockFetcher: mockFetcher{raws: []string{convC1}},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r := NewReconciler(fetch, convos, nil, nil, nil, nil)

	refreshed := make(chan error, 1)
	go func() { refreshed <- r.Refresh(context.Background(), "") }()
	<-fetch.entered

	var second protocol.Conversation
	if err := json.Unmarshal([]byte(convC2), &second); err != nil {
		t.Fatal(err)
	}
	seeded := make(chan struct{})
	go func() {
		r.Seed([]protocol.Conversation{second})
		close(seeded)
	}()

	select {
	case <-seeded:
		t.Fatal("seed ran while a refresh held the store")
	case <-time.After(50 * time.Millisecond):
	}

	close(fetch.release)
	if err := <-refreshed; err != nil {
		t.Fatal(err)
	}
	<-seeded
	list := convos.List()
	if len(list) != 1 || list[0].ID != "c2" {
		t.Errorf("list = %+v, want only c2", list)
	}
}

// Package messaging is the client surface of one authenticated user: it
// wires the connection, the conversation store, the send pipeline and the
// notification gate together and exposes the operations the UI calls.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/matheus3301/gigchat/internal/backend"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/config"
	"github.com/matheus3301/gigchat/internal/connection"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/notify"
	"github.com/matheus3301/gigchat/internal/outbox"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/status"
	"github.com/matheus3301/gigchat/internal/store"
	gsync "github.com/matheus3301/gigchat/internal/sync"
	"github.com/matheus3301/gigchat/internal/transport"
	"go.uber.org/zap"
)

// Config is what a Session needs besides the credential.
type Config struct {
	Settings config.Settings
	// Credentials is consulted on every connect. Defaults to a static
	// source holding the login credential.
	Credentials auth.Source
	// CredentialPath, when set, is watched and a change forces a reconnect.
	CredentialPath string
	DB             *store.DB
	Bus            *bus.Bus
	Logger         *zap.Logger
	Dialer         transport.Dialer
	HTTPClient     *http.Client
}

// Session is the per-user context. It is created at login and closed at
// logout; nothing in it outlives Close.
type Session struct {
	userID   string
	bus      *bus.Bus
	store    *convo.Store
	conn     *connection.Manager
	recon    *gsync.Reconciler
	engine   *gsync.Engine
	pipeline *outbox.Pipeline
	gate     *notify.Gate
	logger   *zap.Logger
	cancel   context.CancelFunc
	opened   time.Time
}

// Open builds the session for cred and starts connecting. A failed first
// connect is not an error: the connection manager keeps retrying.
func Open(ctx context.Context, cred auth.Credential, cfg Config) (*Session, error) {
	if !cred.Valid(time.Now()) {
		return nil, fmt.Errorf("open session: %w", auth.ErrNoCredential)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", cred.UserID))
	creds := cfg.Credentials
	if creds == nil {
		creds = auth.Static(cred)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.WebsocketDialer{HTTPClient: cfg.HTTPClient, Logger: logger.Named("transport")}
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	st := cfg.Settings

	convos := convo.New(cred.UserID, b)
	api := backend.New(st.APIURL, creds, cfg.HTTPClient, logger.Named("backend"))
	conn := connection.New(connection.Options{
		URL:         st.SocketURL,
		Dialer:      dialer,
		Credentials: creds,
		Machine:     status.NewMachine(b),
		Store:       convos,
		Bus:         b,
		Logger:      logger,
		Backoff:     connection.Backoff(st.Reconnect),
		AckTimeout:  st.AckTimeout,
	})
	recon := gsync.NewReconciler(api, convos, cfg.DB, conn, b, logger)
	conn.SetSeeder(recon)
	gate := notify.New(cred.UserID, st.MessagingRoute, st.AlertMaxLen, b, logger.Named("notify"))

	s := &Session{
		userID: cred.UserID,
		bus:    b,
		store:  convos,
		conn:   conn,
		recon:  recon,
		engine: gsync.NewEngine(recon, convos, gate, b, logger),
		pipeline: outbox.New(outbox.Options{
			Store:         convos,
			Emitter:       conn,
			Uploader:      api,
			Refresher:     recon,
			DB:            cfg.DB,
			Bus:           b,
			Logger:        logger,
			UploadTimeout: st.UploadTimeout,
		}),
		gate:   gate,
		logger: logger.Named("session"),
		opened: time.Now(),
	}

	if cfg.DB != nil {
		if n, err := cfg.DB.FailAbandonedOutbox("interrupted by restart"); err != nil {
			s.logger.Warn("failed to settle abandoned sends", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("settled abandoned sends", zap.Int64("count", n))
		}
	}
	if _, err := recon.WarmStart(); err != nil {
		s.logger.Warn("warm start failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.engine.Start(runCtx)
	if cfg.CredentialPath != "" {
		if err := conn.WatchCredential(runCtx, cfg.CredentialPath); err != nil {
			s.logger.Warn("credential watch unavailable", zap.Error(err))
		}
	}

	if err := conn.Connect(ctx); err != nil {
		s.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}
	s.logger.Info("session opened")
	return s, nil
}

// Close stops every background task and disconnects. The store is emptied.
func (s *Session) Close() {
	s.cancel()
	s.engine.Stop()
	s.conn.Disconnect()
	s.logger.Info("session closed")
}

// Forget drops what the profile database remembers about this user. Call it
// after Close on logout.
func (s *Session) Forget() error {
	return s.recon.Forget()
}

// UserID is the authenticated user.
func (s *Session) UserID() string { return s.userID }

// Bus is the session's event bus.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Store exposes the conversation store for read access.
func (s *Session) Store() *convo.Store { return s.store }

// ConnectionStatus returns the connection snapshot.
func (s *Session) ConnectionStatus() connection.Status { return s.conn.Status() }

// FetchUserChats refetches the conversation list. Failures are logged and
// leave the store as it was.
func (s *Session) FetchUserChats(ctx context.Context, currentConvoID string) {
	if err := s.recon.Refresh(ctx, currentConvoID); err != nil {
		s.logger.Warn("fetch user chats failed", zap.Error(err))
	}
}

// StartConversation opens (or finds) the direct conversation with
// recipientID and returns its id. ok is false when the backend did not
// answer with a conversation.
func (s *Session) StartConversation(ctx context.Context, recipientID string) (id string, ok bool) {
	ack, err := s.conn.Emit(ctx, protocol.EventInitializeConversation, protocol.InitializeConversationRequest{
		SenderID:    s.userID,
		RecipientID: recipientID,
	})
	if err != nil {
		s.logger.Warn("start conversation failed", zap.String("recipient_id", recipientID), zap.Error(err))
		return "", false
	}
	var conv protocol.Conversation
	if err := json.Unmarshal(ack, &conv); err != nil || conv.ID == "" {
		s.logger.Warn("start conversation: bad ack", zap.String("recipient_id", recipientID), zap.Error(err))
		return "", false
	}
	s.FetchUserChats(ctx, conv.ID)
	return conv.ID, true
}

// SendMessage sends a message in a conversation. An empty SenderID is the
// session user.
func (s *Session) SendMessage(ctx context.Context, req outbox.Request) (outbox.Receipt, error) {
	if req.SenderID == "" {
		req.SenderID = s.userID
	}
	if req.RecipientID == "" {
		if c, ok := s.store.Get(req.ConversationID); ok && c.Sender != nil {
			req.RecipientID = c.Sender.ID
		}
	}
	return s.pipeline.Send(ctx, req)
}

// RetryMessage resends a failed message.
func (s *Session) RetryMessage(ctx context.Context, convID, clientID string) (outbox.Receipt, error) {
	return s.pipeline.Retry(ctx, convID, clientID)
}

// DiscardMessage drops a failed message.
func (s *Session) DiscardMessage(convID, clientID string) error {
	return s.pipeline.Discard(convID, clientID)
}

// MarkSeen tells the backend the user has read convID and refetches. An
// unknown convID is refused; backend failures are logged and swallowed.
func (s *Session) MarkSeen(ctx context.Context, convID string) error {
	if _, ok := s.store.Get(convID); !ok {
		return fmt.Errorf("mark seen %s: %w", convID, convo.ErrConversationNotFound)
	}
	_, err := s.conn.Emit(ctx, protocol.EventMarkMessageAsSeen, protocol.MarkSeenRequest{
		ConversationID: convID,
		RecipientID:    s.userID,
		Seen:           time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("mark seen failed", zap.String("conversation_id", convID), zap.Error(err))
	}
	s.FetchUserChats(ctx, "")
	return nil
}

// GetConversation looks a conversation up in the store.
func (s *Session) GetConversation(id string) (convo.Conversation, bool) {
	return s.store.Get(id)
}

// SetActiveConversation marks id as the conversation on screen.
func (s *Session) SetActiveConversation(id string) (convo.Conversation, error) {
	return s.store.SetActive(id)
}

// SetRoute records the route the UI is showing, for the notification gate.
func (s *Session) SetRoute(route string) {
	s.gate.SetRoute(route)
}

// Route returns the last reported route.
func (s *Session) Route() string {
	return s.gate.Route()
}

// InMessagingSection reports whether the reported route suppresses alerts.
func (s *Session) InMessagingSection() bool {
	return s.gate.InMessagingSection()
}

// LastFullSync is when the conversation list was last fetched over REST.
func (s *Session) LastFullSync() (time.Time, bool) {
	return s.recon.LastFullSync()
}

// View renders the whole client surface.
func (s *Session) View() View {
	st := s.conn.Status()
	v := View{
		UserID:      s.userID,
		Status:      st.State,
		Loading:     s.store.Loading(),
		UnreadTotal: s.store.UnreadTotal(),
		Route:       s.gate.Route(),
		Version:     s.store.Version(),
	}
	for _, c := range s.store.List() {
		v.Conversations = append(v.Conversations, NewConversationView(c))
	}
	if active, ok := s.store.Active(); ok {
		cv := NewConversationView(active)
		v.Active = &cv
	}
	if ts, ok := s.recon.LastFullSync(); ok {
		v.LastSync = ts
	}
	return v
}

// Package connection owns the realtime channel of a session: connecting with
// the current credential, the handshake, reconnecting with backoff and
// republishing server pushes on the bus.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/status"
	"github.com/matheus3301/gigchat/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoCredential = auth.ErrNoCredential
	// ErrSuperseded is returned by a connect attempt that was overtaken by
	// Disconnect or Reconnect while it was dialing.
	ErrSuperseded = errors.New("connect attempt superseded")
	// ErrUserMismatch means the credential belongs to someone other than
	// the session's user.
	ErrUserMismatch = errors.New("credential is for a different user")
)

const (
	defaultAckTimeout  = 10 * time.Second
	defaultDialTimeout = 15 * time.Second
)

// Options configures a Manager. Dialer, Credentials, Machine and Store are
// required.
type Options struct {
	URL         string
	Dialer      transport.Dialer
	Credentials auth.Source
	Machine     *status.Machine
	Store       *convo.Store
	Bus         *bus.Bus
	Logger      *zap.Logger
	Backoff     Backoff
	AckTimeout  time.Duration
	DialTimeout time.Duration
}

// Seeder installs the conversation list returned by the handshake. Without
// one the store is replaced directly.
type Seeder interface {
	Seed(convos []protocol.Conversation)
}

// Status is a snapshot of the connection for status queries.
type Status struct {
	State     status.State
	Since     time.Time
	Attempt   int
	NextRetry time.Time
	LastError string
}

// Manager keeps at most one live channel. Every state change goes through
// the status machine while mu is held, so connect, drop and disconnect
// never interleave.
type Manager struct {
	url         string
	dialer      transport.Dialer
	creds       auth.Source
	machine     *status.Machine
	store       *convo.Store
	bus         *bus.Bus
	logger      *zap.Logger
	backoff     Backoff
	ackTimeout  time.Duration
	dialTimeout time.Duration

	mu        sync.Mutex
	ch        transport.Channel
	gen       uint64
	timer     *time.Timer
	nextRetry time.Time
	attempt   int
	lastErr   error
	seeder    Seeder
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := opts.Backoff
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff()
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Manager{
		url:         opts.URL,
		dialer:      opts.Dialer,
		creds:       opts.Credentials,
		machine:     opts.Machine,
		store:       opts.Store,
		bus:         opts.Bus,
		logger:      logger.Named("connection"),
		backoff:     backoff,
		ackTimeout:  ackTimeout,
		dialTimeout: dialTimeout,
	}
}

// SetSeeder routes handshake lists through s. Call it before Connect.
func (m *Manager) SetSeeder(s Seeder) {
	m.mu.Lock()
	m.seeder = s
	m.mu.Unlock()
}

// Connect opens the channel and runs the handshake. It is a no-op while
// connected or while another attempt is in flight. Without a usable
// credential it schedules a retry and returns ErrNoCredential.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.connect(ctx, gen)
}

func (m *Manager) connect(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	cur := m.machine.Current()
	if cur == status.Connected || cur == status.Connecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()

	cred, err := m.creds.Credential()
	if err == nil && !cred.Valid(time.Now()) {
		err = auth.ErrExpired
	}
	if err == nil && cred.UserID != m.store.CurrentUser() {
		err = fmt.Errorf("%w: got %s, session is %s", ErrUserMismatch, cred.UserID, m.store.CurrentUser())
	}
	if err != nil {
		m.lastErr = err
		m.scheduleLocked(gen)
		m.mu.Unlock()
		m.logger.Warn("no usable credential, retry scheduled", zap.Error(err))
		if errors.Is(err, ErrNoCredential) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if err := m.machine.CompareAndTransition(cur, status.Connecting); err != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	ch, err := m.dialer.Dial(dialCtx, m.url, http.Header{"Authorization": {cred.Bearer()}})
	cancel()
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.lastErr = err
			_ = m.machine.Transition(status.Disconnected)
			m.scheduleLocked(gen)
		}
		m.mu.Unlock()
		m.logger.Warn("dial failed", zap.String("url", m.url), zap.Error(err))
		return fmt.Errorf("dial: %w", err)
	}

	ch.On(protocol.EventPopupMessage, forward[protocol.PopupMessage](m, bus.KindPopupMessage))
	ch.On(protocol.EventUserStatus, forward[protocol.UserStatusChange](m, bus.KindUserStatus))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = ch.Close()
		return ErrSuperseded
	}
	m.ch = ch
	_ = m.machine.Transition(status.Connected)
	m.mu.Unlock()
	go m.watch(ch, gen)

	m.logger.Info("channel open", zap.String("url", m.url), zap.String("user_id", cred.UserID))

	if err := m.handshake(ctx, ch, cred.UserID); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("handshake failed", zap.Error(err))
		_ = ch.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	m.mu.Lock()
	m.attempt = 0
	m.lastErr = nil
	m.mu.Unlock()
	return nil
}

// handshake announces the user, seeds the store with the returned
// conversations and asks the backend to rejoin every old conversation room.
func (m *Manager) handshake(ctx context.Context, ch transport.Channel, userID string) error {
	ackCtx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()
	ack, err := ch.Emit(ackCtx, protocol.EventUserConnect, protocol.UserConnectRequest{UserID: userID})
	if err != nil {
		return err
	}
	var convos []protocol.Conversation
	if len(ack) > 0 && string(ack) != "null" {
		if err := json.Unmarshal(ack, &convos); err != nil {
			return fmt.Errorf("decode %s ack: %w", protocol.EventUserConnect, err)
		}
	}
	m.mu.Lock()
	seeder := m.seeder
	m.mu.Unlock()
	if seeder != nil {
		seeder.Seed(convos)
	} else {
		m.store.Replace(convos, "")
	}
	m.logger.Info("handshake complete", zap.Int("conversations", len(convos)), zap.Int("unread", m.store.UnreadTotal()))

	if err := ch.Notify(ctx, protocol.EventJoinOldConversations, protocol.UserConnectRequest{UserID: userID}); err != nil {
		m.logger.Warn("rejoin failed", zap.Error(err))
	}
	return nil
}

// watch turns the loss of a live channel into DISCONNECTED and a scheduled
// reconnect.
func (m *Manager) watch(ch transport.Channel, gen uint64) {
	<-ch.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.ch != ch {
		return
	}
	m.ch = nil
	if err := ch.Err(); err != nil {
		m.lastErr = err
	}
	m.logger.Warn("channel dropped", zap.Error(ch.Err()))
	_ = m.machine.Transition(status.Disconnected)
	m.scheduleLocked(gen)
}

func (m *Manager) scheduleLocked(gen uint64) {
	if m.timer != nil {
		return
	}
	if m.machine.Current() == status.Disconnected {
		_ = m.machine.Transition(status.ReconnectScheduled)
	}
	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	m.nextRetry = time.Now().Add(delay)
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempt))

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.timer != t {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.nextRetry = time.Time{}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout+m.ackTimeout)
		defer cancel()
		_ = m.connect(ctx, gen)
	})
	m.timer = t
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.nextRetry = time.Time{}
}

// Disconnect closes the channel, cancels any pending reconnect and empties
// the store. Calling it again is harmless.
func (m *Manager) Disconnect() {
	ch := m.teardown()
	if ch != nil {
		_ = ch.Close()
	}
	m.store.Reset()
	m.logger.Info("disconnected")
}

// Reconnect drops the current channel, if any, and connects again right
// away. It is used when the credential changes.
func (m *Manager) Reconnect(ctx context.Context) error {
	ch := m.teardown()
	if ch != nil {
		_ = ch.Close()
	}
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.connect(ctx, gen)
}

func (m *Manager) teardown() transport.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopTimerLocked()
	m.attempt = 0
	ch := m.ch
	m.ch = nil
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	return ch
}

// Emit sends a command and returns the acknowledgement payload.
func (m *Manager) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ch := m.live()
	if ch == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()
	ack, err := ch.Emit(ctx, event, payload)
	if errors.Is(err, transport.ErrClosed) {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return ack, err
}

// Notify sends a fire-and-forget command.
func (m *Manager) Notify(ctx context.Context, event string, payload any) error {
	ch := m.live()
	if ch == nil {
		return ErrNotConnected
	}
	err := ch.Notify(ctx, event, payload)
	if errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

// Rejoin asks the backend to re-subscribe the user to every conversation.
func (m *Manager) Rejoin(ctx context.Context) error {
	return m.Notify(ctx, protocol.EventJoinOldConversations, protocol.UserConnectRequest{UserID: m.store.CurrentUser()})
}

// WatchCredential reconnects whenever the credential file changes, until
// ctx is done.
func (m *Manager) WatchCredential(ctx context.Context, path string) error {
	return auth.Watch(ctx, path, m.logger, func() {
		m.logger.Info("credential changed, reconnecting")
		if err := m.Reconnect(ctx); err != nil {
			m.logger.Warn("reconnect after credential change", zap.Error(err))
		}
	})
}

// Connected reports whether a channel is live.
func (m *Manager) Connected() bool {
	return m.live() != nil
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Status returns a snapshot for status queries.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.machine.Current(),
		Since:     m.machine.Since(),
		Attempt:   m.attempt,
		NextRetry: m.nextRetry,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) live() transport.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != status.Connected {
		return nil
	}
	return m.ch
}

// forward decodes a push and republishes it on the bus as kind.
func forward[T any](m *Manager, kind string) transport.Handler {
	return func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			m.logger.Warn("bad push payload", zap.String("kind", kind), zap.Error(err))
			return
		}
		m.bus.Emit(kind, v)
	}
}

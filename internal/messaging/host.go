package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/gigchat/internal/auth"
	"go.uber.org/zap"
)

// ErrNoSession is returned when nobody is logged in.
var ErrNoSession = errors.New("no active session")

// Opener builds a session for a credential.
type Opener func(ctx context.Context, cred auth.Credential) (*Session, error)

// Host holds at most one Session. Login replaces it, Logout closes it.
type Host struct {
	credPath string
	open     Opener
	logger   *zap.Logger

	mu      sync.Mutex
	session *Session
}

// NewHost creates a host. credPath is where the token is persisted; it may
// be empty to keep credentials in memory only.
func NewHost(credPath string, open Opener, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{credPath: credPath, open: open, logger: logger.Named("host")}
}

// Login validates token, stores it and opens a fresh session, closing any
// previous one.
func (h *Host) Login(ctx context.Context, token string) (*Session, error) {
	cred, err := auth.ParseToken(token)
	if err != nil {
		return nil, err
	}
	if !cred.Valid(time.Now()) {
		if cred.UserID == "" {
			return nil, fmt.Errorf("%w: token has no user id", auth.ErrNoCredential)
		}
		return nil, auth.ErrExpired
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		prev := h.session
		h.session = nil
		prev.Close()
		if prev.UserID() != cred.UserID {
			h.forget(prev)
		}
	}
	if h.credPath != "" {
		if err := auth.Save(h.credPath, token); err != nil {
			return nil, fmt.Errorf("save credential: %w", err)
		}
	}
	s, err := h.open(ctx, cred)
	if err != nil {
		return nil, err
	}
	h.session = s
	h.logger.Info("logged in", zap.String("user_id", cred.UserID))
	return s, nil
}

// Resume opens a session from the stored credential, if there is a usable
// one. It reports whether a session is now active.
func (h *Host) Resume(ctx context.Context) (bool, error) {
	if h.credPath == "" {
		return false, nil
	}
	cred, err := auth.FileSource{Path: h.credPath}.Credential()
	if errors.Is(err, auth.ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cred.Valid(time.Now()) {
		h.logger.Info("stored credential is not usable, login required")
		return false, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		return true, nil
	}
	s, err := h.open(ctx, cred)
	if err != nil {
		return false, err
	}
	h.session = s
	h.logger.Info("session resumed", zap.String("user_id", cred.UserID))
	return true, nil
}

// Logout closes the session, drops the user's cached conversations and
// forgets the stored credential.
func (h *Host) Logout() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		prev := h.session
		h.session = nil
		prev.Close()
		h.forget(prev)
	}
	if h.credPath != "" {
		return auth.Remove(h.credPath)
	}
	return nil
}

func (h *Host) forget(s *Session) {
	if err := s.Forget(); err != nil {
		h.logger.Warn("failed to clear cached conversations", zap.String("user_id", s.UserID()), zap.Error(err))
	}
}

// Current returns the active session.
func (h *Host) Current() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil, ErrNoSession
	}
	return h.session, nil
}

// Close closes the session but keeps the stored credential.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		h.session.Close()
		h.session = nil
	}
}

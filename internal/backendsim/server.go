// Package backendsim is an in-memory stand-in for the marketplace messaging
// backend. It speaks the same REST and websocket protocol and is used by
// integration tests and local development.
package backendsim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotParticipant      = errors.New("user is not a participant")
)

type ctxKey struct{}

type asset struct {
	meta protocol.Attachment
	data []byte
}

// Server holds users, conversations, uploaded assets and live sockets.
type Server struct {
	secret []byte
	logger *zap.Logger
	router chi.Router

	mu          sync.Mutex
	users       map[string]protocol.Participant
	convos      map[string]*protocol.Conversation
	order       []string
	assets      map[string]asset
	clients     map[string]map[*client]struct{}
	failUploads map[string]bool
	seq         int
	now         func() time.Time
}

// New creates a simulator that signs tokens with secret.
func New(secret []byte, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		secret:      secret,
		logger:      logger.Named("backendsim"),
		users:       make(map[string]protocol.Participant),
		convos:      make(map[string]*protocol.Conversation),
		assets:      make(map[string]asset),
		clients:     make(map[string]map[*client]struct{}),
		failUploads: make(map[string]bool),
		now:         time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler serves the REST and websocket endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/files/{id}", s.handleFile)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/chat", s.handleChats)
		r.Post("/upload", s.handleUpload)
		r.Get("/ws", s.handleSocket)
	})
	return r
}

// AddUser registers a user. Re-adding replaces the profile.
func (s *Server) AddUser(p protocol.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = p
}

// IssueToken signs an HS256 token for userID valid for ttl.
func (s *Server) IssueToken(userID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", userID, ErrUnknownUser)
	}
	claims := jwt.MapClaims{
		"_id": userID,
		"sub": userID,
		"iat": s.now().Unix(),
		"exp": s.now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// CreateConversation adds a conversation between members and returns its id.
func (s *Server) CreateConversation(kind, title string, members ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.createLocked(kind, title, members)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (s *Server) createLocked(kind, title string, members []string) (*protocol.Conversation, error) {
	recipients := make([]protocol.Participant, 0, len(members))
	for _, id := range members {
		u, ok := s.users[id]
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, ErrUnknownUser)
		}
		recipients = append(recipients, u)
	}
	c := &protocol.Conversation{
		ID:         s.nextIDLocked("conv"),
		Type:       kind,
		Title:      title,
		Recipients: recipients,
		Messages:   []protocol.Message{},
		CreatedAt:  s.now().UTC(),
	}
	s.convos[c.ID] = c
	s.order = append(s.order, c.ID)
	return c, nil
}

// PostMessage stores a message from userID and pushes POPUP_MESSAGE to the
// other participants.
func (s *Server) PostMessage(convID, userID, content string) (protocol.Message, error) {
	return s.post(protocol.SendMessageRequest{
		SenderID:       userID,
		ConversationID: convID,
		Message:        content,
		Type:           protocol.MessageText,
	})
}

func (s *Server) post(req protocol.SendMessageRequest) (protocol.Message, error) {
	s.mu.Lock()
	c, ok := s.convos[req.ConversationID]
	if !ok {
		s.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("%s: %w", req.ConversationID, ErrUnknownConversation)
	}
	if !isMember(c, req.SenderID) {
		s.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("%s: %w", req.SenderID, ErrNotParticipant)
	}
	attachments := make([]protocol.Attachment, 0, len(req.Attachments))
	for _, id := range req.Attachments {
		a, ok := s.assets[id]
		if !ok {
			s.mu.Unlock()
			return protocol.Message{}, fmt.Errorf("unknown attachment %s", id)
		}
		attachments = append(attachments, a.meta)
	}
	m := protocol.Message{
		ID:          s.nextIDLocked("msg"),
		User:        req.SenderID,
		Content:     req.Message,
		Type:        req.Type,
		ReadBy:      []string{req.SenderID},
		Attachments: attachments,
		ClientID:    req.ClientID,
		CreatedAt:   s.now().UTC(),
	}
	c.Messages = append(c.Messages, m)
	m.ReadBy = slices.Clone(m.ReadBy)
	popup := protocol.PopupMessage{ID: c.ID, Type: c.Type, Recipients: slices.Clone(c.Recipients), CurrentMessage: m}
	targets := s.socketsLocked(lo.Without(memberIDs(c), req.SenderID)...)
	s.mu.Unlock()

	for _, cl := range targets {
		cl.push(protocol.EventPopupMessage, popup)
	}
	return m, nil
}

// MarkSeen adds userID to readBy of every message in convID.
func (s *Server) MarkSeen(convID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[convID]
	if !ok {
		return fmt.Errorf("%s: %w", convID, ErrUnknownConversation)
	}
	for i := range c.Messages {
		if !slices.Contains(c.Messages[i].ReadBy, userID) {
			c.Messages[i].ReadBy = append(c.Messages[i].ReadBy, userID)
		}
	}
	return nil
}

// SetStatus changes a user's presence and pushes USER_STATUS to everyone
// sharing a conversation with them.
func (s *Server) SetStatus(userID, status string) {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	u.Status = status
	s.users[userID] = u
	type delivery struct {
		cl     *client
		convID string
	}
	var out []delivery
	for _, id := range s.order {
		c := s.convos[id]
		if !isMember(c, userID) {
			continue
		}
		for i := range c.Recipients {
			if c.Recipients[i].ID == userID {
				c.Recipients[i].Status = status
			}
		}
		for _, cl := range s.socketsLocked(lo.Without(memberIDs(c), userID)...) {
			out = append(out, delivery{cl, c.ID})
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.cl.push(protocol.EventUserStatus, protocol.UserStatusChange{User: userID, CurrentConversation: d.convID, Status: status})
	}
}

// FailUploadsNamed makes uploads of files called name fail with 500.
func (s *Server) FailUploadsNamed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads[name] = true
}

// Conversations returns deep copies of userID's conversations.
func (s *Server) Conversations(userID string) []protocol.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked(userID)
}

func (s *Server) conversationsLocked(userID string) []protocol.Conversation {
	out := []protocol.Conversation{}
	for _, id := range s.order {
		c := s.convos[id]
		if !isMember(c, userID) {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	return out
}

func cloneConversation(c *protocol.Conversation) protocol.Conversation {
	cp := *c
	cp.Recipients = slices.Clone(c.Recipients)
	cp.Messages = lo.Map(c.Messages, func(m protocol.Message, _ int) protocol.Message {
		m.ReadBy = slices.Clone(m.ReadBy)
		m.Attachments = slices.Clone(m.Attachments)
		return m
	})
	return cp
}

// Connections returns how many sockets userID has open.
func (s *Server) Connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[userID])
}

// DropConnections closes every socket of userID.
func (s *Server) DropConnections(userID string) {
	s.mu.Lock()
	targets := s.socketsLocked(userID)
	s.mu.Unlock()
	for _, cl := range targets {
		cl.close()
	}
}

func (s *Server) socketsLocked(userIDs ...string) []*client {
	var out []*client
	for _, id := range userIDs {
		for cl := range s.clients[id] {
			out = append(out, cl)
		}
	}
	return out
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		userID, _ := claims["_id"].(string)
		s.mu.Lock()
		_, known := s.users[userID]
		s.mu.Unlock()
		if !known {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func isMember(c *protocol.Conversation, userID string) bool {
	return lo.ContainsBy(c.Recipients, func(p protocol.Participant) bool { return p.ID == userID })
}

func memberIDs(c *protocol.Conversation) []string {
	return lo.Map(c.Recipients, func(p protocol.Participant, _ int) string { return p.ID })
}

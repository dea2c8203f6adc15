// Package notify decides whether an incoming message should raise a
// user-visible alert, based on the route the UI reports.
package notify

import (
	"strings"
	"sync"

	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "/messages"
	DefaultMaxLen = 25
	ellipsis      = "..."
)

// Alert is a transient notification for a message that arrived while the
// user was outside the messaging section.
type Alert struct {
	ConversationID string
	MessageID      string
	Title          string
	Body           string
	ImageURL       string
}

// Gate holds the current route and turns popup pushes into alerts.
type Gate struct {
	user   string
	prefix string
	maxLen int
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.RWMutex
	route string
}

// New creates a gate for currentUser. Zero prefix or maxLen use the defaults.
func New(currentUser, prefix string, maxLen int, b *bus.Bus, logger *zap.Logger) *Gate {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "/"
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{user: currentUser, prefix: prefix, maxLen: maxLen, bus: b, logger: logger}
}

// SetRoute records the route the UI is showing.
func (g *Gate) SetRoute(route string) {
	g.mu.Lock()
	g.route = route
	g.mu.Unlock()
}

// Route returns the last reported route.
func (g *Gate) Route() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.route
}

// InMessagingSection reports whether the current route is the messaging
// prefix or below it.
func (g *Gate) InMessagingSection() bool {
	route := g.Route()
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	if g.prefix == "/" {
		return strings.HasPrefix(route, "/")
	}
	return route == g.prefix || strings.HasPrefix(route, g.prefix+"/")
}

// Evaluate returns the alert for popup, publishing it on the bus, or false
// when the user is inside the messaging section.
func (g *Gate) Evaluate(popup protocol.PopupMessage) (Alert, bool) {
	if g.InMessagingSection() {
		g.logger.Debug("alert suppressed in messaging section", zap.String("conversation_id", popup.ID))
		return Alert{}, false
	}
	alert := Alert{
		ConversationID: popup.ID,
		MessageID:      popup.CurrentMessage.ID,
		Body:           Truncate(popup.CurrentMessage.Content, g.maxLen),
	}
	counterpart, ok := lo.Find(popup.Recipients, func(p protocol.Participant) bool { return p.ID != g.user })
	if ok {
		alert.Title = counterpart.FullName()
		alert.ImageURL = counterpart.ImageURL()
	}
	g.bus.Emit(bus.KindAlertMessage, alert)
	return alert, true
}

// Truncate cuts s to max runes followed by "..." when it is longer.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + ellipsis
}

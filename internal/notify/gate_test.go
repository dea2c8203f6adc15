package notify

import (
	"strings"
	"testing"

	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/stretchr/testify/require"
)

func popup(content string) protocol.PopupMessage {
	return protocol.PopupMessage{
		ID: "c1",
		Recipients: []protocol.Participant{
			{ID: "userA", FirstName: "Ana"},
			{ID: "userB", FirstName: "Bruno", LastName: "Costa", ProfileImage: &protocol.Image{URL: "http://cdn/b.png"}},
		},
		CurrentMessage: protocol.Message{ID: "m1", User: "userB", Content: content},
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 25, "short"},
		{strings.Repeat("a", 25), 25, strings.Repeat("a", 25)},
		{strings.Repeat("a", 40), 25, strings.Repeat("a", 25) + "..."},
		{strings.Repeat("é", 30), 25, strings.Repeat("é", 25) + "..."},
		{"", 25, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Truncate(tt.in, tt.max))
	}
}

func TestInMessagingSection(t *testing.T) {
	g := New("userA", "", 0, nil, nil)
	tests := []struct {
		route string
		want  bool
	}{
		{"", false},
		{"/", false},
		{"/dashboard", false},
		{"/messages", true},
		{"/messages/c1", true},
		{"/messages?c=1", true},
		{"/messagesboard", false},
		{"/jobs/messages", false},
	}
	for _, tt := range tests {
		g.SetRoute(tt.route)
		require.Equal(t, tt.want, g.InMessagingSection(), "route %q", tt.route)
	}
}

func TestEvaluateOutsideMessaging(t *testing.T) {
	b := bus.New()
	alerts, unsub := b.Subscribe("alert.", 1)
	defer unsub()

	g := New("userA", "/messages", 25, b, nil)
	g.SetRoute("/dashboard")

	alert, ok := g.Evaluate(popup(strings.Repeat("x", 40)))
	require.True(t, ok)
	require.Equal(t, strings.Repeat("x", 25)+"...", alert.Body)
	require.Len(t, alert.Body, 28)
	require.Equal(t, "Bruno Costa", alert.Title)
	require.Equal(t, "http://cdn/b.png", alert.ImageURL)
	require.Equal(t, "c1", alert.ConversationID)

	evt := <-alerts
	require.Equal(t, bus.KindAlertMessage, evt.Kind)
	require.Equal(t, alert, evt.Payload.(Alert))
}

func TestEvaluateInsideMessaging(t *testing.T) {
	b := bus.New()
	alerts, unsub := b.Subscribe("alert.", 1)
	defer unsub()

	g := New("userA", "/messages", 25, b, nil)
	g.SetRoute("/messages/c1")

	_, ok := g.Evaluate(popup("hello"))
	require.False(t, ok)
	require.Empty(t, alerts)
}

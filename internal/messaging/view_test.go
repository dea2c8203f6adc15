package messaging

import (
	"testing"
	"time"

	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/stretchr/testify/require"
)

func TestNewConversationView(t *testing.T) {
	at := time.Date(2024, time.March, 5, 14, 7, 0, 0, time.UTC)
	c := convo.Conversation{
		ID:        "c1",
		Type:      "DIRECT",
		Header:    convo.Header{Title: "Bruno Costa", Description: "Go developer"},
		Sender:    &convo.Participant{ID: "userB", FirstName: "Bruno", LastName: "Costa", ImageURL: "http://cdn/b.png", Status: "online"},
		CreatedAt: at,
		Messages: []convo.Message{{
			ID:          "m1",
			Content:     "see attached",
			State:       convo.StateSent,
			Attachments: []convo.Attachment{{Name: "cv.pdf", Size: 1_500_000, MediaType: "application/pdf", Progress: 100}},
		}},
		LastMessage: &convo.Summary{Content: "see attached", At: at},
		UnreadCount: 1,
	}

	v := NewConversationView(c)
	require.Equal(t, at.Local().Format("January 2, 2006"), v.CreatedAt)
	require.Equal(t, at.Local().Format("03:04 PM"), v.LastMessageTime)
	require.Equal(t, "see attached", v.LastMessage)
	require.Equal(t, "Bruno Costa", v.SenderName)
	require.Equal(t, "online", v.SenderStatus)
	require.Len(t, v.Messages, 1)
	require.Equal(t, "1.5 MB", v.Messages[0].Attachments[0].Size)
}

func TestConversationViewWithoutMessages(t *testing.T) {
	v := NewConversationView(convo.Conversation{ID: "c2", Type: "GROUP", Header: convo.Header{Title: "Team"}})
	require.Empty(t, v.LastMessage)
	require.Empty(t, v.LastMessageTime)
	require.Empty(t, v.CreatedAt)
	require.Empty(t, v.Messages)
}

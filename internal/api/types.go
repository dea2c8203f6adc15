package api

import (
	"time"

	"github.com/matheus3301/gigchat/internal/messaging"
	"github.com/matheus3301/gigchat/internal/status"
)

// Empty is the request and response of calls that carry nothing.
type Empty struct{}

// StatusResponse describes the daemon, the session and its connection.
type StatusResponse struct {
	Profile     string       `json:"profile"`
	UptimeMs    int64        `json:"uptimeMs"`
	LoggedIn    bool         `json:"loggedIn"`
	UserID      string       `json:"userId,omitempty"`
	State       status.State `json:"state"`
	Since       time.Time    `json:"since,omitzero"`
	Attempt     int          `json:"attempt,omitempty"`
	NextRetry   time.Time    `json:"nextRetry,omitzero"`
	LastError   string       `json:"lastError,omitempty"`
	Loading     bool         `json:"loading"`
	UnreadTotal int          `json:"unreadTotal"`
	Route       string       `json:"route,omitempty"`
	LastSync    time.Time    `json:"lastSync,omitzero"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type LoginResponse struct {
	UserID string `json:"userId"`
}

type ListConversationsRequest struct {
	CurrentConversationID string `json:"currentConversationId,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []messaging.ConversationView `json:"conversations"`
	UnreadTotal   int                          `json:"unreadTotal"`
	Loading       bool                         `json:"loading"`
	ActiveID      string                       `json:"activeId,omitempty"`
}

// ConversationView is the conversation shape returned by GetConversation
// and SetActiveConversation.
type ConversationView = messaging.ConversationView

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type StartConversationRequest struct {
	RecipientID string `json:"recipientId"`
}

type StartConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	Type           string   `json:"type,omitempty"`
	Text           string   `json:"text,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

type MessageRequest struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
}

// SendResponse reports a send outcome. A failed send is a successful call
// with State "failed"; the message stays listed for retry or discard.
type SendResponse struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId,omitempty"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
}

type MarkSeenResponse struct {
	UnreadTotal int `json:"unreadTotal"`
}

type RouteRequest struct {
	Route string `json:"route"`
}

type RouteResponse struct {
	Route       string `json:"route"`
	InMessaging bool   `json:"inMessaging"`
}

type WatchRequest struct {
	// Prefix filters events by kind, e.g. "alert.". Empty watches everything.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed to watchers.
type Event struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Payload          any    `json:"payload,omitempty"`
}

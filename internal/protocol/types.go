package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Conversation is a conversation as the backend serialises it.
type Conversation struct {
	ID          string        `json:"_id"`
	Type        string        `json:"type"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Recipients  []Participant `json:"recipients"`
	Messages    []Message     `json:"messages"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Participant is a user taking part in a conversation.
type Participant struct {
	ID           string  `json:"_id"`
	FirstName    string  `json:"firstName"`
	LastName     string  `json:"lastName"`
	ProfileImage *Image  `json:"profileImage,omitempty"`
	Profile      *Bio    `json:"profile,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Status       string  `json:"status,omitempty"`
}

// FullName is "First Last" trimmed.
func (p Participant) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// ImageURL returns the profile image URL or "".
func (p Participant) ImageURL() string {
	if p.ProfileImage == nil {
		return ""
	}
	return p.ProfileImage.URL
}

// BioTitle returns the professional headline or "".
func (p Participant) BioTitle() string {
	if p.Profile == nil || p.Profile.Bio == nil {
		return ""
	}
	return p.Profile.Bio.Title
}

// Image is a hosted image reference.
type Image struct {
	URL string `json:"url"`
}

// Bio wraps the profile bio the backend nests under "profile".
type Bio struct {
	Bio *struct {
		Title string `json:"title"`
	} `json:"bio,omitempty"`
}

// Message is one message as the backend serialises it.
type Message struct {
	ID          string       `json:"_id"`
	User        string       `json:"user"`
	Content     string       `json:"content"`
	Type        string       `json:"type,omitempty"`
	ReadBy      []string     `json:"readBy,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Attachment is a committed server asset.
type Attachment struct {
	ID   string   `json:"_id"`
	Name string   `json:"name"`
	Size ByteSize `json:"size"`
	Type string   `json:"type"`
	URL  string   `json:"url"`
}

// ByteSize accepts both 1024 and "1024" on the wire.
type ByteSize int64

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*b = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("size %q: %w", data, err)
	}
	*b = ByteSize(n)
	return nil
}

// PopupMessage is the POPUP_MESSAGE payload: the conversation that changed
// and the message that triggered the push.
type PopupMessage struct {
	ID             string        `json:"_id"`
	Type           string        `json:"type,omitempty"`
	Recipients     []Participant `json:"recipients"`
	CurrentMessage Message       `json:"currentMessage"`
}

// UserStatusChange is the USER_STATUS payload.
type UserStatusChange struct {
	User                string `json:"user"`
	CurrentConversation string `json:"currentConversation"`
	Status              string `json:"status"`
}

// UserConnectRequest is the USER_CONNECT and JOIN_OLD_CONVERSATIIONS payload.
type UserConnectRequest struct {
	UserID string `json:"userId"`
}

// InitializeConversationRequest opens (or finds) a direct conversation.
type InitializeConversationRequest struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
}

// SendMessageRequest is the SEND_MESSAGE payload. ClientID echoes the
// provisional id so the backend can stamp it on the stored message.
type SendMessageRequest struct {
	SenderID       string   `json:"senderId"`
	RecipientID    string   `json:"recipientId"`
	Type           string   `json:"type"`
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId"`
	Attachments    []string `json:"attachments"`
	ClientID       string   `json:"clientId,omitempty"`
}

// MarkSeenRequest is the MARK_MESSAGE_AS_SEEN payload.
type MarkSeenRequest struct {
	ConversationID string    `json:"conversationId"`
	RecipientID    string    `json:"recipientId"`
	Seen           time.Time `json:"seen"`
}

// Envelope is the REST response wrapper.
type Envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// StatusSuccess marks a successful REST envelope.
const StatusSuccess = "success"

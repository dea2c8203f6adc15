package messaging

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/status"
	"github.com/samber/lo"
)

// Display formats for dates shown next to conversations.
const (
	CreatedAtLayout   = "January 2, 2006"
	LastMessageLayout = "03:04 PM"
)

// View is the full client surface at one point in time.
type View struct {
	UserID        string             `json:"userId"`
	Status        status.State       `json:"status"`
	Loading       bool               `json:"loading"`
	UnreadTotal   int                `json:"unreadTotal"`
	Route         string             `json:"route"`
	Version       uint64             `json:"version"`
	LastSync      time.Time          `json:"lastSync,omitempty"`
	Active        *ConversationView  `json:"active,omitempty"`
	Conversations []ConversationView `json:"conversations"`
}

// ConversationView is a conversation with display-ready fields.
type ConversationView struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	SenderID        string        `json:"senderId"`
	SenderName      string        `json:"senderName"`
	SenderImage     string        `json:"senderImage"`
	SenderStatus    string        `json:"senderStatus"`
	UnreadCount     int           `json:"unreadCount"`
	LastMessage     string        `json:"lastMessage"`
	LastMessageTime string        `json:"lastMessageTime"`
	CreatedAt       string        `json:"createdAt"`
	Messages        []MessageView `json:"messages"`
}

// MessageView is a message with display-ready attachments.
type MessageView struct {
	ID            string           `json:"id"`
	ClientID      string           `json:"clientId"`
	AuthorID      string           `json:"authorId"`
	Content       string           `json:"content"`
	IsSent        bool             `json:"isSent"`
	IsRead        bool             `json:"isRead"`
	State         convo.SendState  `json:"state"`
	FailureReason string           `json:"failureReason,omitempty"`
	Attachments   []AttachmentView `json:"attachments,omitempty"`
}

// AttachmentView shows the size in human units.
type AttachmentView struct {
	Name     string `json:"name"`
	Size     string `json:"size"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Progress int    `json:"progress"`
}

// NewConversationView formats c for display.
func NewConversationView(c convo.Conversation) ConversationView {
	v := ConversationView{
		ID:          c.ID,
		Type:        c.Type,
		Title:       c.Header.Title,
		Description: c.Header.Description,
		UnreadCount: c.UnreadCount,
		Messages:    lo.Map(c.Messages, func(m convo.Message, _ int) MessageView { return newMessageView(m) }),
	}
	if !c.CreatedAt.IsZero() {
		v.CreatedAt = c.CreatedAt.Local().Format(CreatedAtLayout)
	}
	if c.Sender != nil {
		v.SenderID = c.Sender.ID
		v.SenderName = c.Sender.FullName()
		v.SenderImage = c.Sender.ImageURL
		v.SenderStatus = c.Sender.Status
	}
	if c.LastMessage != nil {
		v.LastMessage = c.LastMessage.Content
		if !c.LastMessage.At.IsZero() {
			v.LastMessageTime = c.LastMessage.At.Local().Format(LastMessageLayout)
		}
	}
	return v
}

func newMessageView(m convo.Message) MessageView {
	return MessageView{
		ID:            m.ID,
		ClientID:      m.ClientID,
		AuthorID:      m.AuthorID,
		Content:       m.Content,
		IsSent:        m.IsSent,
		IsRead:        m.IsRead,
		State:         m.State,
		FailureReason: m.FailureReason,
		Attachments: lo.Map(m.Attachments, func(a convo.Attachment, _ int) AttachmentView {
			return AttachmentView{
				Name:     a.Name,
				Size:     humanize.Bytes(uint64(max(a.Size, 0))),
				Type:     a.MediaType,
				URL:      a.URL,
				Progress: a.Progress,
			}
		}),
	}
}

package convo

import (
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/samber/lo"
)

// Normalize turns a backend conversation into the read model seen by
// currentUser.
func Normalize(raw protocol.Conversation, currentUser string) Conversation {
	participants := lo.Map(raw.Recipients, func(p protocol.Participant, _ int) Participant {
		return participantFrom(p)
	})

	c := Conversation{
		ID:           raw.ID,
		Type:         raw.Type,
		Participants: participants,
		CreatedAt:    raw.CreatedAt,
		Messages: lo.Map(raw.Messages, func(m protocol.Message, _ int) Message {
			return messageFrom(m, currentUser)
		}),
	}
	if sender, ok := lo.Find(participants, func(p Participant) bool { return p.ID != currentUser }); ok {
		c.Sender = &sender
	}
	if recipient, ok := lo.Find(participants, func(p Participant) bool { return p.ID == currentUser }); ok {
		c.Recipient = &recipient
	}
	c.Header = headerFor(raw, c.Sender)
	c.derive()
	return c
}

// UnreadCount counts messages neither written nor read by currentUser.
func UnreadCount(messages []protocol.Message, currentUser string) int {
	return lo.CountBy(messages, func(m protocol.Message) bool {
		return m.User != currentUser && !lo.Contains(m.ReadBy, currentUser)
	})
}

// derive recomputes the fields that depend on the message sequence. It
// scans every message; nothing is maintained incrementally.
func (c *Conversation) derive() {
	c.UnreadCount = lo.CountBy(c.Messages, func(m Message) bool {
		return !m.Provisional && !m.IsSent && !m.IsRead
	})
	c.LastMessage = nil
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessage = &Summary{Content: last.Content, At: last.CreatedAt}
	}
}

func headerFor(raw protocol.Conversation, sender *Participant) Header {
	if raw.Type != protocol.TypeDirect {
		return Header{Title: raw.Title, Description: raw.Description}
	}
	if sender == nil {
		return Header{}
	}
	return Header{Title: sender.FullName(), Description: sender.BioTitle}
}

func participantFrom(p protocol.Participant) Participant {
	return Participant{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		ImageURL:  p.ImageURL(),
		BioTitle:  p.BioTitle(),
		Score:     p.Score,
		Status:    p.Status,
	}
}

func messageFrom(m protocol.Message, currentUser string) Message {
	return Message{
		ID:       m.ID,
		ClientID: m.ClientID,
		AuthorID: m.User,
		Content:  m.Content,
		Attachments: lo.Map(m.Attachments, func(a protocol.Attachment, _ int) Attachment {
			return Attachment{
				ID:        a.ID,
				Name:      a.Name,
				Size:      int64(a.Size),
				MediaType: a.Type,
				URL:       a.URL,
				Progress:  100,
			}
		}),
		IsSent:    m.User == currentUser,
		IsRead:    lo.Contains(m.ReadBy, currentUser),
		State:     StateSent,
		CreatedAt: m.CreatedAt,
	}
}

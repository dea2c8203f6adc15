package convo

import "time"

// SendState is where a message is in its send lifecycle.
type SendState string

const (
	StatePending SendState = "pending"
	StateSent    SendState = "sent"
	StateFailed  SendState = "failed"
)

// Header is what a conversation list row shows as title and subtitle.
type Header struct {
	Title       string
	Description string
}

// Participant is a normalised conversation member.
type Participant struct {
	ID        string
	FirstName string
	LastName  string
	ImageURL  string
	BioTitle  string
	Score     float64
	Status    string
}

// FullName is "First Last".
func (p Participant) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Attachment belongs to a message. Before commit it is identified by
// LocalHandle and has no URL; after commit ID is the server asset id.
type Attachment struct {
	ID          string
	LocalHandle string
	Name        string
	Size        int64
	MediaType   string
	URL         string
	Progress    int
}

// Message is a normalised message. Provisional messages were inserted
// locally, carry the client id as ID until the server assigns one, and are
// never counted as unread.
type Message struct {
	ID            string
	ClientID      string
	AuthorID      string
	Content       string
	Attachments   []Attachment
	IsSent        bool
	IsRead        bool
	State         SendState
	Provisional   bool
	FailureReason string
	CreatedAt     time.Time
}

// Summary is the last-message line of a conversation row.
type Summary struct {
	Content string
	At      time.Time
}

// Conversation is a normalised conversation. Values handed out by Store are
// copies; holding one across a refresh yields stale data, never shared state.
type Conversation struct {
	ID           string
	Type         string
	Header       Header
	Sender       *Participant
	Recipient    *Participant
	Participants []Participant
	Messages     []Message
	UnreadCount  int
	LastMessage  *Summary
	CreatedAt    time.Time
}

func (c *Conversation) clone() Conversation {
	out := *c
	if c.Sender != nil {
		p := *c.Sender
		out.Sender = &p
	}
	if c.Recipient != nil {
		p := *c.Recipient
		out.Recipient = &p
	}
	if c.LastMessage != nil {
		s := *c.LastMessage
		out.LastMessage = &s
	}
	out.Participants = append([]Participant(nil), c.Participants...)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
		out.Messages[i] = m
	}
	return out
}

package store

import "time"

// Outbox statuses. A row starts pending and ends sent or failed.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one send attempt recorded in the ledger.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	SenderID       string
	RecipientID    string
	MessageType    string
	Body           string
	Attachments    []string
	Status         string
	ErrorMessage   string
	ServerMsgID    string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CachedConversation is the raw backend JSON of one conversation as of the
// last successful refresh.
type CachedConversation struct {
	ID        string
	Raw       []byte
	UpdatedAt time.Time
}

package convo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/samber/lo"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Update is the payload of a store.updated event.
type Update struct {
	Version        uint64
	ConversationID string
}

// Store is the single source of truth for the conversation list, the active
// conversation, the unread total and the loading flag. Conversations are
// replaced copy-on-write; every accessor returns a deep copy.
type Store struct {
	mu      sync.RWMutex
	user    string
	order   []string
	convos  map[string]*Conversation
	active  string
	unread  int
	loading bool
	version uint64
	bus     *bus.Bus
}

// New creates an empty store for currentUser. The loading flag stays set
// until the first Replace.
func New(currentUser string, b *bus.Bus) *Store {
	return &Store{
		user:    currentUser,
		convos:  make(map[string]*Conversation),
		loading: true,
		bus:     b,
	}
}

// CurrentUser returns the id the store normalises against.
func (s *Store) CurrentUser() string {
	return s.user
}

// Replace swaps in a freshly fetched list. Provisional messages that are
// still pending or failed are carried over unless the server already holds a
// message with the same client id. When currentConvoID is non-empty the
// active conversation is re-pointed at it.
func (s *Store) Replace(raws []protocol.Conversation, currentConvoID string) {
	s.mu.Lock()
	order := make([]string, 0, len(raws))
	convos := make(map[string]*Conversation, len(raws))
	for _, raw := range raws {
		c := Normalize(raw, s.user)
		if prev, ok := s.convos[c.ID]; ok {
			carryProvisionals(&c, prev)
		}
		if _, dup := convos[c.ID]; !dup {
			order = append(order, c.ID)
		}
		convos[c.ID] = &c
	}
	s.order = order
	s.convos = convos
	if currentConvoID != "" {
		s.active = currentConvoID
	}
	if _, ok := s.convos[s.active]; !ok {
		s.active = ""
	}
	s.loading = false
	s.recountLocked()
	v := s.bumpLocked()
	s.mu.Unlock()

	s.bus.Emit(bus.KindStoreUpdated, Update{Version: v})
}

func carryProvisionals(next *Conversation, prev *Conversation) {
	echoed := make(map[string]bool)
	for _, m := range next.Messages {
		if m.ClientID != "" {
			echoed[m.ClientID] = true
		}
	}
	kept := lo.Filter(prev.Messages, func(m Message, _ int) bool {
		return m.Provisional && m.State != StateSent && !echoed[m.ClientID]
	})
	if len(kept) == 0 {
		return
	}
	for _, m := range kept {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
		next.Messages = append(next.Messages, m)
	}
	next.derive()
}

// List returns the conversations in backend order.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convos[id].clone())
	}
	return out
}

// Get returns one conversation by id.
func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// SetActive marks id as the conversation the user is looking at.
func (s *Store) SetActive(id string) (Conversation, error) {
	s.mu.Lock()
	c, ok := s.convos[id]
	if !ok {
		s.mu.Unlock()
		return Conversation{}, fmt.Errorf("%s: %w", id, ErrConversationNotFound)
	}
	out := c.clone()
	changed := s.active != id
	s.active = id
	var v uint64
	if changed {
		v = s.bumpLocked()
	}
	s.mu.Unlock()

	if changed {
		s.bus.Emit(bus.KindStoreUpdated, Update{Version: v, ConversationID: id})
	}
	return out, nil
}

// Active returns the active conversation, if any.
func (s *Store) Active() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[s.active]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// ActiveID returns the active conversation id or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// UnreadTotal is the sum of every conversation's unread count.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Loading reports whether the first seed has not landed yet.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AppendProvisional inserts a locally created message at the end of the
// conversation. It is visible to readers before this call returns.
func (s *Store) AppendProvisional(convID string, m Message) error {
	if m.ClientID == "" {
		return errors.New("provisional message needs a client id")
	}
	m.Provisional = true
	m.IsSent = true
	m.IsRead = false
	if m.State == "" {
		m.State = StatePending
	}
	if m.ID == "" {
		m.ID = m.ClientID
	}
	if m.AuthorID == "" {
		m.AuthorID = s.user
	}
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	ok := s.update(convID, func(c *Conversation) bool {
		c.Messages = append(c.Messages, m)
		return true
	})
	if !ok {
		return fmt.Errorf("%s: %w", convID, ErrConversationNotFound)
	}
	return nil
}

// Provisional returns the locally created message with clientID.
func (s *Store) Provisional(convID, clientID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[convID]
	if !ok {
		return Message{}, false
	}
	i := provisionalIndex(c, clientID)
	if i < 0 {
		return Message{}, false
	}
	m := c.Messages[i]
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	return m, true
}

// SetAttachmentProgress records upload progress for one attachment of a
// provisional message. Progress never goes backwards.
func (s *Store) SetAttachmentProgress(convID, clientID, handle string, pct int) bool {
	pct = min(max(pct, 0), 100)
	return s.updateProvisional(convID, clientID, func(m *Message) bool {
		for i := range m.Attachments {
			if m.Attachments[i].LocalHandle != handle {
				continue
			}
			if pct <= m.Attachments[i].Progress {
				return false
			}
			m.Attachments[i].Progress = pct
			return true
		}
		return false
	})
}

// CommitAttachment stamps the server asset onto a provisional attachment.
func (s *Store) CommitAttachment(convID, clientID, handle string, a protocol.Attachment) bool {
	return s.updateProvisional(convID, clientID, func(m *Message) bool {
		for i := range m.Attachments {
			if m.Attachments[i].LocalHandle != handle {
				continue
			}
			m.Attachments[i].ID = a.ID
			m.Attachments[i].URL = a.URL
			m.Attachments[i].Progress = 100
			if a.Type != "" {
				m.Attachments[i].MediaType = a.Type
			}
			if a.Size > 0 {
				m.Attachments[i].Size = int64(a.Size)
			}
			return true
		}
		return false
	})
}

// Promote marks a provisional message as sent. serverID replaces the
// provisional id when non-empty.
func (s *Store) Promote(convID, clientID, serverID string) bool {
	return s.updateProvisional(convID, clientID, func(m *Message) bool {
		m.State = StateSent
		m.FailureReason = ""
		if serverID != "" {
			m.ID = serverID
		}
		return true
	})
}

// MarkFailed moves a provisional message to failed with a reason.
func (s *Store) MarkFailed(convID, clientID, reason string) bool {
	return s.updateProvisional(convID, clientID, func(m *Message) bool {
		m.State = StateFailed
		m.FailureReason = reason
		return true
	})
}

// MarkPending puts a failed provisional back in flight for a retry.
func (s *Store) MarkPending(convID, clientID string) bool {
	return s.updateProvisional(convID, clientID, func(m *Message) bool {
		if m.State != StateFailed {
			return false
		}
		m.State = StatePending
		m.FailureReason = ""
		return true
	})
}

// Discard removes a provisional message.
func (s *Store) Discard(convID, clientID string) bool {
	return s.update(convID, func(c *Conversation) bool {
		i := provisionalIndex(c, clientID)
		if i < 0 {
			return false
		}
		c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
		return true
	})
}

// ApplyPresence swaps in a new participant record carrying the status
// change. Conversations that do not contain the user are left alone.
func (s *Store) ApplyPresence(ch protocol.UserStatusChange) bool {
	if ch.User == "" {
		return false
	}
	ids := []string{ch.CurrentConversation}
	if ch.CurrentConversation == "" {
		s.mu.RLock()
		ids = append([]string(nil), s.order...)
		s.mu.RUnlock()
	}
	changed := false
	for _, id := range ids {
		ok := s.update(id, func(c *Conversation) bool {
			found := false
			c.Participants = lo.Map(c.Participants, func(p Participant, _ int) Participant {
				if p.ID == ch.User && p.Status != ch.Status {
					found = true
					p.Status = ch.Status
				}
				return p
			})
			if !found {
				return false
			}
			if c.Sender != nil && c.Sender.ID == ch.User {
				sender := *c.Sender
				sender.Status = ch.Status
				c.Sender = &sender
			}
			if c.Recipient != nil && c.Recipient.ID == ch.User {
				recipient := *c.Recipient
				recipient.Status = ch.Status
				c.Recipient = &recipient
			}
			return true
		})
		changed = changed || ok
	}
	return changed
}

// Reset empties the store and raises the loading flag again.
func (s *Store) Reset() {
	s.mu.Lock()
	s.order = nil
	s.convos = make(map[string]*Conversation)
	s.active = ""
	s.unread = 0
	s.loading = true
	v := s.bumpLocked()
	s.mu.Unlock()

	s.bus.Emit(bus.KindStoreUpdated, Update{Version: v})
}

// update clones the conversation, applies fn and swaps the clone in when fn
// reports a change.
func (s *Store) update(convID string, fn func(c *Conversation) bool) bool {
	s.mu.Lock()
	cur, ok := s.convos[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := cur.clone()
	if !fn(&next) {
		s.mu.Unlock()
		return false
	}
	next.derive()
	s.convos[convID] = &next
	s.recountLocked()
	v := s.bumpLocked()
	s.mu.Unlock()

	s.bus.Emit(bus.KindStoreUpdated, Update{Version: v, ConversationID: convID})
	return true
}

func (s *Store) updateProvisional(convID, clientID string, fn func(m *Message) bool) bool {
	return s.update(convID, func(c *Conversation) bool {
		i := provisionalIndex(c, clientID)
		if i < 0 {
			return false
		}
		return fn(&c.Messages[i])
	})
}

func provisionalIndex(c *Conversation, clientID string) int {
	_, i, ok := lo.FindIndexOf(c.Messages, func(m Message) bool {
		return m.Provisional && m.ClientID == clientID
	})
	if !ok {
		return -1
	}
	return i
}

func (s *Store) recountLocked() {
	s.unread = lo.SumBy(lo.Values(s.convos), func(c *Conversation) int {
		return c.UnreadCount
	})
}

func (s *Store) bumpLocked() uint64 {
	s.version++
	return s.version
}

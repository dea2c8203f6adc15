package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/gigchat/internal/bus"
)

// State represents the connection state of a messaging session.
type State string

const (
	Disconnected       State = "DISCONNECTED"
	Connecting         State = "CONNECTING"
	Connected          State = "CONNECTED"
	ReconnectScheduled State = "RECONNECT_SCHEDULED"
)

// ErrStateMismatch is returned by CompareAndTransition when the machine is
// not in the expected state.
var ErrStateMismatch = errors.New("state mismatch")

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:       {Connecting, ReconnectScheduled},
	Connecting:         {Connected, Disconnected},
	Connected:          {Disconnected},
	ReconnectScheduled: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// CompareAndTransition moves from -> to only if the machine is currently in
// from. It is how callers guarantee a single in-flight connect attempt.
func (m *Machine) CompareAndTransition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return fmt.Errorf("%w: in %s, want %s", ErrStateMismatch, m.current, from)
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: m.since,
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

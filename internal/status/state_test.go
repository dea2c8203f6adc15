package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/gigchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Disconnected, ReconnectScheduled},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connected, Disconnected},
		{ReconnectScheduled, Connecting},
		{ReconnectScheduled, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	walkTo(t, m, Connected)
	if err := m.Transition(ReconnectScheduled); err == nil {
		t.Error("Transition(CONNECTED -> RECONNECT_SCHEDULED) should fail; must drop to DISCONNECTED first")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestSingleConnectInFlight verifies that only one caller wins the
// DISCONNECTED -> CONNECTING race.
func TestSingleConnectInFlight(t *testing.T) {
	m := NewMachine(nil)
	if err := m.CompareAndTransition(Disconnected, Connecting); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	err := m.CompareAndTransition(Disconnected, Connecting)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("second attempt error = %v, want ErrStateMismatch", err)
	}
}

// TestFailureReconnectCycle walks a dropped connection back up:
// CONNECTED -> DISCONNECTED -> RECONNECT_SCHEDULED -> CONNECTING -> CONNECTED
func TestFailureReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Disconnected, ReconnectScheduled, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected:       {},
		Connecting:         {Connecting},
		Connected:          {Connecting, Connected},
		ReconnectScheduled: {ReconnectScheduled},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

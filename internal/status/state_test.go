package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/heroes/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("r1", nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
	if m.RoomID() != "r1" {
		t.Errorf("room = %q, want r1", m.RoomID())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Error},
		{Connecting, Disconnected},
		{Connected, Connecting},
		{Connected, Disconnected},
		{Connected, Error},
		{Error, Connecting},
		{Error, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("r1", nil)
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

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Error},
		{Disconnected, Disconnected},
		{Connected, Connected},
		{Error, Connected},
		{Error, Error},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("r1", nil)
			walkTo(t, m, tt.from)
			err := m.Transition(tt.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("Transition(%s -> %s) error = %v, want ErrInvalidTransition", tt.from, tt.to, err)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("room.", 10)
	defer unsub()

	m := NewMachine("r7", b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindRoomStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindRoomStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.RoomID != "r7" || change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %+v, want r7 DISCONNECTED -> CONNECTING", change)
	}
}

func TestInvalidTransitionEmitsNothing(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("room.", 10)
	defer unsub()

	m := NewMachine("r1", b)
	_ = m.Transition(Connected)
	if len(ch) != 0 {
		t.Errorf("got %d events for a rejected transition", len(ch))
	}
}

// TestTransportDropCycle walks a subscription through a transport drop:
// CONNECTING → CONNECTED → CONNECTING → CONNECTED → DISCONNECTED
func TestTransportDropCycle(t *testing.T) {
	m := NewMachine("r1", nil)

	steps := []State{Connecting, Connected, Connecting, Connected, Disconnected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestRecoverFromError verifies a failed subscribe can be retried.
func TestRecoverFromError(t *testing.T) {
	m := NewMachine("r1", nil)
	walkTo(t, m, Error)

	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("ERROR -> CONNECTING: %v", err)
	}
	if err := m.Transition(Connected); err != nil {
		t.Fatalf("CONNECTING -> CONNECTED: %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Error:        {Connecting, Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

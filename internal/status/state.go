package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/heroes/internal/bus"
)

// State is the connection state of one chat room subscription.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// ErrInvalidTransition is wrapped by Transition when the move is not allowed.
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Connecting, Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces the state transitions of a single room.
type Machine struct {
	mu      sync.RWMutex
	roomID  string
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine for roomID starting in Disconnected state.
func NewMachine(roomID string, b *bus.Bus) *Machine {
	return &Machine{
		roomID:  roomID,
		current: Disconnected,
		bus:     b,
	}
}

// RoomID returns the room this machine tracks.
func (m *Machine) RoomID() string {
	return m.roomID
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("room %s: %w from %s to %s", m.roomID, ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.KindRoomStatusChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			RoomID: m.roomID,
			From:   from,
			To:     to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	RoomID string
	From   State
	To     State
}

// Package connectivity holds the process-wide "are we online" signal.
package connectivity

import (
	"sync"

	"github.com/matheus3301/heroes/internal/bus"
	"go.uber.org/zap"
)

// Change is the bus payload for connectivity.changed.
type Change struct {
	Connected bool
	Source    string
}

// Monitor tracks connectivity. Only actual flips are published.
type Monitor struct {
	mu        sync.Mutex
	connected bool
	subs      map[int]chan bool
	next      int
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewMonitor creates a monitor with the given initial value.
func NewMonitor(initial bool, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		connected: initial,
		subs:      make(map[int]chan bool),
		bus:       b,
		logger:    logger,
	}
}

// IsConnected reports the last known connectivity.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Set records connectivity as reported by source. It returns true when the
// value changed.
func (m *Monitor) Set(connected bool, source string) bool {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return false
	}
	m.connected = connected
	for _, ch := range m.subs {
		select {
		case ch <- connected:
		default:
			// Slow reader: drop the stale value so the newest one wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- connected:
			default:
			}
		}
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("connected", connected), zap.String("source", source))
	m.bus.Emit(bus.KindConnectivityChanged, Change{Connected: connected, Source: source})
	return true
}

// Subscribe returns a channel receiving every flip and a cancel function.
func (m *Monitor) Subscribe(buf int) (<-chan bool, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan bool, buf)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

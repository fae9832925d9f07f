package chat

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/status"
)

const (
	messagesKeyPrefix = "chat:messages:"
	closedKeyPrefix   = "chat:closed:"
)

// MessagesKey is the cache key holding a room's message list.
func MessagesKey(roomID string) string { return messagesKeyPrefix + roomID }

func closedKey(roomID string) string { return closedKeyPrefix + roomID }

// Room is the state of one conversation. All fields are guarded by mu;
// transport and cache I/O happen outside it.
type Room struct {
	id      string
	machine *status.Machine

	mu       sync.Mutex
	hydrated bool
	messages []Message
	presence []string
	lastErr  *apperr.AppError
	readOnly bool
	inflight map[string]bool

	channel Channel
	cancel  context.CancelFunc
	// epoch invalidates callbacks and in-progress subscribes from an earlier subscription.
	epoch uint64

	// persistMu orders snapshot-then-write so the newest list always lands last.
	persistMu sync.Mutex
}

func newRoom(id string, b *bus.Bus) *Room {
	return &Room{
		id:       id,
		machine:  status.NewMachine(id, b),
		inflight: make(map[string]bool),
	}
}

// indexLocal returns the position of the message with localID, or -1. Caller holds mu.
func (r *Room) indexLocal(localID string) int {
	if localID == "" {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m Message) bool { return m.LocalID == localID })
}

// indexServer returns the position of the message with server id, or -1. Caller holds mu.
func (r *Room) indexServer(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m Message) bool { return m.ID == id })
}

func (r *Room) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// hydrate loads the cached history once.
func (r *Room) hydrate(ctx context.Context, cache kv.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hydrated {
		return nil
	}

	raw, ok, err := cache.Get(ctx, MessagesKey(r.id))
	if err != nil {
		return &CacheError{RoomID: r.id, Err: err}
	}
	var cached []Message
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			return &CacheError{RoomID: r.id, Err: err}
		}
	}
	_, closed, err := cache.Get(ctx, closedKey(r.id))
	if err != nil {
		return &CacheError{RoomID: r.id, Err: err}
	}

	// Anything that arrived before hydration goes after the cached history.
	for _, m := range r.messages {
		if r.has(cached, m) {
			continue
		}
		cached = append(cached, m)
	}
	r.messages = cached
	r.readOnly = r.readOnly || closed
	r.hydrated = true
	return nil
}

func (r *Room) has(list []Message, m Message) bool {
	for _, c := range list {
		if (m.ID != "" && c.ID == m.ID) || (m.LocalID != "" && c.LocalID == m.LocalID) {
			return true
		}
	}
	return false
}

// persist writes the current message list to the cache.
func (r *Room) persist(ctx context.Context, cache kv.Store) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	data, err := json.Marshal(r.snapshot())
	if err != nil {
		return &CacheError{RoomID: r.id, Err: err}
	}
	if err := cache.Set(ctx, MessagesKey(r.id), string(data)); err != nil {
		return &CacheError{RoomID: r.id, Err: err}
	}
	return nil
}

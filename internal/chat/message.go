// Package chat keeps per-room realtime conversations: subscription state,
// the optimistic send pipeline and presence.
package chat

import (
	"errors"
	"fmt"
	"time"
)

// State says where a message is in the send pipeline.
type State string

const (
	// Pending messages are local echoes not yet confirmed by the server.
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

// Message is one chat message as the client sees it. LocalID is set for
// messages composed on this device and survives confirmation, so the
// optimistic copy can always be matched to the server's.
type Message struct {
	ID        string    `json:"id,omitempty"`
	LocalID   string    `json:"local_id,omitempty"`
	RequestID string    `json:"request_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts,omitempty"`
	Delivered bool      `json:"delivered,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Temp reports whether the message is an unconfirmed optimistic echo.
func (m Message) Temp() bool { return m.State == Pending }

// Failed reports whether sending gave up.
func (m Message) Failed() bool { return m.State == Failed }

// MessageEvent is the bus payload for chat.message_added and chat.message_updated.
type MessageEvent struct {
	RoomID  string
	Message Message
}

// PresenceEvent is the bus payload for chat.presence_changed.
type PresenceEvent struct {
	RoomID string
	Online []string
}

var (
	ErrRoomReadOnly       = errors.New("chat: room is read-only")
	ErrUnknownRoom        = errors.New("chat: unknown room")
	ErrSubscribeCancelled = errors.New("chat: subscribe cancelled")
	ErrMessageNotFound    = errors.New("chat: message not found")
	ErrEmptyMessage       = errors.New("chat: message text is empty")
	ErrClosed             = errors.New("chat: manager closed")
)

// CacheError reports that a room's message cache could not be read or written.
type CacheError struct {
	RoomID string
	Err    error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("chat cache for room %s: %v", e.RoomID, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

package chat

import (
	"context"

	"github.com/matheus3301/heroes/internal/queue"
)

// TransportStatus is the health of a room channel as reported by the transport.
type TransportStatus string

const (
	TransportConnected    TransportStatus = "connected"
	TransportReconnecting TransportStatus = "reconnecting"
	TransportClosed       TransportStatus = "closed"
)

// OutgoingMessage is what the transport sends. LocalID travels as the
// client id so the server echo can be reconciled.
type OutgoingMessage struct {
	RoomID   string
	LocalID  string
	SenderID string
	Text     string
}

// Events are the callbacks a transport invokes for a subscribed room.
// Callbacks for one room must not be invoked concurrently.
type Events struct {
	OnMessage  func(Message)
	OnPresence func(online []string)
	OnStatus   func(status TransportStatus, err error)
}

// Channel is a live room subscription.
type Channel interface {
	Close() error
}

// Transport is the realtime connection to the backend.
type Transport interface {
	Subscribe(ctx context.Context, roomID string, ev Events) (Channel, error)
	Send(ctx context.Context, msg OutgoingMessage) (Message, error)
}

// Enqueuer parks work for replay when the room is not connected.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ string, payload map[string]any) (queue.QueuedAction, error)
}

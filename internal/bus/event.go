package bus

import "time"

// Event kinds published by the core. Subscribers filter on the prefix before the dot.
const (
	KindConnectivityChanged = "connectivity.changed"

	KindQueueEnqueued        = "queue.enqueued"
	KindQueueActionProcessed = "queue.action_processed"
	KindQueueActionFailed    = "queue.action_failed"
	KindQueueActionRetained  = "queue.action_retained"
	KindQueueDrained         = "queue.drained"
	KindQueueCleared         = "queue.cleared"

	KindRoomStatusChanged = "room.status_changed"

	KindChatMessageAdded    = "chat.message_added"
	KindChatMessageUpdated  = "chat.message_updated"
	KindChatPresenceChanged = "chat.presence_changed"
)

// Event is a domain event delivered on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

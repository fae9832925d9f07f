package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
)

// Action types registered by the application.
const (
	TypeCreateRequest       = "CREATE_REQUEST"
	TypeUpdateRequestStatus = "UPDATE_REQUEST_STATUS"
	TypeCancelRequest       = "CANCEL_REQUEST"
	TypeAcceptRequest       = "ACCEPT_REQUEST"
	TypeSendChatMessage     = "SEND_CHAT_MESSAGE"
)

// QueuedAction is a user mutation waiting to be replayed. Its JSON form is the
// persisted representation and must stay backwards compatible.
type QueuedAction struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      map[string]any  `json:"payload"`
	Timestamp    int64           `json:"timestamp"`
	RetryCount   int             `json:"retryCount"`
	LastError    string          `json:"lastError,omitempty"`
	LastCategory apperr.Category `json:"lastCategory,omitempty"`
}

// CreatedAt returns Timestamp as a time.
func (a QueuedAction) CreatedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Handler replays one action type. Returning nil means the mutation took effect.
type Handler func(ctx context.Context, payload map[string]any) error

// Registry maps action types to their handlers.
type Registry map[string]Handler

// Register binds h to typ, replacing any previous handler.
func (r Registry) Register(typ string, h Handler) {
	r[typ] = h
}

// Result summarizes one drain pass.
type Result struct {
	Processed int
	Failed    int
	Retained  int
}

// Outcome describes an action leaving the queue.
type Outcome struct {
	ActionID   string
	ActionType string
	Processed  bool
	Category   apperr.Category
	Error      string
	Attempts   int
	At         time.Time
}

// OutcomeRecorder keeps terminal outcomes for diagnostics.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// ActionEvent is the bus payload for per-action queue events.
type ActionEvent struct {
	Action   QueuedAction
	Category apperr.Category
	Depth    int
}

// DrainEvent is the bus payload for queue.drained.
type DrainEvent struct {
	Result Result
	Depth  int
}

var (
	// ErrDrainInProgress is returned when Process is called while another drain runs.
	ErrDrainInProgress = errors.New("queue: drain already in progress")
	// ErrNoHandler is returned by Dispatch for an unregistered action type.
	ErrNoHandler = errors.New("queue: no handler registered")
)

// StorageError reports that the persisted queue could not be read or written.
// It is fatal for the caller: continuing risks losing actions.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type actionIDKey struct{}

// WithActionID attaches the action id handlers use as an idempotency key.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, id)
}

// ActionID returns the id of the action being replayed, if any.
func ActionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actionIDKey{}).(string)
	return id, ok && id != ""
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/retry"
	"go.uber.org/zap"
)

// DefaultKey is the persistence key holding the serialized action list.
const DefaultKey = "offline_queue"

// Queue is the durable FIFO of pending mutations. Every state change is
// written to the store before the call returns.
type Queue struct {
	store    kv.Store
	key      string
	policy   retry.Policy
	bus      *bus.Bus
	logger   *zap.Logger
	recorder OutcomeRecorder
	now      func() time.Time

	// mu serializes read-modify-write cycles on the persisted list.
	mu       sync.Mutex
	draining atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey overrides the persistence key.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithBus publishes queue events on b.
func WithBus(b *bus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithRecorder records terminal outcomes.
func WithRecorder(r OutcomeRecorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue persisted in store.
func New(store kv.Store, policy retry.Policy, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		key:    DefaultKey,
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Policy returns the retry policy the queue applies.
func (q *Queue) Policy() retry.Policy {
	return q.policy
}

// Enqueue durably appends a new action.
func (q *Queue) Enqueue(ctx context.Context, typ string, payload map[string]any) (QueuedAction, error) {
	return q.add(ctx, QueuedAction{ID: uuid.NewString(), Type: typ, Payload: payload})
}

// add appends a prepared action, assigning a timestamp that never goes
// backwards relative to the current tail.
func (q *Queue) add(ctx context.Context, a QueuedAction) (QueuedAction, error) {
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	if _, err := json.Marshal(a.Payload); err != nil {
		return QueuedAction{}, fmt.Errorf("encode payload for %s: %w", a.Type, err)
	}

	q.mu.Lock()
	actions, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return QueuedAction{}, err
	}
	a.Timestamp = q.now().UnixMilli()
	if n := len(actions); n > 0 && a.Timestamp <= actions[n-1].Timestamp {
		a.Timestamp = actions[n-1].Timestamp + 1
	}
	actions = append(actions, a)
	err = q.save(ctx, actions)
	q.mu.Unlock()
	if err != nil {
		return QueuedAction{}, err
	}

	q.logger.Info("action queued",
		zap.String("action_id", a.ID),
		zap.String("action_type", a.Type),
		zap.Int("retry_count", a.RetryCount),
		zap.Int("depth", len(actions)))
	q.bus.Emit(bus.KindQueueEnqueued, ActionEvent{Action: a, Depth: len(actions)})
	return a, nil
}

// Actions returns a snapshot of the pending actions in queue order.
func (q *Queue) Actions(ctx context.Context) ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Size returns the number of pending actions.
func (q *Queue) Size(ctx context.Context) (int, error) {
	actions, err := q.Actions(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Clear drops every pending action. Used on logout or reset, never while draining normally.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	err := q.store.Remove(ctx, q.key)
	q.mu.Unlock()
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	q.logger.Info("queue cleared")
	q.bus.Emit(bus.KindQueueCleared, DrainEvent{})
	return nil
}

// Draining reports whether a Process call is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Process replays the queue once, strictly in order and one action at a time.
// Per-action failures only show up in the Result; the error is non-nil when
// the persisted queue could not be read or written (a *StorageError), when
// another drain is running (ErrDrainInProgress), or when ctx ends.
func (q *Queue) Process(ctx context.Context, handlers Registry) (Result, error) {
	var res Result
	if !q.draining.CompareAndSwap(false, true) {
		return res, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	snapshot, err := q.Actions(ctx)
	if err != nil {
		return res, err
	}

	// Outcomes are written even if ctx ends once a handler has returned,
	// otherwise a succeeded action would be replayed.
	pctx := context.WithoutCancel(ctx)

	for _, a := range snapshot {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// The action may have been removed (Clear) since the snapshot.
		cur, found, err := q.find(ctx, a.ID)
		if err != nil {
			return res, err
		}
		if !found {
			continue
		}

		h := handlers[cur.Type]
		if h == nil {
			appErr := apperr.Classify(fmt.Errorf("%w for action type %q", ErrNoHandler, cur.Type))
			if err := q.finish(pctx, cur, cur.RetryCount, appErr); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		herr := invoke(WithActionID(ctx, cur.ID), h, cur.Payload)
		if herr == nil {
			if err := q.finish(pctx, cur, cur.RetryCount+1, nil); err != nil {
				return res, err
			}
			res.Processed++
			continue
		}

		if ctx.Err() != nil {
			// Interrupted, not failed: leave the action untouched for the next drain.
			return res, ctx.Err()
		}

		appErr := apperr.Classify(herr)
		if !q.policy.IsTransient(appErr.Category) {
			if err := q.finish(pctx, cur, cur.RetryCount+1, appErr); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		cur.RetryCount++
		cur.LastError = herr.Error()
		cur.LastCategory = appErr.Category
		if cur.RetryCount >= q.policy.MaxRetries {
			if err := q.finish(pctx, cur, cur.RetryCount, appErr); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		if err := q.retain(pctx, cur, appErr); err != nil {
			return res, err
		}
		res.Retained++
	}

	depth, err := q.Size(pctx)
	if err != nil {
		return res, err
	}
	q.logger.Info("queue drained",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("retained", res.Retained),
		zap.Int("depth", depth))
	q.bus.Emit(bus.KindQueueDrained, DrainEvent{Result: res, Depth: depth})
	return res, nil
}

// finish removes a terminated action and reports its outcome. A nil appErr
// means the action was processed.
func (q *Queue) finish(ctx context.Context, a QueuedAction, attempts int, appErr *apperr.AppError) error {
	processed := appErr == nil
	depth, err := q.mutate(ctx, a.ID, nil)
	if err != nil {
		return err
	}

	o := Outcome{
		ActionID:   a.ID,
		ActionType: a.Type,
		Processed:  processed,
		Attempts:   attempts,
		At:         q.now(),
	}
	if !processed {
		a.LastError = errorText(appErr)
		a.LastCategory = appErr.Category
	}
	evt := ActionEvent{Action: a, Depth: depth}
	if processed {
		q.logger.Info("action processed",
			zap.String("action_id", a.ID),
			zap.String("action_type", a.Type))
		q.bus.Emit(bus.KindQueueActionProcessed, evt)
	} else {
		o.Category = appErr.Category
		o.Error = a.LastError
		evt.Category = appErr.Category
		q.logger.Warn("action failed permanently",
			zap.String("action_id", a.ID),
			zap.String("action_type", a.Type),
			zap.String("category", string(appErr.Category)),
			zap.Int("retry_count", a.RetryCount),
			zap.Error(appErr.Unwrap()))
		q.bus.Emit(bus.KindQueueActionFailed, evt)
	}

	if q.recorder != nil {
		if err := q.recorder.RecordOutcome(ctx, o); err != nil {
			q.logger.Warn("failed to record queue outcome", zap.Error(err), zap.String("action_id", a.ID))
		}
	}
	return nil
}

// retain persists the bumped retry counter and leaves the action in place.
func (q *Queue) retain(ctx context.Context, a QueuedAction, appErr *apperr.AppError) error {
	depth, err := q.mutate(ctx, a.ID, &a)
	if err != nil {
		return err
	}
	q.logger.Info("action kept for retry",
		zap.String("action_id", a.ID),
		zap.String("action_type", a.Type),
		zap.String("category", string(appErr.Category)),
		zap.Int("retry_count", a.RetryCount),
		zap.Duration("next_delay", q.policy.DelayFor(appErr, a.RetryCount-1)))
	q.bus.Emit(bus.KindQueueActionRetained, ActionEvent{Action: a, Category: appErr.Category, Depth: depth})
	return nil
}

// mutate replaces (or removes, when repl is nil) the action with the given id
// and persists the list. It returns the resulting depth.
func (q *Queue) mutate(ctx context.Context, id string, repl *QueuedAction) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.ID != id {
			out = append(out, a)
			continue
		}
		if repl != nil {
			out = append(out, *repl)
		}
	}
	if err := q.save(ctx, out); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (q *Queue) find(ctx context.Context, id string) (QueuedAction, bool, error) {
	actions, err := q.Actions(ctx)
	if err != nil {
		return QueuedAction{}, false, err
	}
	for _, a := range actions {
		if a.ID == id {
			return a, true, nil
		}
	}
	return QueuedAction{}, false, nil
}

func (q *Queue) load(ctx context.Context) ([]QueuedAction, error) {
	raw, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	if !ok || raw == "" {
		return []QueuedAction{}, nil
	}
	var actions []QueuedAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, &StorageError{Op: "decode", Err: err}
	}
	if actions == nil {
		actions = []QueuedAction{}
	}
	return actions, nil
}

func (q *Queue) save(ctx context.Context, actions []QueuedAction) error {
	if len(actions) == 0 {
		if err := q.store.Remove(ctx, q.key); err != nil {
			return &StorageError{Op: "write", Err: err}
		}
		return nil
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return &StorageError{Op: "encode", Err: err}
	}
	if err := q.store.Set(ctx, q.key, string(data)); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

// invoke runs h, converting a panic into an error so one bad handler cannot
// take the drain down with it.
func invoke(ctx context.Context, h Handler, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.Unknown, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, payload)
}

func errorText(appErr *apperr.AppError) string {
	inner := appErr.Unwrap()
	if nested, ok := inner.(*apperr.AppError); ok && nested.Unwrap() != nil {
		inner = nested.Unwrap()
	}
	if inner != nil {
		return inner.Error()
	}
	return appErr.Message
}

// IsStorageError reports whether err is a fatal persistence failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

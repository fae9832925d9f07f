package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/heroes/internal/apperr"
	"go.uber.org/zap"
)

// Connectivity reports whether the device currently has a usable connection.
type Connectivity interface {
	IsConnected() bool
}

// DispatchResult tells the caller what happened to a mutation.
type DispatchResult struct {
	// Queued is true when the action was stored for later replay.
	Queued bool
	Action QueuedAction
}

// Dispatcher is the entry point screens use for mutations: run now when
// online, otherwise park the action in the queue.
type Dispatcher struct {
	queue    *Queue
	handlers Registry
	conn     Connectivity
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q *Queue, handlers Registry, conn Connectivity, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: q, handlers: handlers, conn: conn, logger: logger}
}

// Dispatch runs or queues a mutation. A failure on the direct path that is
// not worth retrying is returned as *apperr.AppError and nothing is queued.
func (d *Dispatcher) Dispatch(ctx context.Context, typ string, payload map[string]any) (DispatchResult, error) {
	a := QueuedAction{ID: uuid.NewString(), Type: typ, Payload: payload}

	if d.conn != nil && !d.conn.IsConnected() {
		queued, err := d.queue.add(ctx, a)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Queued: true, Action: queued}, nil
	}

	h := d.handlers[typ]
	if h == nil {
		return DispatchResult{}, apperr.Classify(fmt.Errorf("%w for action type %q", ErrNoHandler, typ))
	}

	herr := invoke(WithActionID(ctx, a.ID), h, payload)
	if herr == nil {
		return DispatchResult{Action: a}, nil
	}
	if ctx.Err() != nil {
		return DispatchResult{}, ctx.Err()
	}

	appErr := apperr.Classify(herr)
	if !d.queue.policy.ShouldRetry(appErr, 1) {
		return DispatchResult{}, appErr
	}

	// Same id as the direct attempt, so the backend can dedupe a replay of a
	// request that actually landed.
	a.RetryCount = 1
	a.LastError = herr.Error()
	a.LastCategory = appErr.Category
	d.logger.Info("direct dispatch failed, queueing",
		zap.String("action_id", a.ID),
		zap.String("action_type", typ),
		zap.String("category", string(appErr.Category)))
	queued, err := d.queue.add(ctx, a)
	if err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Queued: true, Action: queued}, nil
}

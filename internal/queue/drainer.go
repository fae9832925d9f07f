package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ConnectivitySource is a connectivity signal that can be watched for changes.
type ConnectivitySource interface {
	Connectivity
	Subscribe(buf int) (<-chan bool, func())
}

// Drainer replays the queue whenever connectivity comes back, and keeps
// retrying on a backoff timer while actions are being retained.
type Drainer struct {
	queue    *Queue
	handlers Registry
	conn     ConnectivitySource
	logger   *zap.Logger
	onFatal  func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// OnFatal sets the callback for storage failures, which stop the drainer.
func OnFatal(fn func(error)) DrainerOption {
	return func(d *Drainer) { d.onFatal = fn }
}

// NewDrainer creates a drainer. Call Start to begin watching connectivity.
func NewDrainer(q *Queue, handlers Registry, conn ConnectivitySource, logger *zap.Logger, opts ...DrainerOption) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Drainer{
		queue:    q,
		handlers: handlers,
		conn:     conn,
		logger:   logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start begins watching connectivity. If already online it drains immediately.
func (d *Drainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	changes, unsub := d.conn.Subscribe(8)
	go func() {
		defer close(d.done)
		defer unsub()
		d.loop(ctx, changes)
	}()
}

// Stop stops the loop and waits for an in-flight drain to return.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// DrainNow runs a drain pass immediately, regardless of connectivity.
func (d *Drainer) DrainNow(ctx context.Context) (Result, error) {
	return d.queue.Process(ctx, d.handlers)
}

func (d *Drainer) loop(ctx context.Context, changes <-chan bool) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	// consecutive counts back-to-back passes that left retained actions.
	consecutive := 0
	drain := func() bool {
		res, err := d.queue.Process(ctx, d.handlers)
		switch {
		case err == nil:
		case errors.Is(err, ErrDrainInProgress):
			// Whatever the other drain retains still needs a pass from us.
			timer.Reset(d.queue.policy.NextDelay(consecutive))
			return true
		case ctx.Err() != nil:
			return false
		case IsStorageError(err):
			d.logger.Error("queue storage failure, stopping drainer", zap.Error(err))
			if d.onFatal != nil {
				d.onFatal(err)
			}
			return false
		default:
			d.logger.Warn("drain failed", zap.Error(err))
			return true
		}

		if res.Retained == 0 {
			consecutive = 0
			return true
		}
		delay := d.queue.policy.NextDelay(consecutive)
		consecutive++
		d.logger.Info("scheduling queue retry",
			zap.Int("retained", res.Retained),
			zap.Int("attempt", consecutive),
			zap.Duration("delay", delay))
		timer.Reset(delay)
		return true
	}

	if d.conn.IsConnected() && !drain() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if !online {
				continue
			}
			d.logger.Info("connectivity restored, draining queue")
			if !drain() {
				return
			}
		case <-timer.C:
			if !d.conn.IsConnected() {
				continue
			}
			if !drain() {
				return
			}
		}
	}
}

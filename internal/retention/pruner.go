package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OutcomeStore deletes drain outcomes older than a cutoff.
type OutcomeStore interface {
	PruneOutcomes(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner periodically trims the drain log to a retention window.
type Pruner struct {
	store    OutcomeStore
	keep     time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPruner creates a pruner keeping outcomes for keep. A zero keep disables it.
func NewPruner(store OutcomeStore, keep time.Duration, logger *zap.Logger) *Pruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{
		store:    store,
		keep:     keep,
		interval: time.Hour,
		now:      time.Now,
		logger:   logger,
	}
}

// Start prunes once and then every interval until Stop.
func (p *Pruner) Start(ctx context.Context) {
	if p.keep <= 0 {
		p.logger.Info("drain log retention disabled")
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop stops the loop and waits for it to exit.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneNow(ctx)
	for {
		select {
		case <-ticker.C:
			p.PruneNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PruneNow deletes outcomes older than the retention window.
func (p *Pruner) PruneNow(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.keep)
	n, err := p.store.PruneOutcomes(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to prune drain log", zap.Error(err))
		}
		return 0
	}
	if n > 0 {
		p.logger.Info("drain log pruned", zap.Int64("removed", n), zap.Time("cutoff", cutoff))
	}
	return n
}

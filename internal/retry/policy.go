package retry

import (
	"context"
	"math"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
)

// Policy decides whether a failure is worth retrying and how long to wait.
type Policy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RateLimitDelay time.Duration
}

// DefaultPolicy mirrors the ceiling the mobile client shipped with.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialDelay:   1 * time.Second,
	MaxDelay:       30 * time.Second,
	Multiplier:     2.0,
	RateLimitDelay: 5 * time.Second,
}

// IsTransient reports whether failures of this category are expected to clear on their own.
func (p Policy) IsTransient(c apperr.Category) bool {
	return c == apperr.Network || c == apperr.Server
}

// ShouldRetry reports whether an attempt that already failed retryCount times may run again.
func (p Policy) ShouldRetry(err *apperr.AppError, retryCount int) bool {
	if err == nil || !p.IsTransient(err.Category) {
		return false
	}
	return retryCount < p.MaxRetries
}

// NextDelay returns the backoff before retry number retryCount+1.
// The curve is exponential, non-decreasing and capped at MaxDelay.
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(retryCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// DelayFor is NextDelay adjusted for rate limiting signals.
func (p Policy) DelayFor(err *apperr.AppError, retryCount int) time.Duration {
	d := p.NextDelay(retryCount)
	if err != nil && err.RateLimited && d < p.RateLimitDelay {
		d = p.RateLimitDelay
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Wait blocks for the backoff delay or until ctx is done.
func (p Policy) Wait(ctx context.Context, err *apperr.AppError, retryCount int) error {
	t := time.NewTimer(p.DelayFor(err, retryCount))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

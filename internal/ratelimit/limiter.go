// Package ratelimit spaces outbound upstream calls.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"btc-fee-agent/internal/metrics"
)

// Limiter grants at most one call per MinInterval. Reservations are handed out
// in arrival order, so concurrent callers queue behind each other.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	name     string
}

// New creates a limiter with the given minimum spacing between grants.
// A non-positive interval disables the gate.
func New(minInterval time.Duration, name string) *Limiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: minInterval,
		name:     name,
	}
}

// Interval reports the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the next slot is granted or ctx is done.
// Uses Reserve() so exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("ratelimit: cannot reserve slot")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	metrics.RateLimitWaits.WithLabelValues(l.name).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"btc-fee-agent/internal/logging"
	"btc-fee-agent/internal/metrics"
	"btc-fee-agent/internal/snapshot"
)

// ResilientOptions tune the retry budget.
type ResilientOptions struct {
	// MaxAttempts is the total number of upstream attempts (default 3).
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
}

// Resilient fetches through the rate limiter with a fixed-delay retry budget
// and falls back to the snapshot cache once the budget is spent.
type Resilient struct {
	upstream Upstream
	limiter  Waiter
	cache    snapshot.Store
	opts     ResilientOptions
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewResilient wires the collaborators. limiter may be nil.
func NewResilient(upstream Upstream, limiter Waiter, cache snapshot.Store, opts ResilientOptions, logger zerolog.Logger) *Resilient {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Resilient{
		upstream: upstream,
		limiter:  limiter,
		cache:    cache,
		opts:     opts,
		logger:   logging.Component(logger, "resilient_fetcher"),
		sleep:    sleepCtx,
	}
}

// Fetch runs the retry/fallback machine for ep. It only fails when every
// attempt failed and no snapshot exists; the error then matches ErrExhausted.
// Context cancellation aborts the remaining attempts and goes straight to the
// snapshot.
func (r *Resilient) Fetch(ctx context.Context, ep Endpoint) (Result, error) {
	var (
		step    = Start()
		payload json.RawMessage
		lastErr error
	)

	for !step.Terminal() {
		switch step.Phase {
		case PhaseAttempting:
			body, err := r.attempt(ctx, ep)
			if err == nil {
				payload = body
				step = Next(step, EventSuccess, r.opts.MaxAttempts)
				continue
			}

			lastErr = err
			r.logger.Warn().Err(err).
				Str("endpoint", ep.ID).
				Int("attempt", step.Attempt).
				Int("max_attempts", r.opts.MaxAttempts).
				Msg("upstream attempt failed")

			step = Next(step, EventFailure, r.opts.MaxAttempts)
			if step.Phase != PhaseAttempting {
				continue
			}
			if err := r.sleep(ctx, r.opts.RetryDelay); err != nil {
				lastErr = err
				step = Next(step, EventAbort, r.opts.MaxAttempts)
			}

		case PhaseFallback:
			cached, ok := r.readCache(ctx, ep)
			if ok {
				payload = cached
				step = Next(step, EventCacheHit, r.opts.MaxAttempts)
			} else {
				step = Next(step, EventCacheMiss, r.opts.MaxAttempts)
			}
		}
	}

	metrics.FetchResults.WithLabelValues(ep.ID, step.Phase.String()).Inc()

	switch step.Phase {
	case PhaseFetched:
		r.persist(ctx, ep, payload)
		return Result{Payload: payload, Attempts: step.Attempt}, nil
	case PhaseRecovered:
		r.logger.Warn().Err(lastErr).Str("endpoint", ep.ID).Int("attempts", step.Attempt).Msg("serving snapshot after upstream failure")
		return Result{Payload: payload, UsedFallback: true, Attempts: step.Attempt}, nil
	default:
		return Result{}, &ExhaustedError{Endpoint: ep.ID, Attempts: step.Attempt, Last: lastErr}
	}
}

func (r *Resilient) attempt(ctx context.Context, ep Endpoint) (json.RawMessage, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Endpoint: ep.ID, Err: err}
		}
	}

	started := time.Now()
	body, err := r.upstream.Get(ctx, ep)
	metrics.FetchLatency.WithLabelValues(ep.ID).Observe(time.Since(started).Seconds())
	metrics.FetchAttempts.WithLabelValues(ep.ID, outcome(err)).Inc()
	return body, err
}

func (r *Resilient) readCache(ctx context.Context, ep Endpoint) (json.RawMessage, bool) {
	if r.cache == nil {
		return nil, false
	}
	// The request context may already be done; the cache read must still run.
	lookup, err := r.cache.Get(context.WithoutCancel(ctx), ep.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("endpoint", ep.ID).Msg("snapshot read failed")
		return nil, false
	}
	entry, ok := lookup.Get()
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

func (r *Resilient) persist(ctx context.Context, ep Endpoint, payload json.RawMessage) {
	if r.cache == nil {
		return
	}
	if _, err := r.cache.Put(ctx, ep.ID, payload); err != nil {
		r.logger.Error().Err(err).Str("endpoint", ep.ID).Msg("snapshot write failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Fetcher = (*Resilient)(nil)

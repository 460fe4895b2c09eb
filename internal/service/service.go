package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/alerting"
	"btc-fee-agent/internal/fetcher"
	"btc-fee-agent/internal/history"
	"btc-fee-agent/internal/livestate"
	"btc-fee-agent/internal/llm"
	"btc-fee-agent/internal/logging"
	"btc-fee-agent/internal/metrics"
	"btc-fee-agent/internal/scheduler"
)

// ErrNoData is returned when no fee data was ever fetched and no snapshot exists.
var ErrNoData = errors.New("service: no fee data available yet")

// Options tune the service.
type Options struct {
	// RecentLimit is how many history rows /history returns.
	RecentLimit int
	// AlertsEnabled turns on network state notifications.
	AlertsEnabled bool
	AlertCooldown time.Duration
	AlertChannels []string
}

// Deps are the collaborators of the service. Only Fetcher and State are required.
type Deps struct {
	Fetcher    fetcher.Fetcher
	State      *livestate.Cell
	Scheduler  *scheduler.Scheduler
	History    history.Store
	AlertStore history.AlertStore
	Notifier   alerting.Notifier
	Explainer  llm.Explainer
}

// Service owns the background refresh and answers recommendation queries from
// the published live state.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	refreshes singleflight.Group
	now       func() time.Time

	alertMu   sync.Mutex
	lastAlert time.Time
}

// New constructs the service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.State == nil {
		deps.State = livestate.New()
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logging.Component(logger, "service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// State exposes the live state cell.
func (s *Service) State() *livestate.Cell {
	return s.deps.State
}

// Run begins the periodic refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick refreshes the live state once.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	state, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug().Time("tick", at).
		Uint64("version", state.Version).
		Bool("cache_used", state.CacheUsed).
		Str("network_state", state.NetworkState.String()).
		Msg("live state refreshed")
	return nil
}

// Refresh fetches fees and mempool stats and publishes a new live state.
// Concurrent callers share one in-flight refresh, so it runs detached from
// the first caller's cancellation.
func (s *Service) Refresh(ctx context.Context) (livestate.State, error) {
	v, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return s.refreshOnce(context.WithoutCancel(ctx))
	})
	state, _ := v.(livestate.State)
	return state, err
}

func (s *Service) refreshOnce(ctx context.Context) (livestate.State, error) {
	if s.deps.Fetcher == nil {
		return livestate.State{}, fmt.Errorf("fetcher not configured")
	}
	prev, hadPrev := s.deps.State.Load()

	fees, feesErr := s.deps.Fetcher.Fetch(ctx, fetcher.EndpointFees)
	mempool, mempoolErr := s.deps.Fetcher.Fetch(ctx, fetcher.EndpointMempool)
	fetchErr := errors.Join(feesErr, mempoolErr)

	next := livestate.State{
		UpdatedAt: s.now(),
		Fees:      fees.Payload,
		Mempool:   mempool.Payload,
		CacheUsed: fees.UsedFallback || mempool.UsedFallback,
	}

	outcome := "ok"
	if fetchErr != nil {
		// Keep the last good payload for whichever endpoint failed.
		outcome = "stale"
		next.Err = fetchErr.Error()
		next.CacheUsed = true
		if feesErr != nil {
			next.Fees = prev.Fees
		}
		if mempoolErr != nil {
			next.Mempool = prev.Mempool
		}
		if next.Fees == nil || next.Mempool == nil {
			outcome = "failed"
		}
		s.logger.Warn().Err(fetchErr).Bool("had_previous", hadPrev).Msg("refresh failed; keeping last good data")
	} else if next.CacheUsed {
		outcome = "stale"
	}

	if hasData(next) {
		next.NetworkState, next.NetworkNote = advisor.ClassifyNetworkState(next.Inputs())
		count, _ := advisor.MempoolCount(next.Mempool)
		metrics.MempoolTxCount.Set(float64(count))
	}

	published := s.deps.State.Publish(next)
	metrics.Refreshes.WithLabelValues(outcome).Inc()

	if hadPrev && hasData(published) {
		s.maybeAlert(ctx, prev, published)
	}

	if outcome == "failed" {
		return published, fetchErr
	}
	return published, nil
}

func hasData(st livestate.State) bool {
	return st.Fees != nil && st.Mempool != nil
}

// maybeAlert notifies when the network moves into or out of congestion.
func (s *Service) maybeAlert(ctx context.Context, prev, cur livestate.State) {
	if !s.opts.AlertsEnabled || s.deps.Notifier == nil {
		return
	}
	// Without a classified baseline there is no transition to report.
	if prev.NetworkState == advisor.StateUnknown || prev.NetworkState == cur.NetworkState {
		return
	}
	if prev.NetworkState != advisor.StateCongested && cur.NetworkState != advisor.StateCongested {
		return
	}

	s.alertMu.Lock()
	if s.opts.AlertCooldown > 0 && !s.lastAlert.IsZero() && cur.UpdatedAt.Sub(s.lastAlert) < s.opts.AlertCooldown {
		s.alertMu.Unlock()
		s.logger.Debug().Str("state", cur.NetworkState.String()).Msg("alert suppressed by cooldown")
		return
	}
	s.lastAlert = cur.UpdatedAt
	s.alertMu.Unlock()

	fees := advisor.ParseFeeSignal(cur.Fees).Levels()
	count, _ := advisor.MempoolCount(cur.Mempool)
	note := alerting.Notification{
		At:             cur.UpdatedAt,
		Previous:       prev.NetworkState,
		Current:        cur.NetworkState,
		Note:           cur.NetworkNote,
		MempoolTxCount: count,
		FastestFee:     decimalOrZero(fees.Fastest),
		EconomyFee:     decimalOrZero(fees.Economy),
		CacheUsed:      cur.CacheUsed,
		Channels:       s.opts.AlertChannels,
	}

	if s.deps.AlertStore != nil {
		record := history.AlertRecord{
			At:             note.At,
			PreviousState:  note.Previous.String(),
			CurrentState:   note.Current.String(),
			MempoolTxCount: count,
			FastestFee:     note.FastestFee,
			Channels:       note.Channels,
		}
		if _, err := s.deps.AlertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist alert record")
		}
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch alert")
	}
}

func decimalOrZero(v *float64) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*v)
}

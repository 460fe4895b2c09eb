package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/alerting"
	"btc-fee-agent/internal/fetcher"
	"btc-fee-agent/internal/history"
	"btc-fee-agent/internal/livestate"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetcher.Result
	errs    map[string]error
	calls   map[string]int
	delay   time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: map[string]fetcher.Result{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeFetcher) set(ep fetcher.Endpoint, payload string, fallback bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[ep.ID] = fetcher.Result{Payload: json.RawMessage(payload), UsedFallback: fallback, Attempts: 1}
	delete(f.errs, ep.ID)
}

func (f *fakeFetcher) fail(ep fetcher.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ep.ID] = &fetcher.ExhaustedError{Endpoint: ep.ID, Attempts: 3, Last: errors.New("connection refused")}
}

func (f *fakeFetcher) count(ep fetcher.Endpoint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ep.ID]
}

func (f *fakeFetcher) Fetch(ctx context.Context, ep fetcher.Endpoint) (fetcher.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ep.ID]++
	if err := ctx.Err(); err != nil {
		return fetcher.Result{}, &fetcher.ExhaustedError{Endpoint: ep.ID, Attempts: 1, Last: err}
	}
	if err, ok := f.errs[ep.ID]; ok {
		return fetcher.Result{}, err
	}
	res, ok := f.results[ep.ID]
	if !ok {
		return fetcher.Result{}, &fetcher.ExhaustedError{Endpoint: ep.ID, Attempts: 1, Last: errors.New("not scripted")}
	}
	return res, nil
}

type memoryHistory struct {
	mu   sync.Mutex
	rows []history.Record
	err  error
}

func (m *memoryHistory) Append(_ context.Context, rows ...history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memoryHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) > limit {
		return append([]history.Record(nil), m.rows[len(m.rows)-limit:]...), nil
	}
	return append([]history.Record(nil), m.rows...), nil
}

func (m *memoryHistory) Between(context.Context, time.Time, time.Time) ([]history.Record, error) {
	return nil, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

type stubExplainer struct{ calls atomic.Int32 }

func (s *stubExplainer) Explain(context.Context, advisor.Recommendation) string {
	s.calls.Add(1)
	return "explained"
}

const (
	calmFees    = `{"fastestFee":3,"halfHourFee":3,"hourFee":2,"economyFee":2,"minimumFee":1}`
	calmMempool = `{"count":30000}`
	busyFees    = `{"fastestFee":60,"halfHourFee":40,"hourFee":25,"economyFee":10,"minimumFee":5}`
	busyMempool = `{"count":300000}`
)

func newTestService(f *fakeFetcher, deps Deps, opts Options) *Service {
	deps.Fetcher = f
	return New(deps, opts, zerolog.Nop())
}

func TestRefreshPublishesState(t *testing.T) {
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{}, Options{})

	state, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.Version)
	assert.Equal(t, advisor.StateCalm, state.NetworkState)
	assert.False(t, state.CacheUsed)
	assert.Empty(t, state.Err)

	loaded, ok := svc.State().Load()
	require.True(t, ok)
	assert.Equal(t, state, loaded)
}

func TestRefreshIgnoresCallerCancellation(t *testing.T) {
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, state.CacheUsed)
	assert.Empty(t, state.Err)
	assert.Equal(t, advisor.StateCalm, state.NetworkState)
}

func TestRefreshMarksFallbackAsCacheUsed(t *testing.T) {
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, true)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{}, Options{})

	state, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, state.CacheUsed)

	rec, err := svc.Recommend(context.Background(), advisor.PriorityFast, false)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Contains(t, rec.Rules, advisor.RuleCacheUsed)
}

func TestRefreshFailureKeepsLastGoodData(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{}, Options{})
	_, err := svc.Refresh(ctx)
	require.NoError(t, err)

	f.fail(fetcher.EndpointFees)
	state, err := svc.Refresh(ctx)
	require.NoError(t, err, "previous data is still usable")
	assert.EqualValues(t, 2, state.Version)
	assert.True(t, state.CacheUsed)
	assert.Contains(t, state.Err, "connection refused")
	assert.JSONEq(t, calmFees, string(state.Fees))

	status := svc.LiveStatus()
	require.NotNil(t, status.Error)
	assert.True(t, status.CacheUsed)
}

func TestRefreshWithoutAnyDataFails(t *testing.T) {
	f := newFakeFetcher()
	f.fail(fetcher.EndpointFees)
	f.fail(fetcher.EndpointMempool)
	svc := newTestService(f, Deps{}, Options{})

	_, err := svc.Refresh(context.Background())
	assert.ErrorIs(t, err, fetcher.ErrExhausted)

	_, err = svc.Recommend(context.Background(), advisor.PriorityMedium, false)
	assert.ErrorIs(t, err, ErrNoData)

	status := svc.LiveStatus()
	assert.NotNil(t, status.Error)
	assert.Nil(t, status.NetworkState)
}

func TestRecommendRefreshesLazily(t *testing.T) {
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	hist := &memoryHistory{}
	svc := newTestService(f, Deps{History: hist}, Options{})

	rec, err := svc.Recommend(context.Background(), advisor.PriorityFast, false)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.RecommendedFee)
	assert.Contains(t, rec.AgentSummary, "Network state: calm.")
	require.NotNil(t, rec.WhatIfHint)
	assert.Equal(t, 1, f.count(fetcher.EndpointFees))

	_, err = svc.Recommend(context.Background(), advisor.PrioritySlow, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(fetcher.EndpointFees), "published state is reused")

	require.Len(t, hist.rows, 2)
	assert.Equal(t, "fast", hist.rows[0].Priority)
}

func TestConcurrentLazyRefreshCollapses(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Recommend(context.Background(), advisor.PriorityMedium, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.count(fetcher.EndpointFees))
}

func TestEstimateAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	hist := &memoryHistory{}
	explainer := &stubExplainer{}
	svc := newTestService(f, Deps{History: hist, Explainer: explainer}, Options{RecentLimit: 3})

	rec, err := svc.Estimate(ctx, 2.5, true)
	require.NoError(t, err)
	assert.Equal(t, advisor.ModeEstimate, rec.Mode)
	require.NotNil(t, rec.LLMExplanation)
	assert.Equal(t, "explained", *rec.LLMExplanation)

	_, err = svc.Estimate(ctx, -1, false)
	assert.ErrorIs(t, err, advisor.ErrInvalidFee)

	c, err := svc.Compare(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Network Calm", c.VerdictTitle)
	assert.EqualValues(t, 1, explainer.calls.Load())

	view, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, view.Items, 3)
	assert.Equal(t, []string{"fast", "medium", "slow"},
		[]string{view.Items[0].Priority, view.Items[1].Priority, view.Items[2].Priority})
	assert.Equal(t, "Records are mixed; network state: calm.", view.Insight)
	assert.Equal(t, history.PriorityEstimate, hist.rows[0].Priority)
}

func TestHistoryFailureDoesNotFailRecommendation(t *testing.T) {
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	svc := newTestService(f, Deps{History: &memoryHistory{err: errors.New("disk full")}}, Options{})

	_, err := svc.Recommend(context.Background(), advisor.PriorityFast, false)
	assert.NoError(t, err)
}

func TestHistoryNotConfigured(t *testing.T) {
	svc := newTestService(newFakeFetcher(), Deps{}, Options{})
	_, err := svc.History(context.Background())
	assert.ErrorIs(t, err, history.ErrNotConfigured)
}

func TestAlertsOnCongestionChange(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	notifier := &captureNotifier{}
	svc := newTestService(f, Deps{Notifier: notifier}, Options{AlertsEnabled: true, AlertChannels: []string{"telegram"}})

	_, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, notifier.notes, "first observation never alerts")

	f.set(fetcher.EndpointFees, busyFees, false)
	f.set(fetcher.EndpointMempool, busyMempool, false)
	_, err = svc.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	assert.Equal(t, advisor.StateCalm, note.Previous)
	assert.Equal(t, advisor.StateCongested, note.Current)
	assert.EqualValues(t, 300000, note.MempoolTxCount)
	assert.Equal(t, "60", note.FastestFee.String())

	_, err = svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, notifier.notes, 1, "no alert without a state change")
}

func TestNoAlertWithoutClassifiedBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.fail(fetcher.EndpointFees)
	f.fail(fetcher.EndpointMempool)
	notifier := &captureNotifier{}
	svc := newTestService(f, Deps{Notifier: notifier}, Options{AlertsEnabled: true})

	_, err := svc.Refresh(ctx)
	require.Error(t, err)

	f.set(fetcher.EndpointFees, busyFees, false)
	f.set(fetcher.EndpointMempool, busyMempool, false)
	state, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, advisor.StateCongested, state.NetworkState)
	assert.Empty(t, notifier.notes, "unknown to congested is not a transition")
}

func TestAlertCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(fetcher.EndpointFees, calmFees, false)
	f.set(fetcher.EndpointMempool, calmMempool, false)
	notifier := &captureNotifier{}
	svc := newTestService(f, Deps{Notifier: notifier}, Options{AlertsEnabled: true, AlertCooldown: time.Hour})

	flip := func(fees, mempool string) {
		f.set(fetcher.EndpointFees, fees, false)
		f.set(fetcher.EndpointMempool, mempool, false)
		_, err := svc.Refresh(ctx)
		require.NoError(t, err)
	}
	flip(calmFees, calmMempool)
	flip(busyFees, busyMempool)
	flip(calmFees, calmMempool)
	assert.Len(t, notifier.notes, 1)
}

func TestMiningTarget(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(fetcher.EndpointMempoolBlocks, `[{"minFee":10,"medianFee":12,"blockSize":1500000,"nTx":3000},{"minFee":4,"medianFee":5}]`, false)
	f.set(fetcher.EndpointTipHeight, `840000`, false)
	svc := newTestService(f, Deps{}, Options{})

	fee := 5.0
	out, err := svc.MiningTarget(ctx, &fee, 2)
	require.NoError(t, err)
	require.Len(t, out.Blocks, 2)
	require.NotNil(t, out.TipHeight)
	assert.EqualValues(t, 840000, *out.TipHeight)
	require.NotNil(t, out.UserFeeEval)
	require.NotNil(t, out.UserFeeEval.FitsInBlock)
	assert.Equal(t, 2, *out.UserFeeEval.FitsInBlock)
	require.NotNil(t, out.TargetSummary)
	assert.Equal(t, 2, out.TargetBlocks)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"target_blocks":2`)
	assert.Contains(t, string(raw), `"extra_delay_minutes":10`)
}

func TestMiningTargetUpstreamFailure(t *testing.T) {
	f := newFakeFetcher()
	f.fail(fetcher.EndpointMempoolBlocks)
	svc := newTestService(f, Deps{}, Options{})

	out, err := svc.MiningTarget(context.Background(), nil, 0)
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.True(t, out.CacheUsed)
	assert.Empty(t, out.Blocks)
	assert.Nil(t, out.TargetSummary)

	bad := -2.0
	_, err = svc.MiningTarget(context.Background(), &bad, 0)
	assert.ErrorIs(t, err, advisor.ErrInvalidFee)
}

func TestLiveStatusBeforeFirstRefresh(t *testing.T) {
	svc := New(Deps{State: livestate.New()}, Options{}, zerolog.Nop())
	status := svc.LiveStatus()
	assert.Nil(t, status.Timestamp)
	assert.Equal(t, advisor.Source, status.Source)

	raw, err := json.Marshal(status)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fee_data":null`)
}

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-fee-agent/internal/ratelimit"
	"btc-fee-agent/internal/snapshot"
)

type scriptedUpstream struct {
	calls   atomic.Int32
	results []error
	payload json.RawMessage
}

func (s *scriptedUpstream) Get(_ context.Context, ep Endpoint) (json.RawMessage, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.results) && s.results[n] != nil {
		return nil, s.results[n]
	}
	return s.payload, nil
}

type countingWaiter struct{ n atomic.Int32 }

func (c *countingWaiter) Wait(context.Context) error {
	c.n.Add(1)
	return nil
}

func newFileCache(t *testing.T) *snapshot.FileStore {
	t.Helper()
	return snapshot.OpenFile(filepath.Join(t.TempDir(), "cache.json"), noopLogger())
}

func newTestResilient(up Upstream, w Waiter, cache snapshot.Store, attempts int) *Resilient {
	r := NewResilient(up, w, cache, ResilientOptions{MaxAttempts: attempts, RetryDelay: time.Millisecond}, noopLogger())
	return r
}

func TestResilientSuccessPersistsSnapshot(t *testing.T) {
	cache := newFileCache(t)
	up := &scriptedUpstream{payload: json.RawMessage(`{"count":1000}`)}
	waiter := &countingWaiter{}

	res, err := newTestResilient(up, waiter, cache, 3).Fetch(context.Background(), EndpointMempool)
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, 1, res.Attempts)
	assert.JSONEq(t, `{"count":1000}`, string(res.Payload))
	assert.EqualValues(t, 1, waiter.n.Load())

	lookup, err := cache.Get(context.Background(), EndpointMempool.ID)
	require.NoError(t, err)
	entry, ok := lookup.Get()
	require.True(t, ok)
	assert.JSONEq(t, `{"count":1000}`, string(entry.Payload))
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	up := &scriptedUpstream{
		results: []error{
			&TransportError{Endpoint: "fees", Err: errors.New("connection reset")},
			&StatusError{Endpoint: "fees", Status: http.StatusServiceUnavailable},
		},
		payload: json.RawMessage(`{"fastestFee":10}`),
	}
	waiter := &countingWaiter{}

	res, err := newTestResilient(up, waiter, newFileCache(t), 3).Fetch(context.Background(), EndpointFees)
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, up.calls.Load())
	assert.EqualValues(t, 3, waiter.n.Load())
}

func TestResilientFallsBackToSnapshot(t *testing.T) {
	ctx := context.Background()
	cache := newFileCache(t)
	_, err := cache.Put(ctx, EndpointFees.ID, json.RawMessage(`{"fastestFee":7}`))
	require.NoError(t, err)
	before, _ := cache.Get(ctx, EndpointFees.ID)
	beforeEntry, _ := before.Get()

	failure := &MalformedResponseError{Endpoint: "fees", Reason: "invalid json"}
	up := &scriptedUpstream{results: []error{failure, failure, failure}}

	res, err := newTestResilient(up, nil, cache, 3).Fetch(ctx, EndpointFees)
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, 3, res.Attempts)
	assert.JSONEq(t, `{"fastestFee":7}`, string(res.Payload))

	after, _ := cache.Get(ctx, EndpointFees.ID)
	afterEntry, _ := after.Get()
	assert.Equal(t, beforeEntry.UpdatedAt, afterEntry.UpdatedAt, "fallback read must not touch the snapshot")
}

func TestResilientExhaustedWithoutSnapshot(t *testing.T) {
	cause := &StatusError{Endpoint: "mempool", Status: http.StatusBadRequest}
	up := &scriptedUpstream{results: []error{cause, cause}}

	_, err := newTestResilient(up, nil, newFileCache(t), 2).Fetch(context.Background(), EndpointMempool)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	var status *StatusError
	assert.ErrorAs(t, err, &status)
	assert.EqualValues(t, 2, up.calls.Load())
}

func TestResilientWaitsFixedDelayBetweenAttempts(t *testing.T) {
	boom := &TransportError{Endpoint: "fees", Err: errors.New("timeout")}
	up := &scriptedUpstream{results: []error{boom, boom, boom}}

	var delays []time.Duration
	r := NewResilient(up, nil, nil, ResilientOptions{MaxAttempts: 3, RetryDelay: 250 * time.Millisecond}, noopLogger())
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := r.Fetch(context.Background(), EndpointFees)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, delays)
}

func TestResilientCancellationGoesToSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cache := newFileCache(t)
	_, err := cache.Put(ctx, EndpointMempool.ID, json.RawMessage(`{"count":5}`))
	require.NoError(t, err)

	boom := &TransportError{Endpoint: "mempool", Err: errors.New("refused")}
	up := &scriptedUpstream{results: []error{boom, boom, boom}}
	r := NewResilient(up, nil, cache, ResilientOptions{MaxAttempts: 3, RetryDelay: time.Hour}, noopLogger())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := r.Fetch(ctx, EndpointMempool)
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, up.calls.Load())
}

func TestResilientEndToEndWithHTTPAndLimiter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"count":42000,"vsize":1000}`))
	}))
	defer srv.Close()

	client := NewMempoolClient(MempoolOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	limiter := ratelimit.New(20*time.Millisecond, "test")
	r := newTestResilient(client, limiter, newFileCache(t), 3)

	started := time.Now()
	res, err := r.Fetch(context.Background(), EndpointMempool)
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, 2, res.Attempts)
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond-time.Millisecond)
}

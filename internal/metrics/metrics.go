// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts upstream attempts per endpoint and outcome
	// (ok, transport, malformed, status).
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_fetch_attempts_total",
			Help: "Total number of upstream fetch attempts",
		},
		[]string{"endpoint", "outcome"},
	)

	// FetchResults counts resolved fetches per endpoint and terminal phase
	// (fetched, recovered, failed).
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_fetch_results_total",
			Help: "Total number of resolved fetches by terminal phase",
		},
		[]string{"endpoint", "phase"},
	)

	// FetchLatency tracks upstream call latency.
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feeagent_fetch_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// RateLimitWaits counts calls that had to wait for a limiter slot.
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_rate_limit_waits_total",
			Help: "Total number of calls delayed by the rate limiter",
		},
		[]string{"limiter"},
	)

	// Refreshes counts background refresh ticks by outcome (ok, stale, failed).
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_refreshes_total",
			Help: "Total number of live state refreshes",
		},
		[]string{"outcome"},
	)

	// LiveStateVersion exposes the version of the published live state.
	LiveStateVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feeagent_live_state_version",
			Help: "Version of the currently published live state",
		},
	)

	// MempoolTxCount tracks the latest observed mempool transaction count.
	MempoolTxCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feeagent_mempool_tx_count",
			Help: "Latest observed mempool transaction count",
		},
	)

	// Recommendations counts produced recommendations.
	Recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_recommendations_total",
			Help: "Total number of recommendations produced",
		},
		[]string{"mode", "priority", "confidence"},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeagent_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "status"},
	)
)

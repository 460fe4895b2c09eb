// Package history records recommendation summaries in an append-only log.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the store was not initialised.
var ErrNotConfigured = errors.New("history: store not configured")

// PriorityEstimate labels rows written for user-fee estimates.
const PriorityEstimate = "estimate"

// Record is one logged recommendation.
type Record struct {
	Timestamp      time.Time
	Priority       string
	BaseFee        decimal.Decimal
	MempoolTxCount int64
	RecommendedFee decimal.Decimal
}

type recordJSON struct {
	Timestamp      string  `json:"timestamp"`
	Priority       string  `json:"priority"`
	BaseFee        float64 `json:"base_fee_sat_vb"`
	MempoolTxCount int64   `json:"mempool_tx_count"`
	RecommendedFee float64 `json:"recommended_fee_sat_vb"`
}

// MarshalJSON renders the record with the column names of the CSV log.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Timestamp:      r.Timestamp.UTC().Format(time.RFC3339Nano),
		Priority:       r.Priority,
		BaseFee:        r.BaseFee.InexactFloat64(),
		MempoolTxCount: r.MempoolTxCount,
		RecommendedFee: r.RecommendedFee.InexactFloat64(),
	})
}

// Store persists recommendation records.
type Store interface {
	// Append writes rows in order; rows with a zero Timestamp get the same
	// current time.
	Append(ctx context.Context, rows ...Record) error
	// Recent returns at most limit of the latest records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Between returns records with from <= Timestamp < to, oldest first. Zero
	// bounds are open.
	Between(ctx context.Context, from, to time.Time) ([]Record, error)
}

// AlertRecord captures an emitted network state alert for auditing.
type AlertRecord struct {
	ID             int64
	At             time.Time
	PreviousState  string
	CurrentState   string
	MempoolTxCount int64
	FastestFee     decimal.Decimal
	Channels       []string
	CreatedAt      time.Time
}

// AlertStore is implemented by backends that can audit alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

func stampRows(rows []Record, now time.Time) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		r.Timestamp = r.Timestamp.UTC()
		out[i] = r
	}
	return out
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

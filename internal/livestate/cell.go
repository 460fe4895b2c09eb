// Package livestate holds the latest observed network state shared between the
// refresh loop and request handlers.
package livestate

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/metrics"
)

// State is one published observation of the upstream provider.
type State struct {
	Version   uint64
	UpdatedAt time.Time

	Fees    json.RawMessage
	Mempool json.RawMessage
	// CacheUsed is true when any payload came from the snapshot cache.
	CacheUsed bool
	// Err is the last refresh failure, kept alongside the previous good data.
	Err string

	NetworkState advisor.NetworkState
	NetworkNote  string
}

// Inputs returns the payloads in the form the advisor consumes.
func (s State) Inputs() advisor.Inputs {
	return advisor.Inputs{
		Fees:      bytes.Clone(s.Fees),
		Mempool:   bytes.Clone(s.Mempool),
		CacheUsed: s.CacheUsed,
	}
}

// Cell is a versioned single-writer, many-reader slot. Readers always observe
// a whole State; Publish replaces it atomically.
type Cell struct {
	current atomic.Pointer[State]
	writeMu sync.Mutex
}

// New returns an empty cell.
func New() *Cell {
	return &Cell{}
}

// Load returns the latest state; ok is false until the first Publish.
func (c *Cell) Load() (State, bool) {
	s := c.current.Load()
	if s == nil {
		return State{}, false
	}
	return *s, true
}

// Publish stores next with the following version number and returns what was
// stored. Payload bytes are copied so the caller may reuse its buffers.
func (c *Cell) Publish(next State) State {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var version uint64 = 1
	if prev := c.current.Load(); prev != nil {
		version = prev.Version + 1
	}
	next.Version = version
	next.Fees = bytes.Clone(next.Fees)
	next.Mempool = bytes.Clone(next.Mempool)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	c.current.Store(&next)
	metrics.LiveStateVersion.Set(float64(version))
	return next
}

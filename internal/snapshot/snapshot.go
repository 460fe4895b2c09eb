// Package snapshot keeps the last successfully fetched payload per upstream
// endpoint so that fetches can fall back to it when upstream is unreachable.
package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the last successful payload for a key.
type Entry struct {
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Lookup is the result of a Get: either Present(entry) or Absent.
type Lookup struct {
	entry   Entry
	present bool
}

// Present wraps a found entry.
func Present(e Entry) Lookup {
	return Lookup{entry: e, present: true}
}

// Absent reports a key that was never written.
func Absent() Lookup {
	return Lookup{}
}

// Get returns the entry and whether it is present.
func (l Lookup) Get() (Entry, bool) {
	return l.entry, l.present
}

// IsPresent reports whether the lookup found an entry.
func (l Lookup) IsPresent() bool {
	return l.present
}

// Store is a durable key -> last payload mapping. Readers always observe a
// whole value, either the one before or the one after a concurrent Put.
type Store interface {
	Get(ctx context.Context, key string) (Lookup, error)
	Put(ctx context.Context, key string, payload json.RawMessage) (Entry, error)
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}

// nextStamp keeps per-key timestamps strictly increasing even when the wall
// clock does not advance between two writes.
func nextStamp(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

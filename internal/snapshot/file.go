package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"btc-fee-agent/internal/logging"
)

// fileDocument is the persisted layout: payloads and a parallel map of
// last-updated epoch timestamps in nanoseconds.
type fileDocument struct {
	Payloads    map[string]json.RawMessage `json:"payloads"`
	LastUpdated map[string]int64           `json:"last_updated_unix_ns"`
}

// FileStore persists snapshots to a single JSON file.
type FileStore struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	writeMu sync.Mutex
}

// OpenFile loads the snapshot file at path. A missing or malformed file yields
// an empty store; the error is only logged.
func OpenFile(path string, logger zerolog.Logger) *FileStore {
	s := &FileStore{
		path:    path,
		logger:  logging.Component(logger, "snapshot_file"),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	s.load()
	return s
}

func (s *FileStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("snapshot file unreadable; starting empty")
		}
		return
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("snapshot file malformed; starting empty")
		return
	}

	for key, payload := range doc.Payloads {
		if len(payload) == 0 || !json.Valid(payload) {
			continue
		}
		var updated time.Time
		if ns, ok := doc.LastUpdated[key]; ok {
			updated = time.Unix(0, ns)
		}
		s.entries[key] = Entry{Payload: clonePayload(payload), UpdatedAt: updated}
	}
	s.logger.Debug().Int("keys", len(s.entries)).Str("path", s.path).Msg("snapshot file loaded")
}

// Get returns a private copy of the stored entry.
func (s *FileStore) Get(_ context.Context, key string) (Lookup, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Absent(), nil
	}
	entry.Payload = clonePayload(entry.Payload)
	return Present(entry), nil
}

// Put replaces the payload for key and persists the whole document.
func (s *FileStore) Put(_ context.Context, key string, payload json.RawMessage) (Entry, error) {
	if !json.Valid(payload) {
		return Entry{}, fmt.Errorf("snapshot: payload for %q is not valid json", key)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	prev := s.entries[key]
	next := make(map[string]Entry, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	s.mu.RUnlock()

	entry := Entry{Payload: clonePayload(payload), UpdatedAt: nextStamp(s.now(), prev.UpdatedAt)}
	next[key] = entry

	if err := s.persist(next); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()

	entry.Payload = clonePayload(entry.Payload)
	return entry, nil
}

func (s *FileStore) persist(entries map[string]Entry) error {
	doc := fileDocument{
		Payloads:    make(map[string]json.RawMessage, len(entries)),
		LastUpdated: make(map[string]int64, len(entries)),
	}
	for k, v := range entries {
		doc.Payloads[k] = v.Payload
		doc.LastUpdated[k] = v.UpdatedAt.UnixNano()
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

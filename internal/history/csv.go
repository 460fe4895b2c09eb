package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"btc-fee-agent/internal/logging"
)

var csvHeader = []string{"timestamp", "priority", "base_fee_sat_vb", "mempool_tx_count", "recommended_fee_sat_vb"}

// CSVStore appends records to a CSV file with a fixed header.
type CSVStore struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger zerolog.Logger
}

// NewCSVStore returns a store writing to path. The file and its directory are
// created on the first Append.
func NewCSVStore(path string, logger zerolog.Logger) *CSVStore {
	return &CSVStore{
		path:   path,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.Component(logger, "history_csv").With().Str("path", path).Logger(),
	}
}

// Path returns the backing file.
func (s *CSVStore) Path() string {
	return s.path
}

// Append writes rows after the existing content.
func (s *CSVStore) Append(_ context.Context, rows ...Record) error {
	if s == nil || s.path == "" {
		return ErrNotConfigured
	}
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write history header: %w", err)
		}
	}
	for _, r := range stampRows(rows, s.now()) {
		if err := w.Write([]string{
			r.Timestamp.Format(time.RFC3339Nano),
			r.Priority,
			r.BaseFee.String(),
			strconv.FormatInt(r.MempoolTxCount, 10),
			r.RecommendedFee.String(),
		}); err != nil {
			return fmt.Errorf("write history row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush history: %w", err)
	}
	return nil
}

// Recent returns the last limit rows. A missing file yields no rows.
func (s *CSVStore) Recent(_ context.Context, limit int) ([]Record, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Between returns rows inside the window in file order.
func (s *CSVStore) Between(_ context.Context, from, to time.Time) ([]Record, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if inRange(r.Timestamp, from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *CSVStore) readAll() ([]Record, error) {
	if s == nil || s.path == "" {
		return nil, ErrNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}

	records := make([]Record, 0)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		rec, err := parseRow(row, columns)
		if err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("skipping malformed history row")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string, columns map[string]int) (Record, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var (
		rec Record
		err error
	)
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, field("timestamp")); err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	rec.Priority = field("priority")
	if rec.BaseFee, err = decimal.NewFromString(field("base_fee_sat_vb")); err != nil {
		return Record{}, fmt.Errorf("base fee: %w", err)
	}
	if rec.MempoolTxCount, err = strconv.ParseInt(field("mempool_tx_count"), 10, 64); err != nil {
		return Record{}, fmt.Errorf("mempool count: %w", err)
	}
	if rec.RecommendedFee, err = decimal.NewFromString(field("recommended_fee_sat_vb")); err != nil {
		return Record{}, fmt.Errorf("recommended fee: %w", err)
	}
	return rec, nil
}

var _ Store = (*CSVStore)(nil)

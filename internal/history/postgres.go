package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS recommendation_history (
        id                      BIGSERIAL PRIMARY KEY,
        recorded_at             TIMESTAMPTZ NOT NULL,
        priority                TEXT NOT NULL,
        base_fee_sat_vb         NUMERIC NOT NULL,
        mempool_tx_count        BIGINT NOT NULL,
        recommended_fee_sat_vb  NUMERIC NOT NULL
    );
    CREATE INDEX IF NOT EXISTS recommendation_history_recorded_at_idx
        ON recommendation_history (recorded_at);
    CREATE TABLE IF NOT EXISTS network_alerts (
        id                BIGSERIAL PRIMARY KEY,
        alert_ts          TIMESTAMPTZ NOT NULL,
        previous_state    TEXT NOT NULL,
        current_state     TEXT NOT NULL,
        mempool_tx_count  BIGINT NOT NULL,
        fastest_fee       NUMERIC NOT NULL,
        channels          TEXT[] NOT NULL DEFAULT '{}',
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertRecordSQL = `INSERT INTO recommendation_history (
        recorded_at,
        priority,
        base_fee_sat_vb,
        mempool_tx_count,
        recommended_fee_sat_vb
    ) VALUES ($1,$2,$3,$4,$5);`

	listRecentRecordsSQL = `SELECT recorded_at, priority, base_fee_sat_vb::text, mempool_tx_count, recommended_fee_sat_vb::text
    FROM (
        SELECT id, recorded_at, priority, base_fee_sat_vb, mempool_tx_count, recommended_fee_sat_vb
        FROM recommendation_history
        ORDER BY recorded_at DESC, id DESC
        LIMIT $1
    ) recent
    ORDER BY recorded_at, id;`

	listRecordsBetweenSQL = `SELECT recorded_at, priority, base_fee_sat_vb::text, mempool_tx_count, recommended_fee_sat_vb::text
    FROM recommendation_history
    WHERE ($1::timestamptz IS NULL OR recorded_at >= $1)
      AND ($2::timestamptz IS NULL OR recorded_at < $2)
    ORDER BY recorded_at, id;`

	insertAlertSQL = `INSERT INTO network_alerts (
        alert_ts,
        previous_state,
        current_state,
        mempool_tx_count,
        fastest_fee,
        channels
    ) VALUES ($1,$2,$3,$4,$5,$6)
    RETURNING id, alert_ts, previous_state, current_state, mempool_tx_count, fastest_fee::text, channels, created_at;`

	listRecentAlertsSQL = `SELECT id, alert_ts, previous_state, current_state, mempool_tx_count, fastest_fee::text, channels, created_at
    FROM network_alerts
    ORDER BY created_at DESC
    LIMIT $1;`
)

// PostgresStore keeps history and alert audit rows in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wires a pgx pool into a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// Append inserts rows in a single batch.
func (s *PostgresStore) Append(ctx context.Context, rows ...Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range stampRows(rows, s.now()) {
		batch.Queue(insertRecordSQL, recordArgs(r)...)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent lists the latest records, oldest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentRecordsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent history: %w", err)
	}
	return collectRecords(rows)
}

// Between lists records inside the window, oldest first.
func (s *PostgresStore) Between(ctx context.Context, from, to time.Time) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecordsBetweenSQL, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("list history between: %w", err)
	}
	return collectRecords(rows)
}

// InsertAlert persists an alert emission.
func (s *PostgresStore) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, insertAlertSQL, alertArgs(alert)...))
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts, newest first.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// Fee columns travel as text so numeric precision survives both directions.
func recordArgs(r Record) []any {
	return []any{
		r.Timestamp,
		r.Priority,
		r.BaseFee.String(),
		r.MempoolTxCount,
		r.RecommendedFee.String(),
	}
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                Record
		baseStr, recommStr string
	)
	if err := row.Scan(&rec.Timestamp, &rec.Priority, &baseStr, &rec.MempoolTxCount, &recommStr); err != nil {
		return Record{}, err
	}
	var err error
	if rec.BaseFee, err = decimal.NewFromString(baseStr); err != nil {
		return Record{}, fmt.Errorf("parse base fee: %w", err)
	}
	if rec.RecommendedFee, err = decimal.NewFromString(recommStr); err != nil {
		return Record{}, fmt.Errorf("parse recommended fee: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// channels is NOT NULL in the schema.
func alertArgs(alert AlertRecord) []any {
	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}
	return []any{
		alert.At,
		alert.PreviousState,
		alert.CurrentState,
		alert.MempoolTxCount,
		alert.FastestFee.String(),
		channels,
	}
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec        AlertRecord
		fastestStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.At,
		&rec.PreviousState,
		&rec.CurrentState,
		&rec.MempoolTxCount,
		&fastestStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	fastest, err := decimal.NewFromString(fastestStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse fastest fee: %w", err)
	}
	rec.FastestFee = fastest
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ AlertStore = (*PostgresStore)(nil)
)

package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-fee-agent/internal/config"
	"btc-fee-agent/internal/history"
)

func testApp(t *testing.T, logger zerolog.Logger) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Cache:     config.CacheConfig{Backend: config.CacheBackendFile, Path: filepath.Join(dir, "cache.json")},
		History:   config.HistoryConfig{Path: filepath.Join(dir, "history.csv"), RecentLimit: 10},
		Scheduler: config.SchedulerConfig{Interval: 10 * time.Second},
		Export:    config.ExportConfig{MaxDataPoints: 1000},
		Alerting:  config.AlertingConfig{Channels: []string{"log"}},
	}
	return NewApp(cfg, logger)
}

func seedHistory(t *testing.T, a *App) []history.Record {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var rows []history.Record
	for i := 0; i < 6; i++ {
		for j, p := range []string{"fast", "medium", "slow"} {
			rows = append(rows, history.Record{
				Timestamp:      base.Add(time.Duration(i) * time.Minute),
				Priority:       p,
				BaseFee:        decimal.NewFromInt(int64(10 - 3*j)),
				MempoolTxCount: int64(40_000 + i*1000),
				RecommendedFee: decimal.NewFromInt(int64(10 - 3*j + i)),
			})
		}
	}
	require.NoError(t, history.NewCSVStore(a.Config.History.Path, zerolog.Nop()).Append(context.Background(), rows...))
	return rows
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	a := testApp(t, zerolog.Nop())
	seedHistory(t, a)
	out := t.TempDir()

	csvPath := filepath.Join(out, "nested", "history.csv")
	pngPath := filepath.Join(out, "history.png")
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath}))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 19)
	assert.Equal(t, []string{"timestamp", "priority", "base_fee_sat_vb", "mempool_tx_count", "recommended_fee_sat_vb"}, rows[0])
	assert.Equal(t, "fast", rows[1][1])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExportWindowAndValidation(t *testing.T) {
	a := testApp(t, zerolog.Nop())
	seedHistory(t, a)
	ctx := context.Background()

	assert.Error(t, a.Export(ctx, ExportOptions{}))

	from := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	to := from
	assert.Error(t, a.Export(ctx, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "x.csv"), From: &from, To: &to}))

	csvPath := filepath.Join(t.TempDir(), "window.csv")
	require.NoError(t, a.Export(ctx, ExportOptions{CSVPath: csvPath, From: &from, MaxPoints: 4}))
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 5, "header plus downsampled rows")
}

func TestExportPriorityFilter(t *testing.T) {
	a := testApp(t, zerolog.Nop())
	seedHistory(t, a)

	csvPath := filepath.Join(t.TempDir(), "fast.csv")
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, Priorities: []string{"fast"}}))
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	for _, row := range rows[1:] {
		assert.Equal(t, "fast", row[1])
	}
}

func TestDownsampleRecordsKeepsEnds(t *testing.T) {
	records := make([]history.Record, 10)
	for i := range records {
		records[i].MempoolTxCount = int64(i)
	}
	out := downsampleRecords(records, 4)
	require.Len(t, out, 4)
	assert.Equal(t, int64(0), out[0].MempoolTxCount)
	assert.Equal(t, int64(9), out[3].MempoolTxCount)

	assert.Len(t, downsampleRecords(records, 1), 1)
	assert.Len(t, downsampleRecords(records, 50), 10)
}

func TestFeeSeriesOnePerPriority(t *testing.T) {
	now := time.Now().UTC()
	series := feeSeries([]history.Record{
		{Timestamp: now, Priority: "slow", RecommendedFee: decimal.NewFromInt(2)},
		{Timestamp: now, Priority: "fast", RecommendedFee: decimal.NewFromInt(9)},
		{Timestamp: now.Add(time.Minute), Priority: "fast", RecommendedFee: decimal.NewFromInt(11)},
	})
	require.Len(t, series, 2)
	assert.Equal(t, "fast", series[0].GetName())
	assert.Equal(t, "slow", series[1].GetName())
}

func TestShowListsRecentHistory(t *testing.T) {
	a := testApp(t, zerolog.Nop())
	var buf bytes.Buffer
	require.NoError(t, a.Show(context.Background(), &buf, ShowOptions{Limit: 5}))
	assert.Contains(t, buf.String(), "no history found")

	seedHistory(t, a)
	buf.Reset()
	require.NoError(t, a.Show(context.Background(), &buf, ShowOptions{Limit: 2}))
	out := buf.String()
	assert.Contains(t, out, "Priority")
	assert.Contains(t, out, "medium")
	assert.Contains(t, out, "slow")
	assert.Contains(t, out, "2024-05-01T12:05:00Z")
}

func TestBackfillDryRunNeedsNoDatabase(t *testing.T) {
	var buf bytes.Buffer
	a := testApp(t, zerolog.New(&buf))
	seedHistory(t, a)
	require.NoError(t, a.Backfill(context.Background(), BackfillOptions{DryRun: true}))
	assert.Contains(t, buf.String(), `"source":"`+a.Config.History.Path+`"`)
	assert.Contains(t, buf.String(), `"rows":18`)
	assert.Contains(t, buf.String(), `"component":"app"`)

	err := a.Backfill(context.Background(), BackfillOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestSimulateAlertUsesLogChannel(t *testing.T) {
	var buf bytes.Buffer
	a := testApp(t, zerolog.New(&buf))

	assert.Error(t, a.SimulateAlert(context.Background(), 60, 5, 300_000), "alerting disabled")

	a.Config.Alerting.Enabled = true
	require.NoError(t, a.SimulateAlert(context.Background(), 60, 5, 300_000))
	assert.Contains(t, buf.String(), `"current":"congested"`)
	assert.Contains(t, buf.String(), `"previous":"calm"`)

	assert.Error(t, a.SimulateAlert(context.Background(), 3, 2, 1000))
}

func TestNewFetcherLogsUpstreamSettings(t *testing.T) {
	var buf bytes.Buffer
	a := testApp(t, zerolog.New(&buf))
	a.Config.Upstream = config.UpstreamConfig{BaseURL: "http://mempool.test/api", MaxAttempts: 4, MinInterval: 250 * time.Millisecond}

	assert.NotNil(t, a.newFetcher(nil))
	assert.Contains(t, buf.String(), `"min_interval":250`)
	assert.Contains(t, buf.String(), `"max_attempts":4`)
}

func TestOpenHistoryFallsBackToCSV(t *testing.T) {
	var buf bytes.Buffer
	a := testApp(t, zerolog.New(&buf))

	store, alerts, closer, err := a.openHistory(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &history.CSVStore{}, store)
	assert.Nil(t, alerts)
	assert.Nil(t, closer)
	assert.Contains(t, buf.String(), `"history":"`+a.Config.History.Path+`"`)
}

func TestNewNotifierChannels(t *testing.T) {
	a := testApp(t, zerolog.Nop())
	assert.NotNil(t, a.newNotifier())

	a.Config.Alerting.Channels = nil
	assert.Nil(t, a.newNotifier())

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	assert.NotNil(t, a.newNotifier())
}

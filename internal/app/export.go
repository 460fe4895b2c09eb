package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"btc-fee-agent/internal/history"
)

// Export renders the recommendation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, _, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var from, to time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if opts.To != nil {
		to = opts.To.UTC()
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.Between(ctx, from, to)
	if err != nil {
		return err
	}
	records = filterPriorities(records, opts.Priorities)
	if len(records) == 0 {
		a.Logger.Info().Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterPriorities(records []history.Record, keep []string) []history.Record {
	if len(keep) == 0 {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if slices.Contains(keep, r.Priority) {
			out = append(out, r)
		}
	}
	return out
}

func downsampleRecords(records []history.Record, max int) []history.Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]history.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []history.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"timestamp", "priority", "base_fee_sat_vb", "mempool_tx_count", "recommended_fee_sat_vb"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Priority,
			r.BaseFee.String(),
			strconv.FormatInt(r.MempoolTxCount, 10),
			r.RecommendedFee.String(),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// feeSeries groups recommended fees by priority, one chart line each.
func feeSeries(records []history.Record) []chart.Series {
	byPriority := map[string]*chart.TimeSeries{}
	for _, r := range records {
		s, ok := byPriority[r.Priority]
		if !ok {
			s = &chart.TimeSeries{Name: r.Priority}
			byPriority[r.Priority] = s
		}
		s.XValues = append(s.XValues, r.Timestamp)
		s.YValues = append(s.YValues, r.RecommendedFee.InexactFloat64())
	}

	names := make([]string, 0, len(byPriority))
	for name := range byPriority {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]chart.Series, 0, len(names))
	for _, name := range names {
		s := byPriority[name]
		// go-chart needs at least two points to draw a line.
		if len(s.XValues) == 1 {
			s.XValues = append(s.XValues, s.XValues[0].Add(time.Second))
			s.YValues = append(s.YValues, s.YValues[0])
		}
		series = append(series, *s)
	}
	return series
}

func writeRecordsPNG(path string, records []history.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	feeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  "Recommended fee by priority",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fee (sat/vB)",
			ValueFormatter: feeFormatter,
		},
		Series: feeSeries(records),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

package app

import (
	"context"
	"errors"

	"btc-fee-agent/internal/history"
)

// Backfill copies rows from the CSV history log into PostgreSQL.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.Source == "" {
		opts.Source = a.Config.History.Path
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	src := history.NewCSVStore(opts.Source, a.Logger)
	records, err := src.Between(ctx, opts.From, opts.To)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("source", src.Path()).Msg("no history rows to backfill")
		return nil
	}

	if opts.DryRun {
		a.Logger.Warn().Str("source", src.Path()).Int("rows", len(records)).Msg("backfill dry-run: nothing written")
		return nil
	}

	if err := requireDSN(a.Config, "backfill"); err != nil {
		return err
	}
	store, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	written, failed := 0, 0
	for start := 0; start < len(records); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+opts.BatchSize, len(records))
		if err := store.Append(ctx, records[start:end]...); err != nil {
			failed += end - start
			a.Logger.Error().Err(err).Int("offset", start).Msg("backfill batch failed")
			continue
		}
		written += end - start
	}

	a.Logger.Info().Int("written", written).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some backfill batches failed; see logs")
	}
	return nil
}

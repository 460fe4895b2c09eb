package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"btc-fee-agent/internal/app"
)

var (
	backfillSource    string
	backfillFrom      string
	backfillTo        string
	backfillDryRun    bool
	backfillBatchSize int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Copy the CSV history log into PostgreSQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			Source:    backfillSource,
			DryRun:    backfillDryRun,
			BatchSize: backfillBatchSize,
		}

		if backfillFrom != "" {
			from, err := time.Parse(time.RFC3339, backfillFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = from
		}

		if backfillTo != "" {
			to, err := time.Parse(time.RFC3339, backfillTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = to
		}

		if !opts.From.IsZero() && !opts.To.IsZero() && !opts.From.Before(opts.To) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillSource, "source", "", "CSV history file (defaults to history.path)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count rows without writing to storage")
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 500, "Rows per insert batch")
}

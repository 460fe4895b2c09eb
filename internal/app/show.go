package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Show prints the most recent history rows.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	store, _, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.Recent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no history found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPriority\tBase\tRecommended\tMempool Tx")

	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\n",
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Priority,
			r.BaseFee.StringFixed(3),
			r.RecommendedFee.StringFixed(3),
			r.MempoolTxCount,
		)
	}

	return writer.Flush()
}

package app

import (
	"context"
	"encoding/json"
	"io"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/service"
)

// QueryOptions configure the one-shot query commands.
type QueryOptions struct {
	WithLLM bool
}

// withService builds a service without a scheduler; queries refresh lazily.
func (a *App) withService(ctx context.Context, fn func(*service.Service) (any, error)) (any, error) {
	svc, cleanup, err := a.newService(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return fn(svc)
}

// Recommend prints one recommendation as JSON.
func (a *App) Recommend(ctx context.Context, w io.Writer, priority advisor.Priority, opts QueryOptions) error {
	out, err := a.withService(ctx, func(svc *service.Service) (any, error) {
		return svc.Recommend(ctx, priority, opts.WithLLM)
	})
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

// Estimate prints the classification of a user fee as JSON.
func (a *App) Estimate(ctx context.Context, w io.Writer, fee float64, opts QueryOptions) error {
	out, err := a.withService(ctx, func(svc *service.Service) (any, error) {
		return svc.Estimate(ctx, fee, opts.WithLLM)
	})
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

// Compare prints all presets side by side as JSON.
func (a *App) Compare(ctx context.Context, w io.Writer, opts QueryOptions) error {
	out, err := a.withService(ctx, func(svc *service.Service) (any, error) {
		return svc.Compare(ctx, opts.WithLLM)
	})
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

// Status refreshes once and prints the resulting live state.
func (a *App) Status(ctx context.Context, w io.Writer) error {
	out, err := a.withService(ctx, func(svc *service.Service) (any, error) {
		if _, err := svc.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("refresh failed")
		}
		return svc.LiveStatus(), nil
	})
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

// MiningTarget prints the projected-blocks report as JSON.
func (a *App) MiningTarget(ctx context.Context, w io.Writer, fee *float64, targetBlocks int) error {
	out, err := a.withService(ctx, func(svc *service.Service) (any, error) {
		return svc.MiningTarget(ctx, fee, targetBlocks)
	})
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"btc-fee-agent/internal/alerting"
	"btc-fee-agent/internal/config"
	"btc-fee-agent/internal/fetcher"
	"btc-fee-agent/internal/history"
	"btc-fee-agent/internal/httpapi"
	"btc-fee-agent/internal/livestate"
	"btc-fee-agent/internal/llm"
	"btc-fee-agent/internal/logging"
	"btc-fee-agent/internal/ratelimit"
	"btc-fee-agent/internal/scheduler"
	"btc-fee-agent/internal/service"
	"btc-fee-agent/internal/snapshot"
	"btc-fee-agent/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// closers runs cleanup funcs in reverse order.
type closers []func()

func (c *closers) add(fn func()) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func (a *App) openSnapshots(ctx context.Context) (snapshot.Store, func(), error) {
	cfg := a.Config.Cache
	switch cfg.Backend {
	case config.CacheBackendRedis:
		store, err := snapshot.NewRedis(ctx, snapshot.RedisOptions{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return snapshot.OpenFile(cfg.Path, a.Logger), nil, nil
	}
}

func (a *App) newFetcher(cache snapshot.Store) *fetcher.Resilient {
	up := a.Config.Upstream
	client := fetcher.NewMempoolClient(fetcher.MempoolOptions{
		BaseURL:   up.BaseURL,
		Timeout:   up.RequestTimeout,
		UserAgent: up.UserAgent,
	}, a.Logger)

	limiter := ratelimit.New(up.MinInterval, "mempool")
	a.Logger.Debug().Str("base_url", up.BaseURL).
		Int("max_attempts", up.MaxAttempts).
		Dur("min_interval", limiter.Interval()).
		Msg("upstream fetcher configured")

	return fetcher.NewResilient(client, limiter, cache, fetcher.ResilientOptions{
		MaxAttempts: up.MaxAttempts,
		RetryDelay:  up.RetryDelay,
	}, a.Logger)
}

// newNotifier fans out to every configured channel; nil when none is.
func (a *App) newNotifier() alerting.Notifier {
	var out alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		if ch == "log" {
			out = append(out, alerting.NewLogNotifier(a.Logger))
		}
	}
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		out = append(out, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *App) newExplainer() llm.Explainer {
	cfg := a.Config.LLM
	return llm.NewGemini(llm.Options{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	}, a.Logger)
}

// openHistory uses PostgreSQL when a DSN is configured and the CSV log
// otherwise. The alert store is nil for CSV.
func (a *App) openHistory(ctx context.Context) (history.Store, history.AlertStore, func(), error) {
	if a.Config.Database.DSN == "" {
		store := history.NewCSVStore(a.Config.History.Path, a.Logger)
		a.Logger.Debug().Str("history", store.Path()).Msg("using CSV history log")
		return store, nil, nil, nil
	}

	pg, err := a.openPostgres(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return pg, pg, pg.Close, nil
}

func (a *App) openPostgres(ctx context.Context) (*history.PostgresStore, error) {
	pool, err := history.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := history.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newService wires the full service. The returned cleanup must be called.
func (a *App) newService(ctx context.Context, sched *scheduler.Scheduler) (*service.Service, func(), error) {
	var cleanup closers

	cache, closeCache, err := a.openSnapshots(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup.add(closeCache)

	hist, alerts, closeHist, err := a.openHistory(ctx)
	if err != nil {
		cleanup.close()
		return nil, nil, err
	}
	cleanup.add(closeHist)

	svc := service.New(service.Deps{
		Fetcher:    a.newFetcher(cache),
		State:      livestate.New(),
		Scheduler:  sched,
		History:    hist,
		AlertStore: alerts,
		Notifier:   a.newNotifier(),
		Explainer:  a.newExplainer(),
	}, service.Options{
		RecentLimit:   a.Config.History.RecentLimit,
		AlertsEnabled: a.Config.Alerting.Enabled,
		AlertCooldown: a.Config.Alerting.Cooldown,
		AlertChannels: a.Config.Alerting.Channels,
	}, a.Logger)

	return svc, cleanup.close, nil
}

// Run executes the refresh loop and the HTTP API until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToInterval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	svc, cleanup, err := a.newService(ctx, sched)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := a.newServer(svc)

	a.Logger.Info().
		Str("version", version.Version).
		Dur("interval", sched.Interval()).
		Str("addr", a.Config.Server.Addr).
		Str("cache_backend", a.Config.Cache.Backend).
		Bool("postgres", a.Config.Database.DSN != "").
		Msg("starting fee agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("fee agent terminated with error")
		return err
	}

	a.Logger.Info().Msg("fee agent stopped")
	return nil
}

func (a *App) newServer(svc *service.Service) *httpapi.Server {
	cfg := a.Config.Server
	return httpapi.NewServer(svc, httpapi.Options{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, a.Logger)
}

// ExportOptions hold parameters for exporting history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Priorities restricts the export to these history labels; empty keeps all.
	Priorities []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure copying the CSV history into PostgreSQL.
type BackfillOptions struct {
	Source    string
	From      time.Time
	To        time.Time
	DryRun    bool
	BatchSize int
}

func requireDSN(cfg *config.Config, action string) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn not configured; cannot %s", action)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/config"
	"github.com/copyfat/Option-Loop/internal/fetcher"
	"github.com/copyfat/Option-Loop/internal/pricing"
	"github.com/copyfat/Option-Loop/internal/risk"
	"github.com/copyfat/Option-Loop/internal/scheduler"
	"github.com/copyfat/Option-Loop/internal/service"
	"github.com/copyfat/Option-Loop/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.QuoteFetcher {
	return fetcher.NewBroker(fetcher.BrokerOptions{
		BaseURL:         a.Config.Broker.BaseURL,
		Token:           a.Config.Broker.Token,
		Timeout:         a.Config.Broker.RequestTimeout,
		RateLimitPerSec: a.Config.Broker.RateLimitPerSec,
	}, a.Logger)
}

func (a *App) newCalculator() *risk.Calculator {
	return risk.NewCalculator(risk.Options{
		RiskFreeRate:  a.Config.Pricing.RiskFreeRate,
		DividendYield: a.Config.Pricing.DividendYield,
		Solver: pricing.SolverOptions{
			MaxIterations: a.Config.Pricing.IVMaxIterations,
			Tolerance:     a.Config.Pricing.IVTolerance,
		},
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	tg := a.Config.Alerting.Telegram
	policy := alerting.RetryPolicy{
		MaxAttempts: a.Config.Alerting.Retry.MaxAttempts,
		BaseDelay:   a.Config.Alerting.Retry.BaseDelay,
		Multiplier:  a.Config.Alerting.Retry.Multiplier,
	}
	return alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.Alerting.RequestTimeout, policy, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("no notification channel configured; transitions will only be logged")
	}

	svc := service.New(a.Config, sched, a.newFetcher(), a.newCalculator(), service.Stores{
		Positions: store,
		States:    store,
		Samples:   store,
		Events:    store,
		Control:   store,
		Locker:    store,
	}, notifier, a.Logger)

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Int("workers", a.Config.Scheduler.Workers).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting risk sample history.
type ExportOptions struct {
	Contract  ContractArgs
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit int
}

// PruneOptions configure retention cleanup.
type PruneOptions struct {
	DryRun bool
}

// SimulateOptions hold the hypothetical contract for the simulate command.
type SimulateOptions struct {
	Contract        ContractArgs
	UnderlyingPrice float64
	Bid             float64
	Ask             float64
	SendTest        bool
}

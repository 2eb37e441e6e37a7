package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"xrplwatch/internal/alerting"
	"xrplwatch/internal/api"
	"xrplwatch/internal/config"
	"xrplwatch/internal/feed"
	"xrplwatch/internal/logging"
	"xrplwatch/internal/pipeline"
	"xrplwatch/internal/scheduler"
	"xrplwatch/internal/storage"
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

func (a *App) newFeed() *feed.Client {
	x := a.Config.XRPL
	return feed.NewClient(feed.Options{
		WSURL:            x.WSURL,
		RPCURL:           x.RPCURL,
		Accounts:         x.Accounts,
		RequestTimeout:   x.RequestTimeout,
		ReconnectBackoff: x.ReconnectBackoff,
		PingInterval:     x.PingInterval,
		ReadTimeout:      x.ReadTimeout,
		BackfillPageSize: x.BackfillPageSize,
		BackfillMaxPages: x.BackfillMaxPages,
	}, a.Logger)
}

func (a *App) pipelineOptions(alerts bool) pipeline.Options {
	p := a.Config.Pipeline
	return pipeline.Options{
		RetryAttempts:     p.DBRetryAttempts,
		RetryDelay:        p.DBRetryDelay,
		StorageCooldown:   p.StorageCooldown,
		GenericCooldown:   p.GenericCooldown,
		BackfillOnConnect: p.BackfillOnConnect,
		AlertsEnabled:     alerts,
		LockKey:           p.AdvisoryLockKey,
		LockPollInterval:  p.LockPollInterval,
	}
}

func (a *App) newEvaluator() *alerting.Evaluator {
	return alerting.NewEvaluator(decimal.NewFromFloat(a.Config.Alerting.FallbackThreshold))
}

// openStore returns a nil store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) migrate(ctx context.Context, store *storage.Store) error {
	applied, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.Info().Strs("files", applied).Msg("schema up to date")
	return nil
}

// Run executes the long-running ingestion service together with the read API
// and the housekeeping schedule.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.RequireAccounts(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		// the pipeline reports the unconfigured store as unrecoverable
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		store = storage.NewStore(nil)
	} else if a.Config.Database.AutoMigrate {
		if err := a.migrate(ctx, store); err != nil {
			return err
		}
	}
	if closeStore != nil {
		defer closeStore()
	}

	channels := alerting.BuildChannels(a.Config.Alerting, a.Logger)
	defer func() {
		if err := channels.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing alert channels")
		}
	}()

	dispatcher := alerting.NewDispatcher(store, channels.Notifiers, a.Config.Alerting.ChannelTimeout, a.Logger)
	if a.Config.Alerting.Enabled && len(channels.Notifiers) == 0 {
		a.Logger.Warn().Msg("no alert channel configured; alerts are only recorded")
	}

	pipe := pipeline.New(pipeline.Deps{
		Source:     a.newFeed(),
		Normalizer: feed.NewNormalizer(a.Config.XRPL.Accounts),
		Ledger:     store,
		Rules:      store,
		Evaluator:  a.newEvaluator(),
		Dispatcher: dispatcher,
		Locker:     store,
	}, a.pipelineOptions(a.Config.Alerting.Enabled), a.Logger)

	sched, err := scheduler.New(scheduler.Options{
		Name:         "housekeeping",
		Interval:     a.Config.Scheduler.Interval,
		AlignToTick:  a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}
	keeper := pipeline.NewHousekeeper(store, store, store, a.Config.Housekeeping.AlertRetention, pipe.State, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return pipe.Run(gctx)
	})
	group.Go(func() error {
		return sched.Run(gctx, keeper.Tick)
	})
	if a.Config.API.Enabled {
		handler := api.NewHandler(store, store, store, a.Config.API.RecentLimit, func() string {
			return string(pipe.State())
		})
		srv := api.NewServer(a.Config.API, handler, a.Logger)
		group.Go(func() error {
			return srv.Run(gctx)
		})
	}

	a.Logger.Info().
		Strs("accounts", a.Config.XRPL.Accounts).
		Strs("channels", dispatcher.Channels()).
		Msg("starting ingestion service")

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	defer closeStore()
	return a.migrate(ctx, store)
}

// ExportOptions hold parameters for exporting stored transactions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Direction string
	Alerts    bool
	Status    string
}

// BackfillOptions configure a one-off history replay.
type BackfillOptions struct {
	FromLedger int64
	DryRun     bool
	Alerts     bool
}

// SimulateOptions describe the synthetic transaction fed to the alert path.
type SimulateOptions struct {
	Amount       decimal.Decimal
	Direction    string
	Counterparty string
	Memo         string
}

package app

import (
	"context"
	"errors"

	"xrplwatch/internal/alerting"
	"xrplwatch/internal/feed"
	"xrplwatch/internal/pipeline"
	"xrplwatch/internal/storage"
)

// Backfill replays account history once through the ingestion path.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if err := a.Config.RequireAccounts(); err != nil {
		return err
	}

	var (
		ledger storage.LedgerStore
		rules  storage.RuleStore
		alerts storage.AlertStore
	)
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written to the database")
		mem := storage.NewMemoryStore()
		ledger, rules, alerts = mem, mem, mem
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
		ledger, rules, alerts = store, store, store
	}

	var dispatcher pipeline.AlertDispatcher
	if opts.Alerts {
		channels := alerting.BuildChannels(a.Config.Alerting, a.Logger)
		defer channels.Close()
		dispatcher = alerting.NewDispatcher(alerts, channels.Notifiers, a.Config.Alerting.ChannelTimeout, a.Logger)
	}

	pipe := pipeline.New(pipeline.Deps{
		Source:     a.newFeed(),
		Normalizer: feed.NewNormalizer(a.Config.XRPL.Accounts),
		Ledger:     ledger,
		Rules:      rules,
		Evaluator:  a.newEvaluator(),
		Dispatcher: dispatcher,
	}, a.pipelineOptions(opts.Alerts), a.Logger)

	stats, err := pipe.Backfill(ctx, opts.FromLedger)
	a.Logger.Info().
		Int("stored", stats[pipeline.OutcomeStored]+stats[pipeline.OutcomeAlerted]).
		Int("alerted", stats[pipeline.OutcomeAlerted]).
		Int("duplicates", stats[pipeline.OutcomeDuplicate]).
		Int("skipped", stats[pipeline.OutcomeSkipped]).
		Bool("dry_run", opts.DryRun).
		Msg("backfill finished")
	return err
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xrplwatch/internal/alerting"
	"xrplwatch/internal/storage"
)

// SimulateAlert runs a synthetic transaction through rule evaluation and the
// configured channels. The resulting alert is kept in memory only; rules are
// read from the database when one is configured.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	channels := alerting.BuildChannels(a.Config.Alerting, a.Logger)
	defer channels.Close()
	if len(channels.Notifiers) == 0 {
		return errors.New("no alert channel configured")
	}

	tx, err := syntheticTransaction(opts, a.Config.XRPL.Accounts, time.Now().UTC())
	if err != nil {
		return err
	}

	var rules []storage.AlertRule
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		if rules, err = store.ActiveRules(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("loading alert rules failed, evaluating fallback only")
		}
	}

	evaluator := a.newEvaluator()
	matched, shouldAlert := evaluator.Evaluate(tx, rules)
	if !shouldAlert {
		a.Logger.Info().
			Str("amount_xrp", tx.Amount.String()).
			Str("threshold", evaluator.Threshold().String()).
			Msg("no rule matched and amount is below the fallback threshold; nothing sent")
		return nil
	}

	dispatcher := alerting.NewDispatcher(storage.NewMemoryStore(), channels.Notifiers, a.Config.Alerting.ChannelTimeout, a.Logger)
	alert, err := dispatcher.Dispatch(ctx, tx, matched)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("message", alert.Message).Strs("channels", dispatcher.Channels()).Msg("simulated alert sent")
	return nil
}

func syntheticTransaction(opts SimulateOptions, accounts []string, now time.Time) (storage.Transaction, error) {
	watched := "rSimulatedWatchedAccount"
	if len(accounts) > 0 {
		watched = accounts[0]
	}

	dir := storage.DirectionInbound
	if opts.Direction != "" {
		parsed, err := storage.ParseDirection(opts.Direction)
		if err != nil {
			return storage.Transaction{}, err
		}
		dir = parsed
	}

	fields := storage.TransactionFields{
		Hash:         fmt.Sprintf("SIMULATED-%d", now.UnixNano()),
		LedgerIndex:  1,
		Amount:       opts.Amount,
		Direction:    dir,
		Counterparty: opts.Counterparty,
		Memo:         opts.Memo,
		Timestamp:    now,
	}
	if dir == storage.DirectionInbound {
		fields.Account = opts.Counterparty
		fields.Destination = watched
	} else {
		fields.Account = watched
		fields.Destination = opts.Counterparty
	}
	if fields.Account == "" {
		fields.Account = "rSimulatedCounterparty"
	}
	return storage.NewTransaction(fields)
}

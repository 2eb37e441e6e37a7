package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xrplwatch/internal/alerting"
	"xrplwatch/internal/feed"
	"xrplwatch/internal/retry"
	"xrplwatch/internal/storage"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateRecovering State = "recovering"
	StateShutdown   State = "shutdown"
)

// ErrUnrecoverable ends Run without a restart.
var ErrUnrecoverable = errors.New("pipeline: unrecoverable fault")

// StorageError marks a persistence fault that survived the bounded retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Outcome summarises what ProcessEvent did with one event.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDuplicate
	OutcomeStored
	OutcomeAlerted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStored:
		return "stored"
	case OutcomeAlerted:
		return "alerted"
	default:
		return "skipped"
	}
}

// AlertDispatcher records and delivers one alert.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, tx storage.Transaction, matched []int64) (storage.AlertEvent, error)
}

// Options tune retry, cooldown and locking behaviour.
type Options struct {
	RetryAttempts     int
	RetryDelay        time.Duration
	StorageCooldown   time.Duration
	GenericCooldown   time.Duration
	BackfillOnConnect bool
	AlertsEnabled     bool
	LockKey           int64
	LockPollInterval  time.Duration
}

// Deps are the collaborators of a Pipeline. Locker is optional.
type Deps struct {
	Source     feed.EventSource
	Normalizer *feed.Normalizer
	Ledger     storage.LedgerStore
	Rules      storage.RuleStore
	Evaluator  *alerting.Evaluator
	Dispatcher AlertDispatcher
	Locker     storage.AdvisoryLocker
}

// Pipeline consumes the feed, persists transactions exactly once and raises alerts.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	state State
}

// New constructs a pipeline.
func New(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.StorageCooldown <= 0 {
		opts.StorageCooldown = 5 * time.Second
	}
	if opts.GenericCooldown <= 0 {
		opts.GenericCooldown = 10 * time.Second
	}
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = 15 * time.Second
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		state:  StateConnecting,
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()
	if prev != next {
		p.logger.Info().Str("from", string(prev)).Str("state", string(next)).Msg("state change")
	}
}

// Run supervises the feed until ctx is cancelled or an unrecoverable fault
// occurs. Storage faults restart after the storage cooldown, anything else
// after the generic cooldown.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.setState(StateShutdown)

	for {
		p.setState(StateConnecting)
		unlock, err := p.waitForLock(ctx)
		if err != nil {
			return err
		}

		err = p.deps.Source.Stream(ctx, p.onSubscribed, p.handle)
		if unlock != nil {
			unlock()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrUnrecoverable) {
			return err
		}
		if errors.Is(err, storage.ErrNotConfigured) {
			return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
		}

		cooldown := p.opts.GenericCooldown
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			cooldown = p.opts.StorageCooldown
		}

		p.setState(StateRecovering)
		p.logger.Error().Err(err).Dur("cooldown", cooldown).Msg("stream ended, restarting after cooldown")
		if err := sleep(ctx, cooldown); err != nil {
			return err
		}
	}
}

// waitForLock blocks until the advisory lock is held. Without a locker or key
// it returns immediately.
func (p *Pipeline) waitForLock(ctx context.Context) (func(), error) {
	if p.deps.Locker == nil || p.opts.LockKey == 0 {
		return nil, nil
	}
	for {
		unlock, acquired, err := p.deps.Locker.TryAdvisoryLock(ctx, p.opts.LockKey)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, storage.ErrNotConfigured):
			return nil, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
		case err != nil:
			p.logger.Warn().Err(err).Msg("advisory lock attempt failed")
		case acquired:
			p.logger.Info().Int64("lock_key", p.opts.LockKey).Msg("advisory lock acquired")
			return unlock, nil
		default:
			p.logger.Debug().Int64("lock_key", p.opts.LockKey).Msg("advisory lock held elsewhere, waiting")
		}
		if err := sleep(ctx, p.opts.LockPollInterval); err != nil {
			return nil, err
		}
	}
}

func (p *Pipeline) onSubscribed(ctx context.Context, reconnects int) error {
	p.setState(StateStreaming)
	if !p.opts.BackfillOnConnect {
		return nil
	}

	cursor, ok, err := p.deps.Ledger.Cursor(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StorageError{Op: "read cursor", Err: err}
	}
	if !ok {
		return nil
	}

	p.logger.Info().Int64("from_ledger", cursor.LastLedgerIndex).Int("reconnects", reconnects).Msg("backfilling from cursor")
	err = p.deps.Source.Backfill(ctx, cursor.LastLedgerIndex, p.handle)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	// history is best effort; the live stream carries on
	p.logger.Warn().Err(err).Msg("backfill failed")
	return nil
}

// Stats counts ProcessEvent outcomes.
type Stats map[Outcome]int

// Backfill replays history once through ProcessEvent. fromLedger <= 0 resumes
// from the stored cursor, or from the oldest history when there is none.
func (p *Pipeline) Backfill(ctx context.Context, fromLedger int64) (Stats, error) {
	if fromLedger <= 0 {
		cursor, ok, err := p.deps.Ledger.Cursor(ctx)
		if err != nil {
			return nil, &StorageError{Op: "read cursor", Err: err}
		}
		if ok {
			fromLedger = cursor.LastLedgerIndex
		}
	}

	stats := Stats{}
	err := p.deps.Source.Backfill(ctx, fromLedger, func(ctx context.Context, ev feed.RawEvent) error {
		outcome, err := p.ProcessEvent(ctx, ev)
		if err != nil {
			return err
		}
		stats[outcome]++
		return nil
	})
	return stats, err
}

func (p *Pipeline) handle(ctx context.Context, ev feed.RawEvent) error {
	_, err := p.ProcessEvent(ctx, ev)
	return err
}

// ProcessEvent runs one event through normalize, persist, evaluate and
// dispatch. Only storage faults and cancellation are returned.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev feed.RawEvent) (Outcome, error) {
	tx, err := p.deps.Normalizer.Normalize(ev)
	if err != nil {
		p.logger.Warn().Err(err).Str("hash", ev.Hash).Msg("skipping malformed event")
		return OutcomeSkipped, nil
	}

	inserted, err := p.persist(ctx, tx)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !inserted {
		p.logger.Debug().Str("hash", tx.Hash).Int64("ledger_index", tx.LedgerIndex).Msg("duplicate transaction ignored")
		return OutcomeDuplicate, nil
	}

	p.logger.Info().Str("hash", tx.Hash).
		Int64("ledger_index", tx.LedgerIndex).
		Str("direction", string(tx.Direction)).
		Str("amount_xrp", tx.Amount.String()).
		Msg("transaction stored")

	outcome := p.evaluate(ctx, tx)
	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (p *Pipeline) persist(ctx context.Context, tx storage.Transaction) (bool, error) {
	var inserted bool
	policy := p.storePolicy(tx.Hash, "persist")

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return p.deps.Ledger.WithinTx(ctx, func(w storage.LedgerWriter) error {
			ok, err := w.TryInsert(ctx, tx)
			if err != nil {
				return err
			}
			inserted = ok
			// duplicates still move the cursor; it only ever grows
			return w.AdvanceCursor(ctx, tx.LedgerIndex)
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, &StorageError{Op: "persist transaction", Err: err}
	}
	return inserted, nil
}

// storePolicy retries store calls for one transaction. A missing store is
// never retried.
func (p *Pipeline) storePolicy(hash, op string) retry.Policy {
	return retry.Policy{
		MaxAttempts: p.opts.RetryAttempts,
		Delay:       p.opts.RetryDelay,
		Classify: func(err error) retry.Class {
			if errors.Is(err, storage.ErrNotConfigured) {
				return retry.Fatal
			}
			return retry.Retryable
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			p.logger.Warn().Err(err).Str("hash", hash).Int("attempt", attempt).Dur("wait", wait).Msgf("%s failed, retrying", op)
		},
	}
}

func (p *Pipeline) evaluate(ctx context.Context, tx storage.Transaction) Outcome {
	if !p.opts.AlertsEnabled || p.deps.Evaluator == nil || p.deps.Dispatcher == nil {
		return OutcomeStored
	}

	var rules []storage.AlertRule
	if p.deps.Rules != nil {
		var loaded []storage.AlertRule
		err := retry.Do(ctx, p.storePolicy(tx.Hash, "load alert rules"), func(ctx context.Context) error {
			var err error
			loaded, err = p.deps.Rules.ActiveRules(ctx)
			return err
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("hash", tx.Hash).Msg("loading alert rules failed, evaluating fallback only")
		} else {
			rules = loaded
		}
	}

	matched, shouldAlert := p.deps.Evaluator.Evaluate(tx, rules)
	if !shouldAlert {
		return OutcomeStored
	}

	// Dispatch only fails before any channel is notified, so a retry cannot
	// double-deliver.
	var alert storage.AlertEvent
	err := retry.Do(ctx, p.storePolicy(tx.Hash, "alert dispatch"), func(ctx context.Context) error {
		var err error
		alert, err = p.deps.Dispatcher.Dispatch(ctx, tx, matched)
		return err
	})
	if err != nil {
		p.logger.Error().Err(err).Str("hash", tx.Hash).Msg("alert dispatch failed")
		return OutcomeStored
	}
	p.logger.Debug().Int64("alert_id", alert.ID).Str("hash", tx.Hash).Msg("alert dispatched")
	return OutcomeAlerted
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

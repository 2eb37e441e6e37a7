package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"xrplwatch/internal/storage"
)

// Housekeeper is the periodic job: it logs a heartbeat and prunes
// acknowledged alerts past their retention.
type Housekeeper struct {
	ledger    storage.LedgerStore
	reader    storage.TransactionReader
	alerts    storage.AlertStore
	retention time.Duration
	state     func() State
	logger    zerolog.Logger
}

// NewHousekeeper builds the job. state may be nil.
func NewHousekeeper(ledger storage.LedgerStore, reader storage.TransactionReader, alerts storage.AlertStore, retention time.Duration, state func() State, logger zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		ledger:    ledger,
		reader:    reader,
		alerts:    alerts,
		retention: retention,
		state:     state,
		logger:    logger.With().Str("component", "housekeeping").Logger(),
	}
}

// Tick runs one housekeeping pass at the given scheduler tick.
func (h *Housekeeper) Tick(ctx context.Context, at time.Time) error {
	event := h.logger.Info().Time("tick", at)
	if h.state != nil {
		event = event.Str("state", string(h.state()))
	}

	cursor, ok, err := h.ledger.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		event = event.Int64("cursor", cursor.LastLedgerIndex)
	}

	count, err := h.reader.CountTransactions(ctx)
	if err != nil {
		return fmt.Errorf("count transactions: %w", err)
	}
	event.Int64("transactions", count).Msg("heartbeat")

	if h.retention <= 0 {
		return nil
	}
	deleted, err := h.alerts.DeleteAcknowledgedAlertsBefore(ctx, at.Add(-h.retention))
	if err != nil {
		return fmt.Errorf("prune alerts: %w", err)
	}
	if deleted > 0 {
		h.logger.Info().Int64("deleted", deleted).Dur("retention", h.retention).Msg("pruned acknowledged alerts")
	}
	return nil
}

package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"xrplwatch/internal/storage"
)

// Dispatcher records an alert and fans it out to every configured channel.
type Dispatcher struct {
	alerts    storage.AlertStore
	notifiers []Notifier
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher. timeout bounds each channel send.
func NewDispatcher(alerts storage.AlertStore, notifiers []Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		alerts:    alerts,
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Dispatch persists one AlertEvent for tx and then notifies all channels. Only
// the persistence error is returned; channel failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, tx storage.Transaction, matched []int64) (storage.AlertEvent, error) {
	var ruleID *int64
	if len(matched) > 0 {
		first := matched[0]
		ruleID = &first
	}
	hash := tx.Hash

	alert, err := d.alerts.InsertAlert(ctx, storage.AlertEvent{
		RuleID:          ruleID,
		TransactionHash: &hash,
		Message:         RenderMessage(tx),
		Status:          storage.AlertStatusOpen,
	})
	if err != nil {
		return storage.AlertEvent{}, fmt.Errorf("persist alert for %s: %w", tx.Hash, err)
	}

	deliveryID := uuid.NewString()
	d.logger.Info().
		Int64("alert_id", alert.ID).
		Str("hash", tx.Hash).
		Int("matched_rules", len(matched)).
		Str("delivery_id", deliveryID).
		Msg("alert raised")

	d.fanOut(ctx, Notification{
		AlertID:    alert.ID,
		RuleID:     alert.RuleID,
		TxHash:     hash,
		Message:    alert.Message,
		DeliveryID: deliveryID,
	})
	return alert, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, note Notification) {
	var wg sync.WaitGroup
	for _, n := range d.notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().Str("channel", n.Name()).Interface("panic", r).Int64("alert_id", note.AlertID).Msg("notification channel panicked")
				}
			}()

			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := n.Notify(sendCtx, note); err != nil {
				d.logger.Warn().Err(err).Str("channel", n.Name()).Int64("alert_id", note.AlertID).Msg("notification failed")
			}
		}(n)
	}
	wg.Wait()
}

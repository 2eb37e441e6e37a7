package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"xrplwatch/internal/version"
)

// Notification carries one alert to a channel.
// DeliveryID is shared by every channel of one dispatch so receivers can
// correlate or deduplicate.
type Notification struct {
	AlertID    int64
	RuleID     *int64
	TxHash     string
	Message    string
	DeliveryID string
}

// Notifier delivers a notification over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, note Notification) error
}

// WebhookNotifier POSTs the alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier builds a webhook channel. The per-send deadline comes from
// the dispatcher context; timeout only bounds the client itself.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"id":      note.AlertID,
		"message": note.Message,
		"tx_hash": note.TxHash,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if note.DeliveryID != "" {
		req.Header.Set("X-Delivery-ID", note.DeliveryID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}

	n.logger.Info().Int64("alert_id", note.AlertID).Str("hash", note.TxHash).Msg("alert delivered (webhook)")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)

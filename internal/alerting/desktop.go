package alerting

import (
	"context"
	"fmt"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// DesktopNotifier raises a local OS notification.
type DesktopNotifier struct {
	title  string
	notify func(title, message string) error
	logger zerolog.Logger
}

// NewDesktopNotifier builds the desktop channel.
func NewDesktopNotifier(title string, logger zerolog.Logger) *DesktopNotifier {
	if title == "" {
		title = "XRP Alert"
	}
	return &DesktopNotifier{
		title: title,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		logger: logger.With().Str("component", "alert_desktop").Logger(),
	}
}

// Name implements Notifier.
func (n *DesktopNotifier) Name() string { return "desktop" }

// Notify implements Notifier. The OS call cannot be cancelled; on timeout it
// is abandoned and finishes in the background.
func (n *DesktopNotifier) Notify(ctx context.Context, note Notification) error {
	done := make(chan error, 1)
	go func() {
		done <- n.notify(n.title, note.Message)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("desktop notification: %w", err)
		}
		n.logger.Debug().Int64("alert_id", note.AlertID).Msg("alert delivered (desktop)")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Notifier = (*DesktopNotifier)(nil)

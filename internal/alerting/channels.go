package alerting

import (
	"github.com/rs/zerolog"

	"xrplwatch/internal/config"
)

// Channels holds the notifiers built from configuration.
type Channels struct {
	Notifiers []Notifier
	kafka     *KafkaNotifier
}

// BuildChannels creates one notifier per configured channel. A Kafka channel
// whose brokers cannot be reached is logged and left out.
func BuildChannels(cfg config.AlertingConfig, logger zerolog.Logger) *Channels {
	out := &Channels{}
	if cfg.Webhook.URL != "" {
		out.Notifiers = append(out.Notifiers, NewWebhookNotifier(cfg.Webhook.URL, cfg.ChannelTimeout, logger))
	}
	if cfg.Email.Enabled() {
		out.Notifiers = append(out.Notifiers, NewEmailNotifier(EmailOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			StartTLS: cfg.Email.StartTLS,
		}, logger))
	}
	if cfg.Desktop.Enabled {
		out.Notifiers = append(out.Notifiers, NewDesktopNotifier(cfg.Desktop.Title, logger))
	}
	if cfg.Kafka.Enabled() {
		kafka, err := NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, logger)
		if err != nil {
			logger.Warn().Err(err).Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka alert channel unavailable, skipping")
		} else {
			out.kafka = kafka
			out.Notifiers = append(out.Notifiers, kafka)
		}
	}
	return out
}

// Close releases channel resources.
func (c *Channels) Close() error {
	if c == nil || c.kafka == nil {
		return nil
	}
	return c.kafka.Close()
}

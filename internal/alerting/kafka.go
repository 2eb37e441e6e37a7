package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Envelope is the message layout on the alert topic.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type kafkaAlert struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
	RuleID  *int64 `json:"rule_id"`
}

// KafkaNotifier publishes alerts to a Kafka topic, keyed by transaction hash.
type KafkaNotifier struct {
	topic    string
	producer sarama.SyncProducer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewKafkaNotifier dials the brokers with a synchronous producer.
func NewKafkaNotifier(brokers []string, topic, clientID string, logger zerolog.Logger) (*KafkaNotifier, error) {
	if topic == "" {
		return nil, errors.New("kafka topic empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}

	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer requires both
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(topic, producer, logger), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(topic string, producer sarama.SyncProducer, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		topic:    topic,
		producer: producer,
		logger:   logger.With().Str("component", "alert_kafka").Logger(),
		now:      time.Now,
	}
}

// Name implements Notifier.
func (n *KafkaNotifier) Name() string { return "kafka" }

// Notify implements Notifier. SyncProducer takes no context, so ctx is only
// checked before sending.
func (n *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(kafkaAlert{ID: note.AlertID, Message: note.Message, TxHash: note.TxHash, RuleID: note.RuleID})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{Type: "alert", TS: n.now().UnixMilli(), Data: data})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(note.TxHash),
		Value: sarama.ByteEncoder(payload),
	}
	if note.DeliveryID != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte("delivery_id"), Value: []byte(note.DeliveryID)}}
	}
	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}

	n.logger.Debug().Int64("alert_id", note.AlertID).Int32("partition", partition).Int64("offset", offset).Msg("alert delivered (kafka)")
	return nil
}

// Close releases the producer.
func (n *KafkaNotifier) Close() error {
	if n.producer != nil {
		return n.producer.Close()
	}
	return nil
}

var _ Notifier = (*KafkaNotifier)(nil)

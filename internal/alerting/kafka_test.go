package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
)

func TestKafkaNotifierPublishesEnvelope(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != "alert" || env.TS == 0 {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		var data kafkaAlert
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return err
		}
		if data.ID != 5 || data.TxHash != "ABC" || data.RuleID == nil || *data.RuleID != 2 {
			return fmt.Errorf("unexpected alert payload %+v", data)
		}
		return nil
	})

	n := NewKafkaNotifierWithProducer("xrpl.alerts", producer, zerolog.Nop())
	rule := int64(2)
	if err := n.Notify(context.Background(), Notification{AlertID: 5, RuleID: &rule, TxHash: "ABC", Message: "m"}); err != nil {
		t.Fatalf("kafka notify: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaNotifierSurfacesProducerError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifierWithProducer("xrpl.alerts", producer, zerolog.Nop())
	err := n.Notify(context.Background(), Notification{AlertID: 1, TxHash: "X"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	_ = n.Close()
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	if _, err := NewKafkaNotifier([]string{"localhost:9092"}, "", "", zerolog.Nop()); err == nil {
		t.Fatal("empty topic should be rejected")
	}
	if _, err := NewKafkaNotifier(nil, "alerts", "", zerolog.Nop()); err == nil {
		t.Fatal("missing brokers should be rejected")
	}
}

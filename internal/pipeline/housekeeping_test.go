package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xrplwatch/internal/storage"
)

func TestHousekeeperPrunesAcknowledgedAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	acked, err := store.InsertAlert(ctx, storage.AlertEvent{Message: "old"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.AcknowledgeAlert(ctx, acked.ID, time.Now()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := store.InsertAlert(ctx, storage.AlertEvent{Message: "open"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hk := NewHousekeeper(store, store, store, time.Hour, func() State { return StateStreaming }, zerolog.Nop())
	if err := hk.Tick(ctx, time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	left, err := store.ListAlerts(ctx, nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].Message != "open" {
		t.Fatalf("only the open alert should remain: %+v", left)
	}
}

func TestHousekeeperWithoutRetentionKeepsAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	alert, _ := store.InsertAlert(ctx, storage.AlertEvent{Message: "old"})
	_, _ = store.AcknowledgeAlert(ctx, alert.ID, time.Now())

	hk := NewHousekeeper(store, store, store, 0, nil, zerolog.Nop())
	if err := hk.Tick(ctx, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if left, _ := store.ListAlerts(ctx, nil, 0); len(left) != 1 {
		t.Fatalf("zero retention keeps everything, got %d alerts", len(left))
	}
}

package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xrplwatch/internal/storage"
)

type recordingNotifier struct {
	name string
	err  error
	wait bool

	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	if r.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return r.err
}

func (r *recordingNotifier) received() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type panickingNotifier struct{}

func (panickingNotifier) Name() string { return "panicky" }
func (panickingNotifier) Notify(context.Context, Notification) error {
	panic("boom")
}

type failingAlertStore struct {
	storage.AlertStore
}

func (failingAlertStore) InsertAlert(context.Context, storage.AlertEvent) (storage.AlertEvent, error) {
	return storage.AlertEvent{}, errors.New("disk full")
}

func TestDispatchPersistsBeforeNotifying(t *testing.T) {
	store := storage.NewMemoryStore()
	good := &recordingNotifier{name: "good"}
	bad := &recordingNotifier{name: "bad", err: errors.New("smtp down")}
	d := NewDispatcher(store, []Notifier{bad, good, panickingNotifier{}}, time.Second, zerolog.Nop())

	tx := sampleTx(t, "75", storage.DirectionInbound, "rAlice", "")
	alert, err := d.Dispatch(context.Background(), tx, []int64{4, 9})
	if err != nil {
		t.Fatalf("channel failures must not surface: %v", err)
	}
	if alert.ID == 0 || alert.RuleID == nil || *alert.RuleID != 4 || alert.Status != storage.AlertStatusOpen {
		t.Fatalf("unexpected alert: %+v", alert)
	}

	stored, err := store.ListAlerts(context.Background(), nil, 0)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored alert, got %d (%v)", len(stored), err)
	}
	if *stored[0].TransactionHash != tx.Hash {
		t.Fatalf("alert should reference the transaction, got %v", stored[0].TransactionHash)
	}

	notes := good.received()
	if len(notes) != 1 || notes[0].AlertID != alert.ID || notes[0].TxHash != tx.Hash || notes[0].Message != "XRP Tx inbound 75.00 XRP with rAlice" {
		t.Fatalf("unexpected notification: %+v", notes)
	}
	failed := bad.received()
	if len(failed) != 1 {
		t.Fatal("failing channel should still have been attempted once")
	}
	if notes[0].DeliveryID == "" || failed[0].DeliveryID != notes[0].DeliveryID {
		t.Fatalf("channels of one dispatch should share a delivery id: %q vs %q", notes[0].DeliveryID, failed[0].DeliveryID)
	}
}

func TestDispatchWithoutRuleMatch(t *testing.T) {
	store := storage.NewMemoryStore()
	d := NewDispatcher(store, nil, time.Second, zerolog.Nop())

	alert, err := d.Dispatch(context.Background(), sampleTx(t, "500", storage.DirectionOutbound, "rBob", ""), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if alert.RuleID != nil {
		t.Fatalf("fallback alert should carry no rule id, got %d", *alert.RuleID)
	}
}

func TestDispatchPersistenceFailureSendsNothing(t *testing.T) {
	n := &recordingNotifier{name: "webhook"}
	d := NewDispatcher(failingAlertStore{}, []Notifier{n}, time.Second, zerolog.Nop())

	if _, err := d.Dispatch(context.Background(), sampleTx(t, "75", storage.DirectionInbound, "rA", ""), nil); err == nil {
		t.Fatal("persistence failure should be returned")
	}
	if len(n.received()) != 0 {
		t.Fatal("no channel may be notified when the alert was not stored")
	}
}

func TestDispatchBoundsSlowChannels(t *testing.T) {
	store := storage.NewMemoryStore()
	slow := &recordingNotifier{name: "slow", wait: true}
	d := NewDispatcher(store, []Notifier{slow}, 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	if _, err := d.Dispatch(context.Background(), sampleTx(t, "75", storage.DirectionInbound, "rA", ""), nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("slow channel should be cut off by the channel timeout, took %s", elapsed)
	}
}

package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xrplwatch/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustTx(t *testing.T, hash string, ledger int64, dir storage.Direction, amount int64, offset time.Duration) storage.Transaction {
	t.Helper()
	tx, err := storage.NewTransaction(storage.TransactionFields{
		Hash:         hash,
		LedgerIndex:  ledger,
		Account:      "rAccount",
		Amount:       decimal.NewFromInt(amount),
		Direction:    dir,
		Counterparty: "rPeer",
		Memo:         "line\nbreak",
		Timestamp:    base.Add(offset),
	})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	return tx
}

func TestCumulativeFlowAndDownsample(t *testing.T) {
	txs := []storage.Transaction{
		mustTx(t, "A", 1, storage.DirectionInbound, 100, 0),
		mustTx(t, "B", 2, storage.DirectionOutbound, 30, time.Minute),
		mustTx(t, "C", 3, storage.DirectionInbound, 5, 2*time.Minute),
	}

	flow := cumulativeFlow(txs)
	want := []int64{100, 70, 75}
	for i, p := range flow {
		if !p.Amount.Equal(decimal.NewFromInt(want[i])) {
			t.Fatalf("point %d = %s, want %d", i, p.Amount, want[i])
		}
	}

	if got := downsample(flow, 2); len(got) != 2 || !got[0].Timestamp.Equal(base) || !got[1].Amount.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("downsample should keep both ends: %+v", got)
	}
	if got := downsample(flow, 0); len(got) != 3 {
		t.Fatalf("non-positive limit keeps everything, got %d", len(got))
	}
	if got := downsample(flow, 1); len(got) != 1 || !got[0].Amount.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("single point should be the latest balance: %+v", got)
	}
}

func TestWriteTransactionsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "txs.csv")
	txs := []storage.Transaction{mustTx(t, "A", 7, storage.DirectionInbound, 12, 0)}

	if err := writeTransactionsCSV(path, txs); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 || records[0][0] != "timestamp" {
		t.Fatalf("unexpected csv: %v", records)
	}
	row := records[1]
	if row[1] != "7" || row[2] != "A" || row[3] != "inbound" || row[4] != "12" || row[8] != "line\nbreak" {
		t.Fatalf("unexpected row: %q", row)
	}
}

func TestShowTransactionsAndAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, tx := range []storage.Transaction{
		mustTx(t, "IN", 1, storage.DirectionInbound, 10, 0),
		mustTx(t, "OUT", 2, storage.DirectionOutbound, 4, time.Minute),
	} {
		err := store.WithinTx(ctx, func(w storage.LedgerWriter) error {
			_, err := w.TryInsert(ctx, tx)
			return err
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var out bytes.Buffer
	if err := showTransactions(ctx, &out, store, ShowOptions{Limit: 10, Direction: "outbound"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "OUT") || strings.Contains(out.String(), "IN\n") {
		t.Fatalf("direction filter not applied:\n%s", out.String())
	}
	if strings.Contains(out.String(), "line\nbreak") {
		t.Fatal("memo should be printed on one line")
	}

	if err := showTransactions(ctx, &out, store, ShowOptions{Direction: "up"}); err == nil {
		t.Fatal("invalid direction should fail")
	}

	out.Reset()
	if err := showAlerts(ctx, &out, store, ShowOptions{Status: "open"}); err != nil {
		t.Fatalf("show alerts: %v", err)
	}
	if strings.TrimSpace(out.String()) != "no alerts found" {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if err := showAlerts(ctx, &out, store, ShowOptions{Status: "closed"}); err == nil {
		t.Fatal("invalid status should fail")
	}
}

func TestSyntheticTransaction(t *testing.T) {
	now := base
	tx, err := syntheticTransaction(SimulateOptions{
		Amount:       decimal.NewFromInt(75),
		Direction:    "outbound",
		Counterparty: "rShop",
		Memo:         "test",
	}, []string{"rWatched"}, now)
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	if tx.Account != "rWatched" || tx.Destination == nil || *tx.Destination != "rShop" {
		t.Fatalf("outbound should originate from the watched account: %+v", tx)
	}
	if tx.Direction != storage.DirectionOutbound || *tx.Counterparty != "rShop" || *tx.Memo != "test" {
		t.Fatalf("unexpected fields: %+v", tx)
	}

	tx, err = syntheticTransaction(SimulateOptions{Amount: decimal.NewFromInt(1)}, nil, now)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if tx.Direction != storage.DirectionInbound || tx.Counterparty != nil {
		t.Fatalf("defaults should be an inbound tx without counterparty: %+v", tx)
	}

	if _, err := syntheticTransaction(SimulateOptions{Direction: "sideways"}, nil, now); err == nil {
		t.Fatal("invalid direction should fail")
	}
}

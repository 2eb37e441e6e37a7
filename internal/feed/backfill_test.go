package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func historyEntry(hash string, ledger int64, layout string) map[string]any {
	return map[string]any{
		layout: map[string]any{
			"Account":      stranger,
			"Destination":  watched,
			"Amount":       "5000000",
			"hash":         hash,
			"ledger_index": ledger,
		},
		"meta":      map[string]any{"delivered_amount": "5000000"},
		"validated": true,
	}
}

func TestBackfillPaginatesWithMarker(t *testing.T) {
	var requests []accountTxParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req accountTxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != "account_tx" || len(req.Params) != 1 {
			t.Errorf("unexpected request: %+v err=%v", req, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		params := req.Params[0]
		requests = append(requests, params)

		result := map[string]any{"status": "success"}
		if len(params.Marker) == 0 {
			result["transactions"] = []any{historyEntry("H1", 101, "tx"), historyEntry("H2", 102, "tx")}
			result["marker"] = map[string]any{"ledger": 102, "seq": 3}
		} else {
			result["transactions"] = []any{historyEntry("H3", 105, "tx_json")}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Accounts: []string{watched}, BackfillPageSize: 2, RequestTimeout: time.Second}, zerolog.Nop())
	norm := NewNormalizer([]string{watched})

	var ledgers []int64
	err := client.Backfill(context.Background(), 100, func(_ context.Context, ev RawEvent) error {
		tx, err := norm.Normalize(ev)
		if err != nil {
			return err
		}
		ledgers = append(ledgers, tx.LedgerIndex)
		return nil
	})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}

	if len(ledgers) != 3 || ledgers[0] != 101 || ledgers[1] != 102 || ledgers[2] != 105 {
		t.Fatalf("unexpected replay: %v", ledgers)
	}
	if len(requests) != 2 {
		t.Fatalf("expected two pages, got %d", len(requests))
	}
	first := requests[0]
	if first.Account != watched || first.LedgerIndexMin != 100 || first.LedgerIndexMax != -1 || !first.Forward || first.Limit != 2 {
		t.Fatalf("unexpected first page params: %+v", first)
	}
	if len(requests[1].Marker) == 0 {
		t.Fatal("second page should carry the marker")
	}
}

func TestBackfillWithoutCursorRequestsAllHistory(t *testing.T) {
	var minLedger int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req accountTxRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		minLedger = req.Params[0].LedgerIndexMin
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "success", "transactions": []any{}}})
	}))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Accounts: []string{watched}}, zerolog.Nop())
	if err := client.Backfill(context.Background(), 0, func(context.Context, RawEvent) error { return nil }); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if minLedger != -1 {
		t.Fatalf("expected ledger_index_min -1, got %d", minLedger)
	}
}

func TestBackfillErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"status": "error", "error": "actNotFound", "error_message": "Account not found.",
		}})
	}))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Accounts: []string{watched}}, zerolog.Nop())
	if err := client.Backfill(context.Background(), 5, func(context.Context, RawEvent) error { return nil }); err == nil {
		t.Fatal("rpc error status should fail the backfill")
	}

	missing := NewClient(Options{Accounts: []string{watched}}, zerolog.Nop())
	if err := missing.Backfill(context.Background(), 5, nil); err == nil {
		t.Fatal("missing rpc url should fail")
	}
}

func TestBackfillReturnsHandlerErrorUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"status":       "success",
			"transactions": []any{historyEntry("H1", 7, "tx")},
		}})
	}))
	defer srv.Close()

	boom := errors.New("insert failed")
	client := NewClient(Options{RPCURL: srv.URL, Accounts: []string{watched}}, zerolog.Nop())
	err := client.Backfill(context.Background(), 5, func(context.Context, RawEvent) error { return boom })
	if err != boom {
		t.Fatalf("expected handler error unchanged, got %v", err)
	}
}

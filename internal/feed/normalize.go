package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"xrplwatch/internal/storage"
)

const (
	// dropsExponent scales drops to XRP: 1,000,000 drops = 1 XRP.
	dropsExponent = -6
	// RippleEpochOffset is the number of seconds between 1970-01-01 and 2000-01-01.
	RippleEpochOffset int64 = 946684800
)

type txFields struct {
	Account     string          `json:"Account"`
	Destination string          `json:"Destination"`
	Amount      json.RawMessage `json:"Amount"`
	DeliverMax  json.RawMessage `json:"DeliverMax"`
	Hash        string          `json:"hash"`
	LedgerIndex int64           `json:"ledger_index"`
	Date        *int64          `json:"date"`
	Memos       []struct {
		Memo struct {
			MemoData string `json:"MemoData"`
		} `json:"Memo"`
	} `json:"Memos"`
}

type metaFields struct {
	DeliveredAmount json.RawMessage `json:"delivered_amount"`
	DeliveredAlt    json.RawMessage `json:"DeliveredAmount"`
}

// Normalizer maps raw feed events onto storage.Transaction. It holds only the
// watched address set and does no I/O.
type Normalizer struct {
	watched map[string]struct{}
}

// NewNormalizer builds a Normalizer for the given watched addresses.
func NewNormalizer(accounts []string) *Normalizer {
	watched := make(map[string]struct{}, len(accounts))
	for _, addr := range accounts {
		watched[addr] = struct{}{}
	}
	return &Normalizer{watched: watched}
}

// Normalize converts ev. Optional fields never cause an error; a missing hash,
// account or ledger index yields ErrMalformedEvent.
func (n *Normalizer) Normalize(ev RawEvent) (storage.Transaction, error) {
	if len(ev.Transaction) == 0 {
		return storage.Transaction{}, fmt.Errorf("%w: no transaction body", ErrMalformedEvent)
	}

	var tx txFields
	if err := json.Unmarshal(ev.Transaction, &tx); err != nil {
		return storage.Transaction{}, fmt.Errorf("%w: decode transaction: %v", ErrMalformedEvent, err)
	}

	// meta may be absent or in binary form; either way there is no delivered amount
	var meta metaFields
	if len(ev.Meta) > 0 {
		_ = json.Unmarshal(ev.Meta, &meta)
	}

	direction := storage.DirectionInbound
	if _, ok := n.watched[tx.Account]; ok {
		direction = storage.DirectionOutbound
	}
	counterparty := tx.Account
	if direction == storage.DirectionOutbound {
		counterparty = tx.Destination
	}

	hash := tx.Hash
	if hash == "" {
		hash = ev.Hash
	}
	ledgerIndex := ev.LedgerIndex
	if ledgerIndex == 0 {
		ledgerIndex = tx.LedgerIndex
	}

	raw := ev.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(ev)
	}

	record, err := storage.NewTransaction(storage.TransactionFields{
		Hash:         hash,
		LedgerIndex:  ledgerIndex,
		Account:      tx.Account,
		Destination:  tx.Destination,
		Amount:       pickAmount(meta.DeliveredAmount, meta.DeliveredAlt, tx.Amount, tx.DeliverMax),
		Direction:    direction,
		Counterparty: counterparty,
		Memo:         firstMemo(tx),
		Timestamp:    rippleTime(ev.Date, tx.Date),
		Raw:          raw,
	})
	if err != nil {
		return storage.Transaction{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return record, nil
}

// pickAmount returns the first candidate that parses as a drops string,
// converted to XRP, or zero when none does.
func pickAmount(candidates ...json.RawMessage) decimal.Decimal {
	for _, raw := range candidates {
		if amount, ok := parseDrops(raw); ok {
			return amount
		}
	}
	return decimal.Zero
}

// parseDrops understands XRP amounts, which the ledger encodes as a string of
// drops. Issued currency objects and "unavailable" are rejected.
func parseDrops(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Decimal{}, false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return decimal.Decimal{}, false
	}
	drops, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil || drops.IsNegative() {
		return decimal.Decimal{}, false
	}
	return drops.Shift(dropsExponent), true
}

func firstMemo(tx txFields) string {
	if len(tx.Memos) == 0 {
		return ""
	}
	data := strings.TrimSpace(tx.Memos[0].Memo.MemoData)
	if len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	// FromHex keeps the bytes decoded before the first invalid digit
	decoded := common.FromHex(data)
	return strings.ToValidUTF8(string(decoded), "")
}

func rippleTime(candidates ...*int64) time.Time {
	var seconds int64
	for _, c := range candidates {
		if c != nil {
			seconds = *c
			break
		}
	}
	return time.Unix(seconds+RippleEpochOffset, 0).UTC()
}

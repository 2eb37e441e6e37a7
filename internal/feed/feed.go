package feed

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMalformedEvent marks feed input that cannot become a transaction record.
var ErrMalformedEvent = errors.New("feed: malformed event")

// RawEvent is one transaction notification in the shape of the subscription
// stream. Backfilled history items are converted into the same shape.
type RawEvent struct {
	Type        string          `json:"type"`
	Transaction json.RawMessage `json:"transaction"`
	Meta        json.RawMessage `json:"meta"`
	Hash        string          `json:"hash"`
	LedgerIndex int64           `json:"ledger_index"`
	Date        *int64          `json:"date"`
	Validated   bool            `json:"validated"`

	// Raw is the frame exactly as received.
	Raw json.RawMessage `json:"-"`
}

// Handler consumes one event. A returned error stops the stream or backfill
// and is passed back to the caller unchanged.
type Handler func(ctx context.Context, ev RawEvent) error

// SubscribedFunc runs after every successful subscription, before any event of
// that connection is delivered. reconnects counts earlier successful subscriptions.
type SubscribedFunc func(ctx context.Context, reconnects int) error

// EventSource yields ledger transaction events for the watched accounts.
type EventSource interface {
	// Stream blocks, reconnecting on connection faults, until ctx is done or a
	// callback fails.
	Stream(ctx context.Context, onSubscribed SubscribedFunc, handle Handler) error
	// Backfill replays history at or above minLedger (<= 0 means everything
	// the server keeps), oldest first per account.
	Backfill(ctx context.Context, minLedger int64, handle Handler) error
}

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is relative to the watched address set.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection accepts inbound/outbound in any case.
func ParseDirection(v string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(v))) {
	case DirectionInbound:
		return DirectionInbound, nil
	case DirectionOutbound:
		return DirectionOutbound, nil
	default:
		return "", fmt.Errorf("invalid direction %q: must be inbound or outbound", v)
	}
}

// AlertStatus is the lifecycle state of an AlertEvent.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
)

// ErrInvalidTransaction is returned by NewTransaction when a required field is missing.
var ErrInvalidTransaction = errors.New("storage: invalid transaction")

// Transaction is a persisted ledger transaction touching a watched account.
// Values are immutable once stored.
type Transaction struct {
	Hash         string
	LedgerIndex  int64
	Account      string
	Destination  *string
	Amount       decimal.Decimal
	Direction    Direction
	Counterparty *string
	Memo         *string
	Timestamp    time.Time
	Raw          json.RawMessage
}

// TransactionFields is the loosely populated input of NewTransaction.
type TransactionFields struct {
	Hash         string
	LedgerIndex  int64
	Account      string
	Destination  string
	Amount       decimal.Decimal
	Direction    Direction
	Counterparty string
	Memo         string
	Timestamp    time.Time
	Raw          json.RawMessage
}

// NewTransaction validates the required fields and builds a Transaction.
// Empty optional strings become nil.
func NewTransaction(f TransactionFields) (Transaction, error) {
	switch {
	case strings.TrimSpace(f.Hash) == "":
		return Transaction{}, fmt.Errorf("%w: hash is required", ErrInvalidTransaction)
	case f.LedgerIndex <= 0:
		return Transaction{}, fmt.Errorf("%w: ledger index must be positive, got %d", ErrInvalidTransaction, f.LedgerIndex)
	case strings.TrimSpace(f.Account) == "":
		return Transaction{}, fmt.Errorf("%w: account is required", ErrInvalidTransaction)
	case f.Amount.IsNegative():
		return Transaction{}, fmt.Errorf("%w: amount cannot be negative", ErrInvalidTransaction)
	case f.Direction != DirectionInbound && f.Direction != DirectionOutbound:
		return Transaction{}, fmt.Errorf("%w: direction %q", ErrInvalidTransaction, f.Direction)
	case f.Timestamp.IsZero():
		return Transaction{}, fmt.Errorf("%w: timestamp is required", ErrInvalidTransaction)
	}

	return Transaction{
		Hash:         f.Hash,
		LedgerIndex:  f.LedgerIndex,
		Account:      f.Account,
		Destination:  optionalString(f.Destination),
		Amount:       f.Amount,
		Direction:    f.Direction,
		Counterparty: optionalString(f.Counterparty),
		Memo:         optionalString(f.Memo),
		Timestamp:    f.Timestamp.UTC(),
		Raw:          f.Raw,
	}, nil
}

// SignedAmount is positive for inbound and negative for outbound transactions.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionOutbound {
		return t.Amount.Neg()
	}
	return t.Amount
}

// CursorState is the last processed ledger index.
type CursorState struct {
	LastLedgerIndex int64
	UpdatedAt       time.Time
}

// AlertRule is a user defined filter; nil fields do not filter.
type AlertRule struct {
	ID           int64
	Name         string
	MinAmount    *decimal.Decimal
	Direction    *Direction
	Counterparty *string
	MemoKeyword  *string
	Active       bool
	CreatedAt    time.Time
}

// NewAlertRule is the input for creating a rule.
type NewAlertRule struct {
	Name         string
	MinAmount    *decimal.Decimal
	Direction    *Direction
	Counterparty *string
	MemoKeyword  *string
}

// Validate checks the rule input.
func (r NewAlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if r.MinAmount != nil && r.MinAmount.IsNegative() {
		return errors.New("min amount cannot be negative")
	}
	if r.Direction != nil {
		if _, err := ParseDirection(string(*r.Direction)); err != nil {
			return err
		}
	}
	return nil
}

// AlertEvent records a fired alert.
type AlertEvent struct {
	ID              int64
	RuleID          *int64
	TransactionHash *string
	Message         string
	Status          AlertStatus
	CreatedAt       time.Time
	AcknowledgedAt  *time.Time
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	// Limit caps the result; zero or less returns everything.
	Limit     int
	Direction *Direction
}

// Dashboard aggregates what the read API shows on its landing view.
type Dashboard struct {
	Balance      decimal.Decimal
	Inflow24h    decimal.Decimal
	Outflow24h   decimal.Decimal
	OpenAlerts   []AlertEvent
	Transactions []Transaction
}

// FlowPoint is one point of the net-flow chart.
type FlowPoint struct {
	Timestamp time.Time
	Amount    decimal.Decimal
}

// NetFlow returns the signed amount of each transaction, oldest first.
// txs is expected newest first, as returned by the stores.
func NetFlow(txs []Transaction) []FlowPoint {
	points := make([]FlowPoint, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		points = append(points, FlowPoint{Timestamp: txs[i].Timestamp, Amount: txs[i].SignedAmount()})
	}
	return points
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

package api

import (
	"time"

	"github.com/shopspring/decimal"

	"xrplwatch/internal/storage"
)

type transactionView struct {
	Hash         string    `json:"hash"`
	LedgerIndex  int64     `json:"ledger_index"`
	Timestamp    time.Time `json:"timestamp"`
	AmountXRP    float64   `json:"amount_xrp"`
	Direction    string    `json:"direction"`
	Account      string    `json:"account"`
	Destination  *string   `json:"destination"`
	Counterparty *string   `json:"counterparty"`
	Memo         *string   `json:"memo"`
}

func newTransactionView(tx storage.Transaction) transactionView {
	return transactionView{
		Hash:         tx.Hash,
		LedgerIndex:  tx.LedgerIndex,
		Timestamp:    tx.Timestamp,
		AmountXRP:    tx.Amount.InexactFloat64(),
		Direction:    string(tx.Direction),
		Account:      tx.Account,
		Destination:  tx.Destination,
		Counterparty: tx.Counterparty,
		Memo:         tx.Memo,
	}
}

type alertView struct {
	ID             int64      `json:"id"`
	RuleID         *int64     `json:"rule_id"`
	TxHash         *string    `json:"tx_hash"`
	Message        string     `json:"message"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

func newAlertView(a storage.AlertEvent) alertView {
	return alertView{
		ID:             a.ID,
		RuleID:         a.RuleID,
		TxHash:         a.TransactionHash,
		Message:        a.Message,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
		AcknowledgedAt: a.AcknowledgedAt,
	}
}

type ruleView struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	MinAmountXRP *float64  `json:"min_amount_xrp"`
	Direction    *string   `json:"direction"`
	Counterparty *string   `json:"counterparty"`
	MemoKeyword  *string   `json:"memo_keyword"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func newRuleView(r storage.AlertRule) ruleView {
	view := ruleView{
		ID:           r.ID,
		Name:         r.Name,
		Counterparty: r.Counterparty,
		MemoKeyword:  r.MemoKeyword,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
	}
	if r.MinAmount != nil {
		v := r.MinAmount.InexactFloat64()
		view.MinAmountXRP = &v
	}
	if r.Direction != nil {
		d := string(*r.Direction)
		view.Direction = &d
	}
	return view
}

type dashboardSummary struct {
	TotalBalanceXRP float64 `json:"total_balance_xrp"`
	Inflow24h       float64 `json:"inflow_24h"`
	Outflow24h      float64 `json:"outflow_24h"`
	AlertCount      int     `json:"alert_count"`
}

type flowPointView struct {
	Timestamp time.Time `json:"timestamp"`
	Balance   float64   `json:"balance"`
}

type dashboardView struct {
	Summary      dashboardSummary           `json:"summary"`
	Transactions []transactionView          `json:"transactions"`
	Alerts       []alertView                `json:"alerts"`
	Charts       map[string][]flowPointView `json:"charts"`
}

func newDashboardView(d storage.Dashboard) dashboardView {
	view := dashboardView{
		Summary: dashboardSummary{
			TotalBalanceXRP: floatOf(d.Balance),
			Inflow24h:       floatOf(d.Inflow24h),
			Outflow24h:      floatOf(d.Outflow24h),
			AlertCount:      len(d.OpenAlerts),
		},
		Transactions: make([]transactionView, 0, len(d.Transactions)),
		Alerts:       make([]alertView, 0, len(d.OpenAlerts)),
	}
	for _, tx := range d.Transactions {
		view.Transactions = append(view.Transactions, newTransactionView(tx))
	}
	for _, a := range d.OpenAlerts {
		view.Alerts = append(view.Alerts, newAlertView(a))
	}

	points := storage.NetFlow(d.Transactions)
	flow := make([]flowPointView, 0, len(points))
	for _, p := range points {
		flow = append(flow, flowPointView{Timestamp: p.Timestamp, Balance: p.Amount.InexactFloat64()})
	}
	view.Charts = map[string][]flowPointView{"net_flow": flow}
	return view
}

func floatOf(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

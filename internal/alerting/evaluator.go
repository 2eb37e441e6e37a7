package alerting

import (
	"strings"

	"github.com/shopspring/decimal"

	"xrplwatch/internal/storage"
)

// Evaluator decides whether a transaction raises an alert. It keeps no rule
// state: callers pass the current active rules on every call.
type Evaluator struct {
	threshold decimal.Decimal
}

// NewEvaluator builds an evaluator with the fallback amount threshold in XRP.
func NewEvaluator(threshold decimal.Decimal) *Evaluator {
	return &Evaluator{threshold: threshold}
}

// Threshold returns the fallback threshold.
func (e *Evaluator) Threshold() decimal.Decimal { return e.threshold }

// Evaluate returns the ids of all matching active rules in input order, and
// whether an alert should fire. The fallback threshold applies even when no
// rule matched.
func (e *Evaluator) Evaluate(tx storage.Transaction, rules []storage.AlertRule) ([]int64, bool) {
	var matched []int64
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if Matches(rule, tx) {
			matched = append(matched, rule.ID)
		}
	}
	return matched, len(matched) > 0 || tx.Amount.GreaterThanOrEqual(e.threshold)
}

// Matches reports whether every filter set on rule accepts tx.
func Matches(rule storage.AlertRule, tx storage.Transaction) bool {
	if rule.MinAmount != nil && tx.Amount.LessThan(*rule.MinAmount) {
		return false
	}
	if rule.Direction != nil && *rule.Direction != tx.Direction {
		return false
	}
	if rule.Counterparty != nil {
		if tx.Counterparty == nil || *tx.Counterparty != *rule.Counterparty {
			return false
		}
	}
	if rule.MemoKeyword != nil {
		if tx.Memo == nil {
			return false
		}
		if !strings.Contains(strings.ToLower(*tx.Memo), strings.ToLower(*rule.MemoKeyword)) {
			return false
		}
	}
	return true
}

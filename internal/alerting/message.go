package alerting

import (
	"fmt"

	"xrplwatch/internal/storage"
)

// RenderMessage formats the human readable alert line.
func RenderMessage(tx storage.Transaction) string {
	counterparty := "unknown"
	if tx.Counterparty != nil && *tx.Counterparty != "" {
		counterparty = *tx.Counterparty
	}
	return fmt.Sprintf("XRP Tx %s %s XRP with %s", tx.Direction, tx.Amount.StringFixed(2), counterparty)
}

package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"xrplwatch/internal/app"
)

var (
	simulateAmount       float64
	simulateDirection    string
	simulateCounterparty string
	simulateMemo         string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic transaction through rule evaluation and the alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAmount < 0 {
			return errors.New("--amount cannot be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Amount:       decimal.NewFromFloat(simulateAmount),
			Direction:    simulateDirection,
			Counterparty: simulateCounterparty,
			Memo:         simulateMemo,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 100, "Amount in XRP")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "inbound", "inbound or outbound")
	simulateCmd.Flags().StringVar(&simulateCounterparty, "counterparty", "", "Counterparty address")
	simulateCmd.Flags().StringVar(&simulateMemo, "memo", "", "Memo text")
}

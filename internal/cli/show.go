package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"xrplwatch/internal/app"
)

var (
	showLimit     int
	showDirection string
	showAlerts    bool
	showStatus    string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent transactions or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Direction: showDirection,
			Alerts:    showAlerts,
			Status:    showStatus,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showDirection, "direction", "", "Only inbound or outbound transactions")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "List alert events instead of transactions")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Alert status filter (open or acknowledged)")
}

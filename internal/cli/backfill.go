package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"xrplwatch/internal/app"
)

var (
	backfillFromLedger int64
	backfillDryRun     bool
	backfillAlerts     bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay account history from a ledger index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFromLedger < 0 {
			return fmt.Errorf("--from-ledger cannot be negative")
		}

		opts := app.BackfillOptions{
			FromLedger: backfillFromLedger,
			DryRun:     backfillDryRun,
			Alerts:     backfillAlerts,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Int64Var(&backfillFromLedger, "from-ledger", 0, "First ledger index to replay (0 resumes from the stored cursor)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Process into memory without writing to the database")
	backfillCmd.Flags().BoolVar(&backfillAlerts, "alerts", false, "Evaluate rules and send alerts for replayed transactions")
}

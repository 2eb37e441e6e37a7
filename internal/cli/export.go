package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xrplwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored transactions as CSV and/or a net-flow PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 timestamps or plain dates (UTC midnight).
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start time (RFC3339 or YYYY-MM-DD, inclusive; default 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End time (RFC3339 or YYYY-MM-DD, exclusive; default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the net-flow chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart points (defaults to config)")
}

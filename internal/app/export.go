package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"xrplwatch/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders stored transactions as CSV and/or a net-flow PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	txs, err := store.ListTransactionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		a.Logger.Info().Msg("no transactions found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeTransactionsCSV(opts.CSVPath, txs); err != nil {
			return err
		}
		a.Logger.Info().Int("rows", len(txs)).Str("path", opts.CSVPath).Msg("csv written")
	}

	if opts.PNGPath != "" {
		points := downsample(cumulativeFlow(txs), opts.MaxPoints)
		if len(points) < 2 {
			a.Logger.Warn().Int("points", len(points)).Msg("not enough points to draw a chart")
			return nil
		}
		if err := writeFlowPNG(opts.PNGPath, points); err != nil {
			return err
		}
		a.Logger.Info().Int("points", len(points)).Str("path", opts.PNGPath).Msg("chart written")
	}

	return nil
}

// cumulativeFlow turns oldest-first transactions into the running net balance
// of the window, starting at zero.
func cumulativeFlow(txs []storage.Transaction) []storage.FlowPoint {
	points := make([]storage.FlowPoint, 0, len(txs))
	running := decimal.Zero
	for _, tx := range txs {
		running = running.Add(tx.SignedAmount())
		points = append(points, storage.FlowPoint{Timestamp: tx.Timestamp, Amount: running})
	}
	return points
}

func downsample(points []storage.FlowPoint, limit int) []storage.FlowPoint {
	if limit <= 0 || len(points) <= limit {
		return points
	}
	if limit == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.FlowPoint, 0, limit)
	step := float64(len(points)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeTransactionsCSV(path string, txs []storage.Transaction) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"timestamp", "ledger_index", "hash", "direction", "amount_xrp", "account", "destination", "counterparty", "memo"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tx := range txs {
		record := []string{
			tx.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(tx.LedgerIndex, 10),
			tx.Hash,
			string(tx.Direction),
			tx.Amount.String(),
			tx.Account,
			deref(tx.Destination),
			deref(tx.Counterparty),
			deref(tx.Memo),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeFlowPNG(path string, points []storage.FlowPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Timestamp
		y[i] = p.Amount.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Net flow (XRP)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Net flow",
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

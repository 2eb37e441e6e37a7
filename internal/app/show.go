package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"xrplwatch/internal/storage"
)

// Show prints recent transactions, or alerts when opts.Alerts is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show data")
	}
	defer closeStore()

	if opts.Alerts {
		return showAlerts(ctx, os.Stdout, store, opts)
	}
	return showTransactions(ctx, os.Stdout, store, opts)
}

func showTransactions(ctx context.Context, out io.Writer, reader storage.TransactionReader, opts ShowOptions) error {
	filter := storage.TransactionFilter{Limit: opts.Limit}
	if opts.Direction != "" {
		dir, err := storage.ParseDirection(opts.Direction)
		if err != nil {
			return err
		}
		filter.Direction = &dir
	}

	txs, err := reader.ListTransactions(ctx, filter)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(out, "no transactions found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tLedger\tDirection\tAmount XRP\tCounterparty\tMemo\tHash")
	for _, tx := range txs {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			tx.Timestamp.UTC().Format(time.RFC3339),
			tx.LedgerIndex,
			tx.Direction,
			tx.Amount.StringFixed(6),
			deref(tx.Counterparty),
			sanitizeInline(deref(tx.Memo)),
			tx.Hash,
		)
	}
	return writer.Flush()
}

func showAlerts(ctx context.Context, out io.Writer, alerts storage.AlertStore, opts ShowOptions) error {
	var status *storage.AlertStatus
	if opts.Status != "" {
		s := storage.AlertStatus(strings.ToLower(opts.Status))
		if s != storage.AlertStatusOpen && s != storage.AlertStatusAcknowledged {
			return fmt.Errorf("invalid status %q: must be open or acknowledged", opts.Status)
		}
		status = &s
	}

	events, err := alerts.ListAlerts(ctx, status, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCreated (UTC)\tStatus\tRule\tMessage")
	for _, ev := range events {
		rule := "-"
		if ev.RuleID != nil {
			rule = fmt.Sprintf("%d", *ev.RuleID)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\n",
			ev.ID,
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Status,
			rule,
			sanitizeInline(ev.Message),
		)
	}
	return writer.Flush()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

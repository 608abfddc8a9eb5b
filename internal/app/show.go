package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"options-flow-scanner/internal/flow"
)

// Show prints recent stored signals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show signals")
	if err != nil {
		return err
	}
	defer closeStore()

	stored, err := store.ListRecentSignals(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		fmt.Fprintln(os.Stdout, "no signals found")
		return nil
	}

	total, err := store.CountSignals(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("count signals")
	}

	signals := make([]flow.Signal, len(stored))
	for i, rec := range stored {
		signals[i] = rec.Signal
	}
	if err := writeSignalTable(os.Stdout, signals, time.UTC); err != nil {
		return err
	}
	if total > 0 {
		fmt.Fprintf(os.Stdout, "\nshowing %d of %d stored signals\n", len(stored), total)
	}
	return nil
}

func writeSignalTable(out io.Writer, signals []flow.Signal, loc *time.Location) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tContract\tVolume\tOI\tPremium\tRisk\tSignals")

	for _, sig := range signals {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			sig.Timestamp.In(loc).Format("2006-01-02 15:04"),
			sig.ContractLabel(),
			sig.Volume,
			sig.OpenInterest,
			sig.PremiumString(),
			strconv.Itoa(sig.RiskScore)+"/5",
			sanitizeInline(sig.TagNames(", ")),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

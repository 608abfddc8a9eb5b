package app

import (
	"cmp"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/storage"
)

const (
	defaultExportWindow = 7 * 24 * time.Hour
	maxChartBars        = 20
)

// Export renders stored signals as CSV and/or a PNG chart of premium by ticker.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

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

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	stored, err := store.ListSignalsBetween(ctx, from, to, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		a.Logger.Info().Msg("no signals found for export window")
		return nil
	}
	a.Logger.Info().Int("exported", len(stored)).Time("from", from).Time("to", to).Msg("exporting signals")

	if opts.CSVPath != "" {
		if err := writeSignalsCSV(opts.CSVPath, stored); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePremiumPNG(opts.PNGPath, stored); err != nil {
			return err
		}
	}

	return nil
}

func writeSignalsCSV(path string, stored []storage.StoredSignal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(append([]string{"id", "trade_date"}, flow.CSVHeader()...)); err != nil {
		return err
	}
	for _, rec := range stored {
		row := append([]string{strconv.FormatInt(rec.ID, 10), rec.TradeDate}, rec.Signal.CSVRecord()...)
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type tickerPremium struct {
	ticker  string
	premium float64
}

// premiumByTicker sums premium per ticker, largest first.
func premiumByTicker(stored []storage.StoredSignal, limit int) []tickerPremium {
	totals := make(map[string]float64)
	for _, rec := range stored {
		totals[rec.Ticker] += rec.EstimatedPremium
	}
	out := make([]tickerPremium, 0, len(totals))
	for ticker, premium := range totals {
		out = append(out, tickerPremium{ticker: ticker, premium: premium})
	}
	slices.SortFunc(out, func(a, b tickerPremium) int {
		if c := cmp.Compare(b.premium, a.premium); c != 0 {
			return c
		}
		return cmp.Compare(a.ticker, b.ticker)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func writePremiumPNG(path string, stored []storage.StoredSignal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	totals := premiumByTicker(stored, maxChartBars)
	bars := make([]chart.Value, len(totals))
	for i, t := range totals {
		bars[i] = chart.Value{Label: t.ticker, Value: t.premium}
	}

	graph := chart.BarChart{
		Title:    "Estimated premium by ticker",
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		YAxis: chart.YAxis{
			Name: "Premium (USD)",
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return flow.FormatPremium(f)
				}
				return ""
			},
		},
		Bars: bars,
	}

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

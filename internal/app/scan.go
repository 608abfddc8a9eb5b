package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/service"
)

// Scan runs a single cycle immediately, regardless of market hours, and prints the ranked signals.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	rt, err := a.newComponents(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	scanOpts := a.scannerOptions()
	scanOpts.DigestEnabled = false
	scanOpts.LockKey = 0
	scanOpts.DiscoveryEnabled = scanOpts.DiscoveryEnabled || opts.Discovery
	if len(opts.Tickers) > 0 {
		scanOpts.Watchlist = opts.Tickers
	}

	deps := a.scannerDeps(rt)
	if opts.DryRun {
		deps.Alerts = nil
		deps.Store = nil
	}

	signals, err := service.New(scanOpts, deps, a.Logger).ScanCycle(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		fmt.Fprintln(os.Stdout, "no signals found")
		return nil
	}
	return writeSignalTable(os.Stdout, signals, rt.calendar.Location())
}

// Digest sends the daily summary for a date built from stored signals.
func (a *App) Digest(ctx context.Context, opts DigestOptions) error {
	cal, err := a.newCalendar()
	if err != nil {
		return err
	}
	date := opts.Date
	if date == "" {
		date = cal.DateString(time.Now())
	}
	if _, err := time.Parse(flow.ExpiryLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}

	store, closeStore, err := a.requireStore(ctx, "build digest")
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := a.newDispatcher()
	if err != nil {
		return err
	}
	if alerts.Len() == 0 {
		return fmt.Errorf("no alert channels configured")
	}

	scanner := service.New(a.scannerOptions(), service.Deps{Calendar: cal, Alerts: alerts, Store: store}, a.Logger)
	top, err := scanner.SendDigest(ctx, date)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("date", date).Int("signals", len(top)).Msg("daily summary sent")
	return nil
}

// Prune deletes stored signals older than the retention window.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	store, closeStore, err := a.requireStore(ctx, "prune signals")
	if err != nil {
		return err
	}
	defer closeStore()

	cutoff := time.Now().Add(-opts.OlderThan)
	removed, err := store.DeleteSignalsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("removed", removed).Msg("pruned stored signals")
	return nil
}

package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"options-flow-scanner/internal/app"
)

var (
	scanTickers   []string
	scanDiscovery bool
	scanDryRun    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan cycle now, ignoring market hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ScanOptions{
			Tickers:   normaliseTickers(scanTickers),
			Discovery: scanDiscovery,
			DryRun:    scanDryRun,
		}
		return getApp().Scan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().StringSliceVar(&scanTickers, "tickers", nil, "Comma separated tickers (defaults to the watchlist)")
	scanCmd.Flags().BoolVar(&scanDiscovery, "discovery", false, "Also scan the day's most active tickers")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "Print signals without alerting or persisting them")
}

func normaliseTickers(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

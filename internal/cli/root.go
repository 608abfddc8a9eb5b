package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"options-flow-scanner/internal/app"
	"options-flow-scanner/internal/config"
	"options-flow-scanner/internal/logging"
	"options-flow-scanner/internal/version"
)

var (
	cfgFile        string
	logLevel       string
	watchlistFlags []string
	appHandle      *app.App
)

var rootCmd = &cobra.Command{
	Use:           "flowscanner",
	Short:         "Scan listed options for unusual flow and alert on it",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := logging.NewLogger(cfg.Logging)
		logger.Debug().Str("version", version.String()).Strs("watchlist", cfg.Watchlist).Msg("configuration loaded")
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if tickers := normaliseTickers(watchlistFlags); len(tickers) > 0 {
		cfg.Watchlist = tickers
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (defaults to ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringSliceVar(&watchlistFlags, "watchlist", nil, "Override the configured watchlist")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

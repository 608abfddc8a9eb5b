package cli

import (
	"github.com/spf13/cobra"

	"options-flow-scanner/internal/app"
)

var digestDate string

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the daily summary for a date from stored signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Digest(cmd.Context(), app.DigestOptions{Date: digestDate})
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestDate, "date", "", "Trading date YYYY-MM-DD (defaults to today in exchange time)")
}

package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"options-flow-scanner/internal/app"
	"options-flow-scanner/internal/flow"
)

var (
	simulateTicker     string
	simulateStrike     float64
	simulateSide       string
	simulateMultiplier float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次异常期权成交并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		ticker := strings.ToUpper(strings.TrimSpace(simulateTicker))
		if ticker == "" {
			return errors.New("--ticker 不能为空")
		}
		if simulateStrike <= 0 {
			return errors.New("--strike 必须大于 0")
		}
		side, ok := flow.ParseSide(simulateSide)
		if !ok {
			return errors.New("--side 只能是 call 或 put")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Ticker:     ticker,
			Strike:     simulateStrike,
			Side:       side,
			Multiplier: simulateMultiplier,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTicker, "ticker", "SPY", "标的代码")
	simulateCmd.Flags().Float64Var(&simulateStrike, "strike", 600, "行权价")
	simulateCmd.Flags().StringVar(&simulateSide, "side", "call", "call 或 put")
	simulateCmd.Flags().Float64Var(&simulateMultiplier, "multiplier", 0, "第二次观测的成交量倍数（默认取阈值的两倍）")
}

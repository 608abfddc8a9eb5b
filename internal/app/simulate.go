package app

import (
	"context"
	"errors"
	"time"

	"options-flow-scanner/internal/flow"
)

// SimulateOptions 描述一次模拟告警的合约参数。
type SimulateOptions struct {
	Ticker string
	Strike float64
	Side   flow.Side
	// Multiplier 是第二次观测相对第一次的成交量倍数。
	Multiplier float64
}

// SimulateAlert 用合成的两次观测驱动检测器并触发告警，用于验证告警通道。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	alerts, err := a.newDispatcher()
	if err != nil {
		return err
	}
	if alerts.Len() == 0 {
		return errors.New("未配置任何告警通道")
	}

	cal, err := a.newCalendar()
	if err != nil {
		return err
	}
	det := a.newDetector(cal.Location())

	baseVolume := a.Config.Thresholds.SweepSizeThreshold
	if baseVolume < a.Config.Thresholds.MinVolume {
		baseVolume = a.Config.Thresholds.MinVolume
	}
	if baseVolume <= 0 {
		baseVolume = 100
	}
	multiplier := opts.Multiplier
	if multiplier <= 0 {
		multiplier = a.Config.Thresholds.VolumeSpikeMultiplier * 2
	}

	expiry := cal.In(time.Now()).AddDate(0, 0, 3).Format(flow.ExpiryLayout)
	observation := func(volume int64) flow.Observation {
		return flow.Observation{
			Ticker:       opts.Ticker,
			Strike:       opts.Strike,
			Expiry:       expiry,
			Side:         string(opts.Side),
			Volume:       volume,
			OpenInterest: baseVolume,
			LastPrice:    5,
		}
	}

	det.Evaluate(opts.Ticker, []flow.Observation{observation(baseVolume)})
	signals := det.Evaluate(opts.Ticker, []flow.Observation{observation(int64(float64(baseVolume) * multiplier))})
	if len(signals) == 0 {
		return errors.New("模拟合约未触发任何信号，请检查阈值配置")
	}

	a.Logger.Info().
		Str("ticker", opts.Ticker).
		Int("risk", signals[0].RiskScore).
		Str("description", signals[0].Description).
		Msg("模拟信号已生成")
	return alerts.SendSignals(ctx, signals)
}

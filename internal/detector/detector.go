package detector

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/flow"
)

const (
	// DefaultNearExpiryDays flags contracts expiring within a week.
	DefaultNearExpiryDays = 7

	volumeRatioCap = 20.0
	premiumCap     = 5_000_000.0
	oiRatioCap     = 10.0
)

var errMalformed = errors.New("malformed observation")

// Thresholds gate which observations may become signals.
type Thresholds struct {
	VolumeSpikeMultiplier float64
	MinVolume             int64
	MinOpenInterest       int64
	HighVolumeOIRatio     float64
	MinPremiumUSD         float64
	SweepSize             int64
}

// Weights scale the normalised risk sub-scores. They are expected to sum to ~1.0.
type Weights struct {
	VolumeSpike float64
	Premium     float64
	OIRatio     float64
	Sweep       float64
	NearExpiry  float64
}

// Options configure a Detector.
type Options struct {
	Thresholds          Thresholds
	Weights             Weights
	Alpha               float64
	MaxTrackedContracts int
	NearExpiryDays      int
	Evictor             Evictor
	// Now supplies the evaluation time; its location is used to interpret expiry dates.
	Now func() time.Time
}

// DefaultThresholds mirror the stock configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VolumeSpikeMultiplier: 5,
		MinVolume:             100,
		MinOpenInterest:       50,
		HighVolumeOIRatio:     3,
		MinPremiumUSD:         50_000,
		SweepSize:             100,
	}
}

// DefaultWeights mirror the stock configuration.
func DefaultWeights() Weights {
	return Weights{VolumeSpike: 0.3, Premium: 0.25, OIRatio: 0.2, Sweep: 0.15, NearExpiry: 0.1}
}

// Detector classifies contract observations against a rolling per-contract volume baseline.
// A Detector must only be driven from one goroutine.
type Detector struct {
	thresholds     Thresholds
	weights        Weights
	nearExpiryDays int
	baseline       *Baseline
	now            func() time.Time
	logger         zerolog.Logger
}

// New constructs a Detector with its own baseline state.
func New(opts Options, logger zerolog.Logger) *Detector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	nearExpiry := opts.NearExpiryDays
	if nearExpiry <= 0 {
		nearExpiry = DefaultNearExpiryDays
	}
	return &Detector{
		thresholds:     opts.Thresholds,
		weights:        opts.Weights,
		nearExpiryDays: nearExpiry,
		baseline:       NewBaseline(opts.Alpha, opts.MaxTrackedContracts, opts.Evictor),
		now:            now,
		logger:         logger.With().Str("component", "detector").Logger(),
	}
}

// Baseline exposes the detector's baseline state.
func (d *Detector) Baseline() *Baseline { return d.baseline }

// Evaluate runs one ticker's batch through the rules and returns the signals it produced.
// A malformed observation is skipped and logged; it never aborts the batch.
func (d *Detector) Evaluate(ticker string, observations []flow.Observation) []flow.Signal {
	now := d.now()
	var signals []flow.Signal
	for i, obs := range observations {
		sig, ok, err := d.evaluate(ticker, obs, now)
		if err != nil {
			d.logger.Debug().Err(err).Str("ticker", ticker).Int("index", i).Msg("skip observation")
			continue
		}
		if ok {
			signals = append(signals, sig)
		}
	}
	return signals
}

func (d *Detector) evaluate(ticker string, obs flow.Observation, now time.Time) (flow.Signal, bool, error) {
	if obs.Strike <= 0 || obs.Expiry == "" || strings.TrimSpace(obs.Side) == "" {
		return flow.Signal{}, false, fmt.Errorf("%w: strike=%v expiry=%q side=%q", errMalformed, obs.Strike, obs.Expiry, obs.Side)
	}
	expiry, err := time.ParseInLocation(flow.ExpiryLayout, obs.Expiry, now.Location())
	if err != nil {
		return flow.Signal{}, false, fmt.Errorf("%w: expiry %q: %v", errMalformed, obs.Expiry, err)
	}

	side, ok := flow.ParseSide(obs.Side)
	if !ok {
		return flow.Signal{}, false, nil
	}
	if obs.Volume < d.thresholds.MinVolume {
		return flow.Signal{}, false, nil
	}

	premium := float64(obs.Volume) * obs.LastPrice * flow.ContractMultiplier
	if premium < d.thresholds.MinPremiumUSD {
		return flow.Signal{}, false, nil
	}

	key := flow.ContractKey{Ticker: ticker, Strike: obs.Strike, Expiry: obs.Expiry, Side: side}
	prior, _ := d.baseline.Update(key, float64(obs.Volume))
	volumeRatio := 1.0
	if prior > 0 {
		volumeRatio = float64(obs.Volume) / prior
	}

	oiRatio := 0.0
	if obs.OpenInterest > 0 {
		oiRatio = float64(obs.Volume) / float64(obs.OpenInterest)
	}

	var tags []flow.Tag
	if volumeRatio >= d.thresholds.VolumeSpikeMultiplier {
		tags = append(tags, flow.TagVolumeSpike)
	}
	if obs.Volume >= d.thresholds.SweepSize {
		if side == flow.SideCall {
			tags = append(tags, flow.TagBullishSweep)
		} else {
			tags = append(tags, flow.TagBearishSweep)
		}
	}
	if oiRatio >= d.thresholds.HighVolumeOIRatio && obs.OpenInterest >= d.thresholds.MinOpenInterest {
		tags = append(tags, flow.TagHighVolumeOI)
	}
	nearExpiry := daysUntil(expiry, now) <= d.nearExpiryDays
	if nearExpiry {
		tags = append(tags, flow.TagNearExpiry)
	}
	if len(tags) == 0 {
		return flow.Signal{}, false, nil
	}

	sweep := hasTag(tags, flow.TagBullishSweep) || hasTag(tags, flow.TagBearishSweep)
	sig := flow.Signal{
		Timestamp:        now,
		Ticker:           ticker,
		Strike:           obs.Strike,
		Expiry:           obs.Expiry,
		Side:             side,
		Volume:           obs.Volume,
		OpenInterest:     obs.OpenInterest,
		LastPrice:        obs.LastPrice,
		EstimatedPremium: premium,
		RiskScore:        RiskScore(volumeRatio, premium, oiRatio, sweep, nearExpiry, d.weights),
		Tags:             tags,
		VolumeRatio:      volumeRatio,
		OIRatio:          oiRatio,
	}
	sig.Description = describe(sig)
	return sig, true, nil
}

// RiskScore combines capped, normalised sub-scores into an integer in [1,5].
func RiskScore(volumeRatio, premium, oiRatio float64, sweep, nearExpiry bool, w Weights) int {
	raw := math.Min(volumeRatio/volumeRatioCap, 1)*w.VolumeSpike +
		math.Min(premium/premiumCap, 1)*w.Premium +
		math.Min(oiRatio/oiRatioCap, 1)*w.OIRatio
	if sweep {
		raw += w.Sweep
	}
	if nearExpiry {
		raw += w.NearExpiry
	}
	if math.IsNaN(raw) {
		return 1
	}
	score := math.RoundToEven(raw * 5)
	switch {
	case score < 1:
		return 1
	case score > 5:
		return 5
	default:
		return int(score)
	}
}

// daysUntil mirrors whole-day flooring of (expiry midnight - now).
func daysUntil(expiry, now time.Time) int {
	return int(math.Floor(expiry.Sub(now).Hours() / 24))
}

func hasTag(tags []flow.Tag, tag flow.Tag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func describe(s flow.Signal) string {
	var b strings.Builder
	b.WriteString(s.ContractLabel())
	b.WriteString(" -")
	if s.VolumeRatio > 1 {
		fmt.Fprintf(&b, " %.0fx avg volume,", s.VolumeRatio)
	}
	fmt.Fprintf(&b, " %s premium, %s", s.PremiumString(), s.TagNames(", "))
	return b.String()
}

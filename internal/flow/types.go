package flow

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ExpiryLayout is the date layout used for contract expirations and digest dates.
const ExpiryLayout = "2006-01-02"

// ContractMultiplier converts option premium per share into notional per contract.
const ContractMultiplier = 100

// Side is the option right.
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
)

// ParseSide normalises a raw contract type. The boolean is false for anything but call/put.
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideCall:
		return SideCall, true
	case SidePut:
		return SidePut, true
	default:
		return "", false
	}
}

// Observation is one raw sample of a contract taken during a fetch cycle.
type Observation struct {
	Ticker            string
	Strike            float64
	Expiry            string
	Side              string
	Volume            int64
	OpenInterest      int64
	LastPrice         float64
	ImpliedVolatility *float64
}

// ContractKey identifies one option instrument.
type ContractKey struct {
	Ticker string
	Strike float64
	Expiry string
	Side   Side
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Ticker, formatStrike(k.Strike), k.Expiry, k.Side)
}

// Tag classifies why a contract was flagged.
type Tag string

const (
	TagVolumeSpike  Tag = "volume spike"
	TagBullishSweep Tag = "bullish sweep"
	TagBearishSweep Tag = "bearish sweep"
	TagHighVolumeOI Tag = "high vol/OI"
	TagNearExpiry   Tag = "near expiry"
)

// Signal is a detected anomaly. It is not mutated after the detector returns it.
type Signal struct {
	Timestamp        time.Time
	Ticker           string
	Strike           float64
	Expiry           string
	Side             Side
	Volume           int64
	OpenInterest     int64
	LastPrice        float64
	EstimatedPremium float64
	RiskScore        int
	Tags             []Tag
	Description      string
	VolumeRatio      float64
	OIRatio          float64
}

// Key returns the contract identity of the signal.
func (s Signal) Key() ContractKey {
	return ContractKey{Ticker: s.Ticker, Strike: s.Strike, Expiry: s.Expiry, Side: s.Side}
}

// HasTag reports whether tag is present.
func (s Signal) HasTag(tag Tag) bool {
	return slices.Contains(s.Tags, tag)
}

// HasSweep reports whether either sweep tag is present.
func (s Signal) HasSweep() bool {
	return s.HasTag(TagBullishSweep) || s.HasTag(TagBearishSweep)
}

// ContractLabel renders e.g. "AVGO 220C 3/21".
func (s Signal) ContractLabel() string {
	side := "P"
	if s.Side == SideCall {
		side = "C"
	}
	expiry := s.Expiry
	if exp, err := time.Parse(ExpiryLayout, s.Expiry); err == nil {
		expiry = fmt.Sprintf("%d/%d", int(exp.Month()), exp.Day())
	}
	return fmt.Sprintf("%s %s%s %s", s.Ticker, formatStrike(s.Strike), side, expiry)
}

// PremiumString renders the estimated premium as $1.5M / $600K / $950.
func (s Signal) PremiumString() string {
	return FormatPremium(s.EstimatedPremium)
}

// TagNames joins the tags with sep.
func (s Signal) TagNames(sep string) string {
	names := make([]string, len(s.Tags))
	for i, tag := range s.Tags {
		names[i] = string(tag)
	}
	return strings.Join(names, sep)
}

// FormatPremium renders a USD notional in compact form.
func FormatPremium(premium float64) string {
	switch {
	case premium >= 1_000_000:
		return fmt.Sprintf("$%.1fM", premium/1_000_000)
	case premium >= 1_000:
		return fmt.Sprintf("$%.0fK", premium/1_000)
	default:
		return fmt.Sprintf("$%.0f", premium)
	}
}

// SortByRisk orders signals by risk score, then estimated premium, both descending.
func SortByRisk(signals []Signal) {
	slices.SortStableFunc(signals, func(a, b Signal) int {
		if c := cmp.Compare(b.RiskScore, a.RiskScore); c != 0 {
			return c
		}
		return cmp.Compare(b.EstimatedPremium, a.EstimatedPremium)
	})
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// CSVHeader is the column order used by CSVRecord.
func CSVHeader() []string {
	return []string{
		"timestamp", "ticker", "strike", "expiry", "contract_type", "volume", "open_interest",
		"estimated_premium", "risk_score", "signal_types", "volume_ratio", "oi_ratio", "description",
	}
}

// CSVRecord renders the signal as one CSV row.
func (s Signal) CSVRecord() []string {
	return []string{
		s.Timestamp.Format(time.RFC3339),
		s.Ticker,
		formatStrike(s.Strike),
		s.Expiry,
		string(s.Side),
		strconv.FormatInt(s.Volume, 10),
		strconv.FormatInt(s.OpenInterest, 10),
		strconv.FormatFloat(s.EstimatedPremium, 'f', 2, 64),
		strconv.Itoa(s.RiskScore),
		s.TagNames("|"),
		strconv.FormatFloat(s.VolumeRatio, 'f', 4, 64),
		strconv.FormatFloat(s.OIRatio, 'f', 4, 64),
		s.Description,
	}
}

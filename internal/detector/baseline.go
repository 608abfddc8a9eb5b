package detector

import (
	"sort"

	"options-flow-scanner/internal/flow"
)

// DefaultAlpha is the smoothing factor applied when none is configured.
const DefaultAlpha = 0.3

// Evictor picks which ticker bucket to drop when the baseline is full.
type Evictor interface {
	// Victim receives the number of tracked keys per ticker and returns the ticker to evict.
	Victim(sizes map[string]int) (string, bool)
}

// FewestKeys evicts the ticker bucket holding the fewest tracked keys; ties go to the
// lexically smallest ticker.
type FewestKeys struct{}

// Victim implements Evictor.
func (FewestKeys) Victim(sizes map[string]int) (string, bool) {
	if len(sizes) == 0 {
		return "", false
	}
	tickers := make([]string, 0, len(sizes))
	for ticker := range sizes {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	victim := tickers[0]
	for _, ticker := range tickers[1:] {
		if sizes[ticker] < sizes[victim] {
			victim = ticker
		}
	}
	return victim, true
}

// Baseline holds the exponentially weighted average volume per contract, bucketed by ticker.
// It is not safe for concurrent use.
type Baseline struct {
	alpha   float64
	max     int
	evictor Evictor
	buckets map[string]map[flow.ContractKey]float64
	total   int
}

// NewBaseline creates a baseline. max <= 0 disables the cap.
func NewBaseline(alpha float64, max int, evictor Evictor) *Baseline {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if evictor == nil {
		evictor = FewestKeys{}
	}
	return &Baseline{
		alpha:   alpha,
		max:     max,
		evictor: evictor,
		buckets: make(map[string]map[flow.ContractKey]float64),
	}
}

// Update folds volume into the contract's average and returns the average from before the update.
// A first sighting seeds the average with volume and returns volume itself.
func (b *Baseline) Update(key flow.ContractKey, volume float64) (prior float64, seeded bool) {
	if bucket, ok := b.buckets[key.Ticker]; ok {
		if prev, ok := bucket[key]; ok {
			bucket[key] = b.alpha*volume + (1-b.alpha)*prev
			return prev, false
		}
	}

	for b.max > 0 && b.total >= b.max {
		if !b.evictOne() {
			break
		}
	}

	bucket, ok := b.buckets[key.Ticker]
	if !ok {
		bucket = make(map[flow.ContractKey]float64)
		b.buckets[key.Ticker] = bucket
	}
	bucket[key] = volume
	b.total++
	return volume, true
}

// Average returns the stored average for key.
func (b *Baseline) Average(key flow.ContractKey) (float64, bool) {
	bucket, ok := b.buckets[key.Ticker]
	if !ok {
		return 0, false
	}
	avg, ok := bucket[key]
	return avg, ok
}

// Len returns the total number of tracked contracts across all tickers.
func (b *Baseline) Len() int { return b.total }

// Tickers returns the number of ticker buckets.
func (b *Baseline) Tickers() int { return len(b.buckets) }

// Reset drops every tracked contract.
func (b *Baseline) Reset() {
	b.buckets = make(map[string]map[flow.ContractKey]float64)
	b.total = 0
}

func (b *Baseline) evictOne() bool {
	sizes := make(map[string]int, len(b.buckets))
	for ticker, bucket := range b.buckets {
		sizes[ticker] = len(bucket)
	}
	victim, ok := b.evictor.Victim(sizes)
	if !ok {
		return false
	}
	bucket, ok := b.buckets[victim]
	if !ok {
		return false
	}
	b.total -= len(bucket)
	delete(b.buckets, victim)
	return true
}

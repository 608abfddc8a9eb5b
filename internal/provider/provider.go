package provider

import (
	"context"

	"options-flow-scanner/internal/flow"
)

// Client retrieves option-chain snapshots and discovery tickers from a market data venue.
// Implementations swallow venue failures and return empty results; the only error surfaced
// is cancellation of ctx.
type Client interface {
	FetchSnapshot(ctx context.Context, ticker string) ([]flow.Observation, error)
	MostActive(ctx context.Context) ([]string, error)
}

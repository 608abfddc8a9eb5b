package storage

import (
	"time"

	"options-flow-scanner/internal/flow"
)

// StoredSignal is a persisted signal with its bookkeeping columns.
type StoredSignal struct {
	ID        int64
	TradeDate string
	CreatedAt time.Time
	flow.Signal
}

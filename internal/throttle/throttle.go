package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Throttle is the single shared gate in front of every provider request.
// Grants are spaced at least one interval apart and handed out in arrival order.
type Throttle struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
	logger   zerolog.Logger
}

// New returns a throttle allowing callsPerMinute grants per minute. callsPerMinute <= 0 disables spacing.
func New(callsPerMinute int, logger zerolog.Logger) *Throttle {
	t := &Throttle{logger: logger.With().Str("component", "throttle").Logger()}
	if callsPerMinute <= 0 {
		t.limiter = rate.NewLimiter(rate.Inf, 1)
		return t
	}
	t.interval = time.Minute / time.Duration(callsPerMinute)
	t.limiter = rate.NewLimiter(rate.Every(t.interval), 1)
	return t
}

// Interval returns the minimum spacing between grants.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Acquire blocks until the caller may issue a request. Callers queue on the mutex, so the
// wait of one caller is never overtaken by a later one.
func (t *Throttle) Acquire(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r := t.limiter.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	t.logger.Debug().Dur("wait", delay).Msg("throttling request")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

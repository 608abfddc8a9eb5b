package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the time the tick fired.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToInterval snaps ticks to wall-clock multiples of Interval.
	AlignToInterval bool
	StartupDelay    time.Duration
	// SkipInitialTick waits one interval before the first tick instead of firing immediately.
	SkipInitialTick bool
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler drives periodic execution of the scan loop.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{opts: opts, now: now, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured tick period.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick every interval until ctx is cancelled. A failing or panicking tick is
// logged and the next tick still follows a full interval later.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if !s.opts.SkipInitialTick {
		s.fire(ctx, tick)
	}
	for {
		next := s.nextTick(s.now())
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := s.wait(ctx, next.Sub(s.now())); err != nil {
			return err
		}
		s.fire(ctx, tick)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc) {
	if ctx.Err() != nil {
		return
	}
	at := s.now()
	if err := s.safeTick(ctx, tick, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			s.logger.Error().Str("stack", string(debug.Stack())).Msg("recovered tick panic")
		}
	}()
	return tick(ctx, at)
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

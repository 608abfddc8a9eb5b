package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/alerting"
	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/provider"
	"options-flow-scanner/internal/scheduler"
	"options-flow-scanner/internal/storage"
)

// Evaluator turns one ticker's observations into signals. It is only called from the scan goroutine.
type Evaluator interface {
	Evaluate(ticker string, observations []flow.Observation) []flow.Signal
}

// MarketCalendar answers session questions in exchange time.
type MarketCalendar interface {
	IsMarketHours(t time.Time) bool
	In(t time.Time) time.Time
	DateString(t time.Time) string
}

// Recorder receives operational progress for health reporting.
type Recorder interface {
	SetRunning(running bool)
	ObserveCycle(at time.Time, duration time.Duration, signals int)
	RecordError(scope string, err error)
}

// DigestMarker persists the last digested date outside the process.
type DigestMarker interface {
	LastDigestDate(ctx context.Context) (string, error)
	MarkDigestSent(ctx context.Context, date string) error
}

// Options tune what a cycle scans and when the digest fires.
type Options struct {
	Watchlist           []string
	DiscoveryEnabled    bool
	MaxDiscoveryTickers int
	DigestEnabled       bool
	DigestHour          int
	DigestMinute        int
	DigestTopN          int
	// LockKey enables a Postgres advisory lock per cycle when the store supports it. 0 disables.
	LockKey int64
}

// Deps are the scanner's collaborators. Store, Recorder and Marker are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Calendar  MarketCalendar
	Provider  provider.Client
	Detector  Evaluator
	Alerts    alerting.Sink
	Store     storage.SignalStore
	Recorder  Recorder
	Marker    DigestMarker
}

// State is a point-in-time view of the scanner.
type State struct {
	Running        bool
	LastDigestDate string
	Cycles         int64
	Signals        int64
}

// Scanner drives the scan loop: market-hours gating, sequential per-ticker scans, ranking,
// fan-out to alerts and storage, and the once-per-day digest.
type Scanner struct {
	opts     Options
	deps     Deps
	recorder Recorder
	locker   storage.AdvisoryLocker
	daily    storage.DailySignalSource
	book     *dayBook
	logger   zerolog.Logger

	stopped atomic.Bool
	running atomic.Bool

	mu             sync.Mutex
	cancel         context.CancelFunc
	lastDigestDate string
	cycles         int64
	signals        int64
}

// New constructs the scanner.
func New(opts Options, deps Deps, logger zerolog.Logger) *Scanner {
	if opts.DigestTopN <= 0 {
		opts.DigestTopN = 10
	}
	s := &Scanner{
		opts:     opts,
		deps:     deps,
		recorder: deps.Recorder,
		book:     newDayBook(opts.DigestTopN),
		logger:   logger.With().Str("component", "scanner").Logger(),
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}
	if d, ok := deps.Store.(storage.DailySignalSource); ok {
		s.daily = d
	}
	return s
}

// Run blocks in the scan loop until ctx is cancelled or Stop is called.
func (s *Scanner) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.stopped.Store(false)
	s.restoreDigestMarker(ctx)
	s.running.Store(true)
	s.recorder.SetRunning(true)
	s.logger.Info().
		Strs("watchlist", s.opts.Watchlist).
		Bool("discovery", s.opts.DiscoveryEnabled).
		Dur("interval", s.deps.Scheduler.Interval()).
		Msg("scanner started")

	err := s.deps.Scheduler.Run(loopCtx, s.Tick)

	s.running.Store(false)
	s.recorder.SetRunning(false)
	s.logger.Info().Msg("scanner stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop requests a cooperative stop. The current ticker finishes; the loop sleep is interrupted.
func (s *Scanner) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns a snapshot of the scanner.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Running:        s.running.Load(),
		LastDigestDate: s.lastDigestDate,
		Cycles:         s.cycles,
		Signals:        s.signals,
	}
}

// Tick runs one loop iteration at the captured instant at.
func (s *Scanner) Tick(ctx context.Context, at time.Time) error {
	if s.stopped.Load() {
		return nil
	}
	// in-flight requests finish or time out on their own after Stop
	work := context.WithoutCancel(ctx)

	if s.deps.Calendar.IsMarketHours(at) {
		if _, err := s.ScanCycle(work, at); err != nil {
			s.recorder.RecordError("cycle", err)
			return err
		}
	} else {
		s.logger.Debug().Time("at", at).Msg("market closed, waiting")
	}

	s.CheckDailyDigest(work, at)
	return nil
}

// ScanCycle scans the watchlist then discovered tickers and hands the ranked signals to the
// alert sink and the store. Per-ticker failures are isolated.
func (s *Scanner) ScanCycle(ctx context.Context, at time.Time) ([]flow.Signal, error) {
	unlock, proceed := s.acquireLock(ctx)
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	s.logger.Info().Time("at", at).Msg("starting scan cycle")

	var all []flow.Signal
	for _, ticker := range s.opts.Watchlist {
		if s.stopped.Load() {
			break
		}
		all = append(all, s.scanTicker(ctx, ticker)...)
	}

	if s.opts.DiscoveryEnabled && !s.stopped.Load() {
		for _, ticker := range s.discover(ctx) {
			if s.stopped.Load() {
				break
			}
			all = append(all, s.scanTicker(ctx, ticker)...)
		}
	}

	if len(all) > 0 {
		flow.SortByRisk(all)
		s.logger.Info().Int("signals", len(all)).Int("top_risk", all[0].RiskScore).Msg("found signals this cycle")
		s.publish(ctx, at, all)
	} else {
		s.logger.Info().Msg("no signals this cycle")
	}

	s.mu.Lock()
	s.cycles++
	s.signals += int64(len(all))
	s.mu.Unlock()
	s.recorder.ObserveCycle(at, time.Since(start), len(all))
	return all, nil
}

func (s *Scanner) publish(ctx context.Context, at time.Time, signals []flow.Signal) {
	s.book.add(s.deps.Calendar.DateString(at), signals)

	if s.deps.Alerts != nil {
		if err := s.deps.Alerts.SendSignals(ctx, signals); err != nil {
			s.logger.Error().Err(err).Int("signals", len(signals)).Msg("failed to dispatch alerts")
			s.recorder.RecordError("alerts", err)
		}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.InsertSignals(ctx, signals); err != nil {
			s.logger.Error().Err(err).Int("signals", len(signals)).Msg("failed to persist signals")
			s.recorder.RecordError("store", err)
		}
	}
}

func (s *Scanner) scanTicker(ctx context.Context, ticker string) (signals []flow.Signal) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic scanning %s: %v", ticker, r)
			s.logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("ticker scan panicked")
			s.recorder.RecordError("ticker", err)
			signals = nil
		}
	}()

	observations, err := s.deps.Provider.FetchSnapshot(ctx, ticker)
	if err != nil {
		s.logger.Error().Err(err).Str("ticker", ticker).Msg("error scanning ticker")
		s.recorder.RecordError("ticker", err)
		return nil
	}
	if len(observations) == 0 {
		return nil
	}

	signals = s.deps.Detector.Evaluate(ticker, observations)
	if len(signals) > 0 {
		s.logger.Info().Str("ticker", ticker).Int("signals", len(signals)).Msg("signals detected")
	}
	return signals
}

// discover returns most-active tickers not on the watchlist, capped at MaxDiscoveryTickers.
func (s *Scanner) discover(ctx context.Context) (tickers []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("discovery panicked")
			tickers = nil
		}
	}()

	active, err := s.deps.Provider.MostActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("discovery error")
		s.recorder.RecordError("discovery", err)
		return nil
	}
	s.logger.Info().Int("tickers", len(active)).Msg("discovery found active tickers")

	seen := make(map[string]struct{}, len(s.opts.Watchlist)+len(active))
	for _, t := range s.opts.Watchlist {
		seen[t] = struct{}{}
	}
	for _, t := range active {
		if s.opts.MaxDiscoveryTickers >= 0 && len(tickers) >= s.opts.MaxDiscoveryTickers {
			break
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tickers = append(tickers, t)
	}
	return tickers
}

// CheckDailyDigest sends the digest once per exchange-local date when at falls inside the digest
// window. The marker is set before sending, so a failed send is not retried that day.
func (s *Scanner) CheckDailyDigest(ctx context.Context, at time.Time) bool {
	if !s.opts.DigestEnabled {
		return false
	}
	local := s.deps.Calendar.In(at)
	if local.Hour() != s.opts.DigestHour || local.Minute() < s.opts.DigestMinute {
		return false
	}

	date := s.deps.Calendar.DateString(at)
	s.mu.Lock()
	if s.lastDigestDate == date {
		s.mu.Unlock()
		return false
	}
	s.lastDigestDate = date
	s.mu.Unlock()

	if s.deps.Marker != nil {
		if err := s.deps.Marker.MarkDigestSent(ctx, date); err != nil {
			s.logger.Error().Err(err).Str("date", date).Msg("failed to persist digest marker")
		}
	}

	top := s.digestSignals(ctx, date)
	s.logger.Info().Str("date", date).Int("signals", len(top)).Msg("sending daily summary")
	if s.deps.Alerts != nil {
		if err := s.deps.Alerts.SendDailyDigest(ctx, top, date); err != nil {
			s.logger.Error().Err(err).Str("date", date).Msg("daily summary error")
			s.recorder.RecordError("digest", err)
		}
	}
	return true
}

// SendDigest sends the digest for date regardless of the window and the marker.
func (s *Scanner) SendDigest(ctx context.Context, date string) ([]flow.Signal, error) {
	top := s.digestSignals(ctx, date)
	if s.deps.Alerts == nil {
		return top, nil
	}
	if err := s.deps.Alerts.SendDailyDigest(ctx, top, date); err != nil {
		return top, fmt.Errorf("send digest: %w", err)
	}
	return top, nil
}

func (s *Scanner) digestSignals(ctx context.Context, date string) []flow.Signal {
	if s.daily != nil {
		signals, err := s.daily.SignalsForDate(ctx, date, s.opts.DigestTopN)
		if err == nil {
			return truncate(signals, s.opts.DigestTopN)
		}
		s.logger.Error().Err(err).Str("date", date).Msg("load signals for digest, using in-memory day book")
	}
	return s.book.top(date, s.opts.DigestTopN)
}

func (s *Scanner) restoreDigestMarker(ctx context.Context) {
	if s.deps.Marker == nil {
		return
	}
	date, err := s.deps.Marker.LastDigestDate(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load digest marker")
		return
	}
	if date == "" {
		return
	}
	s.mu.Lock()
	s.lastDigestDate = date
	s.mu.Unlock()
	s.logger.Info().Str("last_digest_date", date).Msg("restored digest marker")
}

// acquireLock never blocks a cycle on lock infrastructure failures.
func (s *Scanner) acquireLock(ctx context.Context) (func(), bool) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("advisory lock unavailable, scanning without it")
		return nil, true
	}
	if !acquired {
		return nil, false
	}
	return unlock, true
}

func truncate(signals []flow.Signal, n int) []flow.Signal {
	if n > 0 && len(signals) > n {
		return signals[:n]
	}
	return signals
}

// dayBook keeps the best signals of the current exchange date.
type dayBook struct {
	mu      sync.Mutex
	limit   int
	date    string
	signals []flow.Signal
}

func newDayBook(limit int) *dayBook {
	return &dayBook{limit: limit}
}

func (b *dayBook) add(date string, signals []flow.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if date != b.date {
		b.date = date
		b.signals = nil
	}
	b.signals = append(b.signals, signals...)
	flow.SortByRisk(b.signals)
	b.signals = slices.Clip(truncate(b.signals, b.limit))
}

func (b *dayBook) top(date string, n int) []flow.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if date != b.date {
		return nil
	}
	return slices.Clone(truncate(b.signals, n))
}

type nopRecorder struct{}

func (nopRecorder) SetRunning(bool)                           {}
func (nopRecorder) ObserveCycle(time.Time, time.Duration, int) {}
func (nopRecorder) RecordError(string, error)                 {}

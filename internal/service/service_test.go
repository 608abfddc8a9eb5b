package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/calendar"
	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/scheduler"
)

// Wednesday, mid-session in exchange time.
var sessionTime = time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC)

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(calendar.Options{OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0, Timezone: "UTC"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	panics  map[string]bool
	active  []string
	onFetch func(ticker string)
}

func (p *fakeProvider) FetchSnapshot(_ context.Context, ticker string) ([]flow.Observation, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ticker)
	p.mu.Unlock()
	if p.onFetch != nil {
		p.onFetch(ticker)
	}
	if p.panics[ticker] {
		panic("boom")
	}
	if err := p.errs[ticker]; err != nil {
		return nil, err
	}
	return []flow.Observation{{Ticker: ticker, Strike: 100, Expiry: "2026-03-20", Side: "call", Volume: 500, LastPrice: 2}}, nil
}

func (p *fakeProvider) MostActive(context.Context) ([]string, error) { return p.active, nil }

func (p *fakeProvider) fetched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeDetector turns each observation into a signal whose risk is looked up by ticker.
type fakeDetector struct{ risk map[string]int }

func (d fakeDetector) Evaluate(ticker string, observations []flow.Observation) []flow.Signal {
	out := make([]flow.Signal, 0, len(observations))
	for _, o := range observations {
		out = append(out, flow.Signal{
			Ticker:           ticker,
			Strike:           o.Strike,
			Expiry:           o.Expiry,
			Side:             flow.SideCall,
			Volume:           o.Volume,
			EstimatedPremium: float64(o.Volume) * o.LastPrice * 100 * float64(d.risk[ticker]),
			RiskScore:        d.risk[ticker],
			Tags:             []flow.Tag{flow.TagBullishSweep},
		})
	}
	return out
}

type recordingSink struct {
	mu          sync.Mutex
	batches     [][]flow.Signal
	digests     []string
	digestBatch [][]flow.Signal
	err         error
}

func (s *recordingSink) SendSignals(_ context.Context, signals []flow.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, signals)
	return s.err
}

func (s *recordingSink) SendDailyDigest(_ context.Context, signals []flow.Signal, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, date)
	s.digestBatch = append(s.digestBatch, signals)
	return s.err
}

type memStore struct {
	mu       sync.Mutex
	inserted []flow.Signal
	err      error
}

func (m *memStore) InsertSignals(_ context.Context, signals []flow.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, signals...)
	return nil
}

type lockingStore struct {
	memStore
	acquired bool
	unlocked int
}

func (l *lockingStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

type dailyStore struct {
	memStore
	byDate map[string][]flow.Signal
}

func (d *dailyStore) SignalsForDate(_ context.Context, date string, limit int) ([]flow.Signal, error) {
	return d.byDate[date], nil
}

type memMarker struct {
	date  string
	marks int
}

func (m *memMarker) LastDigestDate(context.Context) (string, error) { return m.date, nil }
func (m *memMarker) MarkDigestSent(_ context.Context, date string) error {
	m.date = date
	m.marks++
	return nil
}

type countingRecorder struct {
	mu      sync.Mutex
	running []bool
	cycles  int
	errors  map[string]int
}

func (r *countingRecorder) SetRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = append(r.running, running)
}

func (r *countingRecorder) ObserveCycle(time.Time, time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
}

func (r *countingRecorder) RecordError(scope string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = map[string]int{}
	}
	r.errors[scope]++
}

func TestScanCycleRanksAndFansOut(t *testing.T) {
	prov := &fakeProvider{}
	sink := &recordingSink{}
	store := &memStore{}
	s := New(Options{Watchlist: []string{"SPY", "AAPL", "TSLA"}}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{risk: map[string]int{"SPY": 2, "AAPL": 5, "TSLA": 3}},
		Alerts:   sink,
		Store:    store,
	}, zerolog.Nop())

	signals, err := s.ScanCycle(context.Background(), sessionTime)
	if err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	if got := prov.fetched(); len(got) != 3 || got[0] != "SPY" || got[1] != "AAPL" || got[2] != "TSLA" {
		t.Fatalf("watchlist must be scanned in order, got %v", got)
	}
	if len(signals) != 3 || signals[0].Ticker != "AAPL" || signals[1].Ticker != "TSLA" || signals[2].Ticker != "SPY" {
		t.Fatalf("signals not ranked by risk: %+v", signals)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 3 || sink.batches[0][0].Ticker != "AAPL" {
		t.Fatalf("sink should receive one ranked batch, got %+v", sink.batches)
	}
	if len(store.inserted) != 3 {
		t.Fatalf("store should persist all signals, got %d", len(store.inserted))
	}
	if st := s.State(); st.Cycles != 1 || st.Signals != 3 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestDiscoverySkipsWatchlistAndCaps(t *testing.T) {
	prov := &fakeProvider{active: []string{"AAPL", "AMD", "AMD", "PLTR", "META", "SPY", "NFLX"}}
	s := New(Options{Watchlist: []string{"SPY", "AAPL"}, DiscoveryEnabled: true, MaxDiscoveryTickers: 2}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{risk: map[string]int{}},
		Alerts:   &recordingSink{},
	}, zerolog.Nop())

	if _, err := s.ScanCycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	want := []string{"SPY", "AAPL", "AMD", "PLTR"}
	got := prov.fetched()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTickerFailuresAreIsolated(t *testing.T) {
	prov := &fakeProvider{
		errs:   map[string]error{"SPY": errors.New("upstream down")},
		panics: map[string]bool{"QQQ": true},
	}
	rec := &countingRecorder{}
	sink := &recordingSink{}
	s := New(Options{Watchlist: []string{"SPY", "QQQ", "NVDA"}}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{risk: map[string]int{"NVDA": 4}},
		Alerts:   sink,
		Recorder: rec,
	}, zerolog.Nop())

	signals, err := s.ScanCycle(context.Background(), sessionTime)
	if err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	if len(signals) != 1 || signals[0].Ticker != "NVDA" {
		t.Fatalf("NVDA should still be scanned, got %+v", signals)
	}
	if rec.errors["ticker"] != 2 {
		t.Fatalf("expected 2 ticker errors, got %v", rec.errors)
	}
	if rec.cycles != 1 {
		t.Fatalf("cycle should be observed once, got %d", rec.cycles)
	}
}

func TestSinkAndStoreErrorsDoNotAbortCycle(t *testing.T) {
	rec := &countingRecorder{}
	sink := &recordingSink{err: errors.New("webhook 500")}
	store := &memStore{err: errors.New("db down")}
	s := New(Options{Watchlist: []string{"SPY"}}, Deps{
		Calendar: testCalendar(t),
		Provider: &fakeProvider{},
		Detector: fakeDetector{risk: map[string]int{"SPY": 3}},
		Alerts:   sink,
		Store:    store,
		Recorder: rec,
	}, zerolog.Nop())

	signals, err := s.ScanCycle(context.Background(), sessionTime)
	if err != nil || len(signals) != 1 {
		t.Fatalf("cycle should complete, signals=%d err=%v", len(signals), err)
	}
	if rec.errors["alerts"] != 1 || rec.errors["store"] != 1 {
		t.Fatalf("sink and store errors should be recorded, got %v", rec.errors)
	}
}

func TestNoSignalsSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	s := New(Options{Watchlist: []string{"SPY"}}, Deps{
		Calendar: testCalendar(t),
		Provider: &fakeProvider{errs: map[string]error{"SPY": errors.New("x")}},
		Detector: fakeDetector{},
		Alerts:   sink,
	}, zerolog.Nop())

	if _, err := s.ScanCycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("empty cycle must not hit the sink, got %d batches", len(sink.batches))
	}
}

func TestTickOutsideMarketHoursDoesNotScan(t *testing.T) {
	prov := &fakeProvider{}
	s := New(Options{Watchlist: []string{"SPY"}}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{},
		Alerts:   &recordingSink{},
	}, zerolog.Nop())

	saturday := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 2, 11, 16, 1, 0, 0, time.UTC)
	for _, at := range []time.Time{saturday, evening} {
		if err := s.Tick(context.Background(), at); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := prov.fetched(); len(got) != 0 {
		t.Fatalf("closed market must not be scanned, got %v", got)
	}
}

func TestAdvisoryLockHeldElsewhereSkipsCycle(t *testing.T) {
	prov := &fakeProvider{}
	store := &lockingStore{}
	s := New(Options{Watchlist: []string{"SPY"}, LockKey: 42}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{},
		Store:    store,
	}, zerolog.Nop())

	if _, err := s.ScanCycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	if len(prov.fetched()) != 0 {
		t.Fatal("cycle should be skipped when lock held elsewhere")
	}

	store.acquired = true
	if _, err := s.ScanCycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("scan cycle: %v", err)
	}
	if len(prov.fetched()) != 1 || store.unlocked != 1 {
		t.Fatalf("expected one scan and one unlock, fetched=%v unlocked=%d", prov.fetched(), store.unlocked)
	}
}

func TestDailyDigestOncePerDate(t *testing.T) {
	sink := &recordingSink{}
	marker := &memMarker{}
	s := New(Options{Watchlist: []string{"SPY", "AAPL"}, DigestEnabled: true, DigestHour: 16, DigestMinute: 15, DigestTopN: 1}, Deps{
		Calendar: testCalendar(t),
		Provider: &fakeProvider{},
		Detector: fakeDetector{risk: map[string]int{"SPY": 2, "AAPL": 4}},
		Alerts:   sink,
		Marker:   marker,
	}, zerolog.Nop())

	if _, err := s.ScanCycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("scan cycle: %v", err)
	}

	if s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 11, 16, 14, 0, 0, time.UTC)) {
		t.Fatal("digest must not fire before the configured minute")
	}
	if !s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 11, 16, 15, 0, 0, time.UTC)) {
		t.Fatal("digest should fire at the configured minute")
	}
	if s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 11, 16, 20, 0, 0, time.UTC)) {
		t.Fatal("digest must fire once per date")
	}
	if s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 11, 17, 0, 0, 0, time.UTC)) {
		t.Fatal("digest must not fire outside the hour")
	}

	if len(sink.digests) != 1 || sink.digests[0] != "2026-02-11" {
		t.Fatalf("unexpected digests %v", sink.digests)
	}
	if top := sink.digestBatch[0]; len(top) != 1 || top[0].Ticker != "AAPL" {
		t.Fatalf("digest should carry the top signal, got %+v", top)
	}
	if marker.date != "2026-02-11" || marker.marks != 1 {
		t.Fatalf("marker not persisted: %+v", marker)
	}

	if !s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 12, 16, 30, 0, 0, time.UTC)) {
		t.Fatal("digest should re-arm on the next date")
	}
	if top := sink.digestBatch[1]; len(top) != 0 {
		t.Fatalf("new date starts an empty day book, got %+v", top)
	}
	if st := s.State(); st.LastDigestDate != "2026-02-12" {
		t.Fatalf("unexpected last digest date %q", st.LastDigestDate)
	}
}

func TestDigestFailureNotRetriedSameDay(t *testing.T) {
	sink := &recordingSink{err: errors.New("webhook down")}
	s := New(Options{DigestEnabled: true, DigestHour: 16, DigestMinute: 15}, Deps{
		Calendar: testCalendar(t),
		Provider: &fakeProvider{},
		Detector: fakeDetector{},
		Alerts:   sink,
	}, zerolog.Nop())

	at := time.Date(2026, 2, 11, 16, 15, 0, 0, time.UTC)
	s.CheckDailyDigest(context.Background(), at)
	s.CheckDailyDigest(context.Background(), at.Add(time.Minute))
	if len(sink.digests) != 1 {
		t.Fatalf("failed digest must not be retried, sent %d", len(sink.digests))
	}
}

func TestDigestPrefersStore(t *testing.T) {
	sink := &recordingSink{}
	store := &dailyStore{byDate: map[string][]flow.Signal{
		"2026-02-11": {{Ticker: "NVDA", RiskScore: 5}, {Ticker: "AMD", RiskScore: 4}},
	}}
	s := New(Options{DigestEnabled: true, DigestHour: 16, DigestMinute: 15, DigestTopN: 5}, Deps{
		Calendar: testCalendar(t),
		Provider: &fakeProvider{},
		Detector: fakeDetector{},
		Alerts:   sink,
		Store:    store,
	}, zerolog.Nop())

	if !s.CheckDailyDigest(context.Background(), time.Date(2026, 2, 11, 16, 15, 0, 0, time.UTC)) {
		t.Fatal("digest should fire")
	}
	if top := sink.digestBatch[0]; len(top) != 2 || top[0].Ticker != "NVDA" {
		t.Fatalf("digest should come from the store, got %+v", top)
	}
}

func TestRunRestoresMarkerAndStops(t *testing.T) {
	marker := &memMarker{date: "2026-02-11"}
	sink := &recordingSink{}
	rec := &countingRecorder{}
	prov := &fakeProvider{}
	digestTime := time.Date(2026, 2, 11, 16, 15, 0, 0, time.UTC)

	var s *Scanner
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, Now: func() time.Time { return digestTime }}, zerolog.Nop())
	s = New(Options{DigestEnabled: true, DigestHour: 16, DigestMinute: 15}, Deps{
		Scheduler: sched,
		Calendar:  testCalendar(t),
		Provider:  prov,
		Detector:  fakeDetector{},
		Alerts:    sink,
		Recorder:  rec,
		Marker:    marker,
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		started := len(rec.running) > 0
		rec.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scanner did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end the loop")
	}

	if len(sink.digests) != 0 {
		t.Fatalf("restored marker should suppress the digest for the same date, got %v", sink.digests)
	}
	if s.State().Running {
		t.Fatal("scanner should report stopped")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.running) != 2 || !rec.running[0] || rec.running[1] {
		t.Fatalf("unexpected running transitions %v", rec.running)
	}
}

func TestStopBetweenTickers(t *testing.T) {
	var s *Scanner
	prov := &fakeProvider{}
	prov.onFetch = func(ticker string) {
		if ticker == "QQQ" {
			s.Stop()
		}
	}
	s = New(Options{Watchlist: []string{"SPY", "QQQ", "AAPL"}}, Deps{
		Calendar: testCalendar(t),
		Provider: prov,
		Detector: fakeDetector{risk: map[string]int{"SPY": 1, "QQQ": 2}},
		Alerts:   &recordingSink{},
	}, zerolog.Nop())

	signals, _ := s.ScanCycle(context.Background(), sessionTime)
	if got := prov.fetched(); len(got) != 2 {
		t.Fatalf("stop should take effect before the next ticker, fetched %v", got)
	}
	if len(signals) != 2 {
		t.Fatalf("signals from the finished tickers are kept, got %d", len(signals))
	}
}

func TestRunRequiresScheduler(t *testing.T) {
	s := New(Options{}, Deps{}, zerolog.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error without scheduler")
	}
}

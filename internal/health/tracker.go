package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status is the operational snapshot served on /status.
type Status struct {
	Status        string     `json:"status"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	ScanCount     int64      `json:"scan_count"`
	SignalCount   int64      `json:"signal_count"`
	LastScanTime  *time.Time `json:"last_scan_time"`
	LastError     *string    `json:"last_error"`
}

// Tracker records scanner progress for the health endpoints and Prometheus.
type Tracker struct {
	mu        sync.RWMutex
	startedAt time.Time
	now       func() time.Time
	running   bool
	scans     int64
	signals   int64
	lastScan  *time.Time
	lastError *string

	registry      *prometheus.Registry
	scansTotal    prometheus.Counter
	signalsTotal  prometheus.Counter
	errorsTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastScanGauge prometheus.Gauge
	runningGauge  prometheus.Gauge
}

// NewTracker creates a tracker with its own metrics registry.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		startedAt: now(),
		now:       now,
		registry:  prometheus.NewRegistry(),
		scansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscanner_scan_cycles_total",
			Help: "Completed scan cycles.",
		}),
		signalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscanner_signals_total",
			Help: "Signals emitted across all cycles.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowscanner_errors_total",
			Help: "Errors by scope.",
		}, []string{"scope"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowscanner_scan_cycle_duration_seconds",
			Help:    "Wall time of one scan cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		lastScanGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowscanner_last_scan_timestamp_seconds",
			Help: "Unix time of the last completed scan cycle.",
		}),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowscanner_running",
			Help: "1 while the scan loop is running.",
		}),
	}
	t.registry.MustRegister(
		t.scansTotal,
		t.signalsTotal,
		t.errorsTotal,
		t.cycleDuration,
		t.lastScanGauge,
		t.runningGauge,
	)
	return t
}

// Registry exposes the tracker's Prometheus registry.
func (t *Tracker) Registry() *prometheus.Registry { return t.registry }

// SetRunning flips the running flag.
func (t *Tracker) SetRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
	if running {
		t.runningGauge.Set(1)
	} else {
		t.runningGauge.Set(0)
	}
}

// ObserveCycle records a completed scan cycle.
func (t *Tracker) ObserveCycle(at time.Time, duration time.Duration, signals int) {
	t.mu.Lock()
	t.scans++
	t.signals += int64(signals)
	ts := at
	t.lastScan = &ts
	t.mu.Unlock()

	t.scansTotal.Inc()
	t.signalsTotal.Add(float64(signals))
	t.cycleDuration.Observe(duration.Seconds())
	t.lastScanGauge.Set(float64(at.Unix()))
}

// RecordError stores the latest error message.
func (t *Tracker) RecordError(scope string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	t.mu.Lock()
	t.lastError = &msg
	t.mu.Unlock()
	t.errorsTotal.WithLabelValues(scope).Inc()
}

// Snapshot returns the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := "idle"
	if t.running {
		status = "running"
	}
	uptime := t.now().Sub(t.startedAt).Seconds()
	return Status{
		Status:        status,
		UptimeSeconds: float64(int64(uptime*10)) / 10,
		ScanCount:     t.scans,
		SignalCount:   t.signals,
		LastScanTime:  t.lastScan,
		LastError:     t.lastError,
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/alerting"
	"options-flow-scanner/internal/calendar"
	"options-flow-scanner/internal/config"
	"options-flow-scanner/internal/detector"
	"options-flow-scanner/internal/health"
	"options-flow-scanner/internal/provider"
	"options-flow-scanner/internal/scheduler"
	"options-flow-scanner/internal/service"
	"options-flow-scanner/internal/storage"
	"options-flow-scanner/internal/throttle"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newCalendar() (*calendar.Calendar, error) {
	m := a.Config.Market
	return calendar.New(calendar.Options{
		OpenHour:    m.OpenHour,
		OpenMinute:  m.OpenMinute,
		CloseHour:   m.CloseHour,
		CloseMinute: m.CloseMinute,
		Timezone:    m.Timezone,
		Holidays:    m.Holidays,
	})
}

func (a *App) newProvider() *provider.Polygon {
	rl := a.Config.RateLimit
	th := throttle.New(rl.CallsPerMinute, a.Logger)
	return provider.NewPolygon(provider.PolygonOptions{
		APIKey:          a.Config.Provider.APIKey,
		BaseURL:         a.Config.Provider.BaseURL,
		Timeout:         a.Config.Provider.RequestTimeout,
		MaxRetries:      rl.MaxRetries,
		RetryDelay:      rl.RetryDelay(),
		PageLimit:       a.Config.Provider.PageLimit,
		MaxPages:        a.Config.Provider.MaxPages,
		UserAgent:       a.Config.Provider.UserAgent,
		BreakerFailures: rl.BreakerFailures,
		BreakerCooldown: rl.BreakerCooldown,
	}, th, a.Logger)
}

func (a *App) newDetector(loc *time.Location) *detector.Detector {
	t := a.Config.Thresholds
	w := a.Config.RiskScoring
	return detector.New(detector.Options{
		Thresholds: detector.Thresholds{
			VolumeSpikeMultiplier: t.VolumeSpikeMultiplier,
			MinVolume:             t.MinVolume,
			MinOpenInterest:       t.MinOI,
			HighVolumeOIRatio:     t.HighVolumeOIRatio,
			MinPremiumUSD:         t.MinEstimatedPremiumUSD,
			SweepSize:             t.SweepSizeThreshold,
		},
		Weights: detector.Weights{
			VolumeSpike: w.VolumeSpikeWeight,
			Premium:     w.PremiumWeight,
			OIRatio:     w.OIRatioWeight,
			Sweep:       w.SweepWeight,
			NearExpiry:  w.NearExpiryWeight,
		},
		Alpha:               a.Config.EMA.Alpha,
		MaxTrackedContracts: a.Config.EMA.MaxTrackedContracts,
		Evictor:             detector.FewestKeys{},
		Now:                 func() time.Time { return time.Now().In(loc) },
	}, a.Logger)
}

func (a *App) newDispatcher() (*alerting.Dispatcher, error) {
	cfg := a.Config.Alerting
	d := alerting.NewDispatcher(a.Logger)
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		d.Add("discord", alerting.NewDiscord(cfg.Discord.WebhookURL, cfg.Timeout, a.Logger))
	}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		d.Add("slack", alerting.NewSlack(cfg.Slack.WebhookURL, cfg.Timeout, a.Logger))
	}
	if cfg.Telegram.Enabled {
		d.Add("telegram", alerting.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg.CSVPath != "" {
		csvLog, err := alerting.NewCSVLog(cfg.CSVPath)
		if err != nil {
			return nil, err
		}
		d.Add("csv", csvLog)
	}
	return d, nil
}

func (a *App) openStore(ctx context.Context, loc *time.Location) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, loc)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openMarker(ctx context.Context) (*storage.RedisDigestMarker, func(), error) {
	cfg := a.Config.Redis
	if cfg.URL == "" {
		return nil, nil, nil
	}
	client, err := storage.NewRedisClient(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return storage.NewRedisDigestMarker(client, cfg.DigestKey, cfg.DigestTTL), closer, nil
}

// components holds the collaborators shared by the run, scan and digest commands.
type components struct {
	calendar *calendar.Calendar
	provider *provider.Polygon
	alerts   *alerting.Dispatcher
	store    *storage.Store
	marker   *storage.RedisDigestMarker
	closers  []func()
}

func (r *components) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newComponents(ctx context.Context, withMarker bool) (*components, error) {
	cal, err := a.newCalendar()
	if err != nil {
		return nil, err
	}
	alerts, err := a.newDispatcher()
	if err != nil {
		return nil, err
	}

	rt := &components{calendar: cal, alerts: alerts}
	rt.provider = a.newProvider()
	rt.closers = append(rt.closers, rt.provider.Close)

	store, closeStore, err := a.openStore(ctx, cal.Location())
	if err != nil {
		rt.close()
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
	}

	if withMarker {
		marker, closeMarker, err := a.openMarker(ctx)
		if err != nil {
			rt.close()
			return nil, err
		}
		if marker != nil {
			rt.marker = marker
			rt.closers = append(rt.closers, closeMarker)
		}
	}
	return rt, nil
}

func (a *App) scannerOptions() service.Options {
	return service.Options{
		Watchlist:           a.Config.Watchlist,
		DiscoveryEnabled:    a.Config.Discovery.Enabled,
		MaxDiscoveryTickers: a.Config.Discovery.MaxTickers,
		DigestEnabled:       a.Config.DailySummary.Enabled,
		DigestHour:          a.Config.DailySummary.Hour,
		DigestMinute:        a.Config.DailySummary.Minute,
		DigestTopN:          a.Config.DailySummary.TopN,
		LockKey:             a.Config.Scheduler.AdvisoryLockKey,
	}
}

func (a *App) scannerDeps(rt *components) service.Deps {
	deps := service.Deps{
		Calendar: rt.calendar,
		Provider: rt.provider,
		Detector: a.newDetector(rt.calendar.Location()),
		Alerts:   rt.alerts,
	}
	// a nil *Store must not become a non-nil interface
	if rt.store != nil {
		deps.Store = rt.store
	}
	if rt.marker != nil {
		deps.Marker = rt.marker
	}
	return deps
}

// Run executes the long-running scanner until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.newComponents(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.alerts.Len() == 0 {
		a.Logger.Warn().Msg("no alert channels configured; signals will only be logged")
	}

	tracker := health.NewTracker(time.Now)
	if a.Config.Health.Enabled {
		srv := health.NewServer(a.Config.Health.Addr, tracker, a.Logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn().Err(err).Msg("health server shutdown")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.ScanInterval(),
		AlignToInterval: a.Config.Scheduler.AlignToInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	deps := a.scannerDeps(rt)
	deps.Scheduler = sched
	deps.Recorder = tracker
	scanner := service.New(a.scannerOptions(), deps, a.Logger)

	done := make(chan error, 1)
	go func() { done <- scanner.Run(ctx) }()

	a.Logger.Info().Msg("starting options flow scanner")
	select {
	case err := <-done:
		return a.finish(err)
	case <-ctx.Done():
	}

	a.Logger.Info().Dur("timeout", a.Config.Scheduler.ShutdownTimeout).Msg("shutdown requested; finishing current ticker")
	scanner.Stop()

	timeout := a.Config.Scheduler.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		return a.finish(err)
	case <-time.After(timeout):
		a.Logger.Warn().Msg("shutdown timeout exceeded; abandoning in-flight scan")
		return nil
	}
}

func (a *App) finish(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scanner terminated with error")
		return err
	}
	a.Logger.Info().Msg("options flow scanner stopped")
	return nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	cal, err := a.newCalendar()
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := a.openStore(ctx, cal.Location())
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

// ScanOptions configure a one-off scan.
type ScanOptions struct {
	Tickers   []string
	Discovery bool
	DryRun    bool
}

// DigestOptions configure a forced digest.
type DigestOptions struct {
	Date string
}

// ExportOptions hold parameters for exporting stored signals.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxRows int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PruneOptions configure retention cleanup.
type PruneOptions struct {
	OlderThan time.Duration
}

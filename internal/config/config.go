package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"options-flow-scanner/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. FLOWSCANNER_RATE_LIMIT_CALLS_PER_MINUTE.
const EnvPrefix = "FLOWSCANNER"

// Config materialises application configuration.
type Config struct {
	App                 AppConfig          `mapstructure:"app"`
	Logging             logging.Config     `mapstructure:"logging"`
	ScanIntervalSeconds int                `mapstructure:"scan_interval_seconds"`
	Watchlist           []string           `mapstructure:"watchlist"`
	Discovery           DiscoveryConfig    `mapstructure:"discovery"`
	Market              MarketConfig       `mapstructure:"market"`
	DailySummary        DailySummaryConfig `mapstructure:"daily_summary"`
	Thresholds          ThresholdsConfig   `mapstructure:"thresholds"`
	RiskScoring         RiskScoringConfig  `mapstructure:"risk_scoring"`
	RateLimit           RateLimitConfig    `mapstructure:"rate_limit"`
	EMA                 EMAConfig          `mapstructure:"ema"`
	Provider            ProviderConfig     `mapstructure:"provider"`
	Database            DatabaseConfig     `mapstructure:"database"`
	Redis               RedisConfig        `mapstructure:"redis"`
	Health              HealthConfig       `mapstructure:"health"`
	Alerting            AlertingConfig     `mapstructure:"alerting"`
	Scheduler           SchedulerConfig    `mapstructure:"scheduler"`
	Export              ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DiscoveryConfig controls scanning of the day's movers beyond the watchlist.
type DiscoveryConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxTickers int  `mapstructure:"max_tickers"`
}

// MarketConfig describes the regular session in exchange time.
type MarketConfig struct {
	OpenHour    int      `mapstructure:"open_hour"`
	OpenMinute  int      `mapstructure:"open_minute"`
	CloseHour   int      `mapstructure:"close_hour"`
	CloseMinute int      `mapstructure:"close_minute"`
	Timezone    string   `mapstructure:"timezone"`
	Holidays    []string `mapstructure:"holidays"`
}

// DailySummaryConfig schedules the end-of-day digest.
type DailySummaryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Hour    int  `mapstructure:"hour"`
	Minute  int  `mapstructure:"minute"`
	TopN    int  `mapstructure:"top_n"`
}

// ThresholdsConfig gates signal emission.
type ThresholdsConfig struct {
	VolumeSpikeMultiplier  float64 `mapstructure:"volume_spike_multiplier"`
	MinVolume              int64   `mapstructure:"min_volume"`
	MinOI                  int64   `mapstructure:"min_oi"`
	HighVolumeOIRatio      float64 `mapstructure:"high_volume_oi_ratio"`
	MinEstimatedPremiumUSD float64 `mapstructure:"min_estimated_premium_usd"`
	SweepSizeThreshold     int64   `mapstructure:"sweep_size_threshold"`
}

// RiskScoringConfig weights the risk sub-scores.
type RiskScoringConfig struct {
	VolumeSpikeWeight float64 `mapstructure:"volume_spike_weight"`
	PremiumWeight     float64 `mapstructure:"premium_weight"`
	OIRatioWeight     float64 `mapstructure:"oi_ratio_weight"`
	SweepWeight       float64 `mapstructure:"sweep_weight"`
	NearExpiryWeight  float64 `mapstructure:"near_expiry_weight"`
}

// Sum returns the total of all weights.
func (r RiskScoringConfig) Sum() float64 {
	return r.VolumeSpikeWeight + r.PremiumWeight + r.OIRatioWeight + r.SweepWeight + r.NearExpiryWeight
}

// RateLimitConfig bounds provider traffic.
type RateLimitConfig struct {
	CallsPerMinute    int           `mapstructure:"calls_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelaySeconds float64       `mapstructure:"retry_delay_seconds"`
	BreakerFailures   int           `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// RetryDelay converts retry_delay_seconds into a duration.
func (r RateLimitConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds * float64(time.Second))
}

// EMAConfig tunes the rolling volume baseline.
type EMAConfig struct {
	Alpha               float64 `mapstructure:"alpha"`
	MaxTrackedContracts int     `mapstructure:"max_tracked_contracts"`
}

// ProviderConfig covers market data connectivity.
type ProviderConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PageLimit      int           `mapstructure:"page_limit"`
	MaxPages       int           `mapstructure:"max_pages"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig stores the digest marker outside the process.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	DigestKey string        `mapstructure:"digest_key"`
	DigestTTL time.Duration `mapstructure:"digest_ttl"`
}

// HealthConfig exposes the health and metrics endpoints.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AlertingConfig routes signals to notification channels.
type AlertingConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	CSVPath  string         `mapstructure:"csv_path"`
	Discord  WebhookConfig  `mapstructure:"discord"`
	Slack    WebhookConfig  `mapstructure:"slack"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig describes a webhook based channel.
type WebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SchedulerConfig governs loop cadence and shutdown.
type SchedulerConfig struct {
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// ScanInterval converts scan_interval_seconds into a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindAliases(v); err != nil {
		return nil, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindAliases maps the conventional unprefixed secrets onto their config keys.
func bindAliases(v *viper.Viper) error {
	aliases := map[string]string{
		"provider.api_key":             "POLYGON_API_KEY",
		"alerting.discord.webhook_url": "DISCORD_WEBHOOK_URL",
		"alerting.slack.webhook_url":   "SLACK_WEBHOOK_URL",
		"alerting.telegram.bot_token":  "TELEGRAM_BOT_TOKEN",
		"alerting.telegram.chat_id":    "TELEGRAM_CHAT_ID",
		"database.dsn":                 "DATABASE_URL",
		"redis.url":                    "REDIS_URL",
	}
	for key, alias := range aliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flowscanner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scan_interval_seconds", 60)
	v.SetDefault("watchlist", []string{"SPY", "QQQ", "AAPL", "TSLA", "NVDA"})

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.max_tickers", 50)

	v.SetDefault("market.open_hour", 9)
	v.SetDefault("market.open_minute", 30)
	v.SetDefault("market.close_hour", 16)
	v.SetDefault("market.close_minute", 0)
	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.holidays", []string{})

	v.SetDefault("daily_summary.enabled", true)
	v.SetDefault("daily_summary.hour", 16)
	v.SetDefault("daily_summary.minute", 15)
	v.SetDefault("daily_summary.top_n", 10)

	v.SetDefault("thresholds.volume_spike_multiplier", 5.0)
	v.SetDefault("thresholds.min_volume", 100)
	v.SetDefault("thresholds.min_oi", 50)
	v.SetDefault("thresholds.high_volume_oi_ratio", 3.0)
	v.SetDefault("thresholds.min_estimated_premium_usd", 50000.0)
	v.SetDefault("thresholds.sweep_size_threshold", 100)

	v.SetDefault("risk_scoring.volume_spike_weight", 0.3)
	v.SetDefault("risk_scoring.premium_weight", 0.25)
	v.SetDefault("risk_scoring.oi_ratio_weight", 0.2)
	v.SetDefault("risk_scoring.sweep_weight", 0.15)
	v.SetDefault("risk_scoring.near_expiry_weight", 0.1)

	v.SetDefault("rate_limit.calls_per_minute", 5)
	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.retry_delay_seconds", 15.0)
	v.SetDefault("rate_limit.breaker_failures", 5)
	v.SetDefault("rate_limit.breaker_cooldown", "2m")

	v.SetDefault("ema.alpha", 0.3)
	v.SetDefault("ema.max_tracked_contracts", 50000)

	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "https://api.polygon.io")
	v.SetDefault("provider.request_timeout", "30s")
	v.SetDefault("provider.page_limit", 250)
	v.SetDefault("provider.max_pages", 100)
	v.SetDefault("provider.user_agent", "flowscanner/1.0")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.digest_key", "flowscanner:last_digest_date")
	v.SetDefault("redis.digest_ttl", "72h")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":8080")

	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.csv_path", "data/alerts.csv")
	v.SetDefault("alerting.discord.enabled", true)
	v.SetDefault("alerting.discord.webhook_url", "")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.webhook_url", "")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x666c6f77))
	v.SetDefault("scheduler.shutdown_timeout", "30s")

	v.SetDefault("export.max_rows", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalise() {
	watchlist := make([]string, 0, len(c.Watchlist))
	seen := make(map[string]struct{}, len(c.Watchlist))
	for _, raw := range c.Watchlist {
		t := strings.ToUpper(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		watchlist = append(watchlist, t)
	}
	c.Watchlist = watchlist
}

// Validate checks every rule and reports all violations together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Watchlist) == 0 {
		fail("watchlist must be a non-empty list of ticker symbols")
	}
	if c.ScanIntervalSeconds < 10 {
		fail("scan_interval_seconds must be >= 10")
	}
	if c.RateLimit.CallsPerMinute < 1 {
		fail("rate_limit.calls_per_minute must be >= 1")
	}
	if c.RateLimit.MaxRetries < 1 {
		fail("rate_limit.max_retries must be >= 1")
	}
	if c.RateLimit.RetryDelaySeconds < 0 {
		fail("rate_limit.retry_delay_seconds cannot be negative")
	}
	if c.RateLimit.BreakerFailures < 0 {
		fail("rate_limit.breaker_failures cannot be negative")
	}

	th := c.Thresholds
	for name, val := range map[string]float64{
		"volume_spike_multiplier":   th.VolumeSpikeMultiplier,
		"min_volume":                float64(th.MinVolume),
		"min_oi":                    float64(th.MinOI),
		"high_volume_oi_ratio":      th.HighVolumeOIRatio,
		"min_estimated_premium_usd": th.MinEstimatedPremiumUSD,
		"sweep_size_threshold":      float64(th.SweepSizeThreshold),
	} {
		if val < 0 {
			fail("thresholds.%s must be a non-negative number", name)
		}
	}

	if sum := c.RiskScoring.Sum(); math.Abs(sum-1.0) > 0.01 {
		fail("risk scoring weights sum to %.2f, expected ~1.0", sum)
	}

	if !validHour(c.Market.OpenHour) {
		fail("market.open_hour must be an integer 0-23")
	}
	if !validHour(c.Market.CloseHour) {
		fail("market.close_hour must be an integer 0-23")
	}
	if !validMinute(c.Market.OpenMinute) || !validMinute(c.Market.CloseMinute) {
		fail("market minutes must be 0-59")
	}
	if c.Market.OpenHour*60+c.Market.OpenMinute > c.Market.CloseHour*60+c.Market.CloseMinute {
		fail("market open must not be after market close")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		fail("market.timezone %q: %v", c.Market.Timezone, err)
	}
	for _, day := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(day)); err != nil {
			fail("market.holidays entry %q must be YYYY-MM-DD", day)
		}
	}

	if c.Discovery.MaxTickers < 0 {
		fail("discovery.max_tickers cannot be negative")
	}
	if c.DailySummary.Enabled {
		if !validHour(c.DailySummary.Hour) {
			fail("daily_summary.hour must be an integer 0-23")
		}
		if !validMinute(c.DailySummary.Minute) {
			fail("daily_summary.minute must be 0-59")
		}
		if c.DailySummary.TopN <= 0 {
			fail("daily_summary.top_n must be greater than zero")
		}
	}

	if c.EMA.Alpha <= 0 || c.EMA.Alpha > 1 {
		fail("ema.alpha must be in (0, 1]")
	}
	if c.EMA.MaxTrackedContracts <= 0 {
		fail("ema.max_tracked_contracts must be greater than zero")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			fail("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			fail("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		fail("alerting.slack.webhook_url is required when slack is enabled")
	}

	if c.Export.MaxRows <= 0 {
		fail("export.max_rows must be greater than zero")
	}
	if c.Scheduler.ShutdownTimeout < 0 {
		fail("scheduler.shutdown_timeout cannot be negative")
	}

	return errors.Join(errs...)
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}

func validHour(h int) bool   { return h >= 0 && h <= 23 }
func validMinute(m int) bool { return m >= 0 && m <= 59 }

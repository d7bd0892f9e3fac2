// Package config defines the top-level configuration for the cycle scanner
// and provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CYCLEARB_* environment variables.
type Config struct {
	Scanner   ScannerConfig   `toml:"scanner"`
	Detector  DetectorConfig  `toml:"detector"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Watch     WatchConfig     `toml:"watch"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ScannerConfig controls technique dispatch.
type ScannerConfig struct {
	EnabledTechniques     []string `toml:"enabled_techniques"`
	MaxWorkers            int      `toml:"max_workers"`
	MaxAbandonedFallbacks int      `toml:"max_abandoned_fallbacks"`
	MaxAbandonedTasks     int      `toml:"max_abandoned_tasks"`
	FallbackTimeout       duration `toml:"fallback_timeout"`
	TechniqueTimeout      duration `toml:"technique_timeout"`
	Rerank                bool     `toml:"rerank"`
}

// DetectorConfig holds the scan parameters applied to snapshots that leave
// them unset.
type DetectorConfig struct {
	MinNetPercent       float64  `toml:"min_net_percent"`
	MinHops             int      `toml:"min_hops"`
	MaxHops             int      `toml:"max_hops"`
	MinNetPercentPerHop float64  `toml:"min_net_percent_per_hop"`
	TopN                int      `toml:"top_n"`
	LatencyPenaltyBps   float64  `toml:"latency_penalty_bps"`
	Blacklist           []string `toml:"blacklist"`
	MinQuoteVolume      float64  `toml:"min_quote_volume"`
}

// Params converts the section into default scan parameters.
func (d DetectorConfig) Params() domain.ScanParams {
	return domain.ScanParams{
		MinNetPercent:       d.MinNetPercent,
		MinHops:             d.MinHops,
		MaxHops:             d.MaxHops,
		MinNetPercentPerHop: d.MinNetPercentPerHop,
		TopN:                d.TopN,
		LatencyPenaltyBps:   d.LatencyPenaltyBps,
		Blacklist:           append([]string(nil), d.Blacklist...),
		MinQuoteVolume:      d.MinQuoteVolume,
	}
}

// TelemetryConfig holds the telemetry file location and its archive policy.
type TelemetryConfig struct {
	File            string   `toml:"file"`
	ArchiveEnabled  bool     `toml:"archive_enabled"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// WatchConfig controls the long-running scan loop.
type WatchConfig struct {
	Exchanges       []string `toml:"exchanges"`
	FeedURL         string   `toml:"feed_url"`
	LockTTL         duration `toml:"lock_ttl"`
	SnapshotTTL     duration `toml:"snapshot_ttl"`
	NotifyMinNetBps float64  `toml:"notify_min_net_bps"`
	RetentionDays   int      `toml:"retention_days"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the offline result store location.
type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials and throttling.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	RatePerMinute     int      `toml:"rate_per_minute"`
	DedupWindow       duration `toml:"dedup_window"`
}

// MetricsConfig holds the HTTP listener for /metrics, /healthz and the
// read-only /api routes.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// duration decodes TOML strings such as "750ms" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Scanner: ScannerConfig{
			EnabledTechniques:     []string{"bellman_ford", "triangle"},
			MaxAbandonedFallbacks: 4,
			MaxAbandonedTasks:     4,
			FallbackTimeout:       duration{5 * time.Second},
			TechniqueTimeout:      duration{30 * time.Second},
		},
		Detector: DetectorConfig{
			MinNetPercent: 0,
			MinHops:       2,
			MaxHops:       6,
			TopN:          50,
		},
		Telemetry: TelemetryConfig{
			File:            "telemetry.jsonl",
			ArchiveInterval: duration{24 * time.Hour},
		},
		Watch: WatchConfig{
			LockTTL:         duration{30 * time.Second},
			SnapshotTTL:     duration{2 * time.Minute},
			NotifyMinNetBps: 20,
			RetentionDays:   30,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "cyclearb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "cyclearb.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "cyclearb-data",
			Prefix:         "cyclearb",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			RatePerMinute: 20,
			DedupWindow:   duration{5 * time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9102,
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

var (
	modes     = []string{"scan", "watch", "report"}
	logLevels = []string{"debug", "info", "warn", "error"}
)

// problems accumulates validation failures.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) check(ok bool, msg string) {
	if !ok {
		*p = append(*p, msg)
	}
}

func validPort(port int) bool { return port > 0 && port <= 65535 }

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var p problems
	mode := strings.ToLower(c.Mode)

	if !slices.Contains(modes, mode) {
		p.addf("unknown mode %q (valid: %s)", c.Mode, strings.Join(modes, ", "))
	}
	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		p.addf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(logLevels, ", "))
	}

	sc := c.Scanner
	p.check(sc.MaxWorkers >= 0, "scanner: max_workers must be >= 0")
	p.check(sc.MaxAbandonedFallbacks >= 0, "scanner: max_abandoned_fallbacks must be >= 0")
	p.check(sc.MaxAbandonedTasks >= 0, "scanner: max_abandoned_tasks must be >= 0")
	p.check(sc.FallbackTimeout.Duration > 0, "scanner: fallback_timeout must be > 0")
	p.check(sc.TechniqueTimeout.Duration > 0, "scanner: technique_timeout must be > 0")

	d := c.Detector
	p.check(d.MinHops >= 0 && d.MaxHops >= 0, "detector: hop bounds must be >= 0")
	if d.MaxHops > 0 && d.MinHops > d.MaxHops {
		p.addf("detector: min_hops (%d) exceeds max_hops (%d)", d.MinHops, d.MaxHops)
	}
	p.check(d.TopN >= 0, "detector: top_n must be >= 0")
	for _, pair := range d.Blacklist {
		if !strings.Contains(pair, "->") {
			p.addf("detector: blacklist entry %q is not of the form BASE->QUOTE", pair)
		}
	}

	if mode == "watch" {
		// Without Redis the websocket feed is the only snapshot source.
		p.check(c.Redis.Enabled || strings.TrimSpace(c.Watch.FeedURL) != "",
			"watch: feed_url must be set when redis is disabled")
		p.check(c.Watch.LockTTL.Duration > 0, "watch: lock_ttl must be > 0")
	}

	if pg := c.Postgres; pg.Enabled {
		if strings.TrimSpace(pg.DSN) == "" {
			p.check(pg.Host != "", "postgres: host must not be empty (or set postgres.dsn)")
			if !validPort(pg.Port) {
				p.addf("postgres: port must be 1-65535, got %d", pg.Port)
			}
			p.check(pg.Database != "", "postgres: database must not be empty")
		}
		p.check(pg.PoolMaxConns >= 1, "postgres: pool_max_conns must be >= 1")
	}

	p.check(!c.SQLite.Enabled || c.SQLite.Path != "", "sqlite: path must not be empty")
	p.check(!c.Redis.Enabled || c.Redis.Addr != "", "redis: addr must not be empty")
	p.check(!c.S3.Enabled || c.S3.Bucket != "", "s3: bucket must not be empty")
	p.check(!c.Telemetry.ArchiveEnabled || c.S3.Enabled, "telemetry: archive_enabled requires s3.enabled")

	p.check((c.Notify.TelegramToken == "") == (c.Notify.TelegramChatID == ""),
		"notify: telegram_token and telegram_chat_id must be set together")
	p.check(c.Notify.RatePerMinute >= 0, "notify: rate_per_minute must be >= 0")

	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		p.addf("metrics: port must be 1-65535, got %d", c.Metrics.Port)
	}

	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(p, "\n  - "))
}

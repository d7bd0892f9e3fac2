package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "CYCLEARB_"

// Load layers the TOML file at path (skipped when empty) over Defaults, then
// a .env file in the working directory, then CYCLEARB_* variables. Validate
// is left to the caller.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	overrideFromEnv(&cfg, os.LookupEnv)
	return &cfg, nil
}

// env applies CYCLEARB_<suffix> variables to config fields. Empty or
// unparsable values leave the field untouched.
type env func(key string) (string, bool)

func (e env) value(suffix string) (string, bool) {
	v, ok := e(envPrefix + suffix)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e env) str(dst *string, suffix string) {
	if v, ok := e.value(suffix); ok {
		*dst = v
	}
}

func (e env) list(dst *[]string, suffix string) {
	v, ok := e.value(suffix)
	if !ok {
		return
	}
	var items []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) > 0 {
		*dst = items
	}
}

func parsed[T any](e env, dst *T, suffix string, parse func(string) (T, error)) {
	v, ok := e.value(suffix)
	if !ok {
		return
	}
	if x, err := parse(v); err == nil {
		*dst = x
	}
}

func (e env) integer(dst *int, suffix string) { parsed(e, dst, suffix, strconv.Atoi) }

func (e env) i64(dst *int64, suffix string) {
	parsed(e, dst, suffix, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func (e env) float(dst *float64, suffix string) {
	parsed(e, dst, suffix, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e env) boolean(dst *bool, suffix string) { parsed(e, dst, suffix, strconv.ParseBool) }

func (e env) duration(dst *duration, suffix string) { parsed(e, &dst.Duration, suffix, time.ParseDuration) }

func overrideFromEnv(cfg *Config, lookup func(string) (string, bool)) {
	e := env(lookup)

	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")

	s := &cfg.Scanner
	e.list(&s.EnabledTechniques, "SCANNER_ENABLED_TECHNIQUES")
	e.integer(&s.MaxWorkers, "SCANNER_MAX_WORKERS")
	e.integer(&s.MaxAbandonedFallbacks, "SCANNER_MAX_ABANDONED_FALLBACKS")
	e.integer(&s.MaxAbandonedTasks, "SCANNER_MAX_ABANDONED_TASKS")
	e.duration(&s.FallbackTimeout, "SCANNER_FALLBACK_TIMEOUT")
	e.duration(&s.TechniqueTimeout, "SCANNER_TECHNIQUE_TIMEOUT")
	e.boolean(&s.Rerank, "SCANNER_RERANK")

	d := &cfg.Detector
	e.float(&d.MinNetPercent, "DETECTOR_MIN_NET_PERCENT")
	e.integer(&d.MinHops, "DETECTOR_MIN_HOPS")
	e.integer(&d.MaxHops, "DETECTOR_MAX_HOPS")
	e.float(&d.MinNetPercentPerHop, "DETECTOR_MIN_NET_PERCENT_PER_HOP")
	e.integer(&d.TopN, "DETECTOR_TOP_N")
	e.float(&d.LatencyPenaltyBps, "DETECTOR_LATENCY_PENALTY_BPS")
	e.list(&d.Blacklist, "DETECTOR_BLACKLIST")
	e.float(&d.MinQuoteVolume, "DETECTOR_MIN_QUOTE_VOLUME")

	t := &cfg.Telemetry
	e.str(&t.File, "TELEMETRY_FILE")
	e.boolean(&t.ArchiveEnabled, "TELEMETRY_ARCHIVE_ENABLED")
	e.duration(&t.ArchiveInterval, "TELEMETRY_ARCHIVE_INTERVAL")

	w := &cfg.Watch
	e.list(&w.Exchanges, "WATCH_EXCHANGES")
	e.str(&w.FeedURL, "WATCH_FEED_URL")
	e.duration(&w.LockTTL, "WATCH_LOCK_TTL")
	e.duration(&w.SnapshotTTL, "WATCH_SNAPSHOT_TTL")
	e.float(&w.NotifyMinNetBps, "WATCH_NOTIFY_MIN_NET_BPS")
	e.integer(&w.RetentionDays, "WATCH_RETENTION_DAYS")

	pg := &cfg.Postgres
	e.boolean(&pg.Enabled, "POSTGRES_ENABLED")
	e.str(&pg.DSN, "DATABASE_URL")
	e.str(&pg.DSN, "POSTGRES_DSN")
	e.str(&pg.Host, "POSTGRES_HOST")
	e.integer(&pg.Port, "POSTGRES_PORT")
	e.str(&pg.Database, "POSTGRES_DATABASE")
	e.str(&pg.User, "POSTGRES_USER")
	e.str(&pg.Password, "POSTGRES_PASSWORD")
	e.str(&pg.SSLMode, "POSTGRES_SSL_MODE")
	e.integer(&pg.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	e.integer(&pg.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	e.boolean(&pg.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	e.boolean(&cfg.SQLite.Enabled, "SQLITE_ENABLED")
	e.str(&cfg.SQLite.Path, "SQLITE_PATH")

	r := &cfg.Redis
	e.boolean(&r.Enabled, "REDIS_ENABLED")
	e.str(&r.Addr, "REDIS_ADDR")
	e.str(&r.Password, "REDIS_PASSWORD")
	e.integer(&r.DB, "REDIS_DB")
	e.integer(&r.PoolSize, "REDIS_POOL_SIZE")
	e.integer(&r.MaxRetries, "REDIS_MAX_RETRIES")
	e.boolean(&r.TLSEnabled, "REDIS_TLS_ENABLED")
	e.i64(&r.StreamMaxLen, "REDIS_STREAM_MAX_LEN")

	b := &cfg.S3
	e.boolean(&b.Enabled, "S3_ENABLED")
	e.str(&b.Endpoint, "S3_ENDPOINT")
	e.str(&b.Region, "S3_REGION")
	e.str(&b.Bucket, "S3_BUCKET")
	e.str(&b.Prefix, "S3_PREFIX")
	e.str(&b.AccessKey, "S3_ACCESS_KEY")
	e.str(&b.SecretKey, "S3_SECRET_KEY")
	e.boolean(&b.UseSSL, "S3_USE_SSL")
	e.boolean(&b.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	n := &cfg.Notify
	e.str(&n.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&n.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&n.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.integer(&n.RatePerMinute, "NOTIFY_RATE_PER_MINUTE")
	e.duration(&n.DedupWindow, "NOTIFY_DEDUP_WINDOW")

	e.boolean(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	e.integer(&cfg.Metrics.Port, "METRICS_PORT")
	e.str(&cfg.Metrics.APIKey, "METRICS_API_KEY")
}

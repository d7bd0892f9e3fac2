package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/cyclearb/internal/arbitrage"
	s3blob "github.com/alanyoungcy/cyclearb/internal/blob/s3"
	"github.com/alanyoungcy/cyclearb/internal/cache/memory"
	"github.com/alanyoungcy/cyclearb/internal/cache/redis"
	"github.com/alanyoungcy/cyclearb/internal/config"
	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/metrics"
	"github.com/alanyoungcy/cyclearb/internal/notify"
	"github.com/alanyoungcy/cyclearb/internal/scanner"
	"github.com/alanyoungcy/cyclearb/internal/server/handler"
	"github.com/alanyoungcy/cyclearb/internal/store/postgres"
	"github.com/alanyoungcy/cyclearb/internal/store/sqlite"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function. Optional stores are nil
// when their backend is disabled.
type Dependencies struct {
	Scanner    *scanner.Scanner
	ScanConfig scanner.ScanConfig
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	// Stores
	Results domain.ResultStore
	Audit   domain.AuditStore

	// Snapshot cache, result bus and scan locks. Redis when enabled,
	// otherwise the in-process implementations.
	Cache domain.SnapshotCache
	Bus   domain.SignalBus
	Locks domain.LockManager

	// Blob storage
	BlobReader domain.BlobReader
	BlobPrefix string
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	// Health probes every connected backend.
	Health map[string]handler.Checker
}

// needsStores reports whether the mode persists scan results.
func needsStores(mode string) bool {
	return mode == "scan" || mode == "watch"
}

// needsS3 reports whether the mode reads or writes object storage.
func needsS3(mode string) bool {
	return mode == "watch" || mode == "report"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Health: make(map[string]handler.Checker),
	}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)

	// --- Scanner ---
	deps.Scanner = scanner.New(scanner.Options{
		MaxWorkers:            cfg.Scanner.MaxWorkers,
		MaxAbandonedFallbacks: int64(cfg.Scanner.MaxAbandonedFallbacks),
		MaxAbandonedTasks:     int64(cfg.Scanner.MaxAbandonedTasks),
		Table:                 arbitrage.NewTable(),
		Metrics:               deps.Metrics,
		Logger:                logger,
	})
	closers = append(closers, func() { _ = deps.Scanner.Close() })
	deps.ScanConfig = scanner.ScanConfig{
		EnabledTechniques: cfg.Scanner.EnabledTechniques,
		FallbackTimeout:   cfg.Scanner.FallbackTimeout.Duration,
		TechniqueTimeout:  cfg.Scanner.TechniqueTimeout.Duration,
		TelemetryFile:     cfg.Telemetry.File,
		Rerank:            cfg.Scanner.Rerank,
		Defaults:          cfg.Detector.Params(),
	}

	// --- Result stores: PostgreSQL first, SQLite for offline runs ---
	if needsStores(cfg.Mode) {
		switch {
		case cfg.Postgres.Enabled:
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres: %w", err)
			}
			closers = append(closers, pgClient.Close)

			if cfg.Postgres.RunMigrations {
				if err := pgClient.RunMigrations(ctx); err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
				}
			}

			deps.Results = pgClient.Results()
			deps.Audit = pgClient.Audit()
			deps.Health["postgres"] = pgClient.Ping

		case cfg.SQLite.Enabled:
			store, err := sqlite.Open(ctx, cfg.SQLite.Path)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
			}
			closers = append(closers, func() { _ = store.Close() })
			deps.Results = store
		}
	}

	// --- Snapshot cache, bus and locks ---
	if cfg.Mode == "watch" && cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewSnapshotCache(redisClient, cfg.Watch.SnapshotTTL.Duration)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.Cache = memory.NewSnapshotCache()
		deps.Bus = memory.NewSignalBus(int(cfg.Redis.StreamMaxLen))
		deps.Locks = memory.NewLockManager()
	}

	// --- S3 blob storage ---
	if needsS3(cfg.Mode) && cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.BlobPrefix = s3Client.Prefix()
		deps.Health["s3"] = s3Client.Health
		if cfg.Telemetry.ArchiveEnabled {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				deps.Results,
				deps.Audit,
				s3Client.Prefix(),
			)
		}
	}

	// --- Notifications ---
	if cfg.Mode == "watch" {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
			senders = append(senders, notify.NewTelegramSender(
				cfg.Notify.TelegramToken,
				cfg.Notify.TelegramChatID,
			))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		deps.Notifier = notify.NewNotifier(senders, notify.Options{
			RatePerMinute: cfg.Notify.RatePerMinute,
			DedupWindow:   cfg.Notify.DedupWindow.Duration,
			MinNetBps:     cfg.Watch.NotifyMinNetBps,
			Metrics:       deps.Metrics,
		}, logger)
	}

	return deps, cleanup, nil
}

// Package watch runs the long-lived scan loop: every snapshot announced on the
// bus is scanned once under a per-exchange lock and its cycles are stored,
// published and alerted on.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/notify"
	"github.com/alanyoungcy/cyclearb/internal/scanner"
)

// Channel, stream and lock names. They match the Redis key schema.
const (
	SnapshotsChannel = "snapshots"
	CyclesChannel    = "cycles"
	CyclesStream     = "cycles:stream"
)

// ScanLockKey names the lock serialising scans of one exchange.
func ScanLockKey(exchangeID string) string { return "scan:" + exchangeID }

// Scanner is the part of scanner.Scanner the watcher needs.
type Scanner interface {
	ScanWithReport(ctx context.Context, snapshotID string, snap domain.Snapshot, cfg scanner.ScanConfig) (*scanner.ScanReport, error)
}

// Config wires a Watcher. Results, Audit and Notifier are optional.
type Config struct {
	Scanner    Scanner
	ScanConfig scanner.ScanConfig
	Cache      domain.SnapshotCache
	Bus        domain.SignalBus
	Locks      domain.LockManager
	Results    domain.ResultStore
	Audit      domain.AuditStore
	Notifier   *notify.Notifier
	LockTTL    time.Duration
	// MaxConcurrent bounds scans of different exchanges running at once.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Watcher consumes snapshot announcements and scans them.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "watcher")),
	}
}

// Run subscribes to the snapshots channel and scans each announced exchange.
// It blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ch, err := w.cfg.Bus.Subscribe(ctx, SnapshotsChannel)
	if err != nil {
		return fmt.Errorf("watch: subscribe %s: %w", SnapshotsChannel, err)
	}
	w.logger.Info("watcher started", slog.Int("max_concurrent", w.cfg.MaxConcurrent))
	defer w.logger.Info("watcher stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrent)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			exchangeID := string(data)
			g.Go(func() error {
				if _, err := w.ScanExchange(gctx, exchangeID); err != nil && !errors.Is(err, domain.ErrLockHeld) {
					w.logger.Warn("scan failed",
						slog.String("exchange", exchangeID),
						slog.String("error", err.Error()),
					)
				}
				return nil
			})
		}
	}
}

// ScanExchange scans the cached snapshot of one exchange. It returns
// domain.ErrLockHeld when another scan of the same exchange is running.
func (w *Watcher) ScanExchange(ctx context.Context, exchangeID string) (*scanner.ScanReport, error) {
	unlock, err := w.cfg.Locks.Acquire(ctx, ScanLockKey(exchangeID), w.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			w.logger.Debug("scan already running", slog.String("exchange", exchangeID))
		}
		return nil, err
	}
	defer unlock()

	snap, err := w.cfg.Cache.GetSnapshot(ctx, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("watch: load snapshot %s: %w", exchangeID, err)
	}

	report, err := w.cfg.Scanner.ScanWithReport(ctx, uuid.NewString(), snap, w.cfg.ScanConfig)
	if err != nil {
		return nil, fmt.Errorf("watch: scan %s: %w", exchangeID, err)
	}

	w.emit(ctx, exchangeID, report)
	return report, nil
}

// emit stores, publishes and alerts on a scan's results. Each sink is
// best-effort; a failing sink never hides the others.
func (w *Watcher) emit(ctx context.Context, exchangeID string, report *scanner.ScanReport) {
	logger := w.logger.With(
		slog.String("exchange", exchangeID),
		slog.String("snapshot_id", report.SnapshotID),
	)

	if w.cfg.Results != nil && len(report.Results) > 0 {
		if err := w.cfg.Results.InsertBatch(ctx, report.Results); err != nil {
			logger.Error("store results failed", slog.String("error", err.Error()))
		}
	}

	for _, r := range report.Results {
		payload, err := sonnet.Marshal(r)
		if err != nil {
			logger.Error("encode result failed", slog.String("error", err.Error()))
			continue
		}
		if err := w.cfg.Bus.Publish(ctx, CyclesChannel, payload); err != nil {
			logger.Warn("publish cycle failed", slog.String("error", err.Error()))
		}
		if err := w.cfg.Bus.StreamAppend(ctx, CyclesStream, payload); err != nil {
			logger.Warn("append cycle stream failed", slog.String("error", err.Error()))
		}
		if _, err := w.cfg.Notifier.NotifyCycle(ctx, r); err != nil {
			logger.Warn("notify cycle failed", slog.String("error", err.Error()))
		}
	}

	if report.Degraded {
		logger.Warn("degraded scan", slog.Any("failed", report.Failed))
		if err := w.cfg.Notifier.NotifyAll(ctx, "degraded scan on "+exchangeID,
			fmt.Sprintf("every technique failed: %v", report.Failed)); err != nil {
			logger.Warn("notify degraded failed", slog.String("error", err.Error()))
		}
	}

	if w.cfg.Audit != nil {
		event := "scan"
		if report.Degraded {
			event = "scan.degraded"
		}
		if err := w.cfg.Audit.Log(ctx, event, map[string]any{
			"exchange":      exchangeID,
			"snapshot_id":   report.SnapshotID,
			"results":       len(report.Results),
			"failed":        report.Failed,
			"fallback_used": report.FallbackUsed,
			"duration_s":    report.Duration.Seconds(),
		}); err != nil {
			logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
}

package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Cleaner is implemented by components with expiring in-memory state.
type Cleaner interface {
	Cleanup()
}

// Archiver periodically ships the telemetry file and aged cycle results to
// cold storage.
type Archiver struct {
	blob          domain.Archiver
	telemetryFile string
	retentionDays int
	cleaners      []Cleaner
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. blob may be nil, in which case runs only
// clean up in-memory state.
func NewArchiver(blob domain.Archiver, telemetryFile string, retentionDays int, logger *slog.Logger, cleaners ...Cleaner) *Archiver {
	return &Archiver{
		blob:          blob,
		telemetryFile: telemetryFile,
		retentionDays: retentionDays,
		cleaners:      cleaners,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run.
func (a *Archiver) Run(ctx context.Context) error {
	for _, c := range a.cleaners {
		c.Cleanup()
	}
	if a.blob == nil {
		return nil
	}

	now := a.now().UTC()
	if a.telemetryFile != "" {
		if st, err := os.Stat(a.telemetryFile); err == nil && st.Size() > 0 {
			key, err := a.blob.ArchiveTelemetry(ctx, a.telemetryFile, now)
			if err != nil {
				return fmt.Errorf("watch: archive telemetry: %w", err)
			}
			a.logger.Info("archived telemetry", slog.String("key", key))
		}
	}

	if a.retentionDays > 0 {
		cutoff := now.Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
		n, err := a.blob.ArchiveResults(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("watch: archive results before %v: %w", cutoff, err)
		}
		a.logger.Info("archived cycle results",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RunEvery runs the archiver on a fixed interval until ctx is cancelled.
// Failed runs are logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	a.logger.Info("archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

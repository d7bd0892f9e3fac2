package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/cyclearb/internal/blob/s3"
	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/feed"
	"github.com/alanyoungcy/cyclearb/internal/scanner"
	"github.com/alanyoungcy/cyclearb/internal/server"
	"github.com/alanyoungcy/cyclearb/internal/server/handler"
	"github.com/alanyoungcy/cyclearb/internal/telemetry"
	"github.com/alanyoungcy/cyclearb/internal/watch"
)

// scanOutput is the scan mode result for one exchange.
type scanOutput struct {
	Exchange     string               `json:"exchange"`
	SnapshotID   string               `json:"snapshot_id"`
	Degraded     bool                 `json:"degraded"`
	Failed       []string             `json:"failed,omitempty"`
	FallbackUsed int                  `json:"fallback_used"`
	DurationMs   float64              `json:"duration_ms"`
	Results      []domain.CycleResult `json:"results"`
}

// ScanMode scans every exchange of the snapshot document once, persists the
// results when a store is configured and prints them as JSON.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	snaps, err := domain.LoadSnapshotFile(a.opts.SnapshotPath)
	if err != nil {
		return fmt.Errorf("app: load snapshots: %w", err)
	}

	ids := make([]string, 0, len(snaps))
	if a.opts.Exchange != "" {
		if _, ok := snaps[a.opts.Exchange]; !ok {
			return fmt.Errorf("app: exchange %q not in %s", a.opts.Exchange, a.opts.SnapshotPath)
		}
		ids = append(ids, a.opts.Exchange)
	} else {
		for id := range snaps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]scanOutput, 0, len(ids))
	for _, id := range ids {
		snapshotID := uuid.NewString()
		report, err := deps.Scanner.ScanWithReport(ctx, snapshotID, snaps[id], deps.ScanConfig)
		if err != nil {
			return fmt.Errorf("app: scan %s: %w", id, err)
		}
		a.persist(ctx, deps, id, report)

		results := report.Results
		if results == nil {
			results = []domain.CycleResult{}
		}
		out = append(out, scanOutput{
			Exchange:     id,
			SnapshotID:   snapshotID,
			Degraded:     report.Degraded,
			Failed:       report.Failed,
			FallbackUsed: report.FallbackUsed,
			DurationMs:   float64(report.Duration.Microseconds()) / 1000,
			Results:      results,
		})
		a.logger.InfoContext(ctx, "scan complete",
			slog.String("exchange", id),
			slog.Int("cycles", len(results)),
			slog.Bool("degraded", report.Degraded),
		)
	}
	return a.writeJSON(out)
}

// persist stores scan results and an audit entry. Store failures are
// logged; the scan output is still printed.
func (a *App) persist(ctx context.Context, deps *Dependencies, exchange string, report *scanner.ScanReport) {
	if deps.Results != nil && len(report.Results) > 0 {
		if err := deps.Results.InsertBatch(ctx, report.Results); err != nil {
			a.logger.WarnContext(ctx, "failed to store scan results",
				slog.String("exchange", exchange),
				slog.String("error", err.Error()),
			)
		}
	}
	if deps.Audit != nil {
		err := deps.Audit.Log(ctx, "scan.offline", map[string]any{
			"exchange":    exchange,
			"snapshot_id": report.SnapshotID,
			"cycles":      len(report.Results),
			"degraded":    report.Degraded,
		})
		if err != nil {
			a.logger.WarnContext(ctx, "failed to write audit entry", slog.String("error", err.Error()))
		}
	}
}

// WatchMode runs the snapshot feed, the watcher, the archiver and the HTTP
// server until ctx is cancelled.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode",
		slog.Any("exchanges", a.cfg.Watch.Exchanges),
		slog.Bool("redis", a.cfg.Redis.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)

	w := watch.New(watch.Config{
		Scanner:    deps.Scanner,
		ScanConfig: deps.ScanConfig,
		Cache:      deps.Cache,
		Bus:        deps.Bus,
		Locks:      deps.Locks,
		Results:    deps.Results,
		Audit:      deps.Audit,
		Notifier:   deps.Notifier,
		LockTTL:    a.cfg.Watch.LockTTL.Duration,
		Logger:     a.base,
	})
	g.Go(func() error {
		return w.Run(ctx)
	})

	if a.cfg.Watch.FeedURL != "" {
		ingestor := feed.NewIngestor(deps.Cache, deps.Bus, watch.SnapshotsChannel, "websocket", deps.Metrics, a.base)
		snapFeed := feed.NewSnapshotFeed(a.cfg.Watch.FeedURL, a.cfg.Watch.Exchanges, ingestor.Handle, a.base)
		g.Go(func() error {
			return snapFeed.Run(ctx)
		})
	}

	var blob domain.Archiver
	if a.cfg.Telemetry.ArchiveEnabled && deps.Archiver != nil {
		blob = deps.Archiver
	}
	archiver := watch.NewArchiver(blob, a.cfg.Telemetry.File, a.cfg.Watch.RetentionDays, a.base, deps.Notifier)
	g.Go(func() error {
		return archiver.RunEvery(ctx, a.cfg.Telemetry.ArchiveInterval.Duration)
	})

	if a.cfg.Metrics.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startHTTPServer registers the HTTP server and its shutdown on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.base),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	if deps.Results != nil {
		handlers.Cycles = handler.NewCycleHandler(deps.Results, a.base)
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.base)
	}
	srv := server.NewServer(server.Config{
		Port:   a.cfg.Metrics.Port,
		APIKey: a.cfg.Metrics.APIKey,
	}, handlers, a.base)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// reportOutput is the JSON document printed by the report mode.
type reportOutput struct {
	Source     string                     `json:"source"`
	Techniques []telemetry.TechniqueStats `json:"techniques"`
	Scans      int                        `json:"scans"`
	Degraded   int                        `json:"degraded"`
	Fallbacks  int                        `json:"fallbacks"`
	Skipped    int                        `json:"skipped_lines"`
}

// ReportMode summarises technique latency from the telemetry file, or from
// one day of archived telemetry when an archive day is given.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	if a.opts.Technique != "" && !slices.Contains(deps.Scanner.Techniques(), a.opts.Technique) {
		return fmt.Errorf("app: unknown technique %q (registered: %s)",
			a.opts.Technique, strings.Join(deps.Scanner.Techniques(), ", "))
	}

	log, source, err := a.loadTelemetry(ctx, deps)
	if err != nil {
		return err
	}

	records := log.Records
	if a.opts.Technique != "" {
		filtered := records[:0:0]
		for _, rec := range records {
			if rec.Technique == a.opts.Technique {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	out := reportOutput{
		Source:     source,
		Techniques: telemetry.Summarize(records),
		Scans:      len(log.Summaries),
		Skipped:    log.Skipped,
	}
	if out.Techniques == nil {
		out.Techniques = []telemetry.TechniqueStats{}
	}
	for _, sum := range log.Summaries {
		if sum.Degraded {
			out.Degraded++
		}
		out.Fallbacks += sum.FallbackUsed
	}
	return a.writeJSON(out)
}

// loadTelemetry reads the local telemetry file or the archived objects of
// the requested day.
func (a *App) loadTelemetry(ctx context.Context, deps *Dependencies) (*telemetry.Log, string, error) {
	if a.opts.ArchiveDay == "" {
		log, err := telemetry.ReadFile(a.cfg.Telemetry.File)
		if err != nil {
			return nil, "", fmt.Errorf("app: read telemetry: %w", err)
		}
		return log, a.cfg.Telemetry.File, nil
	}

	day, err := time.Parse(time.DateOnly, a.opts.ArchiveDay)
	if err != nil {
		return nil, "", fmt.Errorf("app: parse archive day %q: %w", a.opts.ArchiveDay, err)
	}
	if deps.BlobReader == nil {
		return nil, "", fmt.Errorf("app: archived telemetry needs s3 enabled")
	}

	prefix := s3blob.TelemetryPrefix(deps.BlobPrefix, day)
	objects, err := deps.BlobReader.List(ctx, prefix)
	if err != nil {
		return nil, "", fmt.Errorf("app: list archived telemetry: %w", err)
	}

	merged := &telemetry.Log{}
	for _, obj := range objects {
		if err := a.readArchived(ctx, deps.BlobReader, obj.Path, merged); err != nil {
			return nil, "", err
		}
	}
	return merged, prefix, nil
}

func (a *App) readArchived(ctx context.Context, reader domain.BlobReader, key string, into *telemetry.Log) error {
	rc, err := reader.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("app: get %s: %w", key, err)
	}
	defer rc.Close()

	log, err := telemetry.Read(rc)
	if err != nil {
		return fmt.Errorf("app: read %s: %w", key, err)
	}
	into.Records = append(into.Records, log.Records...)
	into.Summaries = append(into.Summaries, log.Summaries...)
	into.Skipped += log.Skipped
	return nil
}

func (a *App) writeJSON(v any) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("app: encode output: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.opts.Out.Write(data); err != nil {
		return fmt.Errorf("app: write output: %w", err)
	}
	return nil
}

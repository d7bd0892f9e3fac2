// Package scanner runs the enabled detection techniques for one snapshot in
// parallel on a persistent worker pool, retries a failed Bellman-Ford run on
// a bounded fallback path, merges the results and records telemetry.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/cyclearb/internal/arbitrage"
	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/metrics"
	"github.com/alanyoungcy/cyclearb/internal/telemetry"
)

const (
	DefaultFallbackTimeout       = 5 * time.Second
	DefaultTechniqueTimeout      = 30 * time.Second
	DefaultMaxAbandonedFallbacks = 4
	DefaultMaxAbandonedTasks     = 4

	closeGrace = 2 * time.Second
)

// Options configure a Scanner.
type Options struct {
	// MaxWorkers is the pool size. Zero means min(default techniques, NumCPU).
	MaxWorkers int
	// MaxAbandonedFallbacks bounds fallback goroutines that may still be
	// running after their caller gave up on them.
	MaxAbandonedFallbacks int64
	// MaxAbandonedTasks bounds replacement workers started for pooled runs
	// that outlived TechniqueTimeout.
	MaxAbandonedTasks int64
	Table                 *arbitrage.Table
	Metrics               *metrics.Metrics
	Logger                *slog.Logger
}

// ScanConfig is the per-call configuration.
type ScanConfig struct {
	// EnabledTechniques lists technique names in order. Empty means the
	// default set. Unknown names are skipped with a warning.
	EnabledTechniques []string
	FallbackTimeout   time.Duration
	TechniqueTimeout  time.Duration
	// TelemetryFile receives one line per completed technique and a summary
	// line. Empty disables telemetry.
	TelemetryFile string
	// Rerank sorts the merged list by estimated net bps.
	Rerank bool
	// Defaults fill the snapshot's unset scan parameters.
	Defaults domain.ScanParams
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.TechniqueTimeout <= 0 {
		c.TechniqueTimeout = DefaultTechniqueTimeout
	}
	return c
}

// ScanReport is the full outcome of one scan.
type ScanReport struct {
	SnapshotID      string
	Results         []domain.CycleResult
	Techniques      []string
	Succeeded       []string
	Failed          []string
	FallbackUsed    int
	FallbackTimeout int
	PayloadBytes    int
	// Degraded is set when no technique contributed, so an empty result
	// list cannot be read as "no opportunities".
	Degraded bool
	Duration time.Duration
}

// Scanner owns the worker pool and is safe for concurrent use.
type Scanner struct {
	table   *arbitrage.Table
	metrics *metrics.Metrics
	logger  *slog.Logger
	base    *slog.Logger
	workers int
	spares  int64

	poolOnce sync.Once
	pool     *Pool

	fallbacks *semaphore.Weighted
	sinks     *telemetry.Registry
}

// New creates a Scanner. The worker pool is started on the first scan.
func New(opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Table == nil {
		opts.Table = arbitrage.NewTable()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = min(len(arbitrage.DefaultTechniques()), runtime.NumCPU())
	}
	if opts.MaxAbandonedFallbacks <= 0 {
		opts.MaxAbandonedFallbacks = DefaultMaxAbandonedFallbacks
	}
	if opts.MaxAbandonedTasks <= 0 {
		opts.MaxAbandonedTasks = DefaultMaxAbandonedTasks
	}
	return &Scanner{
		table:     opts.Table,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(slog.String("component", "scanner")),
		base:      opts.Logger,
		workers:   opts.MaxWorkers,
		spares:    opts.MaxAbandonedTasks,
		fallbacks: semaphore.NewWeighted(opts.MaxAbandonedFallbacks),
		sinks:     telemetry.NewRegistry(),
	}
}

func (s *Scanner) getPool() *Pool {
	s.poolOnce.Do(func() {
		s.pool = NewPool(s.workers, s.spares, s.base)
	})
	return s.pool
}

// Close shuts the worker pool down, waits up to closeGrace for its workers
// and closes telemetry files. Scans started afterwards contribute no pooled
// results.
func (s *Scanner) Close() error {
	pool := s.getPool()
	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	waitErr := pool.Wait(ctx)
	if waitErr != nil {
		s.logger.Warn("workers still busy at close", slog.String("error", waitErr.Error()))
	}
	return errors.Join(waitErr, s.sinks.Close())
}

// Techniques returns the names of every registered technique.
func (s *Scanner) Techniques() []string {
	techs := s.table.List()
	out := make([]string, len(techs))
	for i, t := range techs {
		out[i] = t.String()
	}
	return out
}

// Scan returns the merged cycles of every enabled technique. Technique
// failures never surface here; the only error is a payload encoding failure.
func (s *Scanner) Scan(ctx context.Context, snapshotID string, snap domain.Snapshot, cfg ScanConfig) ([]domain.CycleResult, error) {
	rep, err := s.ScanWithReport(ctx, snapshotID, snap, cfg)
	if err != nil {
		return nil, err
	}
	return rep.Results, nil
}

type outcome struct {
	tech    arbitrage.Technique
	results []domain.CycleResult
	err     error
	took    time.Duration
}

// ScanWithReport is Scan with the per-technique accounting attached.
func (s *Scanner) ScanWithReport(ctx context.Context, snapshotID string, snap domain.Snapshot, cfg ScanConfig) (*ScanReport, error) {
	began := time.Now()
	cfg = cfg.withDefaults()
	if snapshotID == "" {
		snapshotID = uuid.NewString()
	}
	snap.ScanParams = snap.ScanParams.WithDefaults(cfg.Defaults)

	payload, err := domain.EncodeSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("scanner: encode payload: %w", err)
	}

	logger := s.logger.With(
		slog.String("snapshot_id", snapshotID),
		slog.String("exchange", snap.ExchangeID),
	)
	techs := s.resolve(cfg.EnabledTechniques, logger)

	rep := &ScanReport{
		SnapshotID:   snapshotID,
		PayloadBytes: len(payload),
	}
	for _, t := range techs {
		rep.Techniques = append(rep.Techniques, t.String())
	}

	var sink *telemetry.Sink
	if cfg.TelemetryFile != "" {
		if sink, err = s.sinks.Get(cfg.TelemetryFile); err != nil {
			logger.Warn("telemetry disabled for scan", slog.String("error", err.Error()))
			sink = nil
		}
	}

	record := func(t arbitrage.Technique, took time.Duration, n int) {
		s.metrics.ObserveTechnique(t.String(), took, n)
		if sink == nil {
			return
		}
		err := sink.WriteRecord(domain.TelemetryRecord{
			SnapshotID:   snapshotID,
			Technique:    t.String(),
			Timestamp:    time.Now().Unix(),
			DurationS:    took.Seconds(),
			ResultsCount: n,
		})
		if err != nil {
			logger.Warn("telemetry write failed", slog.String("error", err.Error()))
		}
	}

	onFailure := func(t arbitrage.Technique, runErr error) {
		logger.Warn("technique failed",
			slog.String("technique", t.String()),
			slog.String("error", runErr.Error()),
		)
		s.metrics.TechniqueFailed(t.String(), failureReason(runErr))

		if !t.HasFallback() || ctx.Err() != nil {
			rep.Failed = append(rep.Failed, t.String())
			return
		}
		res, took, ferr := s.fallback(ctx, t, payload, cfg.FallbackTimeout)
		switch {
		case errors.Is(ferr, domain.ErrFallbackTimeout):
			rep.FallbackTimeout++
			rep.Failed = append(rep.Failed, t.String())
			s.metrics.Fallback("timeout")
			logger.Warn("fallback timed out",
				slog.String("technique", t.String()),
				slog.Duration("timeout", cfg.FallbackTimeout),
			)
		case ferr != nil:
			rep.Failed = append(rep.Failed, t.String())
			s.metrics.Fallback("failed")
			logger.Warn("fallback failed",
				slog.String("technique", t.String()),
				slog.String("error", ferr.Error()),
			)
		default:
			rep.FallbackUsed++
			rep.Succeeded = append(rep.Succeeded, t.String())
			rep.Results = append(rep.Results, res...)
			s.metrics.Fallback("used")
			record(t, took, len(res))
			logger.Info("fallback used",
				slog.String("technique", t.String()),
				slog.Int("results", len(res)),
			)
		}
	}

	if len(techs) > 0 {
		deadline := time.Now().Add(cfg.TechniqueTimeout)
		outcomes := make(chan outcome, len(techs))
		tasks := &taskSet{pool: s.getPool(), tasks: make(map[arbitrage.Technique]*Task, len(techs))}
		go s.dispatch(ctx, deadline, techs, payload, tasks, outcomes)

		pending := make(map[arbitrage.Technique]struct{}, len(techs))
		for _, t := range techs {
			pending[t] = struct{}{}
		}
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()

	collect:
		for len(pending) > 0 {
			select {
			case o := <-outcomes:
				if _, ok := pending[o.tech]; !ok {
					continue
				}
				delete(pending, o.tech)
				if o.err != nil {
					onFailure(o.tech, o.err)
					continue
				}
				rep.Succeeded = append(rep.Succeeded, o.tech.String())
				rep.Results = append(rep.Results, o.results...)
				record(o.tech, o.took, len(o.results))
			case <-timer.C:
				tasks.abandon()
				s.abandon(pending, &arbitrage.TechniqueError{Err: domain.ErrTechniqueTimeout}, onFailure)
				break collect
			case <-ctx.Done():
				tasks.abandon()
				s.abandon(pending, ctx.Err(), onFailure)
				break collect
			}
		}
	} else {
		logger.Warn("no techniques enabled")
	}

	now := time.Now().UTC()
	for i := range rep.Results {
		rep.Results[i].ID = uuid.NewString()
		rep.Results[i].SnapshotID = snapshotID
		rep.Results[i].Timestamp = now
	}
	if cfg.Rerank {
		Rerank(rep.Results)
	}
	if rep.Results == nil {
		rep.Results = []domain.CycleResult{}
	}
	rep.Degraded = len(rep.Succeeded) == 0
	rep.Duration = time.Since(began)

	netBps := make([]float64, len(rep.Results))
	for i, r := range rep.Results {
		netBps[i] = r.NetBpsEst
	}
	s.metrics.ObserveScan(rep.Duration, rep.Degraded, netBps)

	summary := rep.Summary()
	logger.Info("scan complete",
		slog.Any("techniques", summary.Techniques),
		slog.Int("results", summary.ResultsCount),
		slog.Int("payload_bytes", summary.PayloadBytes),
		slog.Int("fallback_used", summary.FallbackUsed),
		slog.Int("fallback_timeout", summary.FallbackTimeout),
		slog.Bool("degraded", summary.Degraded),
		slog.Duration("duration", rep.Duration),
	)
	if rep.Degraded && len(techs) > 0 {
		logger.Error("all techniques failed", slog.Any("failed", rep.Failed))
	}
	if sink != nil {
		if err := sink.WriteSummary(summary); err != nil {
			logger.Warn("telemetry summary write failed", slog.String("error", err.Error()))
		}
	}
	return rep, nil
}

// abandon fails every still-pending technique with cause, in enum order.
func (s *Scanner) abandon(pending map[arbitrage.Technique]struct{}, cause error, onFailure func(arbitrage.Technique, error)) {
	left := make([]arbitrage.Technique, 0, len(pending))
	for t := range pending {
		left = append(left, t)
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	for _, t := range left {
		delete(pending, t)
		err := cause
		var te *arbitrage.TechniqueError
		if errors.As(cause, &te) {
			err = &arbitrage.TechniqueError{Technique: t, Err: te.Err}
		}
		onFailure(t, err)
	}
}

// taskSet tracks the pooled jobs of one scan so that the ones still running
// when the scan stops waiting can be detached from their workers.
type taskSet struct {
	pool *Pool

	mu        sync.Mutex
	tasks     map[arbitrage.Technique]*Task
	abandoned bool
}

func (ts *taskSet) add(t arbitrage.Technique, task *Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.abandoned {
		ts.pool.Detach(task)
		return
	}
	ts.tasks[t] = task
}

// abandon detaches every job of the scan. Finished jobs are unaffected;
// jobs submitted afterwards are detached on arrival.
func (ts *taskSet) abandon() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.abandoned = true
	for _, task := range ts.tasks {
		ts.pool.Detach(task)
	}
}

// dispatch submits one job per technique. Every technique yields exactly one
// outcome, either from its job or from a failed submission.
func (s *Scanner) dispatch(ctx context.Context, deadline time.Time, techs []arbitrage.Technique, payload []byte, tasks *taskSet, outcomes chan<- outcome) {
	for _, t := range techs {
		tctx, cancel := context.WithDeadline(ctx, deadline)
		job := func() {
			defer cancel()
			outcomes <- s.runTechnique(tctx, t, payload)
		}
		task, err := tasks.pool.Submit(tctx, job)
		if err != nil {
			cancel()
			outcomes <- outcome{tech: t, err: &arbitrage.TechniqueError{Technique: t, Err: err}}
			continue
		}
		tasks.add(t, task)
	}
}

// runTechnique decodes a private copy of the payload and runs t on it.
func (s *Scanner) runTechnique(ctx context.Context, t arbitrage.Technique, payload []byte) outcome {
	began := time.Now()
	snap, err := domain.DecodeSnapshot(payload)
	if err != nil {
		return outcome{tech: t, err: &arbitrage.TechniqueError{Technique: t, Err: err}}
	}
	fn, err := s.table.Get(t)
	if err != nil {
		return outcome{tech: t, err: &arbitrage.TechniqueError{Technique: t, Err: err}}
	}
	res, err := arbitrage.Run(ctx, t, fn, snap)
	return outcome{tech: t, results: res, err: err, took: time.Since(began)}
}

// fallback reruns t on a dedicated goroutine and waits at most timeout. On
// timeout the goroutine is abandoned; it keeps its semaphore slot until it
// returns, and no new fallback starts while every slot is taken.
func (s *Scanner) fallback(ctx context.Context, t arbitrage.Technique, payload []byte, timeout time.Duration) ([]domain.CycleResult, time.Duration, error) {
	if !s.fallbacks.TryAcquire(1) {
		return nil, 0, fmt.Errorf("scanner: %s fallback: no free slot: %w", t, domain.ErrFallbackTimeout)
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer s.fallbacks.Release(1)
		done <- s.runTechnique(fctx, t, payload)
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("scanner: %s fallback: %w: %w", t, domain.ErrFallbackTimeout, o.err)
		}
		return o.results, o.took, o.err
	case <-fctx.Done():
		return nil, 0, fmt.Errorf("scanner: %s fallback after %s: %w", t, timeout, domain.ErrFallbackTimeout)
	}
}

// resolve maps configured names to techniques, dropping unknown names and
// duplicates.
func (s *Scanner) resolve(names []string, logger *slog.Logger) []arbitrage.Technique {
	if len(names) == 0 {
		return arbitrage.DefaultTechniques()
	}
	seen := make(map[arbitrage.Technique]bool, len(names))
	out := make([]arbitrage.Technique, 0, len(names))
	for _, name := range names {
		t, err := arbitrage.ParseTechnique(name)
		if err != nil {
			logger.Warn("skipping unknown technique", slog.String("technique", name))
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Summary converts the report into its telemetry line.
func (r *ScanReport) Summary() domain.ScanSummary {
	return domain.ScanSummary{
		Event:           domain.ScanSummaryEvent,
		SnapshotID:      r.SnapshotID,
		Timestamp:       time.Now().Unix(),
		Techniques:      r.Techniques,
		ResultsCount:    len(r.Results),
		PayloadBytes:    r.PayloadBytes,
		FallbackUsed:    r.FallbackUsed,
		FallbackTimeout: r.FallbackTimeout,
		Failed:          r.Failed,
		Degraded:        r.Degraded,
		DurationS:       r.Duration.Seconds(),
	}
}

// Rerank orders results by estimated net bps, best first. Ties are broken by
// cycle and then technique so the order is deterministic.
func Rerank(results []domain.CycleResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.NetBpsEst != b.NetBpsEst {
			return a.NetBpsEst > b.NetBpsEst
		}
		if a.Cycle != b.Cycle {
			return a.Cycle < b.Cycle
		}
		return a.Technique < b.Technique
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTechniquePanic):
		return "panic"
	case errors.Is(err, domain.ErrTechniqueTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrPoolClosed):
		return "pool_closed"
	default:
		return "error"
	}
}

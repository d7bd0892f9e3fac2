package scanner

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cyclearb/internal/arbitrage"
	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/metrics"
	"github.com/alanyoungcy/cyclearb/internal/telemetry"
)

func triangleSnapshot() domain.Snapshot {
	return domain.Snapshot{
		ExchangeID: "testex",
		Tokens:     []string{"A", "B", "C"},
		Tickers: map[string]domain.Quote{
			"A/B": {Bid: domain.P(1.02)},
			"B/C": {Bid: domain.P(1.02)},
			"C/A": {Bid: domain.P(1.02)},
		},
		FeePercent: 0.10,
	}
}

func newTestScanner(t *testing.T, table *arbitrage.Table, opts ...func(*Options)) *Scanner {
	t.Helper()
	o := Options{
		MaxWorkers: 2,
		Table:      table,
		Logger:     discardLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s := New(o)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func panicking(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
	panic("detector exploded")
}

func cycleSet(results []domain.CycleResult) map[string]bool {
	out := make(map[string]bool)
	for _, r := range results {
		out[r.Technique+":"+r.Cycle] = true
	}
	return out
}

func TestScan_DefaultTechniques(t *testing.T) {
	s := newTestScanner(t, nil)

	rep, err := s.ScanWithReport(context.Background(), "snap-1", triangleSnapshot(), ScanConfig{})
	require.NoError(t, err)

	assert.Equal(t, []string{"bellman_ford", "triangle"}, rep.Techniques)
	assert.ElementsMatch(t, []string{"bellman_ford", "triangle"}, rep.Succeeded)
	assert.Empty(t, rep.Failed)
	assert.False(t, rep.Degraded)
	assert.Greater(t, rep.PayloadBytes, 0)
	assert.Equal(t, map[string]bool{
		"bellman_ford:A->B->C->A": true,
		"triangle:A->B->C->A":     true,
	}, cycleSet(rep.Results))

	ids := make(map[string]bool)
	for _, r := range rep.Results {
		assert.NotEmpty(t, r.ID)
		assert.False(t, ids[r.ID])
		ids[r.ID] = true
		assert.Equal(t, "snap-1", r.SnapshotID)
		assert.False(t, r.Timestamp.IsZero())
	}
}

func TestScan_AlwaysFailsAlongsideBellmanFord(t *testing.T) {
	s := newTestScanner(t, nil)

	rep, err := s.ScanWithReport(context.Background(), "snap-d", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"bellman_ford", "always_fails"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"always_fails"}, rep.Failed)
	assert.False(t, rep.Degraded)
	assert.Zero(t, rep.FallbackUsed)
	assert.True(t, cycleSet(rep.Results)["bellman_ford:A->B->C->A"])
}

func TestScan_PanickingTechniqueDegradesGracefully(t *testing.T) {
	table := arbitrage.NewTable()
	table.Register(arbitrage.BellmanFord, panicking)
	s := newTestScanner(t, table)

	results, err := s.Scan(context.Background(), "", triangleSnapshot(), ScanConfig{})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"triangle:A->B->C->A": true}, cycleSet(results))

	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"bellman_ford"},
	})
	require.NoError(t, err)
	assert.NotNil(t, rep.Results)
	assert.Empty(t, rep.Results)
	assert.True(t, rep.Degraded)
	assert.Equal(t, []string{"bellman_ford"}, rep.Failed)
	assert.NotEmpty(t, rep.SnapshotID)
}

func TestScan_FallbackUsed(t *testing.T) {
	var calls atomic.Int32
	table := arbitrage.NewTable()
	table.Register(arbitrage.BellmanFord, func(ctx context.Context, snap domain.Snapshot) ([]domain.CycleResult, error) {
		if calls.Add(1) == 1 {
			panic("first run crashes")
		}
		return arbitrage.DetectBellmanFord(ctx, snap)
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestScanner(t, table, func(o *Options) { o.Metrics = m })

	rep, err := s.ScanWithReport(context.Background(), "snap-f", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"bellman_ford"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.FallbackUsed)
	assert.Zero(t, rep.FallbackTimeout)
	assert.False(t, rep.Degraded)
	assert.Equal(t, map[string]bool{"bellman_ford:A->B->C->A": true}, cycleSet(rep.Results))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("used")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TechniqueFailuresTotal.WithLabelValues("bellman_ford", "panic")))
}

func TestScan_NoFallbackForTriangle(t *testing.T) {
	var calls atomic.Int32
	table := arbitrage.NewTable()
	table.Register(arbitrage.Triangle, func(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
		calls.Add(1)
		panic("triangle crashes")
	})
	s := newTestScanner(t, table)

	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"triangle"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, rep.FallbackUsed)
	assert.True(t, rep.Degraded)
}

func TestScan_FallbackTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	table := arbitrage.NewTable()
	table.Register(arbitrage.BellmanFord, func(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
		<-block
		return nil, nil
	})
	s := newTestScanner(t, table, func(o *Options) {
		o.MaxWorkers = 4
		o.MaxAbandonedFallbacks = 1
	})

	cfg := ScanConfig{
		EnabledTechniques: []string{"bellman_ford", "triangle"},
		TechniqueTimeout:  50 * time.Millisecond,
		FallbackTimeout:   20 * time.Millisecond,
	}

	began := time.Now()
	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), cfg)
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 2*time.Second)

	assert.Equal(t, 1, rep.FallbackTimeout)
	assert.Zero(t, rep.FallbackUsed)
	assert.Equal(t, []string{"bellman_ford"}, rep.Failed)
	assert.Equal(t, map[string]bool{"triangle:A->B->C->A": true}, cycleSet(rep.Results))

	// The abandoned fallback still holds the only slot, so the next scan
	// skips its fallback and reports a timeout straight away.
	rep, err = s.ScanWithReport(context.Background(), "", triangleSnapshot(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FallbackTimeout)
	assert.False(t, rep.Degraded)
}

func TestScan_UnknownTechniquesSkipped(t *testing.T) {
	s := newTestScanner(t, nil)

	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"dijkstra", "triangle", "triangle"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"triangle"}, rep.Techniques)
	assert.Len(t, rep.Results, 1)

	rep, err = s.ScanWithReport(context.Background(), "", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"dijkstra"},
	})
	require.NoError(t, err)
	assert.Empty(t, rep.Techniques)
	assert.Empty(t, rep.Results)
	assert.True(t, rep.Degraded)
}

func TestScan_WritesTelemetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	s := newTestScanner(t, nil)

	_, err := s.Scan(context.Background(), "snap-t", triangleSnapshot(), ScanConfig{
		EnabledTechniques: []string{"bellman_ford", "triangle", "always_fails"},
		TelemetryFile:     path,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	log, err := telemetry.ReadFile(path)
	require.NoError(t, err)

	var techs []string
	for _, r := range log.Records {
		assert.Equal(t, "snap-t", r.SnapshotID)
		assert.Equal(t, 1, r.ResultsCount)
		techs = append(techs, r.Technique)
	}
	assert.ElementsMatch(t, []string{"bellman_ford", "triangle"}, techs)

	require.Len(t, log.Summaries, 1)
	sum := log.Summaries[0]
	assert.Equal(t, "snap-t", sum.SnapshotID)
	assert.Equal(t, []string{"bellman_ford", "triangle", "always_fails"}, sum.Techniques)
	assert.Equal(t, 2, sum.ResultsCount)
	assert.Equal(t, []string{"always_fails"}, sum.Failed)
	assert.Greater(t, sum.PayloadBytes, 0)
}

func TestScan_AppliesDefaultsAndRerank(t *testing.T) {
	s := newTestScanner(t, nil)
	snap := triangleSnapshot()
	snap.Tickers["C/A"] = domain.Quote{Bid: domain.P(1.02), Ask: domain.P(0.5)}

	results, err := s.Scan(context.Background(), "", snap, ScanConfig{
		Rerank:   true,
		Defaults: domain.ScanParams{Blacklist: []string{"A->B"}},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, r.Cycle, "A->B")
	}
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].NetBpsEst, results[i].NetBpsEst)
	}
}

func TestScan_CancelledContext(t *testing.T) {
	s := newTestScanner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := s.ScanWithReport(ctx, "", triangleSnapshot(), ScanConfig{})
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	assert.True(t, rep.Degraded)
	assert.Zero(t, rep.FallbackUsed)
}

func TestScan_AfterClose(t *testing.T) {
	s := newTestScanner(t, nil)
	require.NoError(t, s.Close())

	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), ScanConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FallbackUsed)
	assert.Equal(t, []string{"triangle"}, rep.Failed)
	assert.Equal(t, map[string]bool{"bellman_ford:A->B->C->A": true}, cycleSet(rep.Results))
}

func TestScan_ConcurrentCallsAreIndependent(t *testing.T) {
	s := newTestScanner(t, nil)

	errs := make(chan error, 8)
	counts := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() {
			res, err := s.Scan(context.Background(), "", triangleSnapshot(), ScanConfig{})
			errs <- err
			counts <- len(res)
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
		assert.Equal(t, 2, <-counts)
	}
}

func TestRerank(t *testing.T) {
	results := []domain.CycleResult{
		{Cycle: "B->C->B", NetBpsEst: 5, Technique: "triangle"},
		{Cycle: "A->B->A", NetBpsEst: 10, Technique: "triangle"},
		{Cycle: "A->B->A", NetBpsEst: 10, Technique: "bellman_ford"},
	}
	Rerank(results)
	assert.Equal(t, "bellman_ford", results[0].Technique)
	assert.Equal(t, "triangle", results[1].Technique)
	assert.Equal(t, "B->C->B", results[2].Cycle)
}

func TestScan_HungTechniqueDoesNotStarvePool(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	table := arbitrage.NewTable()
	table.Register(arbitrage.BellmanFord, func(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
		<-block
		return nil, nil
	})
	s := newTestScanner(t, table, func(o *Options) {
		o.MaxWorkers = len(arbitrage.DefaultTechniques())
	})

	cfg := ScanConfig{
		TechniqueTimeout: 50 * time.Millisecond,
		FallbackTimeout:  20 * time.Millisecond,
	}
	for i := 0; i < 3; i++ {
		rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), cfg)
		require.NoError(t, err)
		assert.Equal(t, []string{"triangle"}, rep.Succeeded, "scan %d", i)
		assert.Equal(t, []string{"bellman_ford"}, rep.Failed, "scan %d", i)
		assert.False(t, rep.Degraded, "scan %d", i)
		assert.Equal(t, map[string]bool{"triangle:A->B->C->A": true}, cycleSet(rep.Results), "scan %d", i)
	}
	assert.Equal(t, 3, s.getPool().Detached())
}

func TestScan_RecoversAfterHungTechniqueReturns(t *testing.T) {
	block := make(chan struct{})
	var hung atomic.Bool
	hung.Store(true)

	table := arbitrage.NewTable()
	table.Register(arbitrage.BellmanFord, func(ctx context.Context, snap domain.Snapshot) ([]domain.CycleResult, error) {
		if hung.Load() {
			<-block
			return nil, nil
		}
		return arbitrage.DetectBellmanFord(ctx, snap)
	})
	s := newTestScanner(t, table)

	cfg := ScanConfig{
		TechniqueTimeout: 50 * time.Millisecond,
		FallbackTimeout:  20 * time.Millisecond,
	}
	_, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), cfg)
	require.NoError(t, err)

	hung.Store(false)
	close(block)
	assert.Eventually(t, func() bool { return s.getPool().Detached() == 0 }, time.Second, 5*time.Millisecond)

	rep, err := s.ScanWithReport(context.Background(), "", triangleSnapshot(), cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bellman_ford", "triangle"}, rep.Succeeded)
	assert.Empty(t, rep.Failed)
}

func TestScanner_Techniques(t *testing.T) {
	s := newTestScanner(t, nil)
	assert.Equal(t, []string{"bellman_ford", "triangle", "always_fails"}, s.Techniques())
}

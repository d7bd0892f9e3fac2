// Package metrics holds the Prometheus instruments of the scanner and the
// watch loop. All instruments are registered on an injected registerer so
// tests can use a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// ScansTotal counts completed scans.
	ScansTotal prometheus.Counter

	// DegradedScansTotal counts scans where every enabled technique failed.
	DegradedScansTotal prometheus.Counter

	// ScanDurationSeconds tracks end-to-end scan latency.
	ScanDurationSeconds prometheus.Histogram

	// TechniqueDurationSeconds tracks per-technique latency.
	TechniqueDurationSeconds *prometheus.HistogramVec

	// TechniqueFailuresTotal counts technique failures by reason.
	TechniqueFailuresTotal *prometheus.CounterVec

	// FallbacksTotal counts Bellman-Ford fallback outcomes (used, timeout).
	FallbacksTotal *prometheus.CounterVec

	// CyclesFoundTotal counts emitted cycles per technique.
	CyclesFoundTotal *prometheus.CounterVec

	// CycleNetBps tracks the estimated net edge of emitted cycles.
	CycleNetBps prometheus.Histogram

	// SnapshotsReceivedTotal counts ingested snapshots by source.
	SnapshotsReceivedTotal *prometheus.CounterVec

	// NotificationsTotal counts alert deliveries by outcome.
	NotificationsTotal *prometheus.CounterVec
}

// New creates and registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cyclearb_scans_total",
			Help: "Total number of completed scans",
		}),
		DegradedScansTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cyclearb_degraded_scans_total",
			Help: "Scans in which every enabled technique failed",
		}),
		ScanDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cyclearb_scan_duration_seconds",
			Help:    "Duration of a full scan across all techniques",
			Buckets: prometheus.DefBuckets,
		}),
		TechniqueDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cyclearb_technique_duration_seconds",
			Help:    "Duration of a single technique run",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"technique"}),
		TechniqueFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclearb_technique_failures_total",
			Help: "Technique failures by reason",
		}, []string{"technique", "reason"}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclearb_fallbacks_total",
			Help: "Synchronous fallback outcomes",
		}, []string{"outcome"}),
		CyclesFoundTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclearb_cycles_found_total",
			Help: "Profitable cycles emitted per technique",
		}, []string{"technique"}),
		CycleNetBps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cyclearb_cycle_net_bps",
			Help:    "Estimated net edge of emitted cycles in basis points",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		}),
		SnapshotsReceivedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclearb_snapshots_received_total",
			Help: "Snapshots ingested by source",
		}, []string{"source"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclearb_notifications_total",
			Help: "Alert deliveries by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveTechnique records one successful technique run.
func (m *Metrics) ObserveTechnique(technique string, d time.Duration, cycles int) {
	if m == nil {
		return
	}
	m.TechniqueDurationSeconds.WithLabelValues(technique).Observe(d.Seconds())
	m.CyclesFoundTotal.WithLabelValues(technique).Add(float64(cycles))
}

// TechniqueFailed records one failed technique run.
func (m *Metrics) TechniqueFailed(technique, reason string) {
	if m == nil {
		return
	}
	m.TechniqueFailuresTotal.WithLabelValues(technique, reason).Inc()
}

// Fallback records a fallback outcome.
func (m *Metrics) Fallback(outcome string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(outcome).Inc()
}

// ObserveScan records a completed scan and the net edge of its cycles.
func (m *Metrics) ObserveScan(d time.Duration, degraded bool, netBps []float64) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.ScanDurationSeconds.Observe(d.Seconds())
	if degraded {
		m.DegradedScansTotal.Inc()
	}
	for _, v := range netBps {
		m.CycleNetBps.Observe(v)
	}
}

// SnapshotReceived records an ingested snapshot.
func (m *Metrics) SnapshotReceived(source string) {
	if m == nil {
		return
	}
	m.SnapshotsReceivedTotal.WithLabelValues(source).Inc()
}

// Notification records an alert delivery outcome.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

package domain

import (
	"strings"
	"time"
)

// CycleStatus is the lifecycle state of an emitted cycle.
type CycleStatus string

const (
	// CycleStatusActionable is the only status produced today.
	CycleStatusActionable CycleStatus = "actionable"
)

// CycleResult is one profitable closed trading cycle found in a snapshot.
// It is immutable once emitted.
type CycleResult struct {
	ID          string      `json:"id"`
	SnapshotID  string      `json:"snapshot_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Venue       string      `json:"venue"`
	Cycle       string      `json:"cycle"`
	Path        []string    `json:"path"`
	Hops        int         `json:"hops"`
	Product     float64     `json:"product"`
	NetPercent  float64     `json:"net_percent"`
	NetBpsEst   float64     `json:"net_bps_est"`
	FeeBpsTotal float64     `json:"fee_bps_total"`
	Status      CycleStatus `json:"status"`
	Technique   string      `json:"technique"`
}

// FormatCycle renders a closed path as "A->B->C->A".
func FormatCycle(path []string) string {
	return strings.Join(path, "->")
}

// PairKey renders one directed hop as "A->B", the blacklist key format.
func PairKey(from, to string) string {
	return from + "->" + to
}

// TelemetryRecord is one line of the telemetry file, written when a technique
// completes within a scan.
type TelemetryRecord struct {
	SnapshotID   string  `json:"snapshot_id"`
	Technique    string  `json:"technique"`
	Timestamp    int64   `json:"timestamp"`
	DurationS    float64 `json:"duration_s"`
	ResultsCount int     `json:"results_count"`
}

// ScanSummary is the closing telemetry line of a scan.
type ScanSummary struct {
	Event           string   `json:"event"`
	SnapshotID      string   `json:"snapshot_id"`
	Timestamp       int64    `json:"timestamp"`
	Techniques      []string `json:"techniques"`
	ResultsCount    int      `json:"results_count"`
	PayloadBytes    int      `json:"payload_bytes"`
	FallbackUsed    int      `json:"fallback_used"`
	FallbackTimeout int      `json:"fallback_timeout"`
	Failed          []string `json:"failed,omitempty"`
	Degraded        bool     `json:"degraded"`
	DurationS       float64  `json:"duration_s"`
}

// ScanSummaryEvent is the Event value of every ScanSummary line.
const ScanSummaryEvent = "scan_summary"

package telemetry

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Log is the decoded content of a telemetry file.
type Log struct {
	Records   []domain.TelemetryRecord
	Summaries []domain.ScanSummary
	// Skipped counts lines that were neither a record nor a summary.
	Skipped int
}

// ReadFile decodes the telemetry file at path.
func ReadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes NDJSON telemetry lines from r. Undecodable lines are counted
// and skipped.
func Read(r io.Reader) (*Log, error) {
	out := &Log{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var head struct {
			Event string `json:"event"`
		}
		if err := sonnet.Unmarshal(line, &head); err != nil {
			out.Skipped++
			continue
		}
		if head.Event == domain.ScanSummaryEvent {
			var sum domain.ScanSummary
			if err := sonnet.Unmarshal(line, &sum); err != nil {
				out.Skipped++
				continue
			}
			out.Summaries = append(out.Summaries, sum)
			continue
		}
		var rec domain.TelemetryRecord
		if err := sonnet.Unmarshal(line, &rec); err != nil || rec.Technique == "" {
			out.Skipped++
			continue
		}
		out.Records = append(out.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: scan lines: %w", err)
	}
	return out, nil
}

// TechniqueStats is the latency profile of one technique, in milliseconds.
type TechniqueStats struct {
	Technique   string  `json:"technique"`
	Runs        int     `json:"runs"`
	P50Ms       float64 `json:"p50_ms"`
	P90Ms       float64 `json:"p90_ms"`
	P99Ms       float64 `json:"p99_ms"`
	MaxMs       float64 `json:"max_ms"`
	MeanResults float64 `json:"mean_results"`
}

// Summarize groups records by technique and computes nearest-rank
// percentiles. The output is sorted by technique name.
func Summarize(records []domain.TelemetryRecord) []TechniqueStats {
	durations := make(map[string][]float64)
	results := make(map[string]int)
	for _, r := range records {
		durations[r.Technique] = append(durations[r.Technique], r.DurationS*1000)
		results[r.Technique] += r.ResultsCount
	}

	out := make([]TechniqueStats, 0, len(durations))
	for tech, ms := range durations {
		sort.Float64s(ms)
		out = append(out, TechniqueStats{
			Technique:   tech,
			Runs:        len(ms),
			P50Ms:       Percentile(ms, 50),
			P90Ms:       Percentile(ms, 90),
			P99Ms:       Percentile(ms, 99),
			MaxMs:       ms[len(ms)-1],
			MeanResults: float64(results[tech]) / float64(len(ms)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Technique < out[j].Technique })
	return out
}

// Percentile returns the nearest-rank p-th percentile of an ascending slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

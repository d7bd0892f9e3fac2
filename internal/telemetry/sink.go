// Package telemetry appends per-technique timing records to an NDJSON file
// and summarises them back into latency percentiles.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Sink is an append-only NDJSON telemetry file. Each line reaches the file in
// a single Write call, so concurrent writers never interleave partial lines.
type Sink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Open opens (or creates) the telemetry file at path in append mode.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("telemetry: create dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Sink{path: path, f: f}, nil
}

// Path returns the file the sink appends to.
func (s *Sink) Path() string { return s.path }

// WriteRecord appends one technique completion record.
func (s *Sink) WriteRecord(rec domain.TelemetryRecord) error {
	return s.writeLine(rec)
}

// WriteSummary appends the closing line of a scan.
func (s *Sink) WriteSummary(sum domain.ScanSummary) error {
	if sum.Event == "" {
		sum.Event = domain.ScanSummaryEvent
	}
	return s.writeLine(sum)
}

func (s *Sink) writeLine(v any) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("telemetry: encode line: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("telemetry: write %s: %w", s.path, os.ErrClosed)
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("telemetry: write %s: %w", s.path, err)
	}
	return nil
}

// Close closes the underlying file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Registry hands out one shared Sink per path.
type Registry struct {
	mu    sync.Mutex
	sinks map[string]*Sink
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]*Sink)}
}

// Get returns the sink for path, opening it on first use.
func (r *Registry) Get(path string) (*Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[path]; ok {
		return s, nil
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	r.sinks[path] = s
	return s, nil
}

// Close closes every sink the registry opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.sinks, path)
	}
	return firstErr
}

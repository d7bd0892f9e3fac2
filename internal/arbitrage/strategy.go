// Package arbitrage implements the cycle detection techniques that run against
// a single-exchange snapshot, together with the dispatch table the scanner
// uses to select them by name.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Technique identifies one detection algorithm. The set is closed.
type Technique uint8

const (
	BellmanFord Technique = iota + 1
	Triangle
	// AlwaysFails returns an error on every call. It exists for degradation
	// drills and is never enabled by default.
	AlwaysFails
)

var techniqueNames = map[Technique]string{
	BellmanFord: "bellman_ford",
	Triangle:    "triangle",
	AlwaysFails: "always_fails",
}

// String returns the configuration name of the technique.
func (t Technique) String() string {
	if name, ok := techniqueNames[t]; ok {
		return name
	}
	return fmt.Sprintf("technique(%d)", uint8(t))
}

// HasFallback reports whether a failed pooled run is retried synchronously.
// Only Bellman-Ford is retried.
func (t Technique) HasFallback() bool {
	return t == BellmanFord
}

// ParseTechnique maps a configuration name to its Technique.
func ParseTechnique(name string) (Technique, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range techniqueNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("arbitrage: %q: %w", name, domain.ErrUnknownTechnique)
}

// DefaultTechniques returns the techniques enabled when none are configured.
func DefaultTechniques() []Technique {
	return []Technique{BellmanFord, Triangle}
}

// DetectFunc finds profitable cycles in a snapshot. Implementations must not
// retain the snapshot after returning.
type DetectFunc func(ctx context.Context, snap domain.Snapshot) ([]domain.CycleResult, error)

// TechniqueError is the failure of one technique within a scan.
type TechniqueError struct {
	Technique Technique
	Err       error
}

func (e *TechniqueError) Error() string {
	return fmt.Sprintf("arbitrage: technique %s: %v", e.Technique, e.Err)
}

func (e *TechniqueError) Unwrap() error { return e.Err }

// Run invokes fn under recover and converts every failure, including panics
// and deadline expiry, into a *TechniqueError. Successful results are tagged
// with the technique name.
func Run(ctx context.Context, t Technique, fn DetectFunc, snap domain.Snapshot) (results []domain.CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = &TechniqueError{Technique: t, Err: fmt.Errorf("%w: %v", domain.ErrTechniquePanic, r)}
		}
	}()

	res, err := fn(ctx, snap)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", domain.ErrTechniqueTimeout, err)
		}
		return nil, &TechniqueError{Technique: t, Err: err}
	}
	for i := range res {
		res[i].Technique = t.String()
	}
	return res, nil
}

func alwaysFails(_ context.Context, snap domain.Snapshot) ([]domain.CycleResult, error) {
	return nil, fmt.Errorf("always_fails: refusing snapshot %s", snap.ExchangeID)
}

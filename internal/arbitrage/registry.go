package arbitrage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Table is the dispatch table from Technique to its implementation.
type Table struct {
	funcs map[Technique]DetectFunc
	mu    sync.RWMutex
}

// NewTable returns a table with every built-in technique registered.
func NewTable() *Table {
	return &Table{funcs: map[Technique]DetectFunc{
		BellmanFord: DetectBellmanFord,
		Triangle:    DetectTriangles,
		AlwaysFails: alwaysFails,
	}}
}

// Register replaces the implementation of a technique.
func (t *Table) Register(tech Technique, fn DetectFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[tech] = fn
}

// Get returns the implementation of tech.
func (t *Table) Get(tech Technique) (DetectFunc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[tech]
	if !ok {
		return nil, fmt.Errorf("arbitrage: %s: %w", tech, domain.ErrUnknownTechnique)
	}
	return fn, nil
}

// List returns all registered techniques in enum order.
func (t *Table) List() []Technique {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Technique, 0, len(t.funcs))
	for tech := range t.funcs {
		out = append(out, tech)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

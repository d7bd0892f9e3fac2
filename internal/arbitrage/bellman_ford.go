package arbitrage

import (
	"context"
	"math"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/graph"
)

// relaxEpsilon absorbs float noise so zero-weight cycles are not reported as
// negative.
const relaxEpsilon = 1e-12

// DetectBellmanFord runs single-source Bellman-Ford from every node of the
// rate graph and reconstructs each negative cycle it finds. Profitability is
// re-evaluated on the real rate product, never on the summed log weights.
func DetectBellmanFord(ctx context.Context, snap domain.Snapshot) ([]domain.CycleResult, error) {
	g := graph.Build(snap)
	if !enoughGraph(snap, g) {
		return nil, nil
	}

	n := g.Len()
	c := newCollector(g, snap)
	dist := make([]float64, n)
	parent := make([]int, n)

	for src := 0; src < n; src++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range dist {
			dist[i] = math.Inf(1)
			parent[i] = -1
		}
		dist[src] = 0

		for round := 0; round < n-1; round++ {
			if !relax(g.Edges, dist, parent) {
				break
			}
		}

		for _, e := range g.Edges {
			if math.IsInf(dist[e.From], 1) {
				continue
			}
			if d := dist[e.From] + e.Weight; d < dist[e.To]-relaxEpsilon {
				dist[e.To] = d
				parent[e.To] = e.From
				if cycle := walkCycle(parent, e.To, n); cycle != nil {
					c.consider(cycle)
				}
			}
		}
	}
	return c.results(), nil
}

// relax performs one relaxation round and reports whether any distance moved.
func relax(edges []graph.Edge, dist []float64, parent []int) bool {
	updated := false
	for _, e := range edges {
		if math.IsInf(dist[e.From], 1) {
			continue
		}
		if d := dist[e.From] + e.Weight; d < dist[e.To]-relaxEpsilon {
			dist[e.To] = d
			parent[e.To] = e.From
			updated = true
		}
	}
	return updated
}

// walkCycle follows parent pointers n times from v to land on the cycle, then
// once more around it. The returned open cycle is in trading order.
func walkCycle(parent []int, v, n int) []int {
	x := v
	for i := 0; i < n; i++ {
		x = parent[x]
		if x < 0 {
			return nil
		}
	}

	back := []int{x}
	for cur := parent[x]; cur != x; cur = parent[cur] {
		if cur < 0 || len(back) > n {
			return nil
		}
		back = append(back, cur)
	}

	for i, j := 0, len(back)-1; i < j; i, j = i+1, j-1 {
		back[i], back[j] = back[j], back[i]
	}
	return back
}

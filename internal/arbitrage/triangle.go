package arbitrage

import (
	"context"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/graph"
)

// DetectTriangles enumerates every directed three-hop cycle a→b→c→a and
// evaluates its rate product directly. Hops backed by a ticker whose quote
// volume is below MinQuoteVolume are skipped when that filter is set.
func DetectTriangles(ctx context.Context, snap domain.Snapshot) ([]domain.CycleResult, error) {
	g := graph.Build(snap)
	if !enoughGraph(snap, g) {
		return nil, nil
	}

	c := newCollector(g, snap)
	minVol := snap.MinQuoteVolume
	liquid := func(from, to int) bool {
		return minVol <= 0 || g.Volume(from, to) >= minVol
	}

	for a := 0; a < g.Len(); a++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ab := range g.Out(a) {
			b := ab.To
			// Each triangle is visited once, from its smallest node.
			if b <= a || !liquid(a, b) {
				continue
			}
			for _, bc := range g.Out(b) {
				cc := bc.To
				if cc <= a || cc == b || !liquid(b, cc) {
					continue
				}
				if _, ok := g.Rate(cc, a); !ok || !liquid(cc, a) {
					continue
				}
				c.consider([]int{a, b, cc})
			}
		}
	}
	return c.results(), nil
}

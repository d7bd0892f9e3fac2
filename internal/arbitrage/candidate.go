package arbitrage

import (
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/graph"
)

// collector validates, filters and deduplicates cycle candidates for one
// detection call.
type collector struct {
	g         *graph.Graph
	snap      domain.Snapshot
	blacklist map[string]struct{}
	seen      map[string]struct{}
	out       []domain.CycleResult
}

func newCollector(g *graph.Graph, snap domain.Snapshot) *collector {
	return &collector{
		g:         g,
		snap:      snap,
		blacklist: snap.BlacklistSet(),
		seen:      make(map[string]struct{}),
	}
}

// canonical rotates an open cycle so that it starts at its smallest node.
// Node indices follow symbol order, so every rotation of the same cycle maps
// to one key.
func canonical(cycle []int) []int {
	start := 0
	for i, n := range cycle {
		if n < cycle[start] {
			start = i
		}
	}
	out := make([]int, 0, len(cycle)+1)
	out = append(out, cycle[start:]...)
	out = append(out, cycle[:start]...)
	return out
}

func cycleKey(cycle []int) string {
	var b strings.Builder
	for i, n := range cycle {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// consider evaluates an open cycle (no repeated closing node). It reports
// whether the cycle was accepted.
func (c *collector) consider(cycle []int) bool {
	if len(cycle) < 2 {
		return false
	}
	open := canonical(cycle)
	key := cycleKey(open)
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}

	closed := append(open, open[0])
	hops := len(open)

	product := 1.0
	for i := 0; i < hops; i++ {
		r, ok := c.g.Rate(closed[i], closed[i+1])
		if !ok {
			return false
		}
		product *= r
	}
	if product <= 1 {
		return false
	}
	netPercent := (product - 1) * 100

	p := c.snap.ScanParams
	if p.MinHops > 0 && hops < p.MinHops {
		return false
	}
	if p.MaxHops > 0 && hops > p.MaxHops {
		return false
	}
	if netPercent < p.MinNetPercent {
		return false
	}
	if p.MinNetPercentPerHop > 0 && netPercent/float64(hops) < p.MinNetPercentPerHop {
		return false
	}
	path := c.g.Symbols(closed)
	for i := 0; i < hops; i++ {
		if _, banned := c.blacklist[domain.PairKey(path[i], path[i+1])]; banned {
			return false
		}
	}

	c.out = append(c.out, domain.CycleResult{
		Venue:       c.snap.ExchangeID,
		Cycle:       domain.FormatCycle(path),
		Path:        path,
		Hops:        hops,
		Product:     product,
		NetPercent:  netPercent,
		NetBpsEst:   (product-1)*10000 - p.LatencyPenaltyBps,
		FeeBpsTotal: float64(hops) * c.snap.FeePercent * 100,
		Status:      domain.CycleStatusActionable,
	})
	return true
}

// results ranks accepted cycles by estimated net bps and keeps the best TopN.
func (c *collector) results() []domain.CycleResult {
	out := c.out
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NetBpsEst != out[j].NetBpsEst {
			return out[i].NetBpsEst > out[j].NetBpsEst
		}
		return out[i].Cycle < out[j].Cycle
	})
	if n := c.snap.TopN; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// enoughGraph reports whether a cycle is possible at all.
func enoughGraph(snap domain.Snapshot, g *graph.Graph) bool {
	return len(snap.TokenSet()) >= 3 && g.Len() >= 3 && len(g.Edges) > 0
}

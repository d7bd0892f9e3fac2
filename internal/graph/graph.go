// Package graph converts a market snapshot into a directed currency graph
// whose edge weights are -ln(effective rate). A negative-weight cycle in this
// graph is a sequence of trades whose rate product exceeds one after fees.
package graph

import (
	"math"
	"sort"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Edge is one tradable direction between two currencies.
type Edge struct {
	From   int
	To     int
	Weight float64
}

type hop struct {
	rate   float64
	volume float64
}

// Graph is the ephemeral rate graph of one snapshot. Node indices follow the
// lexicographic order of the currency symbols.
type Graph struct {
	Nodes []string
	Index map[string]int
	Edges []Edge

	hops map[[2]int]hop
	out  [][]Edge
}

// Build constructs the rate graph. It never fails: a ticker without a usable
// price simply contributes no edge in that direction.
func Build(snap domain.Snapshot) *Graph {
	allowed := snap.TokenSet()
	fee := 1 - snap.FeePercent/100

	type directed struct {
		from, to string
		hop      hop
	}
	var pending []directed
	nodeSet := make(map[string]struct{})

	for _, symbol := range snap.Symbols() {
		base, quote, ok := domain.SplitSymbol(symbol)
		if !ok {
			continue
		}
		if _, in := allowed[base]; !in {
			continue
		}
		if _, in := allowed[quote]; !in {
			continue
		}
		nodeSet[base] = struct{}{}
		nodeSet[quote] = struct{}{}

		q := snap.Tickers[symbol]
		volume := 0.0
		if q.QuoteVolume.Valid {
			volume = q.QuoteVolume.Value
		}

		// Selling BASE for QUOTE at the bid; last is the fallback.
		sell := q.Bid
		if !sell.Valid {
			sell = q.Last
		}
		if sell.Positive() {
			pending = append(pending, directed{base, quote, hop{rate: sell.Value * fee, volume: volume}})
		}
		// Buying BASE with QUOTE at the ask.
		if q.Ask.Positive() {
			pending = append(pending, directed{quote, base, hop{rate: fee / q.Ask.Value, volume: volume}})
		}
	}

	g := &Graph{
		Nodes: make([]string, 0, len(nodeSet)),
		Index: make(map[string]int, len(nodeSet)),
		hops:  make(map[[2]int]hop),
	}
	for n := range nodeSet {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Strings(g.Nodes)
	for i, n := range g.Nodes {
		g.Index[n] = i
	}

	for _, d := range pending {
		if !(d.hop.rate > 0) || math.IsInf(d.hop.rate, 0) {
			continue
		}
		w := -math.Log(d.hop.rate)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		g.hops[[2]int{g.Index[d.from], g.Index[d.to]}] = d.hop
	}

	keys := make([][2]int, 0, len(g.hops))
	for k := range g.hops {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	g.Edges = make([]Edge, 0, len(keys))
	g.out = make([][]Edge, len(g.Nodes))
	for _, k := range keys {
		e := Edge{From: k[0], To: k[1], Weight: -math.Log(g.hops[k].rate)}
		g.Edges = append(g.Edges, e)
		g.out[e.From] = append(g.out[e.From], e)
	}
	return g
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Rate returns the fee-adjusted rate of the directed hop from→to.
func (g *Graph) Rate(from, to int) (float64, bool) {
	h, ok := g.hops[[2]int{from, to}]
	if !ok || h.rate <= 0 {
		return 0, false
	}
	return h.rate, true
}

// Volume returns the quote volume of the ticker backing from→to, or zero.
func (g *Graph) Volume(from, to int) float64 {
	return g.hops[[2]int{from, to}].volume
}

// Out returns the outgoing edges of node i.
func (g *Graph) Out(i int) []Edge {
	if i < 0 || i >= len(g.out) {
		return nil
	}
	return g.out[i]
}

// Symbols maps node indices to currency symbols.
func (g *Graph) Symbols(path []int) []string {
	out := make([]string, len(path))
	for i, n := range path {
		out[i] = g.Nodes[n]
	}
	return out
}

package arbitrage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

func cycles(results []domain.CycleResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Cycle)
	}
	return out
}

func TestTriangles_FindsSymmetricTriangle(t *testing.T) {
	results, err := DetectTriangles(context.Background(), triangleSnapshot())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A->B->C->A", results[0].Cycle)
	assert.Greater(t, results[0].NetBpsEst, 0.0)
}

func TestTriangles_RankedByNetBps(t *testing.T) {
	results, err := DetectTriangles(context.Background(), marketSnapshot())
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC->USDT->ETH->BTC", "ETH->USDT->SOL->ETH"}, cycles(results))
	assert.Greater(t, results[0].NetBpsEst, results[1].NetBpsEst)
	for _, r := range results {
		assert.InEpsilon(t, replayNetBps(t, marketSnapshot(), r.Path), r.NetBpsEst, 1e-6)
	}
}

func TestTriangles_TopN(t *testing.T) {
	snap := marketSnapshot()
	snap.TopN = 1

	results, err := DetectTriangles(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC->USDT->ETH->BTC"}, cycles(results))
}

func TestTriangles_VolumeFilter(t *testing.T) {
	snap := marketSnapshot()
	for sym, q := range snap.Tickers {
		q.QuoteVolume = domain.P(1_000_000)
		snap.Tickers[sym] = q
	}
	thin := snap.Tickers["ETH/BTC"]
	thin.QuoteVolume = domain.P(10)
	snap.Tickers["ETH/BTC"] = thin
	snap.MinQuoteVolume = 1000

	results, err := DetectTriangles(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH->USDT->SOL->ETH"}, cycles(results))
}

func TestTriangles_BlacklistAndFees(t *testing.T) {
	snap := marketSnapshot()
	snap.Blacklist = []string{"USDT->SOL"}
	results, err := DetectTriangles(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC->USDT->ETH->BTC"}, cycles(results))

	snap = triangleSnapshot()
	snap.FeePercent = 100
	results, err = DetectTriangles(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTriangles_AgreesWithBellmanFordOnTriangle(t *testing.T) {
	bf, err := DetectBellmanFord(context.Background(), triangleSnapshot())
	require.NoError(t, err)
	tri, err := DetectTriangles(context.Background(), triangleSnapshot())
	require.NoError(t, err)

	require.Len(t, bf, 1)
	require.Len(t, tri, 1)
	assert.Equal(t, bf[0].Cycle, tri[0].Cycle)
	assert.InDelta(t, bf[0].Product, tri[0].Product, 1e-12)
}

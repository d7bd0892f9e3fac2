//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// setupTestDB starts a PostgreSQL container, applies the embedded migrations
// and returns a connected client.
func setupTestDB(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("cyclearb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	// Applying twice is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func testResult(id, venue string, at time.Time, netBps float64) domain.CycleResult {
	return domain.CycleResult{
		ID:          id,
		SnapshotID:  "snap-1",
		Timestamp:   at,
		Venue:       venue,
		Cycle:       "A->B->C->A",
		Path:        []string{"A", "B", "C", "A"},
		Hops:        3,
		Product:     1 + netBps/10000,
		NetPercent:  netBps / 100,
		NetBpsEst:   netBps,
		FeeBpsTotal: 30,
		Status:      domain.CycleStatusActionable,
		Technique:   "bellman_ford",
	}
}

func TestResultStore_InsertListDelete(t *testing.T) {
	c := setupTestDB(t)
	store := c.Results()
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch(ctx, []domain.CycleResult{
		testResult("00000000-0000-0000-0000-000000000001", "binance", old, 10),
		testResult("00000000-0000-0000-0000-000000000002", "binance", recent, 20),
		testResult("00000000-0000-0000-0000-000000000003", "kraken", recent, 30),
	}))
	// Re-inserting the same ids is ignored.
	require.NoError(t, store.InsertBatch(ctx, []domain.CycleResult{
		testResult("00000000-0000-0000-0000-000000000001", "binance", old, 10),
	}))

	got, err := store.ListRecent(ctx, "binance", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", got[0].ID)
	assert.Equal(t, []string{"A", "B", "C", "A"}, got[0].Path)
	assert.Equal(t, "bellman_ford", got[0].Technique)

	before, err := store.ListBefore(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", before[0].ID)

	n, err := store.DeleteBefore(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAuditStore_LogAndList(t *testing.T) {
	c := setupTestDB(t)
	audit := c.Audit()
	ctx := context.Background()

	require.NoError(t, audit.Log(ctx, "scan", map[string]any{"exchange": "binance"}))
	require.NoError(t, audit.Log(ctx, "degraded_scan", nil))

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	events := []string{entries[0].Event, entries[1].Event}
	assert.ElementsMatch(t, []string{"scan", "degraded_scan"}, events)
}

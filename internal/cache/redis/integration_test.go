//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// setupRedis starts a throwaway Redis container and returns a connected client.
func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("6379/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	c := setupRedis(t)
	cache := NewSnapshotCache(c, time.Minute)
	ctx := context.Background()

	_, err := cache.GetSnapshot(ctx, "binance")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap := domain.Snapshot{
		ExchangeID: "binance",
		Tickers: map[string]domain.Quote{
			"BTC/USDT": {Bid: domain.P(30000), Ask: domain.P(30010)},
		},
		FeePercent: 0.1,
	}
	require.NoError(t, cache.SetSnapshot(ctx, snap))

	got, err := cache.GetSnapshot(ctx, "binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", got.ExchangeID)
	assert.InDelta(t, 30010.0, got.Tickers["BTC/USDT"].Ask.Value, 1e-9)
	assert.InDelta(t, 0.1, got.FeePercent, 1e-12)

	ttl, err := c.Underlying().TTL(ctx, SnapshotKey("binance")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestLockManager_Exclusive(t *testing.T) {
	c := setupRedis(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "scan:binance", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "scan:binance", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "scan:binance", time.Minute)
	require.NoError(t, err)
	again()
}

func TestSignalBus_PublishSubscribeAndStream(t *testing.T) {
	c := setupRedis(t)
	bus := NewSignalBus(c, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "snapshots")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "snapshots", []byte("binance")))
	select {
	case msg := <-ch:
		assert.Equal(t, "binance", string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, "cycles:stream", []byte(`{"cycle":"A->B->C->A"}`)))
	msgs, err := c.Underlying().XRange(ctx, "cycles:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"cycle":"A->B->C->A"}`, msgs[0].Values["payload"])

	cancel()
	for range ch {
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache. Each exchange keeps only its
// latest snapshot.
//
// Key schema:
//
//	snapshot:{exchange} - JSON-encoded domain.Snapshot
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache. A zero ttl keeps entries forever.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.rdb, ttl: ttl}
}

// SnapshotKey returns the cache key of an exchange's snapshot.
func SnapshotKey(exchangeID string) string { return "snapshot:" + exchangeID }

// SetSnapshot replaces the cached snapshot of snap.ExchangeID.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if snap.ExchangeID == "" {
		return fmt.Errorf("redis: set snapshot: empty exchange id")
	}
	data, err := sonnet.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.ExchangeID, err)
	}
	if err := sc.rdb.Set(ctx, SnapshotKey(snap.ExchangeID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.ExchangeID, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot, or domain.ErrNotFound.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, exchangeID string) (domain.Snapshot, error) {
	data, err := sc.rdb.Get(ctx, SnapshotKey(exchangeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot %s: %w", exchangeID, err)
	}
	var snap domain.Snapshot
	if err := sonnet.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", exchangeID, err)
	}
	snap.ExchangeID = exchangeID
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)

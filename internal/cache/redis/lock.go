package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

// releaseScript deletes the lock only while it still holds the caller's
// token. A holder whose TTL ran out cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release call, which runs on a fresh context.
const releaseTimeout = 5 * time.Second

// LockManager serialises scans of one exchange across instances.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager creates a LockManager on c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.rdb}
}

// LockKey returns the Redis key guarding key.
func LockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock for ttl or returns domain.ErrLockHeld. The release
// function may be called any number of times.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey, token := LockKey(key), uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	case !ok:
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(ctx, lm.rdb, []string{redisKey}, token).Err()
		})
	}, nil
}

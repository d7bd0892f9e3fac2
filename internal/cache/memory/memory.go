// Package memory provides in-process implementations of the snapshot cache,
// the signal bus and the lock manager. Watch mode uses them when Redis is
// disabled, which limits it to a single process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// SnapshotCache keeps the latest snapshot per exchange.
type SnapshotCache struct {
	mu    sync.RWMutex
	snaps map[string]domain.Snapshot
}

// NewSnapshotCache creates an empty SnapshotCache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snaps: make(map[string]domain.Snapshot)}
}

// SetSnapshot replaces the snapshot of snap.ExchangeID.
func (c *SnapshotCache) SetSnapshot(_ context.Context, snap domain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.ExchangeID] = snap
	return nil
}

// GetSnapshot returns the snapshot of exchangeID or domain.ErrNotFound.
func (c *SnapshotCache) GetSnapshot(_ context.Context, exchangeID string) (domain.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[exchangeID]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// SignalBus fans published payloads out to every live subscriber of a
// channel. Slow subscribers drop messages rather than block publishers.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][][]byte
	maxLen  int
}

// NewSignalBus creates a bus whose streams keep at most maxLen entries. A
// non-positive maxLen keeps everything.
func NewSignalBus(maxLen int) *SignalBus {
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][][]byte),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to current subscribers of channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads, closed when ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, trimming the oldest entries.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := append(b.streams[stream], payload)
	if b.maxLen > 0 && len(s) > b.maxLen {
		s = s[len(s)-b.maxLen:]
	}
	b.streams[stream] = s
	return nil
}

// Stream returns a copy of the entries appended to stream.
func (b *SignalBus) Stream(stream string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.streams[stream]...)
}

// LockManager is a process-local lock table with expiry.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only release our own acquisition.
			if cur, ok := l.held[key]; ok && cur.Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}

var (
	_ domain.SnapshotCache = (*SnapshotCache)(nil)
	_ domain.SignalBus     = (*SignalBus)(nil)
	_ domain.LockManager   = (*LockManager)(nil)
)

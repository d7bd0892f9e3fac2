package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "snapshot:binance", SnapshotKey("binance"))
	assert.Equal(t, "lock:scan:kraken", LockKey("scan:kraken"))
}

func TestHasPattern(t *testing.T) {
	assert.False(t, hasPattern("snapshots"))
	assert.False(t, hasPattern("cycles:stream"))
	assert.True(t, hasPattern("snapshots:*"))
	assert.True(t, hasPattern("cycles:[ab]"))
}

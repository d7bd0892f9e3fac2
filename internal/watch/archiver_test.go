package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlob struct {
	telemetry []string
	cutoffs   []time.Time
	err       error
}

func (b *fakeBlob) ArchiveTelemetry(_ context.Context, path string, _ time.Time) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.telemetry = append(b.telemetry, path)
	return "telemetry/key.jsonl", nil
}

func (b *fakeBlob) ArchiveResults(_ context.Context, before time.Time) (int64, error) {
	b.cutoffs = append(b.cutoffs, before)
	return 3, nil
}

type countingCleaner struct{ n int }

func (c *countingCleaner) Cleanup() { c.n++ }

func TestArchiver_Run(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "telemetry.jsonl")
	require.NoError(t, os.WriteFile(file, []byte("{}\n"), 0o644))

	blob := &fakeBlob{}
	cleaner := &countingCleaner{}
	a := NewArchiver(blob, file, 30, discardLogger(), cleaner)
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, []string{file}, blob.telemetry)
	require.Len(t, blob.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), blob.cutoffs[0])
	assert.Equal(t, 1, cleaner.n)
}

func TestArchiver_SkipsEmptyTelemetry(t *testing.T) {
	blob := &fakeBlob{}
	a := NewArchiver(blob, filepath.Join(t.TempDir(), "missing.jsonl"), 0, discardLogger())
	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, blob.telemetry)
	assert.Empty(t, blob.cutoffs)
}

func TestArchiver_NoBlobOnlyCleans(t *testing.T) {
	cleaner := &countingCleaner{}
	a := NewArchiver(nil, "", 30, discardLogger(), cleaner)
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 1, cleaner.n)
}

func TestArchiver_TelemetryError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "telemetry.jsonl")
	require.NoError(t, os.WriteFile(file, []byte("{}\n"), 0o644))
	a := NewArchiver(&fakeBlob{err: errors.New("bucket gone")}, file, 0, discardLogger())
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiver_RunEveryStops(t *testing.T) {
	a := NewArchiver(nil, "", 0, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunEvery(ctx, time.Hour), context.Canceled)
	assert.NoError(t, a.RunEvery(context.Background(), 0))
}

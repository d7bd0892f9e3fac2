package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

type memResults struct {
	rows    []domain.CycleResult
	deleted time.Time
}

func (s *memResults) ListBefore(_ context.Context, before time.Time) ([]domain.CycleResult, error) {
	var out []domain.CycleResult
	for _, r := range s.rows {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memResults) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.deleted = before
	var keep []domain.CycleResult
	var n int64
	for _, r := range s.rows {
		if r.Timestamp.Before(before) {
			n++
			continue
		}
		keep = append(keep, r)
	}
	s.rows = keep
	return n, nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestTelemetryKey(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, "cyclearb/telemetry/2026/10/19/1792398600.jsonl", TelemetryKey("cyclearb", at))
	assert.Equal(t, "telemetry/2026/10/19/1792398600.jsonl", TelemetryKey("", at))
	assert.Equal(t, "cyclearb/telemetry/2026/10/19/", TelemetryPrefix("cyclearb", at))
}

func TestArchivePath(t *testing.T) {
	before := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "p/archive/cycle_results/2026-01.jsonl", archivePath("p", "cycle_results", before))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://s3.local", normaliseEndpoint("http://s3.local", true))
}

func TestArchiveTelemetry_UploadsFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "telemetry.jsonl")
	content := "{\"technique\":\"bellman_ford\"}\n"
	require.NoError(t, os.WriteFile(local, []byte(content), 0o644))

	w := newMemWriter()
	audit := &memAudit{}
	a := NewArchiver(w, nil, audit, "cyclearb")

	at := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	key, err := a.ArchiveTelemetry(context.Background(), local, at)
	require.NoError(t, err)
	assert.Equal(t, TelemetryKey("cyclearb", at), key)
	assert.Equal(t, content, string(w.objects[key]))
	assert.Equal(t, jsonlContentType, w.types[key])
	assert.Equal(t, []string{"archive.telemetry"}, audit.events)
}

func TestArchiveTelemetry_MissingFile(t *testing.T) {
	a := NewArchiver(newMemWriter(), nil, nil, "")
	_, err := a.ArchiveTelemetry(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), time.Now())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestArchiveResults_UploadsThenDeletes(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &memResults{rows: []domain.CycleResult{
		{ID: "1", Cycle: "A->B->C->A", Timestamp: old},
		{ID: "2", Cycle: "A->C->B->A", Timestamp: old},
		{ID: "3", Cycle: "B->C->D->B", Timestamp: recent},
	}}
	w := newMemWriter()
	audit := &memAudit{}
	a := NewArchiver(w, store, audit, "")

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveResults(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "3", store.rows[0].ID)

	body := w.objects["archive/cycle_results/2026-03.jsonl"]
	require.NotEmpty(t, body)
	sc := bufio.NewScanner(bytes.NewReader(body))
	var ids []string
	for sc.Scan() {
		var r domain.CycleResult
		require.NoError(t, sonnet.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"1", "2"}, ids)
	assert.Equal(t, []string{"archive.cycle_results"}, audit.events)
}

func TestArchiveResults_UploadFailureKeepsRows(t *testing.T) {
	store := &memResults{rows: []domain.CycleResult{{ID: "1", Timestamp: time.Unix(0, 0)}}}
	w := newMemWriter()
	w.err = errors.New("bucket gone")
	a := NewArchiver(w, store, nil, "")

	_, err := a.ArchiveResults(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bucket gone"))
	assert.Len(t, store.rows, 1)
	assert.True(t, store.deleted.IsZero())
}

func TestArchiveResults_NothingToArchive(t *testing.T) {
	w := newMemWriter()
	a := NewArchiver(w, &memResults{}, nil, "")
	n, err := a.ArchiveResults(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ResultArchiveStore is the part of the result store the archiver needs.
type ResultArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.CycleResult, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// multipartWriter is implemented by writers that can stream large objects.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ArchiveImpl implements domain.Archiver. Telemetry files are copied as-is;
// cycle results are serialised to JSONL and removed from the primary store
// only after the upload succeeded.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	results ResultArchiveStore
	audit   domain.AuditStore
	prefix  string
}

// NewArchiver creates a new ArchiveImpl. results and audit may be nil; the
// archiver then only handles telemetry and skips audit entries.
func NewArchiver(writer domain.BlobWriter, results ResultArchiveStore, audit domain.AuditStore, prefix string) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		results: results,
		audit:   audit,
		prefix:  prefix,
	}
}

// ArchiveTelemetry uploads the telemetry file at localPath to
// {prefix}/telemetry/YYYY/MM/DD/{unix}.jsonl and returns the key. Files above
// the multipart threshold are streamed when the writer supports it.
func (a *ArchiveImpl) ArchiveTelemetry(ctx context.Context, localPath string, at time.Time) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive telemetry open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("s3blob: archive telemetry stat: %w", err)
	}

	key := TelemetryKey(a.prefix, at)
	if mw, ok := a.writer.(multipartWriter); ok && st.Size() > minPartSize {
		err = mw.PutMultipart(ctx, key, f, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, f, jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive telemetry upload: %w", err)
	}

	a.logAudit(ctx, "archive.telemetry", map[string]any{
		"path":  key,
		"bytes": st.Size(),
	})
	return key, nil
}

// ArchiveResults uploads every cycle result detected before the cutoff to
// {prefix}/archive/cycle_results/YYYY-MM.jsonl, then deletes them from the
// store. It returns the number of rows archived.
func (a *ArchiveImpl) ArchiveResults(ctx context.Context, before time.Time) (int64, error) {
	if a.results == nil {
		return 0, nil
	}
	results, err := a.results.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive results query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(results)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive results marshal: %w", err)
	}

	key := archivePath(a.prefix, "cycle_results", before)
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType); err != nil {
		return 0, fmt.Errorf("s3blob: archive results upload: %w", err)
	}

	count := int64(len(results))
	if _, err := a.results.DeleteBefore(ctx, before); err != nil {
		return count, fmt.Errorf("s3blob: archive results delete: %w", err)
	}

	a.logAudit(ctx, "archive.cycle_results", map[string]any{
		"path":   key,
		"count":  count,
		"before": before.Format(time.RFC3339),
	})
	return count, nil
}

func (a *ArchiveImpl) logAudit(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	// Audit failures never fail an archive that already landed.
	_ = a.audit.Log(ctx, event, detail)
}

// TelemetryKey builds the object key of a telemetry archive.
//
//	{prefix}/telemetry/2026/10/19/1792368000.jsonl
func TelemetryKey(prefix string, at time.Time) string {
	at = at.UTC()
	return path.Join(prefix, "telemetry", at.Format("2006/01/02"), fmt.Sprintf("%d.jsonl", at.Unix()))
}

// TelemetryPrefix is the key prefix holding telemetry archives of one day.
func TelemetryPrefix(prefix string, day time.Time) string {
	return path.Join(prefix, "telemetry", day.UTC().Format("2006/01/02")) + "/"
}

// archivePath builds the key of a result archive, partitioned by the
// year-month of the cutoff time.
//
//	{prefix}/archive/cycle_results/2026-01.jsonl
func archivePath(prefix, kind string, before time.Time) string {
	return path.Join(prefix, "archive", kind, before.UTC().Format("2006-01")+".jsonl")
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		line, err := sonnet.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)

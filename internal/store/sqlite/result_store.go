// Package sqlite implements domain.ResultStore on a local SQLite file, for
// single-host runs without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycle_results (
	id            TEXT PRIMARY KEY,
	snapshot_id   TEXT    NOT NULL,
	detected_at   INTEGER NOT NULL,
	venue         TEXT    NOT NULL,
	cycle         TEXT    NOT NULL,
	path          TEXT    NOT NULL,
	hops          INTEGER NOT NULL,
	product       REAL    NOT NULL,
	net_percent   REAL    NOT NULL,
	net_bps_est   REAL    NOT NULL,
	fee_bps_total REAL    NOT NULL,
	status        TEXT    NOT NULL,
	technique     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycle_results_venue_time ON cycle_results (venue, detected_at);
`

const selectCols = `id, snapshot_id, detected_at, venue, cycle, path, hops,
	product, net_percent, net_bps_est, fee_bps_total, status, technique`

// ResultStore persists cycle results in SQLite.
type ResultStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*ResultStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &ResultStore{db: db}, nil
}

// Close closes the database.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

// InsertBatch inserts results in one transaction. Existing ids are skipped.
func (s *ResultStore) InsertBatch(ctx context.Context, results []domain.CycleResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO cycle_results (`+selectCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range results {
		path, err := sonnet.Marshal(r.Path)
		if err != nil {
			return fmt.Errorf("sqlite: encode path of item %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.SnapshotID, r.Timestamp.UnixNano(), r.Venue, r.Cycle, string(path), r.Hops,
			r.Product, r.NetPercent, r.NetBpsEst, r.FeeBpsTotal, string(r.Status), r.Technique,
		); err != nil {
			return fmt.Errorf("sqlite: insert cycle result batch item %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit insert: %w", err)
	}
	return nil
}

// ListRecent returns the most recent results, optionally for one venue.
func (s *ResultStore) ListRecent(ctx context.Context, venue string, limit int) ([]domain.CycleResult, error) {
	query := `SELECT ` + selectCols + ` FROM cycle_results`
	var args []any
	if venue != "" {
		query += ` WHERE venue = ?`
		args = append(args, venue)
	}
	query += ` ORDER BY detected_at DESC, net_bps_est DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, "list recent", query, args...)
}

// ListBefore returns every result detected before the given time, oldest first.
func (s *ResultStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CycleResult, error) {
	return s.query(ctx, "list before",
		`SELECT `+selectCols+` FROM cycle_results WHERE detected_at < ? ORDER BY detected_at`,
		before.UnixNano(),
	)
}

// DeleteBefore removes results detected before the given time.
func (s *ResultStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cycle_results WHERE detected_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete before rows: %w", err)
	}
	return n, nil
}

func (s *ResultStore) query(ctx context.Context, op, query string, args ...any) ([]domain.CycleResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var results []domain.CycleResult
	for rows.Next() {
		var (
			r        domain.CycleResult
			detected int64
			path     string
			status   string
		)
		if err := rows.Scan(
			&r.ID, &r.SnapshotID, &detected, &r.Venue, &r.Cycle, &path, &r.Hops,
			&r.Product, &r.NetPercent, &r.NetBpsEst, &r.FeeBpsTotal, &status, &r.Technique,
		); err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		if err := sonnet.Unmarshal([]byte(path), &r.Path); err != nil {
			return nil, fmt.Errorf("sqlite: %s: decode path of %s: %w", op, r.ID, err)
		}
		r.Timestamp = time.Unix(0, detected).UTC()
		r.Status = domain.CycleStatus(status)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: rows: %w", op, err)
	}
	return results, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

const resultSelectCols = `id, snapshot_id, detected_at, venue, cycle, path, hops,
	product, net_percent, net_bps_est, fee_bps_total, status, technique`

// InsertBatch inserts cycle results using pgx Batch. Results already stored
// under the same id are skipped.
func (s *ResultStore) InsertBatch(ctx context.Context, results []domain.CycleResult) error {
	if len(results) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO cycle_results (
			id, snapshot_id, detected_at, venue, cycle, path, hops,
			product, net_percent, net_bps_est, fee_bps_total, status, technique
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13
		) ON CONFLICT (id) DO NOTHING`

	for _, r := range results {
		batch.Queue(query,
			r.ID, r.SnapshotID, r.Timestamp, r.Venue, r.Cycle, r.Path, r.Hops,
			r.Product, r.NetPercent, r.NetBpsEst, r.FeeBpsTotal, string(r.Status), r.Technique,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert cycle result batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRecent returns the most recent results, optionally for one venue.
func (s *ResultStore) ListRecent(ctx context.Context, venue string, limit int) ([]domain.CycleResult, error) {
	query := `SELECT ` + resultSelectCols + ` FROM cycle_results WHERE 1=1`
	args := []any{}
	argIdx := 1

	if venue != "" {
		query += fmt.Sprintf(" AND venue = $%d", argIdx)
		args = append(args, venue)
		argIdx++
	}
	query += " ORDER BY detected_at DESC, net_bps_est DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent cycle results: %w", err)
	}
	defer rows.Close()

	results, err := scanResultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent cycle results: %w", err)
	}
	return results, nil
}

// ListBefore returns every result detected before the given time, oldest first.
func (s *ResultStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CycleResult, error) {
	query := `SELECT ` + resultSelectCols + ` FROM cycle_results WHERE detected_at < $1 ORDER BY detected_at`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle results before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	results, err := scanResultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cycle results before: %w", err)
	}
	return results, nil
}

// DeleteBefore removes results detected before the given time.
func (s *ResultStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cycle_results WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycle results before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func scanResultRows(rows pgx.Rows) ([]domain.CycleResult, error) {
	var results []domain.CycleResult
	for rows.Next() {
		var r domain.CycleResult
		var status string
		if err := rows.Scan(
			&r.ID, &r.SnapshotID, &r.Timestamp, &r.Venue, &r.Cycle, &r.Path, &r.Hops,
			&r.Product, &r.NetPercent, &r.NetBpsEst, &r.FeeBpsTotal, &status, &r.Technique,
		); err != nil {
			return nil, err
		}
		r.Status = domain.CycleStatus(status)
		results = append(results, r)
	}
	return results, rows.Err()
}

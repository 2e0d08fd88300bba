package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/corpusworks/crawlqueue/internal/crawlstate"
)

// StateStore implements crawlstate.Repository using Postgres.
type StateStore struct {
	pool dbPool
}

// NewStateStore constructs a StateStore over an existing pool.
func NewStateStore(pool dbPool) (*StateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StateStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert inserts or replaces the snapshot row keyed by progress_id.
func (s *StateStore) Upsert(ctx context.Context, rec crawlstate.Record) error {
	query := `
		INSERT INTO crawl_state (progress_id, source_id, crawl_type, status, payload, paused_at, resumed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (progress_id) DO UPDATE
		SET source_id = EXCLUDED.source_id,
			crawl_type = EXCLUDED.crawl_type,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			paused_at = EXCLUDED.paused_at,
			resumed_at = EXCLUDED.resumed_at
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ProgressID,
		rec.SourceID,
		rec.CrawlType,
		rec.Status,
		rec.Payload,
		rec.PausedAt,
		rec.ResumedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert crawl state: %w", err)
	}
	return nil
}

// Get fetches the snapshot row for the progress ID.
func (s *StateStore) Get(ctx context.Context, progressID string) (crawlstate.Record, error) {
	query := `
		SELECT progress_id, source_id, crawl_type, status, payload, paused_at, resumed_at
		FROM crawl_state
		WHERE progress_id = $1
	`
	var rec crawlstate.Record
	err := s.pool.QueryRow(ctx, query, progressID).Scan(
		&rec.ProgressID,
		&rec.SourceID,
		&rec.CrawlType,
		&rec.Status,
		&rec.Payload,
		&rec.PausedAt,
		&rec.ResumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawlstate.Record{}, crawlstate.ErrNotFound
		}
		return crawlstate.Record{}, fmt.Errorf("get crawl state: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions the snapshot row.
func (s *StateStore) UpdateStatus(
	ctx context.Context,
	progressID string,
	status crawlstate.Status,
	resumedAt *time.Time,
) error {
	query := `
		UPDATE crawl_state
		SET status = $2, resumed_at = COALESCE($3, resumed_at)
		WHERE progress_id = $1
	`
	res, err := s.pool.Exec(ctx, query, progressID, status, resumedAt)
	if err != nil {
		return fmt.Errorf("update crawl state status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return crawlstate.ErrNotFound
	}
	return nil
}

// Delete removes the snapshot row; deleting a missing row is not an error.
func (s *StateStore) Delete(ctx context.Context, progressID string) error {
	query := `DELETE FROM crawl_state WHERE progress_id = $1`
	if _, err := s.pool.Exec(ctx, query, progressID); err != nil {
		return fmt.Errorf("delete crawl state: %w", err)
	}
	return nil
}

// ListByStatus returns all snapshot rows with the given status.
func (s *StateStore) ListByStatus(ctx context.Context, status crawlstate.Status) ([]crawlstate.Record, error) {
	query := `
		SELECT progress_id, source_id, crawl_type, status, payload, paused_at, resumed_at
		FROM crawl_state
		WHERE status = $1
		ORDER BY paused_at DESC
	`
	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("list crawl state: %w", err)
	}
	defer rows.Close()

	var recs []crawlstate.Record
	for rows.Next() {
		var rec crawlstate.Record
		err := rows.Scan(
			&rec.ProgressID,
			&rec.SourceID,
			&rec.CrawlType,
			&rec.Status,
			&rec.Payload,
			&rec.PausedAt,
			&rec.ResumedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan crawl state row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list crawl state: %w", err)
	}
	return recs, nil
}

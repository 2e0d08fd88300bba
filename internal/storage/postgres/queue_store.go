// Package postgres provides Postgres-backed repository implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusworks/crawlqueue/internal/queue"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from the config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// QueueStore implements queue.Repository using Postgres.
type QueueStore struct {
	pool dbPool
}

// NewQueueStore constructs a QueueStore over an existing pool. The pool is
// an interface so pgxmock can stand in for tests.
func NewQueueStore(pool dbPool) (*QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &QueueStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *QueueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const itemColumns = `item_id, batch_id, source_id, priority, status, retry_count, max_retries,
	requires_review, error_message, error_type, error_details, metadata,
	created_at, started_at, completed_at, last_retry_at, next_retry_at`

// InsertBatch inserts a new batch row.
func (s *QueueStore) InsertBatch(ctx context.Context, batch queue.Batch) error {
	query := `
		INSERT INTO queue_batches (batch_id, total_sources, created_by, status, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		batch.BatchID,
		batch.TotalSources,
		batch.CreatedBy,
		batch.Status,
		batch.CreatedAt,
		batch.StartedAt,
		batch.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// InsertItem inserts a new queue item row.
func (s *QueueStore) InsertItem(ctx context.Context, item queue.Item) error {
	details, meta, err := marshalItemJSON(item)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	query := `
		INSERT INTO queue_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.pool.Exec(ctx, query,
		item.ItemID,
		item.BatchID,
		item.SourceID,
		item.Priority,
		item.Status,
		item.RetryCount,
		item.MaxRetries,
		item.RequiresReview,
		item.ErrorMessage,
		item.ErrorType,
		details,
		meta,
		item.CreatedAt,
		item.StartedAt,
		item.CompletedAt,
		item.LastRetryAt,
		item.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetItem fetches one item by ID.
func (s *QueueStore) GetItem(ctx context.Context, itemID string) (queue.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE item_id = $1`
	item, err := scanItem(s.pool.QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Item{}, queue.ErrNotFound
		}
		return queue.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// UpdateItem overwrites every mutable column of the item row.
func (s *QueueStore) UpdateItem(ctx context.Context, item queue.Item) error {
	details, meta, err := marshalItemJSON(item)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	query := `
		UPDATE queue_items
		SET priority = $2, status = $3, retry_count = $4, max_retries = $5,
			requires_review = $6, error_message = $7, error_type = $8,
			error_details = $9, metadata = $10, started_at = $11,
			completed_at = $12, last_retry_at = $13, next_retry_at = $14
		WHERE item_id = $1
	`
	res, err := s.pool.Exec(ctx, query,
		item.ItemID,
		item.Priority,
		item.Status,
		item.RetryCount,
		item.MaxRetries,
		item.RequiresReview,
		item.ErrorMessage,
		item.ErrorType,
		details,
		meta,
		item.StartedAt,
		item.CompletedAt,
		item.LastRetryAt,
		item.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if res.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// ListPending returns pending items ordered by priority DESC, created_at ASC.
// Items enqueued in one batch share a created_at; item_id is a UUIDv7, so it
// ascends in creation order and breaks the tie deterministically.
func (s *QueueStore) ListPending(ctx context.Context, limit int) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, item_id ASC
		LIMIT $1
	`
	return s.listItems(ctx, query, limit)
}

// ListRetryReady returns failed items due for retry, priority DESC.
func (s *QueueStore) ListRetryReady(ctx context.Context, now time.Time, limit int) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'failed'
		  AND requires_review = FALSE
		  AND retry_count < max_retries
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		ORDER BY priority DESC, created_at ASC, item_id ASC
		LIMIT $2
	`
	return s.listItems(ctx, query, now, limit)
}

// ListStaleRunning returns running items started at or before cutoff.
func (s *QueueStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'running' AND started_at <= $1
		ORDER BY started_at ASC
	`
	return s.listItems(ctx, query, cutoff)
}

// ListRunning returns all running items.
func (s *QueueStore) ListRunning(ctx context.Context) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'running'
		ORDER BY started_at ASC
	`
	return s.listItems(ctx, query)
}

// ListBatchItems returns every item in the batch, priority DESC.
func (s *QueueStore) ListBatchItems(ctx context.Context, batchID string) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE batch_id = $1
		ORDER BY priority DESC, created_at ASC, item_id ASC
	`
	return s.listItems(ctx, query, batchID)
}

// CountByStatus aggregates item counts per status.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[queue.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM queue_items GROUP BY status`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int64)
	for rows.Next() {
		var status queue.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

// GetBatch fetches one batch by ID.
func (s *QueueStore) GetBatch(ctx context.Context, batchID string) (queue.Batch, error) {
	query := `
		SELECT batch_id, total_sources, created_by, status, created_at, started_at, completed_at
		FROM queue_batches
		WHERE batch_id = $1
	`
	var batch queue.Batch
	err := s.pool.QueryRow(ctx, query, batchID).Scan(
		&batch.BatchID,
		&batch.TotalSources,
		&batch.CreatedBy,
		&batch.Status,
		&batch.CreatedAt,
		&batch.StartedAt,
		&batch.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Batch{}, queue.ErrNotFound
		}
		return queue.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// UpdateBatch overwrites the batch row.
func (s *QueueStore) UpdateBatch(ctx context.Context, batch queue.Batch) error {
	query := `
		UPDATE queue_batches
		SET total_sources = $2, status = $3, started_at = $4, completed_at = $5
		WHERE batch_id = $1
	`
	res, err := s.pool.Exec(ctx, query,
		batch.BatchID,
		batch.TotalSources,
		batch.Status,
		batch.StartedAt,
		batch.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if res.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (s *QueueStore) listItems(ctx context.Context, query string, args ...any) ([]queue.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (queue.Item, error) {
	var item queue.Item
	var details, meta []byte
	err := row.Scan(
		&item.ItemID,
		&item.BatchID,
		&item.SourceID,
		&item.Priority,
		&item.Status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.RequiresReview,
		&item.ErrorMessage,
		&item.ErrorType,
		&details,
		&meta,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.LastRetryAt,
		&item.NextRetryAt,
	)
	if err != nil {
		return queue.Item{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &item.ErrorDetails); err != nil {
			return queue.Item{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return queue.Item{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return item, nil
}

func marshalItemJSON(item queue.Item) (details, meta []byte, err error) {
	if item.ErrorDetails != nil {
		details, err = json.Marshal(item.ErrorDetails)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal error details: %w", err)
		}
	}
	if item.Metadata != nil {
		meta, err = json.Marshal(item.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return details, meta, nil
}

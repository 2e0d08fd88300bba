package queue

import (
	"context"
	"time"
)

// Repository persists queue items and batches. The store is the single
// source of truth; the Manager keeps no cache across calls.
type Repository interface {
	InsertBatch(ctx context.Context, batch Batch) error
	InsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, itemID string) (Item, error)
	// UpdateItem overwrites every mutable column of the row.
	UpdateItem(ctx context.Context, item Item) error

	// ListPending returns pending items ordered by priority DESC,
	// created_at ASC.
	ListPending(ctx context.Context, limit int) ([]Item, error)
	// ListRetryReady returns failed items with next_retry_at <= now and
	// retry_count < max_retries, ordered by priority DESC.
	ListRetryReady(ctx context.Context, now time.Time, limit int) ([]Item, error)
	// ListStaleRunning returns running items started at or before cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]Item, error)
	ListRunning(ctx context.Context) ([]Item, error)
	ListBatchItems(ctx context.Context, batchID string) ([]Item, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)

	GetBatch(ctx context.Context, batchID string) (Batch, error)
	UpdateBatch(ctx context.Context, batch Batch) error
}

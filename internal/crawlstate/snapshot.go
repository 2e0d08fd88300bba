// Package crawlstate persists pause/resume checkpoints for in-flight
// crawls. One snapshot exists per progress ID; saving again overwrites it.
package crawlstate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that no usable snapshot exists for the progress ID.
// Corrupt stored payloads surface as ErrNotFound too: an unreadable
// checkpoint cannot be resumed and the caller restarts from scratch.
var ErrNotFound = errors.New("crawl state snapshot not found")

// Status is the lifecycle state of a snapshot.
type Status string

// Snapshot statuses persisted in crawl_state.status.
const (
	StatusPaused  Status = "paused"
	StatusResumed Status = "resumed"
)

// PageResult is one page record already produced by the paused crawl.
type PageResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Depth   int    `json:"depth"`
}

// Snapshot is a durable checkpoint of one crawl's traversal progress.
type Snapshot struct {
	ProgressID string
	SourceID   string
	CrawlType  string
	Status     Status
	// CrawlResults and PendingURLs preserve order exactly across a
	// save/load round trip; VisitedURLs is a set and only membership is
	// preserved.
	CrawlResults    []PageResult
	PendingURLs     []string
	VisitedURLs     map[string]struct{}
	CurrentDepth    int
	MaxDepth        int
	PagesCrawled    int
	TotalPages      int
	ProgressPercent float64
	// OriginalRequest holds the parameters the crawl was started with so a
	// resume can rebuild the execution.
	OriginalRequest map[string]any
	PausedAt        time.Time
	ResumedAt       *time.Time
}

// Record is the raw stored form of a snapshot: identity columns plus the
// serialized traversal payload.
type Record struct {
	ProgressID string
	SourceID   string
	CrawlType  string
	Status     Status
	Payload    []byte
	PausedAt   time.Time
	ResumedAt  *time.Time
}

// Repository persists snapshot records keyed by progress ID.
type Repository interface {
	// Upsert inserts or replaces the record for its progress ID.
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, progressID string) (Record, error)
	UpdateStatus(ctx context.Context, progressID string, status Status, resumedAt *time.Time) error
	// Delete is idempotent: removing a missing record is not an error.
	Delete(ctx context.Context, progressID string) error
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
}

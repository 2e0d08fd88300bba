// Package queue implements the durable crawl job queue: the item/batch
// model, the status machine, and the Manager that owns every mutation.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRetries is applied to items enqueued without an explicit limit.
const DefaultMaxRetries = 3

// DefaultPriority is the priority assigned when the caller does not set one.
const DefaultPriority = 50

// Status is the lifecycle state of a queue item or batch.
type Status string

// Queue item statuses persisted in queue_items.status.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrorType categorizes an item failure. Advisory only: every type shares
// the same retry schedule.
type ErrorType string

// Failure categories persisted in queue_items.error_type.
const (
	ErrorNetwork          ErrorType = "network"
	ErrorRateLimit        ErrorType = "rate_limit"
	ErrorParse            ErrorType = "parse_error"
	ErrorTimeout          ErrorType = "timeout"
	ErrorOther            ErrorType = "other"
	ErrorValidationFailed ErrorType = "validation_failed"
)

// ErrNotFound signals that the requested item or batch does not exist.
var ErrNotFound = errors.New("queue record not found")

// ErrInvalidTransition signals a rejected status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// Item is one schedulable unit of crawl work.
type Item struct {
	ItemID   string
	BatchID  string
	SourceID string
	// Priority orders dequeue; higher wins, ties broken by CreatedAt.
	Priority   int
	Status     Status
	RetryCount int
	MaxRetries int
	// RequiresReview is set when retries are exhausted. Terminal: only an
	// operator clears it.
	RequiresReview bool
	ErrorMessage   string
	ErrorType      ErrorType
	ErrorDetails   map[string]any
	// Metadata is the opaque progress payload written by the executing
	// crawl and read back for status reporting.
	Metadata    map[string]any
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastRetryAt *time.Time
	NextRetryAt *time.Time
}

// Batch groups items submitted together.
type Batch struct {
	BatchID      string
	TotalSources int
	CreatedBy    string
	Status       Status
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ValidTransition reports whether an item may move from one status to
// another. The worker is the sole writer, but illegal transitions
// (completed back to running, resurrecting cancelled items) are rejected
// here rather than trusted.
func ValidTransition(from, to Status) bool {
	if from == to {
		// Repeated failed writes happen when retry bookkeeping follows the
		// initial failure record.
		return from == StatusFailed || from == StatusPending
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		// Back to pending happens when a crawl pauses: the item returns to
		// the queue and a later dequeue resumes from the checkpoint.
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusPending
	case StatusFailed:
		// Retry-ready items go back to running; operators may cancel.
		return to == StatusRunning || to == StatusCancelled
	default:
		// completed and cancelled are terminal.
		return false
	}
}

func checkTransition(from, to Status) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corpusworks/crawlqueue/internal/crawl"
	"github.com/corpusworks/crawlqueue/internal/metrics"
)

// Manager owns every queue item and batch mutation. Other components only
// ever go through it; nothing else writes the underlying rows.
type Manager struct {
	repo  Repository
	clock crawl.Clock
	ids   crawl.IDGenerator
	// resolver and counter are optional; when present they enrich the
	// running-item snapshots returned by Stats.
	resolver crawl.SourceResolver
	counter  crawl.CompletionCounter
	logger   *zap.Logger
}

// NewManager constructs a Manager. resolver and counter may be nil.
func NewManager(
	repo Repository,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	resolver crawl.SourceResolver,
	counter crawl.CompletionCounter,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:     repo,
		clock:    clock,
		ids:      ids,
		resolver: resolver,
		counter:  counter,
		logger:   logger,
	}
}

// EnqueueRequest describes a batch of sources to schedule.
type EnqueueRequest struct {
	SourceIDs []string
	// BatchID joins the items to an existing batch when set; otherwise a
	// new batch is created.
	BatchID   string
	Priority  int
	CreatedBy string
}

// EnqueueResult reports the batch and items created by Enqueue.
type EnqueueResult struct {
	BatchID string
	ItemIDs []string
}

// Enqueue creates a batch (unless one is supplied) and one pending item per
// source. Item insertion is not transactional with batch creation: a
// partial batch is reported as-is and resilience relies on idempotent
// re-enqueue.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if len(req.SourceIDs) == 0 {
		return EnqueueResult{}, fmt.Errorf("enqueue: no source ids")
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	now := m.clock.Now()

	batchID := req.BatchID
	if batchID == "" {
		id, err := m.ids.NewID()
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue: batch id: %w", err)
		}
		batchID = id
		batch := Batch{
			BatchID:      batchID,
			TotalSources: len(req.SourceIDs),
			CreatedBy:    req.CreatedBy,
			Status:       StatusPending,
			CreatedAt:    now,
		}
		if err := m.repo.InsertBatch(ctx, batch); err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue: insert batch: %w", err)
		}
	}

	result := EnqueueResult{BatchID: batchID}
	for _, sourceID := range req.SourceIDs {
		itemID, err := m.ids.NewID()
		if err != nil {
			return result, fmt.Errorf("enqueue: item id: %w", err)
		}
		item := Item{
			ItemID:     itemID,
			BatchID:    batchID,
			SourceID:   sourceID,
			Priority:   priority,
			Status:     StatusPending,
			RetryCount: 0,
			MaxRetries: DefaultMaxRetries,
			CreatedAt:  now,
		}
		if err := m.repo.InsertItem(ctx, item); err != nil {
			return result, fmt.Errorf("enqueue: insert item for source %s: %w", sourceID, err)
		}
		result.ItemIDs = append(result.ItemIDs, itemID)
	}
	m.logger.Info("batch enqueued",
		zap.String("batch_id", batchID),
		zap.Int("items", len(result.ItemIDs)),
		zap.Int("priority", priority),
	)
	metrics.ObserveEnqueued(len(result.ItemIDs))
	return result, nil
}

// NextBatch returns up to limit pending items ordered by priority DESC,
// created_at ASC. Read-only: the caller marks items running once execution
// actually begins.
//
// This is a plain read, not an atomic claim: exactly one active worker is
// assumed. Concurrent workers would need a SKIP LOCKED claim here.
func (m *Manager) NextBatch(ctx context.Context, limit int) ([]Item, error) {
	items, err := m.repo.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}
	return items, nil
}

// RetryCandidates returns up to limit failed items whose retry is due.
// Items beyond max_retries are never returned: they are terminal and
// flagged for review.
func (m *Manager) RetryCandidates(ctx context.Context, limit int) ([]Item, error) {
	items, err := m.repo.ListRetryReady(ctx, m.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	return items, nil
}

// StaleRunningItems returns running items whose started_at is at or before
// cutoff. Used exclusively by worker-startup crash recovery.
func (m *Manager) StaleRunningItems(ctx context.Context, cutoff time.Time) ([]Item, error) {
	items, err := m.repo.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale running items: %w", err)
	}
	return items, nil
}

// GetItem loads a single item.
func (m *Manager) GetItem(ctx context.Context, itemID string) (Item, error) {
	item, err := m.repo.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, fmt.Errorf("get item %s: %w", itemID, err)
	}
	return item, nil
}

// StatusUpdate carries the failure fields written alongside a transition to
// failed. Zero values leave the corresponding columns untouched on
// non-failure transitions.
type StatusUpdate struct {
	ErrorMessage string
	ErrorType    ErrorType
	ErrorDetails map[string]any
	NextRetryAt  *time.Time
}

// UpdateStatus transitions an item, stamping started_at on running and
// completed_at on completed. Illegal transitions are rejected with
// ErrInvalidTransition.
func (m *Manager) UpdateStatus(ctx context.Context, itemID string, status Status, upd StatusUpdate) error {
	item, err := m.repo.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := checkTransition(item.Status, status); err != nil {
		return fmt.Errorf("update status %s: %w", itemID, err)
	}
	now := m.clock.Now()
	item.Status = status
	switch status {
	case StatusPending:
		// A paused crawl releases its item; pending implies no started_at.
		item.StartedAt = nil
		item.CompletedAt = nil
	case StatusRunning:
		item.StartedAt = &now
		item.CompletedAt = nil
	case StatusCompleted:
		item.CompletedAt = &now
	case StatusFailed:
		item.ErrorMessage = upd.ErrorMessage
		item.ErrorType = upd.ErrorType
		item.ErrorDetails = upd.ErrorDetails
		if upd.NextRetryAt != nil {
			item.NextRetryAt = upd.NextRetryAt
			item.LastRetryAt = &now
		}
	case StatusCancelled:
		item.CompletedAt = &now
	}
	if err := m.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	metrics.ObserveItemStatus(string(status))
	return nil
}

// SetItemMetadata replaces the item's opaque progress payload. Progress
// callbacks from an executing crawl land here so Stats can report live
// state.
func (m *Manager) SetItemMetadata(ctx context.Context, itemID string, metadata map[string]any) error {
	item, err := m.repo.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	item.Metadata = metadata
	if err := m.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// RetryDecision reports the outcome of IncrementRetry.
type RetryDecision struct {
	RequiresReview bool
	RetryCount     int
	NextRetryAt    time.Time
}

// IncrementRetry bumps the item's retry count and schedules the next
// attempt using the saturating delay schedule: attempts beyond the schedule
// length reuse its last entry. When the increment reaches max_retries the
// item is escalated to human review instead and nothing further is
// scheduled.
func (m *Manager) IncrementRetry(ctx context.Context, itemID string, delays []time.Duration) (RetryDecision, error) {
	if len(delays) == 0 {
		return RetryDecision{}, fmt.Errorf("increment retry: empty delay schedule")
	}
	item, err := m.repo.GetItem(ctx, itemID)
	if err != nil {
		return RetryDecision{}, fmt.Errorf("increment retry: %w", err)
	}

	if item.RetryCount+1 >= item.MaxRetries {
		item.RetryCount = item.MaxRetries
		reason := fmt.Sprintf("max retries (%d) exhausted: %s", item.MaxRetries, item.ErrorMessage)
		if err := m.markForReview(ctx, item, reason); err != nil {
			return RetryDecision{}, err
		}
		return RetryDecision{RequiresReview: true, RetryCount: item.MaxRetries}, nil
	}

	now := m.clock.Now()
	idx := item.RetryCount
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	next := now.Add(delays[idx])

	item.Status = StatusFailed
	item.RetryCount++
	item.LastRetryAt = &now
	item.NextRetryAt = &next
	if err := m.repo.UpdateItem(ctx, item); err != nil {
		return RetryDecision{}, fmt.Errorf("increment retry: %w", err)
	}
	m.logger.Info("retry scheduled",
		zap.String("item_id", item.ItemID),
		zap.Int("retry_count", item.RetryCount),
		zap.Time("next_retry_at", next),
	)
	metrics.ObserveRetryScheduled()
	return RetryDecision{RetryCount: item.RetryCount, NextRetryAt: next}, nil
}

// RecordFailure writes the failure fields and performs the retry
// bookkeeping as one call, so nothing can interleave between the status
// write and the retry schedule.
func (m *Manager) RecordFailure(
	ctx context.Context,
	itemID string,
	errType ErrorType,
	message string,
	details map[string]any,
	delays []time.Duration,
) (RetryDecision, error) {
	upd := StatusUpdate{ErrorMessage: message, ErrorType: errType, ErrorDetails: details}
	if err := m.UpdateStatus(ctx, itemID, StatusFailed, upd); err != nil {
		return RetryDecision{}, err
	}
	return m.IncrementRetry(ctx, itemID, delays)
}

// MarkForReview flags the item for human review. Terminal: no component
// clears the flag automatically.
func (m *Manager) MarkForReview(ctx context.Context, itemID, reason string) error {
	item, err := m.repo.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("mark for review: %w", err)
	}
	return m.markForReview(ctx, item, reason)
}

func (m *Manager) markForReview(ctx context.Context, item Item, reason string) error {
	item.Status = StatusFailed
	item.RequiresReview = true
	item.ErrorMessage = reason
	item.NextRetryAt = nil
	if err := m.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("mark for review: %w", err)
	}
	m.logger.Warn("item escalated to human review",
		zap.String("item_id", item.ItemID),
		zap.String("source_id", item.SourceID),
		zap.String("reason", reason),
	)
	metrics.ObserveReviewEscalation()
	return nil
}

// RunningSnapshot is the enriched view of one currently running item.
type RunningSnapshot struct {
	ItemID       string
	SourceID     string
	SourceTitle  string
	SourceURL    string
	Pages        int64
	CodeExamples int64
	Elapsed      time.Duration
	Metadata     map[string]any
}

// Stats aggregates queue state for reporting. No side effects.
type Stats struct {
	CountsByStatus map[Status]int64
	Running        []RunningSnapshot
}

// Stats returns per-status counts and a snapshot of every running item.
// Enrichment failures degrade the snapshot rather than failing the call.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	running, err := m.repo.ListRunning(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	now := m.clock.Now()
	stats := Stats{CountsByStatus: counts}
	for _, item := range running {
		snap := RunningSnapshot{
			ItemID:   item.ItemID,
			SourceID: item.SourceID,
			Metadata: item.Metadata,
		}
		if item.StartedAt != nil {
			snap.Elapsed = now.Sub(*item.StartedAt)
		}
		if m.resolver != nil {
			if src, err := m.resolver.Resolve(ctx, item.SourceID); err == nil {
				snap.SourceTitle = src.Title
				snap.SourceURL = src.URL
			} else {
				m.logger.Debug("stats source lookup failed",
					zap.String("source_id", item.SourceID), zap.Error(err))
			}
		}
		if m.counter != nil {
			if c, err := m.counter.Counts(ctx, item.SourceID); err == nil {
				snap.Pages = c.Pages
				snap.CodeExamples = c.CodeExamples
			}
		}
		stats.Running = append(stats.Running, snap)
	}
	for status, n := range counts {
		metrics.SetQueueDepth(string(status), n)
	}
	return stats, nil
}

// BatchProgress is derived from the aggregate status of a batch's items;
// it is never authoritative.
type BatchProgress struct {
	BatchID   string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Status    Status
}

// BatchProgress derives the batch's aggregate state from its items.
func (m *Manager) BatchProgress(ctx context.Context, batchID string) (BatchProgress, error) {
	batch, err := m.repo.GetBatch(ctx, batchID)
	if err != nil {
		return BatchProgress{}, fmt.Errorf("batch progress: %w", err)
	}
	items, err := m.repo.ListBatchItems(ctx, batchID)
	if err != nil {
		return BatchProgress{}, fmt.Errorf("batch progress: %w", err)
	}
	progress := BatchProgress{BatchID: batchID, Total: batch.TotalSources}
	for _, item := range items {
		switch item.Status {
		case StatusPending:
			progress.Pending++
		case StatusRunning:
			progress.Running++
		case StatusCompleted:
			progress.Completed++
		case StatusFailed:
			progress.Failed++
		case StatusCancelled:
			progress.Cancelled++
		}
	}
	progress.Status = deriveBatchStatus(progress)
	return progress, nil
}

// UpdateBatchStatus stamps the batch row with the given status.
func (m *Manager) UpdateBatchStatus(ctx context.Context, batchID string, status Status) error {
	batch, err := m.repo.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	now := m.clock.Now()
	batch.Status = status
	if status == StatusRunning && batch.StartedAt == nil {
		batch.StartedAt = &now
	}
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		batch.CompletedAt = &now
	}
	if err := m.repo.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

func deriveBatchStatus(p BatchProgress) Status {
	done := p.Completed + p.Failed + p.Cancelled
	switch {
	case p.Running > 0:
		return StatusRunning
	case done == 0:
		return StatusPending
	case done < p.Total:
		return StatusRunning
	case p.Completed == p.Total:
		return StatusCompleted
	case p.Cancelled > 0 && p.Completed+p.Failed == 0:
		return StatusCancelled
	case p.Failed > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

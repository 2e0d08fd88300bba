// Package worker implements the background scheduler that drains the crawl
// queue: crash recovery at startup, a polling loop with bounded fan-out,
// and the per-item execution pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/corpusworks/crawlqueue/internal/crawl"
	"github.com/corpusworks/crawlqueue/internal/metrics"
	"github.com/corpusworks/crawlqueue/internal/queue"
)

// Config controls Worker behavior. Zero values are replaced by the
// defaults the service falls back to when configuration loading fails.
type Config struct {
	BatchSize                int
	PollInterval             time.Duration
	HighPriorityPollInterval time.Duration
	HighPriorityThreshold    int
	RetryDelays              []time.Duration
	StaleCutoff              time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HighPriorityPollInterval <= 0 {
		c.HighPriorityPollInterval = 5 * time.Second
	}
	if c.HighPriorityThreshold <= 0 {
		c.HighPriorityThreshold = 200
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	if c.StaleCutoff <= 0 {
		c.StaleCutoff = time.Hour
	}
	return c
}

// Worker polls the queue manager and drives items through the crawl
// pipeline. Exactly one Worker is expected to be active against a store.
type Worker struct {
	queue    *queue.Manager
	resolver crawl.SourceResolver
	creds    crawl.CredentialChecker
	eraser   crawl.DataEraser
	counter  crawl.CompletionCounter
	executor crawl.Executor
	clock    crawl.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	running atomic.Bool
	paused  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Worker.
func New(
	qm *queue.Manager,
	resolver crawl.SourceResolver,
	creds crawl.CredentialChecker,
	eraser crawl.DataEraser,
	counter crawl.CompletionCounter,
	executor crawl.Executor,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    qm,
		resolver: resolver,
		creds:    creds,
		eraser:   eraser,
		counter:  counter,
		executor: executor,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start runs crash recovery and launches the poll loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already running")
	}
	if err := w.recoverStaleItems(ctx); err != nil {
		// Recovery failures are not fatal: stale items will be caught on
		// the next startup and the queue must keep draining meanwhile.
		w.logger.Error("stale item recovery failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx)
	w.logger.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	return nil
}

// Stop signals shutdown, cancels every in-flight item, and waits for the
// poll loop to exit until ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()

	w.mu.Lock()
	for itemID, cancel := range w.inflight {
		w.logger.Debug("cancelling in-flight item", zap.String("item_id", itemID))
		cancel()
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// Pause stops new dequeuing without touching in-flight items.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.logger.Info("worker paused")
}

// Resume re-enables dequeuing.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.logger.Info("worker resumed")
}

// IsRunning reports whether the poll loop is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// IsPaused reports whether dequeuing is suspended.
func (w *Worker) IsPaused() bool { return w.paused.Load() }

// recoverStaleItems resets items orphaned in running status by a previous
// crash. A crashed item becomes an ordinary retryable failure scheduled
// with the first delay of the retry schedule.
func (w *Worker) recoverStaleItems(ctx context.Context) error {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.StaleCutoff)
	stale, err := w.queue.StaleRunningItems(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("recover stale items: %w", err)
	}
	for _, item := range stale {
		runningFor := w.cfg.StaleCutoff
		if item.StartedAt != nil {
			runningFor = now.Sub(*item.StartedAt)
		}
		next := now.Add(w.cfg.RetryDelays[0])
		upd := queue.StatusUpdate{
			ErrorMessage: fmt.Sprintf(
				"worker restarted while item had been running for %s; rescheduling",
				runningFor.Round(time.Second),
			),
			ErrorType:   queue.ErrorOther,
			NextRetryAt: &next,
		}
		if err := w.queue.UpdateStatus(ctx, item.ItemID, queue.StatusFailed, upd); err != nil {
			w.logger.Error("stale item reset failed",
				zap.String("item_id", item.ItemID), zap.Error(err))
			continue
		}
		w.logger.Warn("stale running item reset",
			zap.String("item_id", item.ItemID),
			zap.String("source_id", item.SourceID),
			zap.Duration("running_for", runningFor),
		)
	}
	if len(stale) > 0 {
		w.logger.Info("crash recovery complete", zap.Int("items_reset", len(stale)))
	}
	return nil
}

// run is the poll loop. It exits only when the loop context is cancelled;
// a failing iteration is logged and retried after the normal interval.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		if ctx.Err() != nil {
			return
		}
		interval := w.safeTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// safeTick contains one iteration's panic recovery: the scheduler
// prioritizes availability over crash-fast semantics.
func (w *Worker) safeTick(ctx context.Context) (interval time.Duration) {
	interval = w.cfg.PollInterval
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("poll iteration panicked", zap.Any("panic", r))
			interval = w.cfg.PollInterval
		}
	}()
	return w.tick(ctx)
}

func (w *Worker) tick(ctx context.Context) time.Duration {
	if w.paused.Load() {
		return w.cfg.PollInterval
	}

	pending, err := w.queue.NextBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("fetch pending items failed", zap.Error(err))
		return w.cfg.PollInterval
	}
	retries, err := w.queue.RetryCandidates(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("fetch retry candidates failed", zap.Error(err))
		retries = nil
	}

	// Pending and retry pools are fetched independently, concatenated and
	// capped; pending is not deprioritized relative to retries.
	batch := append(append([]queue.Item(nil), pending...), retries...)
	if len(batch) > w.cfg.BatchSize {
		batch = batch[:w.cfg.BatchSize]
	}

	// The fast-poll decision looks at pending items only.
	interval := w.cfg.PollInterval
	for _, item := range pending {
		if item.Priority >= w.cfg.HighPriorityThreshold {
			interval = w.cfg.HighPriorityPollInterval
			break
		}
	}

	if len(batch) > 0 {
		w.processBatch(ctx, batch)
	}
	return interval
}

// processBatch fans the items out to one goroutine each and waits for all
// of them. No single item's failure aborts the batch.
func (w *Worker) processBatch(ctx context.Context, batch []queue.Item) {
	var wg sync.WaitGroup
	for _, item := range batch {
		itemCtx, cancel := context.WithCancel(ctx)

		w.mu.Lock()
		if _, exists := w.inflight[item.ItemID]; exists {
			w.mu.Unlock()
			cancel()
			continue
		}
		w.inflight[item.ItemID] = cancel
		w.mu.Unlock()

		wg.Add(1)
		go func(item queue.Item) {
			defer wg.Done()
			defer func() {
				cancel()
				w.mu.Lock()
				delete(w.inflight, item.ItemID)
				w.mu.Unlock()
			}()
			metrics.IncInflight()
			defer metrics.DecInflight()
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("item processing panicked",
						zap.String("item_id", item.ItemID), zap.Any("panic", r))
					w.failItem(itemCtx, item, fmt.Errorf("panic during processing: %v", r))
				}
			}()
			w.processItem(itemCtx, item)
		}(item)
	}
	wg.Wait()
}

// processItem drives one item through mark-running, execution, validation
// and finalization. Failures never propagate out of the item.
func (w *Worker) processItem(ctx context.Context, item queue.Item) {
	if err := w.queue.UpdateStatus(ctx, item.ItemID, queue.StatusRunning, queue.StatusUpdate{}); err != nil {
		w.logger.Error("mark running failed",
			zap.String("item_id", item.ItemID), zap.Error(err))
		return
	}
	w.logger.Info("item started",
		zap.String("item_id", item.ItemID),
		zap.String("source_id", item.SourceID),
		zap.Int("retry_count", item.RetryCount),
	)

	result, err := w.executeItem(ctx, item)
	if err != nil {
		w.failItem(ctx, item, err)
		return
	}
	if result.Paused {
		// A deliberate pause is not a failure and must not consume a
		// retry: release the item back to pending so a later dequeue
		// resumes from the checkpoint.
		if err := w.queue.UpdateStatus(ctx, item.ItemID, queue.StatusPending, queue.StatusUpdate{}); err != nil {
			w.logger.Error("release paused item failed",
				zap.String("item_id", item.ItemID), zap.Error(err))
			return
		}
		w.logger.Info("item paused",
			zap.String("item_id", item.ItemID),
			zap.Int("pages_crawled", result.PagesCrawled),
		)
		return
	}

	if err := w.queue.UpdateStatus(ctx, item.ItemID, queue.StatusCompleted, queue.StatusUpdate{}); err != nil {
		w.logger.Error("mark completed failed",
			zap.String("item_id", item.ItemID), zap.Error(err))
		return
	}
	w.logger.Info("item completed", zap.String("item_id", item.ItemID))
}

func (w *Worker) executeItem(ctx context.Context, item queue.Item) (crawl.Result, error) {
	src, err := w.resolver.Resolve(ctx, item.SourceID)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("resolve source %s: %w", item.SourceID, err)
	}
	if src.URL == "" {
		return crawl.Result{}, fmt.Errorf("source %s has no crawl URL configured", item.SourceID)
	}

	ok, err := w.creds.HasActiveProvider(ctx)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("check embedding provider: %w", err)
	}
	if !ok {
		return crawl.Result{}, errors.New("no embedding provider configured")
	}

	// Idempotent re-crawl: clear whatever a previous attempt persisted.
	// Erase failures are logged but do not abort the crawl.
	if err := w.eraser.EraseSource(ctx, item.SourceID); err != nil {
		w.logger.Warn("erase previous source data failed",
			zap.String("source_id", item.SourceID), zap.Error(err))
	}

	req := crawl.Request{
		ProgressID:          item.ItemID,
		SourceID:            src.ID,
		URL:                 src.URL,
		MaxDepth:            src.MaxDepth,
		MaxPages:            src.MaxPages,
		Tags:                src.Tags,
		ExtractCodeExamples: src.ExtractCodeExamples,
	}
	result, err := w.executor.Execute(ctx, req, w.forwardProgress(item.ItemID))
	if err != nil {
		return crawl.Result{}, fmt.Errorf("execute crawl: %w", err)
	}
	// A paused crawl checkpointed and stopped early; its counts are
	// legitimately partial and must not be validated.
	if result.Paused {
		return result, nil
	}

	// The executor's own completion signal is not trusted: an executor
	// that died after reporting partial success must not be recorded as a
	// queue success. Validate against the persisted counts.
	counts, err := w.counter.Counts(ctx, item.SourceID)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("query persisted counts: %w", err)
	}
	if counts.Pages == 0 {
		return crawl.Result{}, &validationError{msg: fmt.Sprintf("crawl reported success but no pages were persisted for source %s", item.SourceID)}
	}
	if counts.Chunks == 0 {
		return crawl.Result{}, &validationError{msg: fmt.Sprintf("%d pages persisted but no chunks exist for source %s", counts.Pages, item.SourceID)}
	}
	return result, nil
}

// forwardProgress pushes executor progress into the item's metadata
// payload so queue stats can report live state.
func (w *Worker) forwardProgress(itemID string) crawl.ProgressFunc {
	return func(ctx context.Context, p crawl.Progress) {
		if err := w.queue.SetItemMetadata(ctx, itemID, p.Metadata()); err != nil {
			w.logger.Debug("progress metadata update failed",
				zap.String("item_id", itemID), zap.Error(err))
		}
	}
}

func (w *Worker) failItem(ctx context.Context, item queue.Item, cause error) {
	errType := classify(cause)
	metrics.ObserveItemFailure(string(errType))
	w.logger.Warn("item failed",
		zap.String("item_id", item.ItemID),
		zap.String("source_id", item.SourceID),
		zap.String("error_type", string(errType)),
		zap.Error(cause),
	)

	details := map[string]any{
		"source_id":   item.SourceID,
		"retry_count": item.RetryCount,
	}
	// The failure must be recorded even when the item's context was
	// cancelled mid-execution.
	recordCtx := context.WithoutCancel(ctx)
	decision, err := w.queue.RecordFailure(recordCtx, item.ItemID, errType, cause.Error(), details, w.cfg.RetryDelays)
	if err != nil {
		w.logger.Error("record failure failed",
			zap.String("item_id", item.ItemID), zap.Error(err))
		return
	}
	if decision.RequiresReview {
		w.logger.Warn("item requires human review", zap.String("item_id", item.ItemID))
	}
}

// validationError marks the distrust-the-executor guard tripping; it maps
// to the validation_failed error type instead of the message classifier.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func classify(err error) queue.ErrorType {
	var v *validationError
	if errors.As(err, &v) {
		return queue.ErrorValidationFailed
	}
	return queue.Classify(err)
}

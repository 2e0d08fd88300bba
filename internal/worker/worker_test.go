package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/crawlqueue/internal/crawl"
	"github.com/corpusworks/crawlqueue/internal/queue"
	"github.com/corpusworks/crawlqueue/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type fakeResolver struct {
	src crawl.Source
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, sourceID string) (crawl.Source, error) {
	if r.err != nil {
		return crawl.Source{}, r.err
	}
	src := r.src
	if src.ID == "" {
		src.ID = sourceID
	}
	return src, nil
}

type fakeCreds struct {
	ok  bool
	err error
}

func (c *fakeCreds) HasActiveProvider(context.Context) (bool, error) {
	return c.ok, c.err
}

type fakeEraser struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEraser) EraseSource(context.Context, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.err
}

func (e *fakeEraser) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeCounter struct {
	counts crawl.Counts
	err    error
}

func (c *fakeCounter) Counts(context.Context, string) (crawl.Counts, error) {
	return c.counts, c.err
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []crawl.Request
	fn    func(ctx context.Context, req crawl.Request, progress crawl.ProgressFunc) (crawl.Result, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, req crawl.Request, progress crawl.ProgressFunc) (crawl.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(ctx, req, progress)
	}
	return crawl.Result{PagesCrawled: 1}, nil
}

func (e *fakeExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type testHarness struct {
	worker   *Worker
	manager  *queue.Manager
	store    *memory.QueueStore
	clock    *fakeClock
	resolver *fakeResolver
	creds    *fakeCreds
	eraser   *fakeEraser
	counter  *fakeCounter
	executor *fakeExecutor
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := memory.NewQueueStore()
	clock := newFakeClock()
	mgr := queue.NewManager(store, clock, &seqIDs{}, nil, nil, nil)
	h := &testHarness{
		manager:  mgr,
		store:    store,
		clock:    clock,
		resolver: &fakeResolver{src: crawl.Source{URL: "https://docs.example.com", MaxDepth: 2, MaxPages: 50}},
		creds:    &fakeCreds{ok: true},
		eraser:   &fakeEraser{},
		counter:  &fakeCounter{counts: crawl.Counts{Pages: 10, Chunks: 40, CodeExamples: 2}},
		executor: &fakeExecutor{},
	}
	h.worker = New(mgr, h.resolver, h.creds, h.eraser, h.counter, h.executor, clock, Config{
		BatchSize:                5,
		PollInterval:             30 * time.Second,
		HighPriorityPollInterval: 5 * time.Second,
		HighPriorityThreshold:    200,
		RetryDelays:              []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		StaleCutoff:              time.Hour,
	}, nil)
	return h
}

func (h *testHarness) enqueueOne(t *testing.T, priority int) string {
	t.Helper()
	res, err := h.manager.Enqueue(context.Background(), queue.EnqueueRequest{
		SourceIDs: []string{"src-1"},
		Priority:  priority,
	})
	require.NoError(t, err)
	return res.ItemIDs[0]
}

func TestProcessItemCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, 1, h.eraser.Calls())
	require.Equal(t, 1, h.executor.Calls())
}

func TestProcessItemValidationGuard(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		counts crawl.Counts
	}{
		{"no pages", crawl.Counts{Pages: 0, Chunks: 0}},
		{"pages but no chunks", crawl.Counts{Pages: 8, Chunks: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t)
			h.counter.counts = tc.counts
			itemID := h.enqueueOne(t, 50)

			item, err := h.manager.GetItem(ctx, itemID)
			require.NoError(t, err)
			h.worker.processItem(ctx, item)

			got, err := h.manager.GetItem(ctx, itemID)
			require.NoError(t, err)
			// The executor reported success; the persisted counts say
			// otherwise, so the item must not complete.
			require.Equal(t, queue.StatusFailed, got.Status)
			require.Equal(t, queue.ErrorValidationFailed, got.ErrorType)
			require.Equal(t, 1, got.RetryCount)
			require.NotNil(t, got.NextRetryAt)
		})
	}
}

func TestProcessItemClassifiesExecutorError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.executor.fn = func(context.Context, crawl.Request, crawl.ProgressFunc) (crawl.Result, error) {
		return crawl.Result{}, errors.New("request timed out after 30s")
	}
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, queue.ErrorTimeout, got.ErrorType)
	require.Contains(t, got.ErrorMessage, "timed out")
}

func TestProcessItemNoProviderFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.creds.ok = false
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "no embedding provider")
	require.Equal(t, 0, h.executor.Calls())
}

func TestProcessItemUncrawlableSourceFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.src = crawl.Source{ID: "src-1", Title: "No URL"}
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "no crawl URL")
	require.Equal(t, 0, h.executor.Calls())
}

func TestPausedCrawlReturnsItemToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	// The executor checkpointed and stopped early; counts are partial, so
	// report zero to prove the validation guard is not consulted.
	h.counter.counts = crawl.Counts{}
	h.executor.fn = func(context.Context, crawl.Request, crawl.ProgressFunc) (crawl.Result, error) {
		return crawl.Result{PagesCrawled: 3, Paused: true}, nil
	}
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	// A deliberate pause is not booked as a failure and consumes no retry.
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Empty(t, got.ErrorMessage)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.NextRetryAt)

	// A later tick dequeues the item again to resume.
	pending, err := h.manager.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, itemID, pending[0].ItemID)
}

func TestProcessItemEraseFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.eraser.err = errors.New("storage briefly unavailable")
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestThreeFailuresEscalateToReview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.executor.fn = func(context.Context, crawl.Request, crawl.ProgressFunc) (crawl.Result, error) {
		return crawl.Result{}, errors.New("connection refused")
	}
	itemID := h.enqueueOne(t, 50)

	for attempt := 0; attempt < 3; attempt++ {
		item, err := h.manager.GetItem(ctx, itemID)
		require.NoError(t, err)
		h.worker.processItem(ctx, item)
		h.clock.Advance(time.Hour)
	}

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.True(t, got.RequiresReview)
	require.Equal(t, got.MaxRetries, got.RetryCount)
	require.Nil(t, got.NextRetryAt)

	// Escalated items never come back as retry candidates.
	candidates, err := h.manager.RetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestRecoverStaleItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	staleStart := h.clock.Now().Add(-2 * time.Hour)
	freshStart := h.clock.Now().Add(-10 * time.Minute)
	require.NoError(t, h.store.InsertItem(ctx, queue.Item{
		ItemID: "stale", SourceID: "src-a", Status: queue.StatusRunning,
		MaxRetries: 3, CreatedAt: staleStart, StartedAt: &staleStart,
	}))
	require.NoError(t, h.store.InsertItem(ctx, queue.Item{
		ItemID: "fresh", SourceID: "src-b", Status: queue.StatusRunning,
		MaxRetries: 3, CreatedAt: freshStart, StartedAt: &freshStart,
	}))

	require.NoError(t, h.worker.recoverStaleItems(ctx))

	stale, err := h.manager.GetItem(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, stale.Status)
	require.Equal(t, queue.ErrorOther, stale.ErrorType)
	require.Contains(t, stale.ErrorMessage, "worker restarted")
	require.Contains(t, stale.ErrorMessage, "2h")
	require.NotNil(t, stale.NextRetryAt)
	// First entry of the retry schedule, not an incremented count.
	require.Equal(t, h.clock.Now().Add(60*time.Second), *stale.NextRetryAt)
	require.Equal(t, 0, stale.RetryCount)

	fresh, err := h.manager.GetItem(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, queue.StatusRunning, fresh.Status)
}

func TestRecoveredItemIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	staleStart := h.clock.Now().Add(-90 * time.Minute)
	require.NoError(t, h.store.InsertItem(ctx, queue.Item{
		ItemID: "stale", SourceID: "src-a", Status: queue.StatusRunning,
		MaxRetries: 3, CreatedAt: staleStart, StartedAt: &staleStart,
	}))
	require.NoError(t, h.worker.recoverStaleItems(ctx))

	h.clock.Advance(61 * time.Second)
	candidates, err := h.manager.RetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "stale", candidates[0].ItemID)
}

func TestTickProcessesPendingAndRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.enqueueOne(t, 50)
	due := h.clock.Now().Add(-time.Minute)
	require.NoError(t, h.store.InsertItem(ctx, queue.Item{
		ItemID: "retry-me", SourceID: "src-r", Status: queue.StatusFailed,
		RetryCount: 1, MaxRetries: 3, CreatedAt: due, NextRetryAt: &due,
	}))

	interval := h.worker.tick(ctx)
	require.Equal(t, 30*time.Second, interval)
	require.Equal(t, 2, h.executor.Calls())

	retried, err := h.manager.GetItem(ctx, "retry-me")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, retried.Status)
}

func TestTickHighPriorityShortensInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.enqueueOne(t, 10)
	h.enqueueOne(t, 200)

	interval := h.worker.tick(ctx)
	require.Equal(t, 5*time.Second, interval)

	// Queue drained; the next tick reverts to the normal interval.
	interval = h.worker.tick(ctx)
	require.Equal(t, 30*time.Second, interval)
}

func TestTickCapsBatchSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 8; i++ {
		h.enqueueOne(t, 50)
	}

	h.worker.tick(ctx)
	require.Equal(t, 5, h.executor.Calls())

	h.worker.tick(ctx)
	require.Equal(t, 8, h.executor.Calls())
}

func TestPauseStopsDequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	itemID := h.enqueueOne(t, 50)

	h.worker.Pause()
	require.True(t, h.worker.IsPaused())
	interval := h.worker.tick(ctx)
	require.Equal(t, 30*time.Second, interval)
	require.Equal(t, 0, h.executor.Calls())

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)

	h.worker.Resume()
	require.False(t, h.worker.IsPaused())
	h.worker.tick(ctx)
	require.Equal(t, 1, h.executor.Calls())
}

func TestProgressCallbackUpdatesMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.executor.fn = func(ctx context.Context, req crawl.Request, progress crawl.ProgressFunc) (crawl.Result, error) {
		progress(ctx, crawl.Progress{
			Stage:        "crawling",
			CurrentURL:   "https://docs.example.com/a",
			PagesCrawled: 3,
			TotalPages:   50,
			Percent:      6,
		})
		return crawl.Result{PagesCrawled: 3}, nil
	}
	itemID := h.enqueueOne(t, 50)

	item, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	h.worker.processItem(ctx, item)

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, "crawling", got.Metadata["stage"])
	require.Equal(t, "https://docs.example.com/a", got.Metadata["current_url"])
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.worker.Start(context.Background()))
	require.True(t, h.worker.IsRunning())
	require.Error(t, h.worker.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.worker.Stop(stopCtx))
	require.False(t, h.worker.IsRunning())
	// Stopping an already stopped worker is a no-op.
	require.NoError(t, h.worker.Stop(stopCtx))
}

func TestExecutorPanicIsContained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.executor.fn = func(context.Context, crawl.Request, crawl.ProgressFunc) (crawl.Result, error) {
		panic("executor blew up")
	}
	itemID := h.enqueueOne(t, 50)

	require.NotPanics(t, func() {
		h.worker.safeTick(ctx)
	})

	got, err := h.manager.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "panic during processing")
}

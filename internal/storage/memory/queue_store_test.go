package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/crawlqueue/internal/queue"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pendingItem(id string, priority int, createdAt time.Time) queue.Item {
	return queue.Item{
		ItemID:     id,
		SourceID:   "src-" + id,
		Priority:   priority,
		Status:     queue.StatusPending,
		MaxRetries: 3,
		CreatedAt:  createdAt,
	}
}

func TestListPendingOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	require.NoError(t, store.InsertItem(ctx, pendingItem("old-low", 10, baseTime)))
	require.NoError(t, store.InsertItem(ctx, pendingItem("high", 200, baseTime.Add(time.Minute))))
	require.NoError(t, store.InsertItem(ctx, pendingItem("new-low", 10, baseTime.Add(2*time.Minute))))
	// Same priority and timestamp as old-low; insertion order breaks the tie.
	require.NoError(t, store.InsertItem(ctx, pendingItem("tied", 10, baseTime)))

	items, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ItemID
	}
	require.Equal(t, []string{"high", "old-low", "tied", "new-low"}, ids)

	limited, err := store.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "high", limited[0].ItemID)
}

func TestListPendingExcludesOtherStatuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	item := pendingItem("running", 50, baseTime)
	item.Status = queue.StatusRunning
	require.NoError(t, store.InsertItem(ctx, item))

	items, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestListRetryReadyFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()
	now := baseTime.Add(time.Hour)

	due := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	ready := pendingItem("ready", 50, baseTime)
	ready.Status = queue.StatusFailed
	ready.RetryCount = 1
	ready.NextRetryAt = &due
	require.NoError(t, store.InsertItem(ctx, ready))

	notDue := pendingItem("not-due", 50, baseTime)
	notDue.Status = queue.StatusFailed
	notDue.RetryCount = 1
	notDue.NextRetryAt = &future
	require.NoError(t, store.InsertItem(ctx, notDue))

	review := pendingItem("review", 50, baseTime)
	review.Status = queue.StatusFailed
	review.RequiresReview = true
	review.NextRetryAt = &due
	require.NoError(t, store.InsertItem(ctx, review))

	exhausted := pendingItem("exhausted", 50, baseTime)
	exhausted.Status = queue.StatusFailed
	exhausted.RetryCount = 3
	exhausted.NextRetryAt = &due
	require.NoError(t, store.InsertItem(ctx, exhausted))

	unscheduled := pendingItem("unscheduled", 50, baseTime)
	unscheduled.Status = queue.StatusFailed
	unscheduled.RetryCount = 1
	require.NoError(t, store.InsertItem(ctx, unscheduled))

	items, err := store.ListRetryReady(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "ready", items[0].ItemID)
}

func TestListRetryReadyBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()
	now := baseTime

	exact := pendingItem("exact", 50, baseTime)
	exact.Status = queue.StatusFailed
	exact.RetryCount = 1
	exact.NextRetryAt = &now
	require.NoError(t, store.InsertItem(ctx, exact))

	// next_retry_at == now counts as due.
	items, err := store.ListRetryReady(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestListStaleRunningBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	cutoff := baseTime
	after := baseTime.Add(time.Second)

	atCutoff := pendingItem("at-cutoff", 50, baseTime)
	atCutoff.Status = queue.StatusRunning
	atCutoff.StartedAt = &cutoff
	require.NoError(t, store.InsertItem(ctx, atCutoff))

	fresh := pendingItem("fresh", 50, baseTime)
	fresh.Status = queue.StatusRunning
	fresh.StartedAt = &after
	require.NoError(t, store.InsertItem(ctx, fresh))

	items, err := store.ListStaleRunning(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "at-cutoff", items[0].ItemID)
}

func TestUpdateMissingRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	require.ErrorIs(t, store.UpdateItem(ctx, queue.Item{ItemID: "nope"}), queue.ErrNotFound)
	require.ErrorIs(t, store.UpdateBatch(ctx, queue.Batch{BatchID: "nope"}), queue.ErrNotFound)
	_, err := store.GetItem(ctx, "nope")
	require.ErrorIs(t, err, queue.ErrNotFound)
	_, err = store.GetBatch(ctx, "nope")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	for i, status := range []queue.Status{
		queue.StatusPending, queue.StatusPending, queue.StatusRunning, queue.StatusFailed,
	} {
		item := pendingItem(string(rune('a'+i)), 50, baseTime)
		item.Status = status
		require.NoError(t, store.InsertItem(ctx, item))
	}

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[queue.StatusPending])
	require.Equal(t, int64(1), counts[queue.StatusRunning])
	require.Equal(t, int64(1), counts[queue.StatusFailed])
}

// Package memory provides in-memory repository implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/corpusworks/crawlqueue/internal/queue"
)

// QueueStore implements queue.Repository in memory.
type QueueStore struct {
	mu      sync.RWMutex
	items   map[string]queue.Item
	batches map[string]queue.Batch
	// seq preserves insertion order so equal-priority, equal-timestamp
	// items dequeue in creation order.
	seq map[string]int
	n   int
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		items:   make(map[string]queue.Item),
		batches: make(map[string]queue.Batch),
		seq:     make(map[string]int),
	}
}

// InsertBatch stores a new batch.
func (s *QueueStore) InsertBatch(_ context.Context, batch queue.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.BatchID] = batch
	return nil
}

// InsertItem stores a new item.
func (s *QueueStore) InsertItem(_ context.Context, item queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ItemID] = item
	s.seq[item.ItemID] = s.n
	s.n++
	return nil
}

// GetItem fetches an item by ID.
func (s *QueueStore) GetItem(_ context.Context, itemID string) (queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return queue.Item{}, queue.ErrNotFound
	}
	return item, nil
}

// UpdateItem overwrites the stored item.
func (s *QueueStore) UpdateItem(_ context.Context, item queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ItemID]; !ok {
		return queue.ErrNotFound
	}
	s.items[item.ItemID] = item
	return nil
}

// ListPending returns pending items ordered by priority DESC, creation ASC.
func (s *QueueStore) ListPending(_ context.Context, limit int) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []queue.Item
	for _, item := range s.items {
		if item.Status == queue.StatusPending {
			out = append(out, item)
		}
	}
	s.sortByPriority(out)
	return capSlice(out, limit), nil
}

// ListRetryReady returns failed items due for retry, priority DESC.
func (s *QueueStore) ListRetryReady(_ context.Context, now time.Time, limit int) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []queue.Item
	for _, item := range s.items {
		if item.Status != queue.StatusFailed || item.RequiresReview {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		if item.NextRetryAt == nil || item.NextRetryAt.After(now) {
			continue
		}
		out = append(out, item)
	}
	s.sortByPriority(out)
	return capSlice(out, limit), nil
}

// ListStaleRunning returns running items started at or before cutoff.
func (s *QueueStore) ListStaleRunning(_ context.Context, cutoff time.Time) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []queue.Item
	for _, item := range s.items {
		if item.Status != queue.StatusRunning || item.StartedAt == nil {
			continue
		}
		if item.StartedAt.After(cutoff) {
			continue
		}
		out = append(out, item)
	}
	s.sortByPriority(out)
	return out, nil
}

// ListRunning returns all running items.
func (s *QueueStore) ListRunning(_ context.Context) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []queue.Item
	for _, item := range s.items {
		if item.Status == queue.StatusRunning {
			out = append(out, item)
		}
	}
	s.sortByPriority(out)
	return out, nil
}

// ListBatchItems returns every item belonging to the batch.
func (s *QueueStore) ListBatchItems(_ context.Context, batchID string) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []queue.Item
	for _, item := range s.items {
		if item.BatchID == batchID {
			out = append(out, item)
		}
	}
	s.sortByPriority(out)
	return out, nil
}

// CountByStatus aggregates item counts per status.
func (s *QueueStore) CountByStatus(_ context.Context) (map[queue.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[queue.Status]int64)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// GetBatch fetches a batch by ID.
func (s *QueueStore) GetBatch(_ context.Context, batchID string) (queue.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return queue.Batch{}, queue.ErrNotFound
	}
	return batch, nil
}

// UpdateBatch overwrites the stored batch.
func (s *QueueStore) UpdateBatch(_ context.Context, batch queue.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.BatchID]; !ok {
		return queue.ErrNotFound
	}
	s.batches[batch.BatchID] = batch
	return nil
}

func (s *QueueStore) sortByPriority(items []queue.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return s.seq[items[i].ItemID] < s.seq[items[j].ItemID]
	})
}

func capSlice(items []queue.Item, limit int) []queue.Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

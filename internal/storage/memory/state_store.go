package memory

import (
	"context"
	"sync"
	"time"

	"github.com/corpusworks/crawlqueue/internal/crawlstate"
)

// StateStore implements crawlstate.Repository in memory.
type StateStore struct {
	mu      sync.RWMutex
	records map[string]crawlstate.Record
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{records: make(map[string]crawlstate.Record)}
}

// Upsert inserts or replaces the record for its progress ID.
func (s *StateStore) Upsert(_ context.Context, rec crawlstate.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ProgressID] = rec
	return nil
}

// Get fetches the record for the progress ID.
func (s *StateStore) Get(_ context.Context, progressID string) (crawlstate.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[progressID]
	if !ok {
		return crawlstate.Record{}, crawlstate.ErrNotFound
	}
	return rec, nil
}

// UpdateStatus transitions the stored record.
func (s *StateStore) UpdateStatus(
	_ context.Context,
	progressID string,
	status crawlstate.Status,
	resumedAt *time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[progressID]
	if !ok {
		return crawlstate.ErrNotFound
	}
	rec.Status = status
	if resumedAt != nil {
		rec.ResumedAt = resumedAt
	}
	s.records[progressID] = rec
	return nil
}

// Delete removes the record; deleting a missing record is not an error.
func (s *StateStore) Delete(_ context.Context, progressID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, progressID)
	return nil
}

// ListByStatus returns all records with the given status.
func (s *StateStore) ListByStatus(_ context.Context, status crawlstate.Status) ([]crawlstate.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawlstate.Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

package crawlstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/corpusworks/crawlqueue/internal/crawl"
)

// payload is the serialized traversal state. VisitedURLs is stored as a
// sorted slice and rebuilt into a set on load.
type payload struct {
	CrawlResults    []PageResult   `json:"crawl_results"`
	PendingURLs     []string       `json:"pending_urls"`
	VisitedURLs     []string       `json:"visited_urls"`
	CurrentDepth    int            `json:"current_depth"`
	MaxDepth        int            `json:"max_depth"`
	PagesCrawled    int            `json:"pages_crawled"`
	TotalPages      int            `json:"total_pages"`
	ProgressPercent float64        `json:"progress_percent"`
	OriginalRequest map[string]any `json:"original_request"`
}

// Manager owns snapshot persistence. The worker and executor only request
// save/load/delete; they never mutate stored fields directly.
type Manager struct {
	repo   Repository
	clock  crawl.Clock
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(repo Repository, clock crawl.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{repo: repo, clock: clock, logger: logger}
}

// Save upserts the snapshot keyed by its progress ID, marking it paused.
func (m *Manager) Save(ctx context.Context, snap Snapshot) error {
	if snap.ProgressID == "" {
		return fmt.Errorf("save state: progress id is required")
	}
	visited := make([]string, 0, len(snap.VisitedURLs))
	for u := range snap.VisitedURLs {
		visited = append(visited, u)
	}
	sort.Strings(visited)

	body, err := json.Marshal(payload{
		CrawlResults:    snap.CrawlResults,
		PendingURLs:     snap.PendingURLs,
		VisitedURLs:     visited,
		CurrentDepth:    snap.CurrentDepth,
		MaxDepth:        snap.MaxDepth,
		PagesCrawled:    snap.PagesCrawled,
		TotalPages:      snap.TotalPages,
		ProgressPercent: snap.ProgressPercent,
		OriginalRequest: snap.OriginalRequest,
	})
	if err != nil {
		return fmt.Errorf("save state: marshal payload: %w", err)
	}

	rec := Record{
		ProgressID: snap.ProgressID,
		SourceID:   snap.SourceID,
		CrawlType:  snap.CrawlType,
		Status:     StatusPaused,
		Payload:    body,
		PausedAt:   m.clock.Now(),
	}
	if err := m.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m.logger.Info("crawl state saved",
		zap.String("progress_id", snap.ProgressID),
		zap.Int("pending_urls", len(snap.PendingURLs)),
		zap.Int("pages_crawled", snap.PagesCrawled),
	)
	return nil
}

// Load returns the snapshot for the progress ID, or ErrNotFound when it is
// missing or its stored payload cannot be decoded.
func (m *Manager) Load(ctx context.Context, progressID string) (Snapshot, error) {
	rec, err := m.repo.Get(ctx, progressID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load state %s: %w", progressID, err)
	}
	snap, err := decode(rec)
	if err != nil {
		m.logger.Warn("corrupt crawl state payload, treating as not found",
			zap.String("progress_id", progressID), zap.Error(err))
		return Snapshot{}, fmt.Errorf("load state %s: %w", progressID, ErrNotFound)
	}
	return snap, nil
}

// UpdateStatus transitions the snapshot, stamping resumed_at on resume.
func (m *Manager) UpdateStatus(ctx context.Context, progressID string, status Status) error {
	var resumedAt *time.Time
	if status == StatusResumed {
		now := m.clock.Now()
		resumedAt = &now
	}
	if err := m.repo.UpdateStatus(ctx, progressID, status, resumedAt); err != nil {
		return fmt.Errorf("update state status %s: %w", progressID, err)
	}
	return nil
}

// Delete removes the snapshot. Idempotent: deleting a missing snapshot is
// not an error.
func (m *Manager) Delete(ctx context.Context, progressID string) error {
	if err := m.repo.Delete(ctx, progressID); err != nil {
		return fmt.Errorf("delete state %s: %w", progressID, err)
	}
	return nil
}

// ListPaused returns every paused snapshot for operator visibility.
// Corrupt records are skipped with a warning rather than failing the list.
func (m *Manager) ListPaused(ctx context.Context) ([]Snapshot, error) {
	recs, err := m.repo.ListByStatus(ctx, StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list paused states: %w", err)
	}
	snaps := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := decode(rec)
		if err != nil {
			m.logger.Warn("skipping corrupt crawl state payload",
				zap.String("progress_id", rec.ProgressID), zap.Error(err))
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func decode(rec Record) (Snapshot, error) {
	var body payload
	if err := json.Unmarshal(rec.Payload, &body); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	visited := make(map[string]struct{}, len(body.VisitedURLs))
	for _, u := range body.VisitedURLs {
		visited[u] = struct{}{}
	}
	return Snapshot{
		ProgressID:      rec.ProgressID,
		SourceID:        rec.SourceID,
		CrawlType:       rec.CrawlType,
		Status:          rec.Status,
		CrawlResults:    body.CrawlResults,
		PendingURLs:     body.PendingURLs,
		VisitedURLs:     visited,
		CurrentDepth:    body.CurrentDepth,
		MaxDepth:        body.MaxDepth,
		PagesCrawled:    body.PagesCrawled,
		TotalPages:      body.TotalPages,
		ProgressPercent: body.ProgressPercent,
		OriginalRequest: body.OriginalRequest,
		PausedAt:        rec.PausedAt,
		ResumedAt:       rec.ResumedAt,
	}, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/corpusworks/crawlqueue/internal/crawl"
)

// SourceStore implements the crawl collaborator interfaces (SourceResolver,
// CredentialChecker, DataEraser, CompletionCounter) against the document
// tables the crawl pipeline writes into.
type SourceStore struct {
	pool dbPool
}

// NewSourceStore constructs a SourceStore over an existing pool.
func NewSourceStore(pool dbPool) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

// Resolve looks up the crawl parameters registered for the source.
func (s *SourceStore) Resolve(ctx context.Context, sourceID string) (crawl.Source, error) {
	query := `
		SELECT source_id, title, url, max_depth, max_pages, tags, extract_code_examples
		FROM sources
		WHERE source_id = $1
	`
	var src crawl.Source
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&src.ID,
		&src.Title,
		&src.URL,
		&src.MaxDepth,
		&src.MaxPages,
		&src.Tags,
		&src.ExtractCodeExamples,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Source{}, fmt.Errorf("source %s not found", sourceID)
		}
		return crawl.Source{}, fmt.Errorf("resolve source: %w", err)
	}
	return src, nil
}

// HasActiveProvider reports whether any embedding provider credential is
// currently marked active.
func (s *SourceStore) HasActiveProvider(ctx context.Context) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM provider_credentials WHERE is_active)`
	var ok bool
	if err := s.pool.QueryRow(ctx, query).Scan(&ok); err != nil {
		return false, fmt.Errorf("check provider credentials: %w", err)
	}
	return ok, nil
}

// EraseSource deletes everything a previous crawl persisted for the source.
// Children go first so a failure partway cannot orphan rows.
func (s *SourceStore) EraseSource(ctx context.Context, sourceID string) error {
	for _, query := range []string{
		`DELETE FROM code_examples WHERE source_id = $1`,
		`DELETE FROM chunks WHERE source_id = $1`,
		`DELETE FROM pages WHERE source_id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, query, sourceID); err != nil {
			return fmt.Errorf("erase source data: %w", err)
		}
	}
	return nil
}

// Counts returns the persisted row counts for the source.
func (s *SourceStore) Counts(ctx context.Context, sourceID string) (crawl.Counts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM pages WHERE source_id = $1),
			(SELECT COUNT(*) FROM chunks WHERE source_id = $1),
			(SELECT COUNT(*) FROM code_examples WHERE source_id = $1)
	`
	var counts crawl.Counts
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&counts.Pages,
		&counts.Chunks,
		&counts.CodeExamples,
	)
	if err != nil {
		return crawl.Counts{}, fmt.Errorf("count source data: %w", err)
	}
	return counts, nil
}

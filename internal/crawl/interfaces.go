package crawl

import (
	"context"
	"time"
)

// SourceResolver looks up a source's crawl URL and stored parameters.
type SourceResolver interface {
	Resolve(ctx context.Context, sourceID string) (Source, error)
}

// CredentialChecker confirms a usable embedding-provider credential exists.
type CredentialChecker interface {
	HasActiveProvider(ctx context.Context) (bool, error)
}

// DataEraser deletes previously persisted pages/chunks/code examples for a
// source so a re-crawl cannot accumulate duplicates.
type DataEraser interface {
	EraseSource(ctx context.Context, sourceID string) error
}

// CompletionCounter reports the persisted row counts for a source.
type CompletionCounter interface {
	Counts(ctx context.Context, sourceID string) (Counts, error)
}

// ProgressFunc receives progress reports during execution.
type ProgressFunc func(ctx context.Context, p Progress)

// Executor performs the actual crawl. Cancellation is cooperative: the
// executor must observe ctx between page fetches.
type Executor interface {
	Execute(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item/batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Package crawl declares the domain types and collaborator interfaces the
// queue subsystem consumes. The crawl engine, credential service and
// document storage live elsewhere; this package only names the seams.
package crawl

// Source describes a registered crawl target resolved from its source ID.
type Source struct {
	ID    string
	Title string
	// URL is the crawl entry point. An empty URL makes the source
	// uncrawlable and fails the queue item.
	URL                 string
	MaxDepth            int
	MaxPages            int
	Tags                []string
	ExtractCodeExamples bool
}

// Request carries the parameters handed to an Executor for one crawl.
type Request struct {
	// ProgressID identifies the crawl operation for pause/resume
	// checkpoints. Distinct from the queue item ID.
	ProgressID          string
	SourceID            string
	URL                 string
	MaxDepth            int
	MaxPages            int
	Tags                []string
	ExtractCodeExamples bool
}

// Progress is a point-in-time report emitted by an executing crawl.
type Progress struct {
	Stage        string
	CurrentURL   string
	PagesCrawled int
	TotalPages   int
	Percent      float64
}

// Metadata flattens a Progress report into the queue item metadata payload.
func (p Progress) Metadata() map[string]any {
	return map[string]any{
		"stage":         p.Stage,
		"current_url":   p.CurrentURL,
		"pages_crawled": p.PagesCrawled,
		"total_pages":   p.TotalPages,
		"percent":       p.Percent,
	}
}

// Result summarizes a finished execution as reported by the executor.
// The worker does not trust it: completion is validated against the
// persisted counts instead.
type Result struct {
	PagesCrawled int
	Paused       bool
}

// Counts holds the persisted row counts for one source, queried after a
// crawl reports completion.
type Counts struct {
	Pages        int64
	Chunks       int64
	CodeExamples int64
}

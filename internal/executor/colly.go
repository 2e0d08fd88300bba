// Package executor provides a reference crawl.Executor built on Colly.
// It drives its own breadth-first frontier instead of Colly's traversal so
// cancellation, page/depth limits and pause checkpoints stay under the
// caller's control; Colly handles the per-page fetch and link extraction.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/corpusworks/crawlqueue/internal/crawl"
	"github.com/corpusworks/crawlqueue/internal/crawlstate"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Colly implements crawl.Executor. A nil state manager disables pause
// checkpointing; the executor then runs each crawl to completion.
type Colly struct {
	cfg    Config
	states *crawlstate.Manager
	logger *zap.Logger

	// pauses holds progress IDs with an outstanding pause request.
	pauses sync.Map
}

// New builds a Colly executor.
func New(cfg Config, states *crawlstate.Manager, logger *zap.Logger) *Colly {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Colly{cfg: cfg, states: states, logger: logger}
}

// RequestPause asks the crawl identified by progressID to checkpoint and
// stop at its next page boundary.
func (c *Colly) RequestPause(progressID string) {
	c.pauses.Store(progressID, struct{}{})
}

type frontierEntry struct {
	url   string
	depth int
}

// Execute runs a breadth-first crawl from req.URL. If a paused snapshot
// exists for req.ProgressID the frontier is rehydrated from it instead of
// starting over.
func (c *Colly) Execute(ctx context.Context, req crawl.Request, progress crawl.ProgressFunc) (crawl.Result, error) {
	seed, err := url.Parse(req.URL)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("parse crawl url: %w", err)
	}

	visited := make(map[string]struct{})
	var results []crawlstate.PageResult
	var frontier []frontierEntry
	pagesCrawled := 0

	if snap, ok := c.loadCheckpoint(ctx, req.ProgressID); ok {
		for u := range snap.VisitedURLs {
			visited[u] = struct{}{}
		}
		results = snap.CrawlResults
		pagesCrawled = snap.PagesCrawled
		for _, u := range snap.PendingURLs {
			frontier = append(frontier, frontierEntry{url: u, depth: snap.CurrentDepth})
		}
		c.logger.Info("resuming crawl from checkpoint",
			zap.String("progress_id", req.ProgressID),
			zap.Int("pages_crawled", pagesCrawled),
			zap.Int("pending_urls", len(frontier)),
		)
	}
	if len(frontier) == 0 && pagesCrawled == 0 {
		frontier = []frontierEntry{{url: req.URL, depth: 0}}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return crawl.Result{PagesCrawled: pagesCrawled}, fmt.Errorf("crawl canceled: %w", err)
		}
		if c.consumePause(req.ProgressID) {
			if err := c.checkpoint(ctx, req, visited, results, frontier, pagesCrawled); err != nil {
				return crawl.Result{PagesCrawled: pagesCrawled}, err
			}
			return crawl.Result{PagesCrawled: pagesCrawled, Paused: true}, nil
		}
		if req.MaxPages > 0 && pagesCrawled >= req.MaxPages {
			break
		}

		entry := frontier[0]
		frontier = frontier[1:]
		if _, seen := visited[entry.url]; seen {
			continue
		}
		visited[entry.url] = struct{}{}

		page, links, err := c.fetch(ctx, entry.url)
		if err != nil {
			c.logger.Warn("page fetch failed",
				zap.String("url", entry.url), zap.Error(err))
			continue
		}
		page.Depth = entry.depth
		results = append(results, page)
		pagesCrawled++

		if progress != nil {
			progress(ctx, crawl.Progress{
				Stage:        "crawling",
				CurrentURL:   entry.url,
				PagesCrawled: pagesCrawled,
				TotalPages:   req.MaxPages,
				Percent:      percentOf(pagesCrawled, req.MaxPages),
			})
		}

		if req.MaxDepth > 0 && entry.depth >= req.MaxDepth {
			continue
		}
		for _, link := range links {
			if !sameHost(seed, link) {
				continue
			}
			if _, seen := visited[link]; seen {
				continue
			}
			frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
		}
	}

	// A finished crawl has no checkpoint to resume.
	if c.states != nil {
		if err := c.states.Delete(context.WithoutCancel(ctx), req.ProgressID); err != nil {
			c.logger.Warn("checkpoint cleanup failed",
				zap.String("progress_id", req.ProgressID), zap.Error(err))
		}
	}
	return crawl.Result{PagesCrawled: pagesCrawled}, nil
}

func (c *Colly) loadCheckpoint(ctx context.Context, progressID string) (crawlstate.Snapshot, bool) {
	if c.states == nil || progressID == "" {
		return crawlstate.Snapshot{}, false
	}
	snap, err := c.states.Load(ctx, progressID)
	if err != nil {
		if !errors.Is(err, crawlstate.ErrNotFound) {
			c.logger.Warn("checkpoint load failed",
				zap.String("progress_id", progressID), zap.Error(err))
		}
		return crawlstate.Snapshot{}, false
	}
	if err := c.states.UpdateStatus(ctx, progressID, crawlstate.StatusResumed); err != nil {
		c.logger.Warn("checkpoint resume transition failed",
			zap.String("progress_id", progressID), zap.Error(err))
	}
	return snap, true
}

func (c *Colly) consumePause(progressID string) bool {
	if progressID == "" {
		return false
	}
	_, ok := c.pauses.LoadAndDelete(progressID)
	return ok
}

func (c *Colly) checkpoint(
	ctx context.Context,
	req crawl.Request,
	visited map[string]struct{},
	results []crawlstate.PageResult,
	frontier []frontierEntry,
	pagesCrawled int,
) error {
	if c.states == nil {
		return nil
	}
	pending := make([]string, 0, len(frontier))
	depth := 0
	for _, e := range frontier {
		pending = append(pending, e.url)
		if e.depth > depth {
			depth = e.depth
		}
	}
	snap := crawlstate.Snapshot{
		ProgressID:      req.ProgressID,
		SourceID:        req.SourceID,
		CrawlType:       "normal",
		CrawlResults:    results,
		PendingURLs:     pending,
		VisitedURLs:     visited,
		CurrentDepth:    depth,
		MaxDepth:        req.MaxDepth,
		PagesCrawled:    pagesCrawled,
		TotalPages:      req.MaxPages,
		ProgressPercent: percentOf(pagesCrawled, req.MaxPages),
		OriginalRequest: map[string]any{
			"url":                   req.URL,
			"max_depth":             req.MaxDepth,
			"max_pages":             req.MaxPages,
			"tags":                  req.Tags,
			"extract_code_examples": req.ExtractCodeExamples,
		},
	}
	if err := c.states.Save(context.WithoutCancel(ctx), snap); err != nil {
		return fmt.Errorf("checkpoint crawl: %w", err)
	}
	return nil
}

// fetch retrieves one page and the absolute URLs it links to.
func (c *Colly) fetch(ctx context.Context, pageURL string) (crawlstate.PageResult, []string, error) {
	collector := colly.NewCollector(colly.Async(false))
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.Timeout)

	page := crawlstate.PageResult{URL: pageURL}
	var links []string
	var fetchErr error

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if page.Title == "" {
			page.Title = e.Text
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if abs := e.Request.AbsoluteURL(e.Attr("href")); abs != "" {
			links = append(links, abs)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		page.URL = r.Request.URL.String()
		page.Content = string(r.Body)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return crawlstate.PageResult{}, nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawlstate.PageResult{}, nil, fmt.Errorf("visit %s: %w", pageURL, err)
		}
		if fetchErr != nil {
			return crawlstate.PageResult{}, nil, fmt.Errorf("fetch %s: %w", pageURL, fetchErr)
		}
		return page, links, nil
	}
}

func sameHost(seed *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return u.Host == seed.Host
}

func percentOf(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

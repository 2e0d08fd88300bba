package executor_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/crawlqueue/internal/crawl"
	"github.com/corpusworks/crawlqueue/internal/crawlstate"
	"github.com/corpusworks/crawlqueue/internal/executor"
	"github.com/corpusworks/crawlqueue/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
			<a href="/a">A</a> <a href="/b">B</a>
		</body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page A</title></head><body>
			<a href="/deep">Deep</a>
		</body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page B</title></head><body>done</body></html>`)
	})
	mux.HandleFunc("/deep", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Deep</title></head><body>deep</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newStateManager() *crawlstate.Manager {
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return crawlstate.NewManager(memory.NewStateStore(), clock, nil)
}

func TestExecuteCrawlsBreadthFirst(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	states := newStateManager()
	exec := executor.New(executor.Config{Timeout: 5 * time.Second}, states, nil)

	var mu sync.Mutex
	var reports []crawl.Progress
	progress := func(_ context.Context, p crawl.Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}

	result, err := exec.Execute(context.Background(), crawl.Request{
		ProgressID: "prog-1",
		SourceID:   "src-1",
		URL:        srv.URL + "/",
		MaxDepth:   2,
		MaxPages:   10,
	}, progress)
	require.NoError(t, err)
	require.False(t, result.Paused)
	// Home, A, B at depth <=1 plus Deep at depth 2.
	require.Equal(t, 4, result.PagesCrawled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 4)
	require.Equal(t, srv.URL+"/", reports[0].CurrentURL)
	require.Equal(t, 4, reports[3].PagesCrawled)
}

func TestExecuteHonorsPageLimit(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	exec := executor.New(executor.Config{Timeout: 5 * time.Second}, newStateManager(), nil)

	result, err := exec.Execute(context.Background(), crawl.Request{
		ProgressID: "prog-limit",
		URL:        srv.URL + "/",
		MaxDepth:   5,
		MaxPages:   2,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesCrawled)
}

func TestExecuteHonorsDepthLimit(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	exec := executor.New(executor.Config{Timeout: 5 * time.Second}, newStateManager(), nil)

	result, err := exec.Execute(context.Background(), crawl.Request{
		ProgressID: "prog-depth",
		URL:        srv.URL + "/",
		MaxDepth:   1,
		MaxPages:   10,
	}, nil)
	require.NoError(t, err)
	// Deep sits at depth 2 and must not be fetched.
	require.Equal(t, 3, result.PagesCrawled)
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	exec := executor.New(executor.Config{Timeout: 5 * time.Second}, newStateManager(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, crawl.Request{
		ProgressID: "prog-cancel",
		URL:        srv.URL + "/",
		MaxPages:   10,
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPauseCheckpointAndResume(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	states := newStateManager()
	exec := executor.New(executor.Config{Timeout: 5 * time.Second}, states, nil)
	ctx := context.Background()

	req := crawl.Request{
		ProgressID: "prog-pause",
		SourceID:   "src-1",
		URL:        srv.URL + "/",
		MaxDepth:   2,
		MaxPages:   10,
	}

	// Pause requested before the first page: the crawl checkpoints
	// immediately with the seed still pending.
	exec.RequestPause(req.ProgressID)
	result, err := exec.Execute(ctx, req, nil)
	require.NoError(t, err)
	require.True(t, result.Paused)
	require.Equal(t, 0, result.PagesCrawled)

	snap, err := states.Load(ctx, req.ProgressID)
	require.NoError(t, err)
	require.Equal(t, crawlstate.StatusPaused, snap.Status)
	require.Equal(t, []string{srv.URL + "/"}, snap.PendingURLs)

	// Resume runs the crawl to completion and removes the checkpoint.
	result, err = exec.Execute(ctx, req, nil)
	require.NoError(t, err)
	require.False(t, result.Paused)
	require.Equal(t, 4, result.PagesCrawled)

	_, err = states.Load(ctx, req.ProgressID)
	require.ErrorIs(t, err, crawlstate.ErrNotFound)
}

func TestExecuteRejectsBadURL(t *testing.T) {
	t.Parallel()
	exec := executor.New(executor.Config{}, nil, nil)
	_, err := exec.Execute(context.Background(), crawl.Request{URL: "://not-a-url"}, nil)
	require.Error(t, err)
}

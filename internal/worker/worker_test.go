package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/frontier"
	"github.com/JakeFAU/multicrawl/internal/policy/politeness"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	calls     []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	resp, ok := f.responses[req.URL]
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		return crawler.FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	return resp, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRobots struct {
	disallow []string
	delay    time.Duration
}

func (r *fakeRobots) IsAllowed(_ context.Context, rawURL, _ string) bool {
	for _, prefix := range r.disallow {
		if strings.HasPrefix(rawURL, prefix) {
			return false
		}
	}
	return true
}

func (r *fakeRobots) CrawlDelay(context.Context, string, string) time.Duration {
	return r.delay
}

type linkVisitor struct {
	links map[string][]string
	err   error
	panic bool
	seen  atomic.Int32
}

func (v *linkVisitor) Visit(_ context.Context, page *crawler.Page) ([]string, error) {
	v.seen.Add(1)
	if v.panic {
		panic("boom")
	}
	if v.err != nil {
		return nil, v.err
	}
	return v.links[page.URL()], nil
}

type filteringVisitor struct {
	linkVisitor
	block string
}

func (v *filteringVisitor) ShouldVisit(_ *crawler.Page, url string) bool {
	return !strings.Contains(url, v.block)
}

type countingBudget struct {
	max  int64
	used atomic.Int64
}

func (b *countingBudget) TryAcquire() bool {
	if b.used.Add(1) > b.max {
		b.used.Add(-1)
		return false
	}
	return true
}

func (b *countingBudget) Exhausted() bool { return b.used.Load() >= b.max }

type recordingGate struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (g *recordingGate) AwaitTurn(_ context.Context, _ string, minDelay time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delays = append(g.delays, minDelay)
	return g.err
}

type harness struct {
	frontier *frontier.Frontier
	fetcher  *fakeFetcher
	robots   *fakeRobots
	stats    *crawler.Stats
	deps     Deps
	cfg      Config
}

func newHarness(t *testing.T, maxDepth int) *harness {
	t.Helper()
	f, err := frontier.New(context.Background(), frontier.Config{MaxDepth: maxDepth})
	require.NoError(t, err)
	h := &harness{
		frontier: f,
		fetcher:  &fakeFetcher{responses: map[string]crawler.FetchResponse{}},
		robots:   &fakeRobots{},
		stats:    &crawler.Stats{},
		cfg: Config{
			Controller:     "test",
			RunID:          "run-1",
			UserAgent:      "test-agent",
			DequeueTimeout: 20 * time.Millisecond,
		},
	}
	h.deps = Deps{
		Frontier: f,
		Gate:     politeness.New(politeness.Config{Name: "test"}),
		Robots:   h.robots,
		Fetcher:  h.fetcher,
		Stats:    h.stats,
	}
	return h
}

func (h *harness) page(url string, status int) {
	h.fetcher.responses[url] = crawler.FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: status,
		Body:       []byte("<html></html>"),
	}
}

func (h *harness) seed(t *testing.T, url string) crawler.Entry {
	t.Helper()
	ok, err := h.frontier.Enqueue(context.Background(), url, 0, "")
	require.NoError(t, err)
	require.True(t, ok)
	entry, ok := h.frontier.DequeueBlocking(context.Background(), time.Second)
	require.True(t, ok)
	return entry
}

func TestProcess_EnqueuesOutlinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.page("http://a.test/", http.StatusOK)
	visitor := &linkVisitor{links: map[string][]string{
		"http://a.test/": {"/one", "two", "mailto:x@a.test", "http://b.test/three#frag"},
	}}
	w := New(1, h.cfg, h.deps, visitor)

	entry := h.seed(t, "http://a.test/")
	ctx := context.Background()
	res := w.Process(ctx, ctx, entry)

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 3, res.Links)
	assert.Equal(t, 3, res.Enqueued)
	assert.Equal(t, 3, h.frontier.Pending())

	next, ok := h.frontier.DequeueBlocking(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "http://a.test/one", next.URL)
	assert.Equal(t, 1, next.Depth)
	assert.Equal(t, "http://a.test/", next.ParentURL)
}

func TestProcess_RobotsDisallowedSkipsFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.robots.disallow = []string{"http://a.test/private"}
	w := New(1, h.cfg, h.deps, &linkVisitor{})

	entry := h.seed(t, "http://a.test/private/x")
	ctx := context.Background()
	w.handle(ctx, ctx, entry)

	assert.Empty(t, h.fetcher.Calls())
	assert.Equal(t, int64(1), h.stats.Snapshot().PagesSkipped)
	assert.True(t, h.frontier.Drained())
}

func TestProcess_HTTPErrorIsFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	visitor := &linkVisitor{}
	w := New(1, h.cfg, h.deps, visitor)

	entry := h.seed(t, "http://a.test/missing")
	ctx := context.Background()
	res := w.Process(ctx, ctx, entry)

	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	require.ErrorIs(t, res.Err, crawler.ErrFetch)
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, res.Err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Zero(t, visitor.seen.Load())
}

func TestProcess_VisitorFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		visitor *linkVisitor
	}{
		{name: "error", visitor: &linkVisitor{err: errors.New("bad page")}},
		{name: "panic", visitor: &linkVisitor{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, -1)
			h.page("http://a.test/", http.StatusOK)
			w := New(1, h.cfg, h.deps, tt.visitor)

			entry := h.seed(t, "http://a.test/")
			ctx := context.Background()
			w.handle(ctx, ctx, entry)

			snap := h.stats.Snapshot()
			assert.Equal(t, int64(1), snap.PagesFailed)
			assert.Equal(t, int64(1), snap.FetchAttempts)
			assert.True(t, h.frontier.Drained())

			res := w.Process(ctx, ctx, h.seed(t, "http://a.test/again"))
			assert.Equal(t, OutcomeFetchFailed, res.Outcome)

			h.page("http://a.test/third", http.StatusOK)
			res = w.Process(ctx, ctx, h.seed(t, "http://a.test/third"))
			assert.Equal(t, OutcomeCallbackFailed, res.Outcome)
			require.ErrorIs(t, res.Err, crawler.ErrCallback)
		})
	}
}

func TestProcess_RedirectToSeenURLIsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.fetcher.responses["http://a.test/old"] = crawler.FetchResponse{
		FinalURL:   "HTTP://A.test:80/new",
		StatusCode: http.StatusOK,
	}
	visitor := &linkVisitor{}
	w := New(1, h.cfg, h.deps, visitor)
	ctx := context.Background()

	_, err := h.frontier.Enqueue(ctx, "http://a.test/new", 0, "")
	require.NoError(t, err)
	_, ok := h.frontier.DequeueBlocking(ctx, time.Second)
	require.True(t, ok)

	res := w.Process(ctx, ctx, h.seed(t, "http://a.test/old"))
	assert.Equal(t, OutcomeSkippedDuplicate, res.Outcome)
	assert.Zero(t, visitor.seen.Load())
}

func TestProcess_RedirectMarksTargetSeen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.fetcher.responses["http://a.test/old"] = crawler.FetchResponse{
		FinalURL:   "http://a.test/new",
		StatusCode: http.StatusOK,
	}
	visitor := &linkVisitor{links: map[string][]string{"http://a.test/new": {"/new"}}}
	w := New(1, h.cfg, h.deps, visitor)
	ctx := context.Background()

	res := w.Process(ctx, ctx, h.seed(t, "http://a.test/old"))
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, res.Links)
	assert.Zero(t, res.Enqueued)
}

func TestProcess_BudgetExhaustedReleasesEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.page("http://a.test/", http.StatusOK)
	var exhausted atomic.Int32
	h.deps.Budget = &countingBudget{max: 0}
	h.deps.OnBudgetExhausted = func() { exhausted.Add(1) }
	w := New(1, h.cfg, h.deps, &linkVisitor{})

	entry := h.seed(t, "http://a.test/")
	ctx := context.Background()
	w.handle(ctx, ctx, entry)

	assert.Empty(t, h.fetcher.Calls())
	assert.Equal(t, 1, h.frontier.Pending())
	assert.Zero(t, h.frontier.InFlight())
	assert.Equal(t, int32(1), exhausted.Load())
}

func TestProcess_GateCancelKeepsBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	budget := &countingBudget{max: 1}
	h.deps.Budget = budget
	h.deps.Gate = &recordingGate{err: context.Canceled}
	w := New(1, h.cfg, h.deps, &linkVisitor{})

	entry := h.seed(t, "http://a.test/")
	ctx := context.Background()
	w.handle(ctx, ctx, entry)

	assert.Equal(t, int64(0), budget.used.Load())
	assert.Equal(t, 1, h.frontier.Pending())
	assert.Empty(t, h.fetcher.Calls())
}

func TestProcess_OutlinkCapAndFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.page("http://a.test/", http.StatusOK)
	h.cfg.MaxOutlinks = 3
	visitor := &filteringVisitor{
		linkVisitor: linkVisitor{links: map[string][]string{
			"http://a.test/": {"/a", "/skip-b", "/c", "/d", "/e"},
		}},
		block: "skip",
	}
	w := New(1, h.cfg, h.deps, visitor)

	ctx := context.Background()
	res := w.Process(ctx, ctx, h.seed(t, "http://a.test/"))

	assert.Equal(t, 3, res.Links)
	assert.Equal(t, 2, res.Enqueued)
}

func TestProcess_DepthLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.page("http://a.test/", http.StatusOK)
	visitor := &linkVisitor{links: map[string][]string{"http://a.test/": {"/deeper"}}}
	w := New(1, h.cfg, h.deps, visitor)

	ctx := context.Background()
	res := w.Process(ctx, ctx, h.seed(t, "http://a.test/"))

	assert.Equal(t, 1, res.Links)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, h.frontier.Pending())
}

func TestDelayFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		honor  bool
		robots time.Duration
		want   time.Duration
	}{
		{name: "ignored", honor: false, robots: 5 * time.Second, want: time.Second},
		{name: "shorter than politeness", honor: true, robots: 100 * time.Millisecond, want: time.Second},
		{name: "longer than politeness", honor: true, robots: 3 * time.Second, want: 3 * time.Second},
		{name: "capped", honor: true, robots: time.Hour, want: 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, -1)
			h.robots.delay = tt.robots
			h.cfg.PolitenessDelay = time.Second
			h.cfg.HonorCrawlDelay = tt.honor
			h.cfg.MaxCrawlDelay = 10 * time.Second
			gate := &recordingGate{}
			h.deps.Gate = gate
			w := New(1, h.cfg, h.deps, &linkVisitor{})

			ctx := context.Background()
			w.Process(ctx, ctx, h.seed(t, "http://a.test/"))

			require.Len(t, gate.delays, 1)
			assert.Equal(t, tt.want, gate.delays[0])
		})
	}
}

func TestRun_DrainsFrontierAndStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.page("http://a.test/", http.StatusOK)
	h.page("http://a.test/x", http.StatusOK)
	h.page("http://a.test/y", http.StatusOK)
	visitor := &linkVisitor{links: map[string][]string{
		"http://a.test/":  {"/x", "/y"},
		"http://a.test/x": {"/y", "/"},
	}}
	var transitions atomic.Int32
	h.deps.OnStateChange = func() { transitions.Add(1) }
	w := New(7, h.cfg, h.deps, visitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.frontier.Enqueue(ctx, "http://a.test/", 0, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Run(ctx, context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.stats.Snapshot().PagesFetched == 3 && h.frontier.Drained()
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"http://a.test/", "http://a.test/x", "http://a.test/y"}, h.fetcher.Calls())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 7, w.ID())
	assert.Positive(t, transitions.Load())
}

func TestRun_BudgetExhaustedParksWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	h.page("http://a.test/", http.StatusOK)
	h.deps.Budget = &countingBudget{max: 1}
	var exhausted atomic.Int32
	h.deps.OnBudgetExhausted = func() { exhausted.Add(1) }
	visitor := &linkVisitor{links: map[string][]string{"http://a.test/": {"/x", "/y"}}}
	w := New(1, h.cfg, h.deps, visitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.frontier.Enqueue(ctx, "http://a.test/", 0, "")
	require.NoError(t, err)
	go w.Run(ctx, context.Background())

	require.Eventually(t, func() bool { return exhausted.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.fetcher.Calls(), 1)
	assert.Equal(t, 2, h.frontier.Pending())
	assert.Equal(t, StateIdle, w.State())
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gating", StateGating.String())
	assert.True(t, StateFetching.Busy())
	assert.False(t, StateDequeuing.Busy())
	assert.Equal(t, "skipped_robots", OutcomeSkippedRobots.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

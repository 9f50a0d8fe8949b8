package robots

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/storage/memory"
)

type fakeFetcher struct {
	calls  atomic.Int64
	delay  time.Duration
	status int
	body   string
	err    error
	gate   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: f.status, Body: []byte(f.body)}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newResolver(t *testing.T, fetcher crawler.Fetcher, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{Enabled: true, FailureTTL: time.Minute, CacheTTL: time.Hour}, fetcher, opts...)
	require.NoError(t, err)
	return r
}

func TestIsAllowedHonorsDisallow(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{status: 200, body: "User-agent: *\nDisallow: /private\n\nUser-agent: badbot\nDisallow: /\n"}
	r := newResolver(t, fetcher)
	ctx := context.Background()

	require.True(t, r.IsAllowed(ctx, "https://example.com/public", "goodbot"))
	require.False(t, r.IsAllowed(ctx, "https://example.com/private/page", "goodbot"))
	require.False(t, r.IsAllowed(ctx, "https://example.com/public", "badbot"))
	require.EqualValues(t, 1, fetcher.calls.Load(), "rule is cached per host")
	require.False(t, r.IsAllowed(ctx, "://bad url", "goodbot"))
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{status: 200, body: "User-agent: *\nDisallow: /b\n", delay: 50 * time.Millisecond}
	r := newResolver(t, fetcher)

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.IsAllowed(context.Background(), "https://example.com/a", "bot") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, fetcher.calls.Load())
	require.EqualValues(t, 32, allowed.Load())
}

func TestFailureAllowsAllWithShortTTL(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	r := newResolver(t, fetcher, WithClock(clock))
	ctx := context.Background()

	require.True(t, r.IsAllowed(ctx, "https://down.example/anything", "bot"))
	target, _ := url.Parse("https://down.example/")
	rule, err := r.Rule(ctx, target)
	require.NoError(t, err)
	require.True(t, rule.Failed)
	require.Equal(t, clock.Now().Add(time.Minute), rule.ExpiresAt)
	require.EqualValues(t, 1, fetcher.calls.Load())

	clock.Advance(2 * time.Minute)
	require.True(t, r.IsAllowed(ctx, "https://down.example/anything", "bot"))
	require.EqualValues(t, 2, fetcher.calls.Load(), "expired failure is refetched")
}

func TestNotFoundAllowsAll(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{status: 404, body: "User-agent: *\nDisallow: /"}
	r := newResolver(t, fetcher)
	require.True(t, r.IsAllowed(context.Background(), "https://example.com/x", "bot"))
}

func TestDisabledResolverNeverFetches(t *testing.T) {
	t.Parallel()
	r, err := NewResolver(Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.True(t, r.IsAllowed(context.Background(), "https://example.com/x", "bot"))
	require.Zero(t, r.CrawlDelay(context.Background(), "https://example.com/x", "bot"))

	_, err = NewResolver(Config{Enabled: true}, nil)
	require.Error(t, err)
}

func TestCrawlDelay(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{status: 200, body: "User-agent: *\nCrawl-delay: 2\nDisallow: /tmp\n"}
	r := newResolver(t, fetcher)
	require.Equal(t, 2*time.Second, r.CrawlDelay(context.Background(), "https://example.com/", "bot"))
}

func TestRulesPersistAcrossResolvers(t *testing.T) {
	t.Parallel()
	store := memory.NewKV()
	fetcher := &fakeFetcher{status: 200, body: "User-agent: *\nDisallow: /secret\n"}

	first := newResolver(t, fetcher, WithStore(store))
	require.False(t, first.IsAllowed(context.Background(), "https://example.com/secret", "bot"))

	second := newResolver(t, fetcher, WithStore(store))
	require.False(t, second.IsAllowed(context.Background(), "https://example.com/secret", "bot"))
	require.True(t, second.IsAllowed(context.Background(), "https://example.com/open", "bot"))
	require.EqualValues(t, 1, fetcher.calls.Load())

	require.NoError(t, second.Purge(context.Background(), "https://example.com"))
	require.Zero(t, second.Len())
	require.True(t, second.IsAllowed(context.Background(), "https://example.com/open", "bot"))
	require.EqualValues(t, 2, fetcher.calls.Load())
}

func TestCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{status: 200, body: "User-agent: *\nDisallow: /no\n", gate: make(chan struct{})}
	r := newResolver(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan bool, 1)
	go func() { cancelled <- r.IsAllowed(ctx, "https://example.com/yes", "bot") }()

	patient := make(chan bool, 1)
	go func() { patient <- r.IsAllowed(context.Background(), "https://example.com/no", "bot") }()

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case got := <-cancelled:
		require.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller stayed blocked")
	}

	close(fetcher.gate)
	require.False(t, <-patient)
	require.EqualValues(t, 1, fetcher.calls.Load())
}

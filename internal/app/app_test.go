package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/config"
	"github.com/JakeFAU/multicrawl/internal/controller"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	collyfetcher "github.com/JakeFAU/multicrawl/internal/fetcher/colly"
	"github.com/JakeFAU/multicrawl/internal/storage/memory"
)

type fakeWeb struct {
	mu      sync.Mutex
	pages   map[string]string
	endless bool
	agents  []string
}

func (w *fakeWeb) factory(cfg collyfetcher.Config) crawler.Fetcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agents = append(w.agents, cfg.UserAgent)
	return w
}

func (w *fakeWeb) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	w.mu.Lock()
	body, ok := w.pages[req.URL]
	endless := w.endless
	w.mu.Unlock()
	if !ok && endless && !strings.HasSuffix(req.URL, "/robots.txt") {
		body, ok = fmt.Sprintf(`<a href="%s/next">next</a>`, strings.TrimSuffix(req.URL, "/")), true
	}
	if !ok {
		return crawler.FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}, nil
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func testAppConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		StorageRoot: t.TempDir(),
		HTTP:        config.HTTPConfig{Timeout: time.Second, UserAgent: "multicrawl-test"},
		Robots:      config.RobotsConfig{Enabled: true, Persist: true},
		Sink:        config.SinkConfig{Type: config.SinkLog},
		Controllers: []config.ControllerConfig{
			{
				Name:                "crawler1",
				Workers:             2,
				Seeds:               []string{"http://a.test/"},
				AllowedDomains:      []string{"a.test"},
				TerminationDebounce: durationPtr(20 * time.Millisecond),
			},
			{
				Name:                "crawler2",
				Workers:             3,
				UserAgent:           "crawler2-agent",
				Seeds:               []string{"http://b.test/"},
				AllowedDomains:      []string{"http://b.test/"},
				TerminationDebounce: durationPtr(20 * time.Millisecond),
			},
		},
	}
}

func pageURLs(records []crawler.PageRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.URL
	}
	sort.Strings(out)
	return out
}

func TestRunCrawlsEveryController(t *testing.T) {
	t.Parallel()

	web := &fakeWeb{pages: map[string]string{
		"http://a.test/":    `<a href="/one">1</a><a href="/two">2</a><a href="http://b.test/">b</a><a href="/logo.png">logo</a>`,
		"http://a.test/one": `<a href="/two">2</a>`,
		"http://a.test/two": `<p>leaf</p>`,
		"http://b.test/":    `<a href="/x">x</a><a href="http://a.test/one">a</a>`,
		"http://b.test/x":   `<p>leaf</p>`,
	}}
	sink := memory.NewPageStore()

	a, err := New(context.Background(), testAppConfig(t), zap.NewNop(),
		WithFetcherFactory(web.factory),
		WithSink(sink),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	assert.Equal(t, []string{"multicrawl-test", "crawler2-agent"}, web.agents)
	assert.Equal(t,
		[]string{"http://a.test/", "http://a.test/one", "http://a.test/two"},
		pageURLs(sink.ListPages("crawler1")),
	)
	assert.Equal(t,
		[]string{"http://b.test/", "http://b.test/x"},
		pageURLs(sink.ListPages("crawler2")),
	)
	for _, c := range a.Controllers() {
		assert.Equal(t, controller.StateFinished, c.State(), c.Name())
		assert.Equal(t, controller.ReasonCompleted, c.Reason(), c.Name())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	web := &fakeWeb{pages: map[string]string{}, endless: true}
	cfg := testAppConfig(t)
	cfg.Robots.Enabled = false

	a, err := New(context.Background(), cfg, zap.NewNop(),
		WithFetcherFactory(web.factory),
		WithSink(memory.NewPageStore()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, c := range a.Controllers() {
			if c.Stats().PagesFetched == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	for _, c := range a.Controllers() {
		assert.Equal(t, controller.ReasonShutdown, c.Reason(), c.Name())
	}
}

func TestNewSharesNamedGates(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.Controllers[0].Gate = "shared"
	cfg.Controllers[1].Gate = "shared"
	cfg.Controllers = append(cfg.Controllers, config.ControllerConfig{
		Name:  "crawler3",
		Seeds: []string{"http://a.test/"},
	})
	web := &fakeWeb{pages: map[string]string{}}

	a, err := New(context.Background(), cfg, zap.NewNop(),
		WithFetcherFactory(web.factory),
		WithSink(memory.NewPageStore()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	first, ok := a.Gate("crawler1")
	require.True(t, ok)
	second, ok := a.Gate("crawler2")
	require.True(t, ok)
	own, ok := a.Gate("crawler3")
	require.True(t, ok)

	assert.Same(t, first, second)
	assert.Equal(t, "shared", first.Name())
	assert.NotSame(t, first, own)
	assert.Equal(t, "crawler3", own.Name())

	_, ok = a.Gate("missing")
	assert.False(t, ok)
}

func TestNewRejectsBadSink(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.Sink = config.SinkConfig{Type: config.SinkLocal}
	web := &fakeWeb{pages: map[string]string{}}

	_, err := New(context.Background(), cfg, zap.NewNop(), WithFetcherFactory(web.factory))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local sink")
}

func TestNewRejectsBadSeed(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.Controllers[1].Seeds = []string{"::not a url"}
	web := &fakeWeb{pages: map[string]string{}}

	_, err := New(context.Background(), cfg, zap.NewNop(),
		WithFetcherFactory(web.factory),
		WithSink(memory.NewPageStore()),
	)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestNewWithoutControllers(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.Controllers = nil
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

// Package worker runs the fetch loop of a crawl controller: dequeue an entry,
// clear robots.txt and the politeness gate, fetch, hand the page to the
// visitor and feed the outlinks back into the frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/clock/system"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/metrics"
)

// Frontier is the subset of the frontier a worker drives.
type Frontier interface {
	DequeueBlocking(ctx context.Context, timeout time.Duration) (crawler.Entry, bool)
	Enqueue(ctx context.Context, url string, depth int, parent string) (bool, error)
	MarkSeen(ctx context.Context, url string) (bool, error)
	Complete(ctx context.Context, entry crawler.Entry) error
	Release(entry crawler.Entry)
}

// Gate spaces requests to the same host.
type Gate interface {
	AwaitTurn(ctx context.Context, host string, minDelay time.Duration) error
}

// Budget limits the number of fetches across all workers of a controller.
type Budget interface {
	TryAcquire() bool
	Exhausted() bool
}

// Config holds the per-controller settings a worker reads.
type Config struct {
	Controller      string
	RunID           string
	UserAgent       string
	PolitenessDelay time.Duration
	HonorCrawlDelay bool
	MaxCrawlDelay   time.Duration
	MaxOutlinks     int
	DequeueTimeout  time.Duration
}

// ConfigFrom derives the worker settings from a controller configuration.
func ConfigFrom(cfg crawler.CrawlConfig, runID string) Config {
	return Config{
		Controller:      cfg.Name,
		RunID:           runID,
		UserAgent:       cfg.UserAgent,
		PolitenessDelay: cfg.PolitenessDelay,
		HonorCrawlDelay: cfg.HonorCrawlDelay,
		MaxCrawlDelay:   cfg.MaxCrawlDelay,
		MaxOutlinks:     cfg.MaxOutlinksPerPage,
		DequeueTimeout:  cfg.DequeueTimeout,
	}
}

// Deps are the collaborators shared by the workers of one controller.
type Deps struct {
	Frontier Frontier
	Gate     Gate
	Robots   crawler.RobotsChecker
	Fetcher  crawler.Fetcher
	Stats    *crawler.Stats
	// Budget is optional; nil means unlimited.
	Budget Budget
	Clock  crawler.Clock
	// OnStateChange is called after every state transition.
	OnStateChange func()
	// OnBudgetExhausted is called each time a worker finds the budget spent.
	OnBudgetExhausted func()
	Logger            *zap.Logger
}

// Worker processes frontier entries one at a time.
type Worker struct {
	id      int
	cfg     Config
	deps    Deps
	visitor crawler.Visitor
	filter  crawler.LinkFilter
	logger  *zap.Logger
	state   atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a worker. The visitor is owned by this worker only.
func New(id int, cfg Config, deps Deps, visitor crawler.Visitor) *Worker {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Stats == nil {
		deps.Stats = &crawler.Stats{}
	}
	if deps.OnStateChange == nil {
		deps.OnStateChange = func() {}
	}
	if deps.OnBudgetExhausted == nil {
		deps.OnBudgetExhausted = func() {}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = crawler.DefaultDequeueTimeout
	}
	w := &Worker{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		visitor: visitor,
		logger:  deps.Logger.With(zap.String("controller", cfg.Controller), zap.Int("worker", id)),
		ready:   make(chan struct{}),
	}
	w.filter, _ = visitor.(crawler.LinkFilter)
	return w
}

// ID returns the worker index within its controller.
func (w *Worker) ID() int {
	return w.id
}

// Ready is closed once Run has started and the worker is idle.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	w.deps.OnStateChange()
}

// Run loops until ctx is cancelled. ctx also bounds dequeue and politeness
// waits; workCtx bounds an in-flight fetch and visitor call, so a stop lets
// the current page finish until workCtx is cancelled too.
func (w *Worker) Run(ctx, workCtx context.Context) {
	defer w.setState(StateStopped)
	w.setState(StateIdle)
	w.readyOnce.Do(func() { close(w.ready) })

	for {
		if ctx.Err() != nil {
			w.setState(StateStopping)
			return
		}
		if w.deps.Budget != nil && w.deps.Budget.Exhausted() {
			w.setState(StateIdle)
			w.deps.OnBudgetExhausted()
			<-ctx.Done()
			continue
		}

		w.setState(StateDequeuing)
		entry, ok := w.deps.Frontier.DequeueBlocking(ctx, w.cfg.DequeueTimeout)
		if !ok {
			w.setState(StateIdle)
			continue
		}
		w.handle(ctx, workCtx, entry)
		w.setState(StateIdle)
	}
}

// handle processes entry and settles it with the frontier.
func (w *Worker) handle(ctx, workCtx context.Context, entry crawler.Entry) {
	metrics.IncBusyWorkers(w.cfg.Controller)
	defer metrics.DecBusyWorkers(w.cfg.Controller)

	res := w.Process(ctx, workCtx, entry)
	w.record(entry, res)

	switch res.Outcome {
	case OutcomeCanceled, OutcomeBudgetExhausted:
		// Canceled entries are retried by a resumed run.
		w.deps.Frontier.Release(entry)
		if res.Outcome == OutcomeBudgetExhausted {
			w.deps.OnBudgetExhausted()
		}
	default:
		if err := w.deps.Frontier.Complete(context.WithoutCancel(workCtx), entry); err != nil {
			w.logger.Error("complete entry failed", zap.String("url", entry.URL), zap.Error(err))
		}
	}
}

// Process runs the gate, fetch and visit steps for one dequeued entry and
// leaves settling the entry to the caller.
func (w *Worker) Process(ctx, workCtx context.Context, entry crawler.Entry) Result {
	w.setState(StateGating)
	if !w.deps.Robots.IsAllowed(ctx, entry.URL, w.cfg.UserAgent) {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
		}
		return Result{Outcome: OutcomeSkippedRobots}
	}

	if err := w.deps.Gate.AwaitTurn(ctx, entry.Host, w.delayFor(ctx, entry)); err != nil {
		return Result{Outcome: OutcomeCanceled, Err: err}
	}
	// A slot taken here is always spent on a fetch.
	if w.deps.Budget != nil && !w.deps.Budget.TryAcquire() {
		return Result{Outcome: OutcomeBudgetExhausted}
	}

	w.setState(StateFetching)
	w.deps.Stats.IncAttempts()
	resp, err := w.deps.Fetcher.Fetch(workCtx, crawler.FetchRequest{
		URL:       entry.URL,
		UserAgent: w.cfg.UserAgent,
	})
	if err != nil {
		if workCtx.Err() != nil {
			return Result{Outcome: OutcomeCanceled, Err: err}
		}
		return Result{Outcome: OutcomeFetchFailed, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{
			Outcome: OutcomeFetchFailed,
			Bytes:   len(resp.Body),
			Err:     &crawler.FetchError{URL: entry.URL, StatusCode: resp.StatusCode},
		}
	}

	if dup, err := w.duplicateRedirect(workCtx, entry, &resp); err != nil {
		w.logger.Warn("redirect dedup failed", zap.String("url", entry.URL), zap.Error(err))
	} else if dup {
		return Result{Outcome: OutcomeSkippedDuplicate, Bytes: len(resp.Body)}
	}

	w.setState(StateProcessing)
	page := &crawler.Page{
		Entry:      entry,
		Controller: w.cfg.Controller,
		RunID:      w.cfg.RunID,
		WorkerID:   w.id,
		Response:   resp,
		FetchedAt:  w.deps.Clock.Now(),
	}
	links, err := w.visit(workCtx, page)
	if err != nil {
		return Result{Outcome: OutcomeCallbackFailed, Bytes: len(resp.Body), Err: err}
	}
	found, added := w.enqueueLinks(workCtx, page, links)
	return Result{Outcome: OutcomeProcessed, Links: found, Enqueued: added, Bytes: len(resp.Body)}
}

// delayFor returns the spacing to enforce before fetching entry.
func (w *Worker) delayFor(ctx context.Context, entry crawler.Entry) time.Duration {
	delay := w.cfg.PolitenessDelay
	if !w.cfg.HonorCrawlDelay {
		return delay
	}
	robotsDelay := w.deps.Robots.CrawlDelay(ctx, entry.URL, w.cfg.UserAgent)
	if w.cfg.MaxCrawlDelay > 0 && robotsDelay > w.cfg.MaxCrawlDelay {
		robotsDelay = w.cfg.MaxCrawlDelay
	}
	return max(delay, robotsDelay)
}

// duplicateRedirect normalizes the final URL of resp and reports whether a
// redirect landed on a URL that was already known.
func (w *Worker) duplicateRedirect(ctx context.Context, entry crawler.Entry, resp *crawler.FetchResponse) (bool, error) {
	if resp.FinalURL == "" {
		resp.FinalURL = entry.URL
		return false, nil
	}
	final, err := crawler.NormalizeURL(resp.FinalURL)
	if err != nil {
		return false, fmt.Errorf("normalize final url: %w", err)
	}
	resp.FinalURL = final
	if final == entry.URL {
		return false, nil
	}
	fresh, err := w.deps.Frontier.MarkSeen(ctx, final)
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

func (w *Worker) visit(ctx context.Context, page *crawler.Page) (links []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", crawler.ErrCallback, r)
		}
	}()
	links, err = w.visitor.Visit(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrCallback, err)
	}
	return links, nil
}

func (w *Worker) enqueueLinks(ctx context.Context, page *crawler.Page, links []string) (found, added int) {
	base := page.URL()
	for _, href := range links {
		if w.cfg.MaxOutlinks > 0 && found >= w.cfg.MaxOutlinks {
			break
		}
		resolved, err := crawler.ResolveURL(base, href)
		if err != nil {
			continue
		}
		found++
		if w.filter != nil && !w.filter.ShouldVisit(page, resolved) {
			continue
		}
		ok, err := w.deps.Frontier.Enqueue(ctx, resolved, page.Entry.Depth+1, page.Entry.URL)
		if err != nil {
			w.logger.Debug("enqueue outlink failed", zap.String("url", resolved), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return found, added
}

// record updates stats, metrics and logs for a handled entry.
func (w *Worker) record(entry crawler.Entry, res Result) {
	stats := w.deps.Stats
	fields := []zap.Field{zap.String("url", entry.URL), zap.Int("depth", entry.Depth)}

	switch res.Outcome {
	case OutcomeProcessed:
		stats.IncFetched()
		stats.AddLinks(res.Links)
		metrics.ObserveLinks(w.cfg.Controller, res.Links)
		w.logger.Debug("page processed", append(fields,
			zap.Int("links", res.Links),
			zap.Int("enqueued", res.Enqueued),
		)...)
	case OutcomeSkippedRobots:
		stats.IncSkipped()
		w.logger.Debug("disallowed by robots.txt", fields...)
	case OutcomeSkippedDuplicate:
		stats.IncSkipped()
		w.logger.Debug("redirect target already seen", fields...)
	case OutcomeFetchFailed:
		stats.IncFailed()
		w.logger.Warn("fetch failed", append(fields, zap.Error(res.Err))...)
	case OutcomeCallbackFailed:
		stats.IncFailed()
		w.logger.Error("visitor failed", append(fields, zap.Error(res.Err))...)
	case OutcomeCanceled:
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			w.logger.Debug("entry released", append(fields, zap.Error(res.Err))...)
		}
	}
	metrics.ObservePage(w.cfg.Controller, res.Outcome.String(), res.Bytes)
}

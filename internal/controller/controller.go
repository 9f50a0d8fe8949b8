// Package controller runs one named crawl: it owns a frontier, a worker pool
// and the detector that decides when the crawl is finished. Several
// controllers can run in one process, sharing a robots resolver and fetcher.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/clock/system"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/dispatcher"
	"github.com/JakeFAU/multicrawl/internal/frontier"
	"github.com/JakeFAU/multicrawl/internal/id/uuid"
	"github.com/JakeFAU/multicrawl/internal/metrics"
	"github.com/JakeFAU/multicrawl/internal/policy/politeness"
	"github.com/JakeFAU/multicrawl/internal/storage"
	"github.com/JakeFAU/multicrawl/internal/storage/sqlite"
	"github.com/JakeFAU/multicrawl/internal/worker"
)

const frontierDB = "frontier.db"

// State is the lifecycle stage of a controller.
type State int32

// Controller states.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Finish reasons.
const (
	ReasonCompleted = "completed"
	ReasonLimit     = "limit"
	ReasonShutdown  = "shutdown"
)

// Controller coordinates one crawl.
type Controller struct {
	cfg      crawler.CrawlConfig
	id       string
	fetcher  crawler.Fetcher
	robots   crawler.RobotsChecker
	gate     worker.Gate
	store    storage.KV
	ownStore bool
	frontier *frontier.Frontier
	stats    *crawler.Stats
	budget   *pageBudget
	clock    crawler.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	reason     string
	pool       *dispatcher.Pool
	stopCancel context.CancelFunc
	workCancel context.CancelFunc
	startedAt  time.Time

	activity  chan struct{}
	epoch     atomic.Uint64
	limit     chan struct{}
	limitOnce sync.Once
	finished  chan struct{}
}

// New validates cfg and prepares the controller's storage and frontier.
// robots may be nil to skip robots.txt checks.
func New(
	ctx context.Context,
	cfg crawler.CrawlConfig,
	fetcher crawler.Fetcher,
	robots crawler.RobotsChecker,
	opts ...Option,
) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller %q: %w", cfg.Name, err)
	}
	if fetcher == nil {
		return nil, &crawler.ConfigError{Field: "fetcher", Reason: "must be set"}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.gate == nil {
		o.gate = politeness.New(politeness.Config{Name: cfg.Name, HostRateLimit: cfg.HostRateLimit})
	}
	if robots == nil {
		robots = allowAll{}
	}

	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("controller id: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		id:       id,
		fetcher:  fetcher,
		robots:   robots,
		gate:     o.gate,
		store:    o.store,
		stats:    &crawler.Stats{},
		budget:   newPageBudget(cfg.MaxPagesToFetch),
		clock:    o.clock,
		logger:   o.logger.With(zap.String("controller", cfg.Name)),
		activity: make(chan struct{}, 1),
		limit:    make(chan struct{}),
		finished: make(chan struct{}),
	}

	if c.store == nil && cfg.Durable() {
		if err := c.openStore(ctx); err != nil {
			return nil, err
		}
	}

	seen, err := frontier.NewSeenSet(cfg.SeenSet, cfg.BloomCapacity, cfg.BloomFalsePositiveRate, c.store)
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("controller %q: %w", cfg.Name, err)
	}
	c.frontier, err = frontier.New(ctx, frontier.Config{
		MaxDepth: cfg.MaxDepth,
		SeenSet:  seen,
		Store:    c.store,
		Clock:    c.clock,
		OnChange: c.frontierChanged,
		Logger:   c.logger,
	})
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("controller %q: %w", cfg.Name, err)
	}
	return c, nil
}

func (c *Controller) openStore(ctx context.Context) error {
	if !c.cfg.Resumable {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			path := filepath.Join(c.cfg.StorageDir, frontierDB+suffix)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("reset frontier store: %w", err)
			}
		}
	}
	store, err := sqlite.Open(ctx, c.cfg.StorageDir, frontierDB)
	if err != nil {
		return fmt.Errorf("controller %q: %w", c.cfg.Name, err)
	}
	c.store = store
	c.ownStore = true
	return nil
}

func (c *Controller) closeStore() {
	if !c.ownStore || c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("close frontier store failed", zap.Error(err))
	}
}

// Name returns the configured controller name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// ID returns the unique run ID.
func (c *Controller) ID() string {
	return c.id
}

// Config returns the effective configuration.
func (c *Controller) Config() crawler.CrawlConfig {
	return c.cfg
}

// AddSeed queues a depth-0 URL. Seeds can only be added before Start.
func (c *Controller) AddSeed(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateCreated {
		return fmt.Errorf("add seed %q: %w", rawURL, crawler.ErrAlreadyStarted)
	}

	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return &crawler.ConfigError{Field: "seed", Reason: fmt.Sprintf("%q: %v", rawURL, err)}
	}
	added, err := c.frontier.Enqueue(ctx, normalized, 0, "")
	if err != nil {
		return fmt.Errorf("add seed %q: %w", rawURL, err)
	}
	if !added {
		c.logger.Debug("seed already known", zap.String("url", normalized))
	}
	return nil
}

// StartNonBlocking builds numWorkers visitors from factory and starts the
// workers. It returns once every worker is running. A non-positive
// numWorkers uses the configured worker count. Cancelling ctx shuts the
// controller down.
func (c *Controller) StartNonBlocking(ctx context.Context, factory crawler.VisitorFactory, numWorkers int) error {
	if factory == nil {
		return &crawler.ConfigError{Field: "visitor_factory", Reason: "must be set"}
	}
	if numWorkers <= 0 {
		numWorkers = c.cfg.NumWorkers
	}

	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("start %q: %w", c.cfg.Name, crawler.ErrAlreadyStarted)
	}

	workerCfg := worker.ConfigFrom(c.cfg, c.id)
	deps := worker.Deps{
		Frontier:          c.frontier,
		Gate:              c.gate,
		Robots:            c.robots,
		Fetcher:           c.fetcher,
		Stats:             c.stats,
		Budget:            c.budget,
		Clock:             c.clock,
		OnStateChange:     c.wake,
		OnBudgetExhausted: c.requestLimit,
		Logger:            c.logger,
	}
	workers := make([]*worker.Worker, numWorkers)
	for i := range workers {
		visitor, err := factory(i)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("create visitor %d: %w", i, err)
		}
		workers[i] = worker.New(i, workerCfg, deps, visitor)
	}

	stopCtx, stopCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pool = dispatcher.New(workers)
	c.stopCancel = stopCancel
	c.workCancel = workCancel
	c.state = StateRunning
	c.startedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("controller started",
		zap.String("run_id", c.id),
		zap.Int("workers", numWorkers),
		zap.Int("pending", c.frontier.Pending()),
		zap.Duration("politeness_delay", c.cfg.PolitenessDelay),
		zap.Int("max_pages", c.cfg.MaxPagesToFetch),
	)

	if err := c.pool.Start(stopCtx, workCtx); err != nil {
		c.shutdown(ReasonShutdown)
		return fmt.Errorf("start %q: %w", c.cfg.Name, err)
	}
	go c.detect(stopCtx)
	return nil
}

// StartBlocking starts the controller and waits for it to finish.
func (c *Controller) StartBlocking(ctx context.Context, factory crawler.VisitorFactory, numWorkers int) error {
	if err := c.StartNonBlocking(ctx, factory, numWorkers); err != nil {
		return err
	}
	c.WaitUntilFinish()
	return nil
}

// WaitUntilFinish blocks until the controller has finished. A waiter may
// arrive before the controller is started; it blocks until the crawl that
// follows completes or the controller is shut down.
func (c *Controller) WaitUntilFinish() {
	<-c.finished
}

// WaitUntilFinishContext is WaitUntilFinish bounded by ctx.
func (c *Controller) WaitUntilFinishContext(ctx context.Context) error {
	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait %q: %w", c.cfg.Name, ctx.Err())
	}
}

// Done is closed when the controller has finished.
func (c *Controller) Done() <-chan struct{} {
	return c.finished
}

// Shutdown stops the controller: no new entries are dequeued, in-flight
// pages get ShutdownGrace to finish. It does not wait; use WaitUntilFinish.
// Safe to call repeatedly and concurrently.
func (c *Controller) Shutdown() {
	c.shutdown(ReasonShutdown)
}

func (c *Controller) shutdown(reason string) {
	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.state = StateFinished
		c.reason = reason
		c.mu.Unlock()
		c.frontier.Close()
		c.closeStore()
		close(c.finished)
		return
	case StateRunning:
		c.state = StateStopping
		c.reason = reason
	default:
		c.mu.Unlock()
		return
	}
	pool := c.pool
	stopCancel, workCancel := c.stopCancel, c.workCancel
	c.mu.Unlock()

	c.logger.Info("controller stopping", zap.String("reason", reason))
	stopCancel()
	grace := time.AfterFunc(c.cfg.ShutdownGrace, workCancel)

	go func() {
		pool.Wait()
		grace.Stop()
		workCancel()
		c.finish()
	}()
}

func (c *Controller) finish() {
	c.frontier.Close()
	c.closeStore()

	c.mu.Lock()
	c.state = StateFinished
	reason := c.reason
	elapsed := c.clock.Now().Sub(c.startedAt)
	c.mu.Unlock()

	snap := c.stats.Snapshot()
	metrics.ObserveControllerFinished(reason)
	metrics.SetFrontierPending(c.cfg.Name, c.frontier.Pending())
	c.logger.Info("controller finished",
		zap.String("reason", reason),
		zap.Duration("elapsed", elapsed),
		zap.Int64("pages_fetched", snap.PagesFetched),
		zap.Int64("pages_failed", snap.PagesFailed),
		zap.Int64("pages_skipped", snap.PagesSkipped),
		zap.Int64("links_discovered", snap.LinksDiscovered),
		zap.Int("pending", c.frontier.Pending()),
	)
	close(c.finished)
}

// State returns the lifecycle stage.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the controller finished, or "" while it runs.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// StartedAt returns when the workers were started, or the zero time before Start.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Stats returns a snapshot of the crawl counters.
func (c *Controller) Stats() crawler.StatsSnapshot {
	return c.stats.Snapshot()
}

// Pending returns the number of queued URLs.
func (c *Controller) Pending() int {
	return c.frontier.Pending()
}

// SeenCount returns the number of distinct URLs discovered.
func (c *Controller) SeenCount() int {
	return c.frontier.SeenCount()
}

// WorkerStates returns the state of every worker, or nil before Start.
func (c *Controller) WorkerStates() []worker.State {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.States()
}

func (c *Controller) frontierChanged() {
	c.epoch.Add(1)
	c.wake()
}

func (c *Controller) wake() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

func (c *Controller) requestLimit() {
	c.limitOnce.Do(func() {
		c.logger.Info("page budget reached", zap.Int("max_pages", c.cfg.MaxPagesToFetch))
		close(c.limit)
	})
}

type allowAll struct{}

func (allowAll) IsAllowed(context.Context, string, string) bool { return true }

func (allowAll) CrawlDelay(context.Context, string, string) time.Duration { return 0 }

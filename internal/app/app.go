// Package app builds the long-lived services of a crawl process from
// configuration and runs every configured controller side by side.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/multicrawl/internal/api"
	"github.com/JakeFAU/multicrawl/internal/basiccrawler"
	"github.com/JakeFAU/multicrawl/internal/config"
	"github.com/JakeFAU/multicrawl/internal/controller"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	collyfetcher "github.com/JakeFAU/multicrawl/internal/fetcher/colly"
	"github.com/JakeFAU/multicrawl/internal/metrics"
	"github.com/JakeFAU/multicrawl/internal/policy/politeness"
	"github.com/JakeFAU/multicrawl/internal/policy/scope"
	"github.com/JakeFAU/multicrawl/internal/robots"
	"github.com/JakeFAU/multicrawl/internal/storage/local"
	"github.com/JakeFAU/multicrawl/internal/storage/postgres"
	"github.com/JakeFAU/multicrawl/internal/storage/sqlite"
)

const (
	robotsDB        = "robots.db"
	serverShutdown  = 10 * time.Second
	readHeaderLimit = 5 * time.Second
)

// FetcherFactory builds the fetcher of one controller.
type FetcherFactory func(cfg collyfetcher.Config) crawler.Fetcher

// RunRecorder stores a summary of each finished controller.
type RunRecorder interface {
	RecordRun(ctx context.Context, run postgres.RunRecord) error
}

// Option customizes an App.
type Option func(*options)

type options struct {
	fetchers FetcherFactory
	sink     crawler.PageStore
}

// WithFetcherFactory replaces the Colly fetcher.
func WithFetcherFactory(factory FetcherFactory) Option {
	return func(o *options) {
		o.fetchers = factory
	}
}

// WithSink replaces the configured page sink.
func WithSink(sink crawler.PageStore) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// App holds the services shared by all controllers of one process.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	resolver    *robots.Resolver
	sink        crawler.PageStore
	runs        RunRecorder
	controllers []*controller.Controller
	factories   map[string]crawler.VisitorFactory
	gates       map[string]*politeness.Gate
	closers     []func()
}

// New builds the sink, the shared robots resolver, the politeness gates and
// one seeded controller per configured entry. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{fetchers: func(c collyfetcher.Config) crawler.Fetcher { return collyfetcher.New(c) }}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		cfg:       cfg,
		logger:    logger,
		factories: make(map[string]crawler.VisitorFactory, len(cfg.Controllers)),
		gates:     make(map[string]*politeness.Gate, len(cfg.Controllers)),
	}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	if len(a.cfg.Controllers) == 0 {
		return errors.New("no controllers configured")
	}
	if o.sink != nil {
		a.sink = o.sink
	} else if err := a.openSink(ctx); err != nil {
		return err
	}

	fetchers := make([]crawler.Fetcher, len(a.cfg.Controllers))
	for i, cc := range a.cfg.Controllers {
		crawlCfg := a.cfg.CrawlConfig(cc)
		fetchers[i] = o.fetchers(collyfetcher.Config{
			UserAgent:    crawlCfg.UserAgent,
			Timeout:      a.cfg.HTTP.Timeout,
			MaxRedirects: a.cfg.HTTP.MaxRedirects,
			MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
			Retries:      a.cfg.HTTP.Retries,
			Logger:       a.logger.Named("fetcher").With(zap.String("controller", cc.Name)),
		})
	}

	// One resolver serves every controller and fetches through the first
	// controller's fetcher.
	if err := a.openResolver(ctx, fetchers[0]); err != nil {
		return err
	}

	gates := make(map[string]*politeness.Gate)
	for i, cc := range a.cfg.Controllers {
		crawlCfg := a.cfg.CrawlConfig(cc)
		gateName := cc.Gate
		if gateName == "" {
			gateName = cc.Name
		}
		gate, ok := gates[gateName]
		if !ok {
			gate = politeness.New(politeness.Config{Name: gateName, HostRateLimit: cc.HostRateLimit})
			gates[gateName] = gate
		}
		a.gates[cc.Name] = gate
		a.logger.Debug("controller gate", zap.String("controller", cc.Name), zap.String("gate", gateName))

		c, err := controller.New(ctx, crawlCfg, fetchers[i], a.resolver,
			controller.WithGate(gate),
			controller.WithLogger(a.logger),
		)
		if err != nil {
			return fmt.Errorf("init controller: %w", err)
		}
		a.controllers = append(a.controllers, c)

		for _, seed := range cc.Seeds {
			if err := c.AddSeed(ctx, seed); err != nil {
				return fmt.Errorf("controller %q: %w", cc.Name, err)
			}
		}
		a.factories[cc.Name] = basiccrawler.Factory(basiccrawler.Config{
			Scope:  scope.New(cc.AllowedDomains),
			Store:  a.sink,
			Logger: a.logger.Named("visitor").With(zap.String("controller", cc.Name)),
		})
	}
	return nil
}

func (a *App) openSink(ctx context.Context) error {
	switch a.cfg.Sink.Type {
	case config.SinkLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Sink.LocalDir, SaveBody: a.cfg.Sink.SaveBody})
		if err != nil {
			return fmt.Errorf("init local sink: %w", err)
		}
		a.logger.Info("using local page sink", zap.String("dir", a.cfg.Sink.LocalDir))
		a.sink = store
	case config.SinkPostgres:
		store, err := postgres.NewPageStore(ctx, postgres.Config{DSN: a.cfg.Sink.PostgresDSN, Table: a.cfg.Sink.Table})
		if err != nil {
			return fmt.Errorf("init postgres sink: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init postgres sink: %w", err)
		}
		a.logger.Info("using postgres page sink", zap.String("table", a.cfg.Sink.Table))
		a.sink = store
		a.runs = store
	default:
		a.logger.Info("page records are logged only")
	}
	return nil
}

func (a *App) openResolver(ctx context.Context, fetcher crawler.Fetcher) error {
	opts := []robots.Option{robots.WithLogger(a.logger.Named("robots"))}
	if a.cfg.Robots.Enabled && a.cfg.Robots.Persist {
		store, err := sqlite.Open(ctx, a.cfg.StorageRoot, robotsDB)
		if err != nil {
			return fmt.Errorf("open robots store: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("close robots store failed", zap.Error(err))
			}
		})
		opts = append(opts, robots.WithStore(store))
	}
	resolver, err := robots.NewResolver(robots.Config{
		Enabled:      a.cfg.Robots.Enabled,
		UserAgent:    a.cfg.Robots.UserAgent,
		CacheTTL:     a.cfg.Robots.CacheTTL,
		FailureTTL:   a.cfg.Robots.FailureTTL,
		FetchTimeout: a.cfg.HTTP.Timeout,
	}, fetcher, opts...)
	if err != nil {
		return fmt.Errorf("init robots resolver: %w", err)
	}
	a.resolver = resolver
	return nil
}

// Gate returns the politeness gate used by the named controller.
func (a *App) Gate(controllerName string) (*politeness.Gate, bool) {
	gate, ok := a.gates[controllerName]
	return gate, ok
}

// Controllers returns the controllers in configuration order.
func (a *App) Controllers() []*controller.Controller {
	return a.controllers
}

// Run starts every controller and the optional status server, and returns
// once all controllers have finished. Cancelling ctx shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range a.controllers {
		factory := a.factories[c.Name()]
		g.Go(func() error {
			if err := c.StartNonBlocking(gctx, factory, 0); err != nil {
				return fmt.Errorf("start controller: %w", err)
			}
			c.WaitUntilFinish()
			a.recordRun(ctx, c)
			return nil
		})
	}

	if a.cfg.Server.Enabled {
		a.serve(gctx, g)
	}

	err := g.Wait()
	for _, c := range a.controllers {
		snap := c.Stats()
		a.logger.Info("crawl summary",
			zap.String("controller", c.Name()),
			zap.String("run_id", c.ID()),
			zap.String("reason", c.Reason()),
			zap.Int64("pages_fetched", snap.PagesFetched),
			zap.Int64("pages_failed", snap.PagesFailed),
			zap.Int64("pages_skipped", snap.PagesSkipped),
			zap.Int64("links_discovered", snap.LinksDiscovered),
		)
	}
	if err != nil {
		return fmt.Errorf("run controllers: %w", err)
	}
	return nil
}

func (a *App) serve(ctx context.Context, g *errgroup.Group) {
	list := make([]api.Controller, 0, len(a.controllers))
	for _, c := range a.controllers {
		list = append(list, c)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(list, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: readHeaderLimit,
	}

	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.waitAll(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
}

// waitAll returns when every controller has finished or ctx is done.
func (a *App) waitAll(ctx context.Context) {
	for _, c := range a.controllers {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordRun(ctx context.Context, c *controller.Controller) {
	if a.runs == nil {
		return
	}
	run := postgres.RunRecord{
		RunID:      c.ID(),
		Controller: c.Name(),
		StartedAt:  c.StartedAt(),
		FinishedAt: time.Now(),
		Reason:     c.Reason(),
		Stats:      c.Stats(),
	}
	if err := a.runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Warn("record run failed", zap.String("controller", c.Name()), zap.Error(err))
	}
}

// Close releases the sink and stores. Controllers close their own frontier
// stores when they finish; unstarted ones are shut down here.
func (a *App) Close() {
	for _, c := range a.controllers {
		if c.State() == controller.StateCreated {
			c.Shutdown()
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

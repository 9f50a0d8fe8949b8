// Package robots resolves robots.txt rules for every controller in the
// process. One Resolver is shared; lookups are read-mostly and concurrent
// misses for the same host collapse into a single fetch.
package robots

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/multicrawl/internal/clock/system"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/metrics"
	"github.com/JakeFAU/multicrawl/internal/storage"
)

const bucketRobots = "robots"

// Config controls caching and fetching of robots.txt files.
type Config struct {
	Enabled      bool
	UserAgent    string
	CacheTTL     time.Duration
	FailureTTL   time.Duration
	FetchTimeout time.Duration
	MaxBodyBytes int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		UserAgent:    crawler.DefaultUserAgent,
		CacheTTL:     24 * time.Hour,
		FailureTTL:   5 * time.Minute,
		FetchTimeout: 15 * time.Second,
		MaxBodyBytes: 500 << 10,
	}
}

// Rule is the cached robots.txt state of one host.
type Rule struct {
	Host       string    `json:"host"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Failed     bool      `json:"failed"`

	data *robotstxt.RobotsData
}

// Allows reports whether userAgent may fetch path.
func (r *Rule) Allows(path, userAgent string) bool {
	if r == nil || r.data == nil {
		return true
	}
	group := r.data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	return group.Test(path)
}

// CrawlDelay returns the Crawl-delay directive for userAgent, or zero.
func (r *Rule) CrawlDelay(userAgent string) time.Duration {
	if r == nil || r.data == nil {
		return 0
	}
	group := r.data.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *Rule) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithStore persists rules so the cache survives restarts.
func WithStore(store storage.KV) Option {
	return func(r *Resolver) { r.store = store }
}

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// Resolver is safe for concurrent use by any number of controllers.
type Resolver struct {
	cfg     Config
	fetcher crawler.Fetcher
	store   storage.KV
	clock   crawler.Clock
	logger  *zap.Logger

	flights singleflight.Group
	mu      sync.RWMutex
	rules   map[string]*Rule
}

// NewResolver builds a Resolver that fetches robots.txt through fetcher.
func NewResolver(cfg Config, fetcher crawler.Fetcher, opts ...Option) (*Resolver, error) {
	defaults := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = defaults.FailureTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaults.FetchTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.Enabled && fetcher == nil {
		return nil, fmt.Errorf("robots resolver requires a fetcher")
	}
	r := &Resolver{
		cfg:     cfg,
		fetcher: fetcher,
		clock:   system.New(),
		logger:  zap.NewNop(),
		rules:   make(map[string]*Rule),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// IsAllowed reports whether userAgent may fetch rawURL. Unparseable URLs are
// never allowed; robots failures allow everything.
func (r *Resolver) IsAllowed(ctx context.Context, rawURL, userAgent string) bool {
	if !r.cfg.Enabled {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	rule, err := r.Rule(ctx, parsed)
	if err != nil {
		// Only caller cancellation ends up here.
		return false
	}
	return rule.Allows(parsed.RequestURI(), userAgent)
}

// CrawlDelay returns the host's Crawl-delay for userAgent, or zero.
func (r *Resolver) CrawlDelay(ctx context.Context, rawURL, userAgent string) time.Duration {
	if !r.cfg.Enabled {
		return 0
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	rule, err := r.Rule(ctx, parsed)
	if err != nil {
		return 0
	}
	return rule.CrawlDelay(userAgent)
}

// Rule returns the cached rule for the URL's host, fetching it on a miss.
func (r *Resolver) Rule(ctx context.Context, target *url.URL) (*Rule, error) {
	host := hostKey(target)
	if rule := r.cached(host); rule != nil {
		return rule, nil
	}

	ch := r.flights.DoChan(host, func() (any, error) {
		if rule := r.cached(host); rule != nil {
			return rule, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.resolve(fetchCtx, host), nil
	})
	select {
	case res := <-ch:
		rule, ok := res.Val.(*Rule)
		if !ok {
			return nil, fmt.Errorf("robots flight returned %T", res.Val)
		}
		return rule, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await robots for %s: %w", host, ctx.Err())
	}
}

// Purge evicts host (scheme://host) from memory and the store.
func (r *Resolver) Purge(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	r.mu.Lock()
	delete(r.rules, host)
	r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	if err := r.store.Batch(ctx, storage.Delete(bucketRobots, host)); err != nil {
		return fmt.Errorf("purge robots %s: %w", host, err)
	}
	return nil
}

// Len returns the number of cached hosts.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func (r *Resolver) cached(host string) *Rule {
	r.mu.RLock()
	rule, ok := r.rules[host]
	r.mu.RUnlock()
	if ok && !rule.expired(r.clock.Now()) {
		return rule
	}
	return nil
}

// resolve runs inside the host's flight, so writes for a host are serialized.
func (r *Resolver) resolve(ctx context.Context, host string) *Rule {
	if rule := r.loadStored(ctx, host); rule != nil {
		r.remember(rule)
		return rule
	}
	rule := r.fetch(ctx, host)
	r.remember(rule)
	r.persist(ctx, rule)
	return rule
}

func (r *Resolver) fetch(ctx context.Context, host string) *Rule {
	now := r.clock.Now()
	rule := &Rule{Host: host, FetchedAt: now}

	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       host + "/robots.txt",
		UserAgent: r.cfg.UserAgent,
	})
	switch {
	case err != nil:
		r.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", host),
			zap.Error(fmt.Errorf("%w: %w", crawler.ErrRobotsFetch, err)),
		)
		metrics.ObserveRobotsFetch("error")
		return r.failed(rule, 0)
	case resp.StatusCode != http.StatusOK:
		r.logger.Debug("robots.txt unavailable; allowing access",
			zap.String("host", host),
			zap.Int("status", resp.StatusCode),
		)
		metrics.ObserveRobotsFetch(fmt.Sprintf("%dxx", resp.StatusCode/100))
		return r.failed(rule, resp.StatusCode)
	}

	body := resp.Body
	if len(body) > r.cfg.MaxBodyBytes {
		body = body[:r.cfg.MaxBodyBytes]
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		r.logger.Warn("robots.txt unparseable; allowing access", zap.String("host", host), zap.Error(err))
		metrics.ObserveRobotsFetch("invalid")
		return r.failed(rule, resp.StatusCode)
	}
	metrics.ObserveRobotsFetch("ok")
	rule.StatusCode = resp.StatusCode
	rule.Body = body
	rule.ExpiresAt = now.Add(r.cfg.CacheTTL)
	rule.data = data
	return rule
}

func (r *Resolver) failed(rule *Rule, status int) *Rule {
	rule.StatusCode = status
	rule.Failed = true
	rule.ExpiresAt = rule.FetchedAt.Add(r.cfg.FailureTTL)
	return rule
}

func (r *Resolver) remember(rule *Rule) {
	r.mu.Lock()
	r.rules[rule.Host] = rule
	r.mu.Unlock()
}

func (r *Resolver) loadStored(ctx context.Context, host string) *Rule {
	if r.store == nil {
		return nil
	}
	raw, ok, err := r.store.Get(ctx, bucketRobots, host)
	if err != nil || !ok {
		return nil
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil || rule.expired(r.clock.Now()) {
		return nil
	}
	if !rule.Failed {
		data, err := robotstxt.FromBytes(rule.Body)
		if err != nil {
			return nil
		}
		rule.data = data
	}
	return &rule
}

func (r *Resolver) persist(ctx context.Context, rule *Rule) {
	if r.store == nil {
		return
	}
	payload, err := json.Marshal(rule)
	if err != nil {
		return
	}
	if err := r.store.Batch(ctx, storage.Put(bucketRobots, rule.Host, payload)); err != nil {
		r.logger.Debug("persist robots rule failed", zap.String("host", rule.Host), zap.Error(err))
	}
}

func hostKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}

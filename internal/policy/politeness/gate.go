// Package politeness spaces out requests to the same host. A Gate hands out
// per-host turns in arrival order; callers for different hosts never wait on
// each other.
package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/multicrawl/internal/metrics"
)

// Config controls a Gate.
type Config struct {
	// Name labels the gate's metrics.
	Name string
	// HostRateLimit adds a per-host token bucket in requests/second; zero disables it.
	HostRateLimit float64
	// HostBurst is the token bucket size.
	HostBurst int
}

// Record is the politeness ledger of one host.
type Record struct {
	Host           string
	LastFetchStart time.Time
}

type hostState struct {
	// turn holds one token; whoever receives it owns the host until it is returned.
	turn    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	last    time.Time
	started bool
}

// Gate enforces a minimum delay between fetch starts per host.
type Gate struct {
	name  string
	rps   rate.Limit
	burst int

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New creates a Gate.
func New(cfg Config) *Gate {
	burst := cfg.HostBurst
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		name:  cfg.Name,
		rps:   rate.Limit(cfg.HostRateLimit),
		burst: burst,
		hosts: make(map[string]*hostState),
	}
}

// Name returns the gate's metric label.
func (g *Gate) Name() string {
	return g.name
}

// AwaitTurn blocks until at least minDelay has passed since the previous
// fetch start granted for host, then records the new start time. Waiters for
// one host are served in arrival order. It returns the context error if ctx
// ends first, leaving the ledger unchanged.
func (g *Gate) AwaitTurn(ctx context.Context, host string, minDelay time.Duration) error {
	h := g.host(host)
	start := time.Now()

	select {
	case <-h.turn:
	case <-ctx.Done():
		return fmt.Errorf("await turn for %s: %w", host, ctx.Err())
	}
	defer func() { h.turn <- struct{}{} }()

	h.mu.Lock()
	last, started := h.last, h.started
	h.mu.Unlock()

	if started && minDelay > 0 {
		if err := sleep(ctx, time.Until(last.Add(minDelay))); err != nil {
			return fmt.Errorf("await turn for %s: %w", host, err)
		}
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("await rate limit for %s: %w", host, err)
		}
	}

	now := time.Now()
	h.mu.Lock()
	h.last = now
	h.started = true
	h.mu.Unlock()

	if waited := now.Sub(start); waited > time.Millisecond {
		metrics.ObservePolitenessWait(g.name, waited)
	}
	return nil
}

// Record returns the ledger for host, if the gate has granted it a turn.
func (g *Gate) Record(host string) (Record, bool) {
	g.mu.Lock()
	h, ok := g.hosts[strings.ToLower(host)]
	g.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return Record{}, false
	}
	return Record{Host: strings.ToLower(host), LastFetchStart: h.last}, true
}

// Hosts returns the number of hosts the gate tracks.
func (g *Gate) Hosts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}

func (g *Gate) host(host string) *hostState {
	key := strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.hosts[key]
	if !ok {
		h = &hostState{turn: make(chan struct{}, 1)}
		h.turn <- struct{}{}
		if g.rps > 0 {
			h.limiter = rate.NewLimiter(g.rps, g.burst)
		}
		g.hosts[key] = h
	}
	return h
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

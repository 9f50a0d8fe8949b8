package crawler

import (
	"time"
)

// Seen set implementations selectable per controller.
const (
	SeenSetMemory  = "memory"
	SeenSetBloom   = "bloom"
	SeenSetDurable = "durable"
)

// Defaults applied by WithDefaults and, for the debounce and grace, by config.Load.
const (
	DefaultUserAgent           = "multicrawl/1.0 (+https://github.com/JakeFAU/multicrawl)"
	DefaultNumWorkers          = 1
	DefaultDequeueTimeout      = 250 * time.Millisecond
	DefaultTerminationDebounce = 500 * time.Millisecond
	DefaultShutdownGrace       = 10 * time.Second
	DefaultMaxCrawlDelay       = 10 * time.Second
	DefaultBloomCapacity       = 1_000_000
	DefaultBloomFPRate         = 0.001
)

// CrawlConfig captures every knob of one crawl controller. It is immutable
// once the controller starts.
type CrawlConfig struct {
	Name                   string
	StorageDir             string
	PolitenessDelay        time.Duration
	MaxPagesToFetch        int
	MaxDepth               int
	UserAgent              string
	NumWorkers             int
	Resumable              bool
	SeenSet                string
	BloomCapacity          uint
	BloomFalsePositiveRate float64
	DequeueTimeout         time.Duration
	// TerminationDebounce and ShutdownGrace are used as given, so zero
	// means no wait. config.Load fills in the defaults for omitted keys.
	TerminationDebounce time.Duration
	ShutdownGrace       time.Duration
	HonorCrawlDelay     bool
	MaxCrawlDelay       time.Duration
	MaxOutlinksPerPage  int
	HostRateLimit       float64
}

// WithDefaults fills zero values that have a sensible default.
func (c CrawlConfig) WithDefaults() CrawlConfig {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.SeenSet == "" {
		c.SeenSet = SeenSetMemory
	}
	if c.BloomCapacity == 0 {
		c.BloomCapacity = DefaultBloomCapacity
	}
	if c.BloomFalsePositiveRate == 0 {
		c.BloomFalsePositiveRate = DefaultBloomFPRate
	}
	if c.DequeueTimeout == 0 {
		c.DequeueTimeout = DefaultDequeueTimeout
	}
	if c.MaxCrawlDelay == 0 {
		c.MaxCrawlDelay = DefaultMaxCrawlDelay
	}
	return c
}

// Durable reports whether the controller keeps its frontier on disk.
func (c CrawlConfig) Durable() bool {
	return c.Resumable || c.SeenSet == SeenSetDurable
}

// Validate checks the configuration and returns a *ConfigError on the first problem.
func (c CrawlConfig) Validate() error {
	if c.Name == "" {
		return configErrorf("name", "must be set")
	}
	if c.PolitenessDelay < 0 {
		return configErrorf("politeness_delay", "must be >= 0")
	}
	if c.MaxPagesToFetch < 0 {
		return configErrorf("max_pages", "must be >= 0")
	}
	if c.MaxDepth < -1 {
		return configErrorf("max_depth", "must be >= -1")
	}
	if c.NumWorkers < 1 {
		return configErrorf("workers", "must be >= 1")
	}
	if c.UserAgent == "" {
		return configErrorf("user_agent", "must be set")
	}
	switch c.SeenSet {
	case SeenSetMemory, SeenSetDurable:
	case SeenSetBloom:
		if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
			return configErrorf("bloom_fp_rate", "must be in (0, 1)")
		}
	default:
		return configErrorf("seen_set", "unknown kind %q", c.SeenSet)
	}
	if c.Durable() && c.StorageDir == "" {
		return configErrorf("storage_dir", "must be set for durable or resumable crawls")
	}
	if c.DequeueTimeout <= 0 {
		return configErrorf("dequeue_timeout", "must be > 0")
	}
	if c.TerminationDebounce < 0 {
		return configErrorf("termination_debounce", "must be >= 0")
	}
	if c.ShutdownGrace < 0 {
		return configErrorf("shutdown_grace", "must be >= 0")
	}
	if c.MaxOutlinksPerPage < 0 {
		return configErrorf("max_outlinks_per_page", "must be >= 0")
	}
	if c.HostRateLimit < 0 {
		return configErrorf("host_rate_limit", "must be >= 0")
	}
	return nil
}

// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/multicrawl/internal/crawler"
)

// Sink types.
const (
	SinkLog      = "log"
	SinkLocal    = "local"
	SinkPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	StorageRoot string             `mapstructure:"storage_root"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	Robots      RobotsConfig       `mapstructure:"robots"`
	Server      ServerConfig       `mapstructure:"server"`
	Sink        SinkConfig         `mapstructure:"sink"`
	Controllers []ControllerConfig `mapstructure:"controllers"`
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool          `mapstructure:"development"`
	Level       string        `mapstructure:"level"`
	File        LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures lumberjack rotation.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	UserAgent    string        `mapstructure:"user_agent"`
	Retries      int           `mapstructure:"retries"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// RobotsConfig configures the shared robots.txt resolver.
type RobotsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	UserAgent  string        `mapstructure:"user_agent"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	FailureTTL time.Duration `mapstructure:"failure_ttl"`
	// Persist keeps fetched rules in a sqlite file under the storage root.
	Persist bool `mapstructure:"persist"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SinkConfig selects where page records go.
type SinkConfig struct {
	Type        string `mapstructure:"type"`
	LocalDir    string `mapstructure:"local_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
	// SaveBody also writes raw page bodies with the local sink.
	SaveBody bool `mapstructure:"save_body"`
}

// Millis is a duration whose bare numeric form is read as milliseconds.
// Duration strings such as "1.5s" are accepted too.
type Millis time.Duration

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m)
}

var millisType = reflect.TypeOf(Millis(0))

// millisHook decodes numbers and digit-only strings into Millis as
// milliseconds and other strings with time.ParseDuration.
func millisHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != millisType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return Millis(time.Duration(v) * time.Millisecond), nil
	case int64:
		return Millis(time.Duration(v) * time.Millisecond), nil
	case uint64:
		return Millis(time.Duration(v) * time.Millisecond), nil
	case float64:
		return Millis(time.Duration(v * float64(time.Millisecond))), nil
	case string:
		value := strings.TrimSpace(v)
		if ms, err := strconv.ParseFloat(value, 64); err == nil {
			return Millis(time.Duration(ms * float64(time.Millisecond))), nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("parse delay %q: %w", v, err)
		}
		return Millis(d), nil
	default:
		return data, nil
	}
}

// ControllerConfig describes one named crawl.
type ControllerConfig struct {
	Name       string `mapstructure:"name"`
	StorageDir string `mapstructure:"storage_dir"`
	// PolitenessDelay is in milliseconds when given as a bare number.
	PolitenessDelay Millis `mapstructure:"politeness_delay"`
	MaxPages        int    `mapstructure:"max_pages"`
	// MaxDepth defaults to unlimited when omitted.
	MaxDepth       *int     `mapstructure:"max_depth"`
	UserAgent      string   `mapstructure:"user_agent"`
	Workers        int      `mapstructure:"workers"`
	Seeds          []string `mapstructure:"seeds"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	Resumable      bool     `mapstructure:"resumable"`
	SeenSet        string   `mapstructure:"seen_set"`
	BloomCapacity  uint     `mapstructure:"bloom_capacity"`
	BloomFPRate    float64  `mapstructure:"bloom_fp_rate"`
	// TerminationDebounce and ShutdownGrace take their defaults when
	// omitted; an explicit 0 disables the wait.
	TerminationDebounce *time.Duration `mapstructure:"termination_debounce"`
	ShutdownGrace       *time.Duration `mapstructure:"shutdown_grace"`
	HonorCrawlDelay     bool           `mapstructure:"honor_crawl_delay"`
	MaxCrawlDelay       time.Duration  `mapstructure:"max_crawl_delay"`
	MaxOutlinksPerPage  int            `mapstructure:"max_outlinks_per_page"`
	HostRateLimit       float64        `mapstructure:"host_rate_limit"`
	// Gate names a politeness gate; controllers with the same gate share
	// per-host spacing. Empty gives the controller its own gate.
	Gate string `mapstructure:"gate"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MULTICRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage_root", "data/crawl")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("http.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("http.retries", 2)
	v.SetDefault("http.max_body_bytes", 10<<20)

	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.cache_ttl", "24h")
	v.SetDefault("robots.failure_ttl", "5m")
	v.SetDefault("robots.persist", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)

	v.SetDefault("sink.type", SinkLog)
	v.SetDefault("sink.local_dir", "data/pages")
	v.SetDefault("sink.table", "pages")
	v.SetDefault("sink.save_body", false)

	v.SetDefault("controllers", []map[string]any{
		{
			"name":             "crawler1",
			"politeness_delay": 1000,
			"max_pages":        50,
			"workers":          5,
			"seeds": []string{
				"http://www.ics.uci.edu/",
				"http://www.cnn.com/",
				"http://www.ics.uci.edu/~lopes/",
				"http://www.cnn.com/POLITICS/",
			},
			"allowed_domains": []string{"http://www.ics.uci.edu/", "http://www.cnn.com/"},
		},
		{
			"name":             "crawler2",
			"politeness_delay": 2000,
			"max_pages":        100,
			"workers":          7,
			"seeds": []string{
				"http://en.wikipedia.org/wiki/Main_Page",
				"http://en.wikipedia.org/wiki/Obama",
				"http://en.wikipedia.org/wiki/Bing",
			},
			"allowed_domains": []string{"http://en.wikipedia.org/"},
		},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	if c.HTTP.Retries < 0 {
		return fmt.Errorf("http.retries must be >= 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	switch c.Sink.Type {
	case SinkLog:
	case SinkLocal:
		if c.Sink.LocalDir == "" {
			return fmt.Errorf("sink.local_dir must be set for the local sink")
		}
	case SinkPostgres:
		if c.Sink.PostgresDSN == "" {
			return fmt.Errorf("sink.postgres_dsn must be set for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.type %q is not one of log, local, postgres", c.Sink.Type)
	}
	if len(c.Controllers) == 0 {
		return fmt.Errorf("at least one controller must be configured")
	}

	names := make(map[string]struct{}, len(c.Controllers))
	dirs := make(map[string]string, len(c.Controllers))
	for i, cc := range c.Controllers {
		if cc.Name == "" {
			return fmt.Errorf("controllers[%d].name must be set", i)
		}
		if _, dup := names[cc.Name]; dup {
			return fmt.Errorf("controllers[%d].name %q is used twice", i, cc.Name)
		}
		names[cc.Name] = struct{}{}

		crawlCfg := c.CrawlConfig(cc).WithDefaults()
		if err := crawlCfg.Validate(); err != nil {
			return fmt.Errorf("controllers[%d] (%s): %w", i, cc.Name, err)
		}
		if other, dup := dirs[crawlCfg.StorageDir]; dup {
			return fmt.Errorf("controllers %q and %q share storage_dir %q", other, cc.Name, crawlCfg.StorageDir)
		}
		dirs[crawlCfg.StorageDir] = cc.Name
	}
	return nil
}

// CrawlConfig converts a controller entry into engine settings. The storage
// directory defaults to <storage_root>/<name>, the user agent to
// http.user_agent, and omitted debounce and grace to the engine defaults.
func (c Config) CrawlConfig(cc ControllerConfig) crawler.CrawlConfig {
	storageDir := cc.StorageDir
	if storageDir == "" {
		storageDir = filepath.Join(c.StorageRoot, cc.Name)
	}
	userAgent := cc.UserAgent
	if userAgent == "" {
		userAgent = c.HTTP.UserAgent
	}
	maxDepth := -1
	if cc.MaxDepth != nil {
		maxDepth = *cc.MaxDepth
	}
	debounce := crawler.DefaultTerminationDebounce
	if cc.TerminationDebounce != nil {
		debounce = *cc.TerminationDebounce
	}
	grace := crawler.DefaultShutdownGrace
	if cc.ShutdownGrace != nil {
		grace = *cc.ShutdownGrace
	}
	return crawler.CrawlConfig{
		Name:                   cc.Name,
		StorageDir:             storageDir,
		PolitenessDelay:        cc.PolitenessDelay.Duration(),
		MaxPagesToFetch:        cc.MaxPages,
		MaxDepth:               maxDepth,
		UserAgent:              userAgent,
		NumWorkers:             cc.Workers,
		Resumable:              cc.Resumable,
		SeenSet:                cc.SeenSet,
		BloomCapacity:          cc.BloomCapacity,
		BloomFalsePositiveRate: cc.BloomFPRate,
		TerminationDebounce:    debounce,
		ShutdownGrace:          grace,
		HonorCrawlDelay:        cc.HonorCrawlDelay,
		MaxCrawlDelay:          cc.MaxCrawlDelay,
		MaxOutlinksPerPage:     cc.MaxOutlinksPerPage,
		HostRateLimit:          cc.HostRateLimit,
	}
}

// Controller returns the entry named name.
func (c Config) Controller(name string) (ControllerConfig, bool) {
	for _, cc := range c.Controllers {
		if cc.Name == name {
			return cc, true
		}
	}
	return ControllerConfig{}, false
}

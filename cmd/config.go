package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/multicrawl/internal/config"
)

// newConfigCmd prints the effective per-controller settings.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective controller settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg config.Config) error {
	if _, err := fmt.Fprintf(w, "sink: %s\nrobots: enabled=%t ttl=%s\n", cfg.Sink.Type, cfg.Robots.Enabled, cfg.Robots.CacheTTL); err != nil {
		return fmt.Errorf("print config: %w", err)
	}
	for _, cc := range cfg.Controllers {
		crawlCfg := cfg.CrawlConfig(cc).WithDefaults()
		depth := "unlimited"
		if crawlCfg.MaxDepth >= 0 {
			depth = fmt.Sprint(crawlCfg.MaxDepth)
		}
		pages := "unlimited"
		if crawlCfg.MaxPagesToFetch > 0 {
			pages = fmt.Sprint(crawlCfg.MaxPagesToFetch)
		}
		_, err := fmt.Fprintf(w,
			"\n[%s]\n  storage: %s\n  workers: %d\n  delay: %s\n  max pages: %s\n  max depth: %s\n  resumable: %t\n  seeds: %s\n  allowed: %s\n",
			crawlCfg.Name,
			crawlCfg.StorageDir,
			crawlCfg.NumWorkers,
			crawlCfg.PolitenessDelay,
			pages,
			depth,
			crawlCfg.Resumable,
			strings.Join(cc.Seeds, ", "),
			strings.Join(cc.AllowedDomains, ", "),
		)
		if err != nil {
			return fmt.Errorf("print config: %w", err)
		}
	}
	return nil
}

// selectControllers keeps only the named controllers.
func selectControllers(cfg config.Config, names []string) (config.Config, error) {
	selected := make([]config.ControllerConfig, 0, len(names))
	for _, name := range names {
		cc, ok := cfg.Controller(name)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown controller %q", name)
		}
		selected = append(selected, cc)
	}
	cfg.Controllers = selected
	return cfg, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/config"
	"github.com/JakeFAU/multicrawl/internal/logging"
)

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

type rootFlags struct {
	configFile  string
	storageRoot string
	logLevel    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "multicrawl",
		Short: "Run several independent polite web crawls in one process.",
		Long: `multicrawl runs every controller listed in its configuration side by side.
Each controller has its own seeds, page budget, politeness delay and worker
pool; all of them share one robots.txt cache.`,
		SilenceUsage: true,

		// Loads configuration and builds the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flags.storageRoot != "" {
				cfg.StorageRoot = flags.storageRoot
			}
			if flags.logLevel != "" {
				cfg.Logging.Level = flags.logLevel
			}

			logger, err := logging.Build(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File: logging.FileConfig{
					Path:       cfg.Logging.File.Path,
					MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
					MaxBackups: cfg.Logging.File.MaxBackups,
					MaxAgeDays: cfg.Logging.File.MaxAgeDays,
					Compress:   cfg.Logging.File.Compress,
				},
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (defaults are used when empty)")
	cmd.PersistentFlags().StringVar(&flags.storageRoot, "storage-root", "", "override storage_root")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func fromContext(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return config.Config{}, nil, errors.New("logger not initialized")
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

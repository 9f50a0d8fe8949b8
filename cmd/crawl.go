// Package cmd defines and implements the CLI commands for the multicrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/app"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs every configured
// controller until it finishes or the process is interrupted.
func newCrawlCmd() *cobra.Command {
	var (
		showProgress bool
		only         []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the configured crawls",
		Long: `Starts every configured controller and waits until each one has
drained its frontier, spent its page budget, or been interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), only, showProgress)
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", false, "show a progress bar of fetched pages")
	cmd.Flags().StringSliceVar(&only, "controller", nil, "run only the named controllers")
	return cmd
}

func runCrawl(ctx context.Context, only []string, showProgress bool) error {
	cfg, logger, err := fromContext(ctx)
	if err != nil {
		return err
	}
	if len(only) > 0 {
		cfg, err = selectControllers(cfg, only)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crawl, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init crawl: %w", err)
	}
	defer crawl.Close()

	if showProgress {
		bar := newProgress(crawl.Controllers())
		stopBar := bar.track(ctx)
		defer stopBar()
	}

	if err := crawl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl command finished", zap.Int("controllers", len(crawl.Controllers())))
	return nil
}

package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/multicrawl/internal/controller"
)

const progressInterval = 250 * time.Millisecond

type progress struct {
	bar         *progressbar.ProgressBar
	controllers []*controller.Controller
}

// newProgress sizes the bar to the sum of the page budgets, or leaves it
// open-ended when any controller is unlimited.
func newProgress(controllers []*controller.Controller) *progress {
	total := 0
	for _, c := range controllers {
		limit := c.Config().MaxPagesToFetch
		if limit <= 0 {
			total = -1
			break
		}
		total += limit
	}
	return &progress{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("crawling"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("pages"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		),
		controllers: controllers,
	}
}

func (p *progress) fetched() int {
	n := 0
	for _, c := range p.controllers {
		n += int(c.Stats().FetchAttempts)
	}
	return n
}

// track refreshes the bar until ctx is done or the returned stop is called.
func (p *progress) track(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = p.bar.Set(p.fetched())
				_ = p.bar.Finish()
				return
			case <-ticker.C:
				_ = p.bar.Set(p.fetched())
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/metrics"
)

const safetyTick = time.Second

// detect finishes the controller once the frontier is drained and no worker
// is busy for a whole debounce window with no frontier activity in between.
// It also carries out shutdowns requested through ctx or the page budget.
func (c *Controller) detect(ctx context.Context) {
	ticker := time.NewTicker(safetyTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ReasonShutdown)
			return
		case <-c.limit:
			c.shutdown(ReasonLimit)
			return
		case <-c.activity:
		case <-ticker.C:
		}

		metrics.SetFrontierPending(c.cfg.Name, c.frontier.Pending())
		if !c.quiescent() {
			continue
		}

		epoch := c.epoch.Load()
		if !c.settle(ctx) {
			return
		}
		if c.quiescent() && c.epoch.Load() == epoch {
			c.logger.Debug("crawl quiescent", zap.Uint64("epoch", epoch))
			c.shutdown(ReasonCompleted)
			return
		}
	}
}

// settle waits out the debounce window. It returns false when the detector
// should stop because a shutdown took over.
func (c *Controller) settle(ctx context.Context) bool {
	if c.cfg.TerminationDebounce <= 0 {
		return true
	}
	timer := time.NewTimer(c.cfg.TerminationDebounce)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.shutdown(ReasonShutdown)
		return false
	case <-c.limit:
		c.shutdown(ReasonLimit)
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) quiescent() bool {
	return c.frontier.Drained() && c.pool.Busy() == 0
}

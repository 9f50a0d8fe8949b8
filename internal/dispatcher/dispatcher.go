// Package dispatcher manages the worker fan-out of one crawl controller.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/multicrawl/internal/worker"
)

// Pool runs a fixed set of workers.
type Pool struct {
	workers []*worker.Worker
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// New creates a Pool over workers.
func New(workers []*worker.Worker) *Pool {
	return &Pool{
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Start launches every worker and blocks until each one is running and idle,
// or ctx is done. ctx stops the workers; workCtx bounds their in-flight pages.
func (p *Pool) Start(ctx, workCtx context.Context) error {
	started := false
	p.once.Do(func() {
		started = true
		for _, w := range p.workers {
			p.wg.Add(1)
			go func(wk *worker.Worker) {
				defer p.wg.Done()
				wk.Run(ctx, workCtx)
			}(w)
		}
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
	if !started {
		return fmt.Errorf("pool already started")
	}

	for _, w := range p.workers {
		select {
		case <-w.Ready():
		case <-ctx.Done():
			return fmt.Errorf("start workers: %w", ctx.Err())
		}
	}
	return nil
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	<-p.done
}

// Done is closed once every worker has stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Busy returns the number of workers holding an unfinished entry.
func (p *Pool) Busy() int {
	busy := 0
	for _, w := range p.workers {
		if w.State().Busy() {
			busy++
		}
	}
	return busy
}

// States returns the current state of every worker, indexed by position.
func (p *Pool) States() []worker.State {
	states := make([]worker.State, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.State()
	}
	return states
}

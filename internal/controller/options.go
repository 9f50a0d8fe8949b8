package controller

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/storage"
	"github.com/JakeFAU/multicrawl/internal/worker"
)

// Option customizes a Controller.
type Option func(*options)

type options struct {
	gate   worker.Gate
	logger *zap.Logger
	ids    crawler.IDGenerator
	clock  crawler.Clock
	store  storage.KV
}

// WithGate makes the controller share gate instead of owning one. Controllers
// sharing a gate share per-host spacing.
func WithGate(gate worker.Gate) Option {
	return func(o *options) {
		o.gate = gate
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithIDGenerator sets the run ID source.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *options) {
		o.ids = ids
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithStore replaces the frontier store. The controller does not close a
// store passed this way.
func WithStore(store storage.KV) Option {
	return func(o *options) {
		o.store = store
	}
}

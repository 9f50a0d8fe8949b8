// Package frontier holds the pending URLs of one crawl controller: a FIFO of
// entries guarded by a seen set, with optional durability through a
// storage.KV so an interrupted crawl resumes without losing or repeating URLs.
package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/clock/system"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/storage"
)

const (
	bucketPending = "pending"
	bucketSeen    = "seen"
)

// ErrClosed is returned when enqueueing into a closed frontier.
var ErrClosed = errors.New("frontier closed")

// Config wires a Frontier.
type Config struct {
	// MaxDepth rejects entries deeper than this; -1 disables the check.
	MaxDepth int
	// SeenSet defaults to an in-memory set.
	SeenSet SeenSet
	// Store makes the frontier durable when set.
	Store storage.KV
	Clock crawler.Clock
	// OnChange is called after every state change, outside the lock.
	OnChange func()
	Logger   *zap.Logger
}

// Frontier is safe for concurrent use by many workers.
type Frontier struct {
	maxDepth int
	seen     SeenSet
	store    storage.KV
	clock    crawler.Clock
	onChange func()
	logger   *zap.Logger

	mu       sync.Mutex
	queue    []crawler.Entry
	inFlight map[uint64]crawler.Entry
	seq      uint64
	closed   bool
	wake     chan struct{}
}

// New builds a frontier and, when a store is configured, reloads the
// persisted pending entries and seen set.
func New(ctx context.Context, cfg Config) (*Frontier, error) {
	f := &Frontier{
		maxDepth: cfg.MaxDepth,
		seen:     cfg.SeenSet,
		store:    cfg.Store,
		clock:    cfg.Clock,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		inFlight: make(map[uint64]crawler.Entry),
		wake:     make(chan struct{}),
	}
	if f.seen == nil {
		f.seen = NewMemorySeenSet()
	}
	if f.clock == nil {
		f.clock = system.New()
	}
	if f.onChange == nil {
		f.onChange = func() {}
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.store != nil {
		if err := f.reload(ctx); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Frontier) reload(ctx context.Context) error {
	durable, isDurable := f.seen.(*DurableSeenSet)
	if isDurable {
		n, err := f.store.Count(ctx, bucketSeen)
		if err != nil {
			return fmt.Errorf("count seen: %w", err)
		}
		durable.setCount(n)
	} else {
		err := f.store.Iterate(ctx, bucketSeen, func(key string, _ []byte) error {
			f.seen.Mark(key)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reload seen: %w", err)
		}
	}

	err := f.store.Iterate(ctx, bucketPending, func(key string, value []byte) error {
		var entry crawler.Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode pending %s: %w", key, err)
		}
		if !isDurable {
			f.seen.Mark(entry.URL)
		}
		f.queue = append(f.queue, entry)
		if entry.Seq >= f.seq {
			f.seq = entry.Seq + 1
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload pending: %w", err)
	}
	if len(f.queue) > 0 {
		f.logger.Info("frontier resumed",
			zap.Int("pending", len(f.queue)),
			zap.Int("seen", f.seen.Len()),
		)
	}
	return nil
}

// Enqueue inserts url at depth unless it was seen before or is too deep.
// url must already be normalized.
func (f *Frontier) Enqueue(ctx context.Context, url string, depth int, parent string) (bool, error) {
	if f.maxDepth >= 0 && depth > f.maxDepth {
		return false, nil
	}
	host, err := crawler.HostKey(url)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false, ErrClosed
	}
	seen, err := f.seen.Seen(ctx, url)
	if err != nil || seen {
		f.mu.Unlock()
		return false, err
	}
	entry := crawler.Entry{
		URL:          url,
		Host:         host,
		Depth:        depth,
		ParentURL:    parent,
		DiscoveredAt: f.clock.Now(),
		Seq:          f.seq,
	}
	if f.store != nil {
		payload, err := json.Marshal(entry)
		if err != nil {
			f.mu.Unlock()
			return false, fmt.Errorf("encode entry: %w", err)
		}
		err = f.store.Batch(ctx,
			storage.Put(bucketPending, seqKey(entry.Seq), payload),
			storage.Put(bucketSeen, url, nil),
		)
		if err != nil {
			f.mu.Unlock()
			return false, fmt.Errorf("persist entry: %w", err)
		}
	}
	f.seq++
	f.seen.Mark(url)
	f.queue = append(f.queue, entry)
	f.broadcastLocked()
	f.mu.Unlock()

	f.onChange()
	return true, nil
}

// MarkSeen records url without queueing it and reports whether it was new.
// Workers use it for redirect targets.
func (f *Frontier) MarkSeen(ctx context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen, err := f.seen.Seen(ctx, url)
	if err != nil || seen {
		return false, err
	}
	if f.store != nil {
		if err := f.store.Batch(ctx, storage.Put(bucketSeen, url, nil)); err != nil {
			return false, fmt.Errorf("persist seen: %w", err)
		}
	}
	f.seen.Mark(url)
	return true, nil
}

// DequeueBlocking waits up to timeout for an entry. It returns false when the
// timeout elapses, ctx is cancelled, or the frontier is closed.
func (f *Frontier) DequeueBlocking(ctx context.Context, timeout time.Duration) (crawler.Entry, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return crawler.Entry{}, false
		}
		if len(f.queue) > 0 {
			entry := f.queue[0]
			f.queue[0] = crawler.Entry{}
			f.queue = f.queue[1:]
			f.inFlight[entry.Seq] = entry
			f.mu.Unlock()
			f.onChange()
			return entry, true
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return crawler.Entry{}, false
		case <-timer.C:
			return crawler.Entry{}, false
		}
	}
}

// Complete drops a dequeued entry for good.
func (f *Frontier) Complete(ctx context.Context, entry crawler.Entry) error {
	f.mu.Lock()
	delete(f.inFlight, entry.Seq)
	var err error
	if f.store != nil && !f.closed {
		if berr := f.store.Batch(ctx, storage.Delete(bucketPending, seqKey(entry.Seq))); berr != nil {
			err = fmt.Errorf("complete entry: %w", berr)
		}
	}
	f.mu.Unlock()
	f.onChange()
	return err
}

// Release returns an unprocessed in-flight entry to the head of the queue.
// Its persisted record is untouched.
func (f *Frontier) Release(entry crawler.Entry) {
	f.mu.Lock()
	if _, ok := f.inFlight[entry.Seq]; ok {
		delete(f.inFlight, entry.Seq)
		f.queue = append([]crawler.Entry{entry}, f.queue...)
		f.broadcastLocked()
	}
	f.mu.Unlock()
	f.onChange()
}

// Pending returns the number of queued entries.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// InFlight returns the number of dequeued but not completed entries.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight)
}

// Drained reports whether nothing is queued or in flight.
func (f *Frontier) Drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0 && len(f.inFlight) == 0
}

// SeenCount returns the size of the seen set.
func (f *Frontier) SeenCount() int {
	return f.seen.Len()
}

// Close wakes all blocked dequeuers and rejects further enqueues. It does
// not close the store.
func (f *Frontier) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.broadcastLocked()
	f.mu.Unlock()
	f.onChange()
}

func (f *Frontier) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

package frontier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/storage"
)

// SeenSet remembers every URL a frontier has ever accepted. The frontier
// serializes Seen+Mark under its own lock, which is what makes dedup atomic.
type SeenSet interface {
	// Seen reports whether key was marked before.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key. For durable sets the frontier's storage batch has
	// already written it.
	Mark(key string)
	Len() int
}

// NewSeenSet builds the set named by kind.
func NewSeenSet(kind string, capacity uint, fpRate float64, store storage.KV) (SeenSet, error) {
	switch kind {
	case "", crawler.SeenSetMemory:
		return NewMemorySeenSet(), nil
	case crawler.SeenSetBloom:
		return NewBloomSeenSet(capacity, fpRate), nil
	case crawler.SeenSetDurable:
		if store == nil {
			return nil, fmt.Errorf("durable seen set requires a store")
		}
		return NewDurableSeenSet(store), nil
	default:
		return nil, fmt.Errorf("unknown seen set %q", kind)
	}
}

// MemorySeenSet is an exact in-memory set.
type MemorySeenSet struct {
	seen  sync.Map
	count atomic.Int64
}

// NewMemorySeenSet constructs an empty MemorySeenSet.
func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{}
}

// Seen reports whether key is present.
func (s *MemorySeenSet) Seen(_ context.Context, key string) (bool, error) {
	_, ok := s.seen.Load(key)
	return ok, nil
}

// Mark stores key if it has not been seen before.
func (s *MemorySeenSet) Mark(key string) {
	if _, loaded := s.seen.LoadOrStore(key, struct{}{}); !loaded {
		s.count.Add(1)
	}
}

// Len returns the number of distinct keys.
func (s *MemorySeenSet) Len() int {
	return int(s.count.Load())
}

// BloomSeenSet trades exactness for bounded memory: a false positive drops a
// never-seen URL, a false negative cannot happen.
type BloomSeenSet struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  int
}

// NewBloomSeenSet sizes the filter for capacity keys at fpRate.
func NewBloomSeenSet(capacity uint, fpRate float64) *BloomSeenSet {
	if capacity == 0 {
		capacity = crawler.DefaultBloomCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = crawler.DefaultBloomFPRate
	}
	return &BloomSeenSet{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

// Seen tests the filter.
func (s *BloomSeenSet) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestString(key), nil
}

// Mark adds key to the filter.
func (s *BloomSeenSet) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filter.TestOrAddString(key) {
		s.count++
	}
}

// Len returns the number of keys added (approximate under false positives).
func (s *BloomSeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// DurableSeenSet answers from the store's seen bucket, so memory stays flat
// no matter how many URLs the crawl has discovered.
type DurableSeenSet struct {
	store storage.KV
	count atomic.Int64
}

// NewDurableSeenSet wraps store.
func NewDurableSeenSet(store storage.KV) *DurableSeenSet {
	return &DurableSeenSet{store: store}
}

// Seen looks key up in the seen bucket.
func (s *DurableSeenSet) Seen(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.store.Get(ctx, bucketSeen, key)
	if err != nil {
		return false, fmt.Errorf("lookup seen: %w", err)
	}
	return ok, nil
}

// Mark only counts; the frontier has already persisted key.
func (s *DurableSeenSet) Mark(string) {
	s.count.Add(1)
}

// Len returns the number of keys in the seen bucket.
func (s *DurableSeenSet) Len() int {
	return int(s.count.Load())
}

func (s *DurableSeenSet) setCount(n int) {
	s.count.Store(int64(n))
}

// Package memory provides in-memory storage implementations for
// non-durable crawls and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/multicrawl/internal/storage"
)

// KV is a map-backed storage.KV.
type KV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewKV constructs an empty KV.
func NewKV() *KV {
	return &KV{buckets: make(map[string]map[string][]byte)}
}

// Get returns a copy of the stored value.
func (s *KV) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, storage.ErrClosed
	}
	value, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Batch applies ops under one lock.
func (s *KV) Batch(_ context.Context, ops ...storage.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, op := range ops {
		b, ok := s.buckets[op.Bucket]
		if !ok {
			if op.Delete {
				continue
			}
			b = make(map[string][]byte)
			s.buckets[op.Bucket] = b
		}
		if op.Delete {
			delete(b, op.Key)
			continue
		}
		b[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

// Iterate walks a snapshot of bucket in key order.
func (s *KV) Iterate(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	b := s.buckets[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(b))
	for k, v := range b {
		values[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, append([]byte(nil), values[k]...)); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of keys in bucket.
func (s *KV) Count(_ context.Context, bucket string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	return len(s.buckets[bucket]), nil
}

// Close marks the store closed. Data is discarded.
func (s *KV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	return nil
}

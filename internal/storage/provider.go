// Package storage defines the key/value abstraction that backs durable crawl
// state: frontier entries, the seen set, and cached robots.txt rules. Keys
// live in named buckets and iterate in ascending byte order, so callers that
// need FIFO order encode sequence numbers as fixed-width keys.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Op is one mutation inside a Batch. A nil Value with Delete set removes the key.
type Op struct {
	Bucket string
	Key    string
	Value  []byte
	Delete bool
}

// Put builds a write op.
func Put(bucket, key string, value []byte) Op {
	return Op{Bucket: bucket, Key: key, Value: value}
}

// Delete builds a delete op.
func Delete(bucket, key string) Op {
	return Op{Bucket: bucket, Key: key, Delete: true}
}

// KV is a bucketed key/value store.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	// Batch applies all ops atomically.
	Batch(ctx context.Context, ops ...Op) error
	// Iterate calls fn for every key in bucket in ascending key order.
	Iterate(ctx context.Context, bucket string, fn func(key string, value []byte) error) error
	// Count returns the number of keys in bucket.
	Count(ctx context.Context, bucket string) (int, error)
	Close() error
}

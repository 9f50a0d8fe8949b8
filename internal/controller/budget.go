package controller

import "sync/atomic"

// pageBudget hands out fetch slots up to max. A zero max is unlimited.
type pageBudget struct {
	max  int64
	used atomic.Int64
}

func newPageBudget(limit int) *pageBudget {
	return &pageBudget{max: int64(limit)}
}

func (b *pageBudget) TryAcquire() bool {
	for {
		used := b.used.Load()
		if b.max > 0 && used >= b.max {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

func (b *pageBudget) Exhausted() bool {
	return b.max > 0 && b.used.Load() >= b.max
}

package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/multicrawl/internal/crawler"
)

// PageStore keeps page records in memory, grouped by controller.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string][]crawler.PageRecord
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string][]crawler.PageRecord)}
}

// SavePage appends the record.
func (s *PageStore) SavePage(_ context.Context, record crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Body = nil
	s.pages[record.Controller] = append(s.pages[record.Controller], record)
	return nil
}

// ListPages returns a copy of the records saved for controller.
func (s *PageStore) ListPages(controller string) []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.PageRecord(nil), s.pages[controller]...)
}

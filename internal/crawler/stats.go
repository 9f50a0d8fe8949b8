package crawler

import "sync/atomic"

// Stats holds the live counters of one controller. All methods are safe for
// concurrent use.
type Stats struct {
	pagesFetched    atomic.Int64
	pagesFailed     atomic.Int64
	pagesSkipped    atomic.Int64
	linksDiscovered atomic.Int64
	fetchAttempts   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PagesFetched    int64 `json:"pages_fetched"`
	PagesFailed     int64 `json:"pages_failed"`
	PagesSkipped    int64 `json:"pages_skipped"`
	LinksDiscovered int64 `json:"links_discovered"`
	FetchAttempts   int64 `json:"fetch_attempts"`
}

// IncFetched counts a page that was fetched and processed.
func (s *Stats) IncFetched() { s.pagesFetched.Add(1) }

// IncFailed counts a page whose fetch or callback failed.
func (s *Stats) IncFailed() { s.pagesFailed.Add(1) }

// IncSkipped counts a page skipped before fetching (robots, duplicate redirect).
func (s *Stats) IncSkipped() { s.pagesSkipped.Add(1) }

// AddLinks counts discovered outlinks.
func (s *Stats) AddLinks(n int) { s.linksDiscovered.Add(int64(n)) }

// IncAttempts counts a fetch that was issued.
func (s *Stats) IncAttempts() { s.fetchAttempts.Add(1) }

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PagesFetched:    s.pagesFetched.Load(),
		PagesFailed:     s.pagesFailed.Load(),
		PagesSkipped:    s.pagesSkipped.Load(),
		LinksDiscovered: s.linksDiscovered.Load(),
		FetchAttempts:   s.fetchAttempts.Load(),
	}
}

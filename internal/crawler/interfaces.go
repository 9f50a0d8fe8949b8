package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Visitor processes a fetched page and returns the outlinks it discovered.
// Each worker owns its own Visitor, so implementations only need to guard
// state they share with other visitors.
type Visitor interface {
	Visit(ctx context.Context, page *Page) ([]string, error)
}

// LinkFilter is optionally implemented by a Visitor to veto outlinks before
// they reach the frontier.
type LinkFilter interface {
	ShouldVisit(referring *Page, url string) bool
}

// VisitorFactory builds the Visitor for one worker.
type VisitorFactory func(workerID int) (Visitor, error)

// RobotsChecker answers robots.txt questions for a URL.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL, userAgent string) bool
	CrawlDelay(ctx context.Context, rawURL, userAgent string) time.Duration
}

// PageStore persists a record per processed page.
type PageStore interface {
	SavePage(ctx context.Context, record PageRecord) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

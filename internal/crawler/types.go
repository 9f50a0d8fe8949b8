package crawler

import (
	"net/http"
	"time"
)

// Entry is a URL waiting in (or taken from) a frontier.
type Entry struct {
	URL          string    `json:"url"`
	Host         string    `json:"host"`
	Depth        int       `json:"depth"`
	ParentURL    string    `json:"parent_url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Seq          uint64    `json:"seq"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
// FinalURL is the URL after redirects and is what dedup is keyed on.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Page is handed to a Visitor after a successful fetch.
type Page struct {
	Entry      Entry
	Controller string
	RunID      string
	WorkerID   int
	Response   FetchResponse
	FetchedAt  time.Time
}

// URL returns the final URL of the page.
func (p *Page) URL() string {
	if p.Response.FinalURL != "" {
		return p.Response.FinalURL
	}
	return p.Entry.URL
}

// ContentType returns the response Content-Type header.
func (p *Page) ContentType() string {
	if p.Response.Headers == nil {
		return ""
	}
	return p.Response.Headers.Get("Content-Type")
}

// PageRecord is persisted for each processed page.
type PageRecord struct {
	Controller   string      `json:"controller"`
	RunID        string      `json:"run_id"`
	URL          string      `json:"url"`
	ParentURL    string      `json:"parent_url,omitempty"`
	Domain       string      `json:"domain"`
	Path         string      `json:"path"`
	Depth        int         `json:"depth"`
	StatusCode   int         `json:"status_code"`
	FetchedAt    time.Time   `json:"fetched_at"`
	DurationMs   int64       `json:"duration_ms"`
	ContentHash  string      `json:"content_hash"`
	ContentType  string      `json:"content_type"`
	HTMLLength   int         `json:"html_length"`
	TextLength   int         `json:"text_length"`
	OutlinkCount int         `json:"outlink_count"`
	Headers      http.Header `json:"headers,omitempty"`
	Body         []byte      `json:"-"`
}

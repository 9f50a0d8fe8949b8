package basiccrawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/policy/scope"
	"github.com/JakeFAU/multicrawl/internal/storage/memory"
)

const samplePage = `<html>
<head><title>Lopes</title><style>body { color: red; }</style></head>
<body>
  <script>var tracking = true;</script>
  <h1>Cristina   Lopes</h1>
  <a href="/~lopes/papers.html">Papers</a>
  <a href="http://www.cnn.com/POLITICS/">Politics</a>
  <a href="#top">Top</a>
  <a href="javascript:void(0)">Nothing</a>
  <a href="mailto:lopes@ics.uci.edu">Mail</a>
  <a href="  ">Blank</a>
</body>
</html>`

func newPage(body, contentType string) *crawler.Page {
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	return &crawler.Page{
		Entry: crawler.Entry{
			URL:       "http://www.ics.uci.edu/~lopes/",
			Depth:     1,
			ParentURL: "http://www.ics.uci.edu/",
		},
		Controller: "crawler1",
		RunID:      "run-1",
		Response: crawler.FetchResponse{
			URL:        "http://www.ics.uci.edu/~lopes/",
			FinalURL:   "http://www.ics.uci.edu/~lopes/",
			StatusCode: http.StatusOK,
			Headers:    headers,
			Body:       []byte(body),
			Duration:   120 * time.Millisecond,
		},
		FetchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newVisitor(t *testing.T, cfg Config) *Visitor {
	t.Helper()
	v, err := Factory(cfg)(3)
	require.NoError(t, err)
	visitor, ok := v.(*Visitor)
	require.True(t, ok)
	return visitor
}

func TestVisitExtractsLinksAndRecordsPage(t *testing.T) {
	t.Parallel()

	store := memory.NewPageStore()
	v := newVisitor(t, Config{Store: store})

	links, err := v.Visit(context.Background(), newPage(samplePage, "text/html; charset=utf-8"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/~lopes/papers.html", "http://www.cnn.com/POLITICS/"}, links)
	assert.Equal(t, 1, v.Visited())

	records := store.ListPages("crawler1")
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "http://www.ics.uci.edu/~lopes/", record.URL)
	assert.Equal(t, "http://www.ics.uci.edu/", record.ParentURL)
	assert.Equal(t, "www.ics.uci.edu", record.Domain)
	assert.Equal(t, "/~lopes/", record.Path)
	assert.Equal(t, 1, record.Depth)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, http.StatusOK, record.StatusCode)
	assert.Equal(t, int64(120), record.DurationMs)
	assert.Equal(t, len(samplePage), record.HTMLLength)
	assert.Equal(t, 2, record.OutlinkCount)
	assert.Len(t, record.ContentHash, 64)
	assert.Greater(t, record.TextLength, 0)
	assert.Equal(t, len("Cristina Lopes Papers Politics Top Nothing Mail Blank"), record.TextLength)
}

func TestVisitResolvesAgainstBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="http://mirror.test/docs/"></head>
<body><a href="guide.html">Guide</a><a href="http://other.test/x">X</a></body></html>`
	v := newVisitor(t, Config{})

	links, err := v.Visit(context.Background(), newPage(body, "text/html"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://mirror.test/docs/guide.html", "http://other.test/x"}, links)
}

func TestVisitNonHTMLHasNoLinks(t *testing.T) {
	t.Parallel()

	store := memory.NewPageStore()
	v := newVisitor(t, Config{Store: store})

	links, err := v.Visit(context.Background(), newPage(`{"href": "/nope"}`, "application/json"))
	require.NoError(t, err)
	assert.Empty(t, links)

	records := store.ListPages("crawler1")
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].TextLength)
	assert.Equal(t, "application/json", records[0].ContentType)
}

type failingStore struct{}

func (failingStore) SavePage(context.Context, crawler.PageRecord) error {
	return errors.New("disk full")
}

func TestVisitWrapsStoreError(t *testing.T) {
	t.Parallel()

	v := newVisitor(t, Config{Store: failingStore{}})
	_, err := v.Visit(context.Background(), newPage(samplePage, "text/html"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "save page")
}

func TestShouldVisit(t *testing.T) {
	t.Parallel()

	v := newVisitor(t, Config{
		Scope: scope.New([]string{"http://www.ics.uci.edu/", "http://www.cnn.com/"}),
	})
	tests := []struct {
		url  string
		want bool
	}{
		{"http://www.ics.uci.edu/~lopes/", true},
		{"http://www.cnn.com/POLITICS/", true},
		{"http://www.ics.uci.edu/logo.PNG", false},
		{"http://www.ics.uci.edu/paper.pdf", false},
		{"http://www.ics.uci.edu/site.css?v=2", false},
		{"http://www.ics.uci.edu/archive.tar.gz", false},
		{"http://en.wikipedia.org/wiki/Bing", false},
		{"http://www.ics.uci.edu/%zz", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, v.ShouldVisit(nil, tt.url), tt.url)
	}
}

func TestShouldVisitWithoutScope(t *testing.T) {
	t.Parallel()

	v := newVisitor(t, Config{})
	assert.True(t, v.ShouldVisit(nil, "http://anywhere.test/page"))
	assert.False(t, v.ShouldVisit(nil, "http://anywhere.test/movie.mp4"))
}

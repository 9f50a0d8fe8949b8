// Package basiccrawler is the stock page visitor: it extracts links and text
// with goquery, keeps the crawl inside its allowed domains, skips binary
// resources and records every page it sees.
package basiccrawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/hash/sha256"
	"github.com/JakeFAU/multicrawl/internal/policy/scope"
)

var binaryExtensions = regexp.MustCompile(
	`(?i)\.(css|js|bmp|gif|jpe?g|png|tiff?|mid|mp2|mp3|mp4|wav|avi|mov|mpeg|ram|m4v|pdf|rm|smil|wmv|swf|wma|zip|rar|gz)$`,
)

// Config wires the visitors built by Factory.
type Config struct {
	// Scope limits which outlinks are followed; nil follows everything.
	Scope *scope.Scope
	// Store receives one record per page; nil only logs.
	Store  crawler.PageStore
	Hasher crawler.Hasher
	Logger *zap.Logger
}

// Visitor handles the pages of one worker.
type Visitor struct {
	workerID int
	scope    *scope.Scope
	store    crawler.PageStore
	hasher   crawler.Hasher
	logger   *zap.Logger
	visited  int
}

// Factory returns a VisitorFactory that builds one Visitor per worker.
func Factory(cfg Config) crawler.VisitorFactory {
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(workerID int) (crawler.Visitor, error) {
		return &Visitor{
			workerID: workerID,
			scope:    cfg.Scope,
			store:    cfg.Store,
			hasher:   cfg.Hasher,
			logger:   cfg.Logger.With(zap.Int("worker", workerID)),
		}, nil
	}
}

// ShouldVisit rejects binary resources and URLs outside the scope.
func (v *Visitor) ShouldVisit(_ *crawler.Page, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if binaryExtensions.MatchString(u.Path) {
		return false
	}
	return v.scope.Allows(rawURL)
}

// Visited returns how many pages this visitor has handled.
func (v *Visitor) Visited() int {
	return v.visited
}

// Visit parses the page, records it and returns its outlinks.
func (v *Visitor) Visit(ctx context.Context, page *crawler.Page) ([]string, error) {
	v.visited++
	body := page.Response.Body

	var (
		links   []string
		textLen int
	)
	if isHTML(page.ContentType(), body) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse html %s: %w", page.URL(), err)
		}
		links = extractLinks(doc, page.URL())
		textLen = len(visibleText(doc))
	}

	contentHash, err := v.hasher.Hash(body)
	if err != nil {
		return nil, fmt.Errorf("hash body: %w", err)
	}
	record := newRecord(page, contentHash, textLen, len(links))

	v.logger.Info("page visited",
		zap.String("url", record.URL),
		zap.String("domain", record.Domain),
		zap.String("path", record.Path),
		zap.String("parent", record.ParentURL),
		zap.Int("depth", record.Depth),
		zap.Int("html_length", record.HTMLLength),
		zap.Int("text_length", record.TextLength),
		zap.Int("outlinks", record.OutlinkCount),
	)
	v.logger.Debug("response headers", zap.Any("headers", page.Response.Headers))

	if v.store != nil {
		if err := v.store.SavePage(ctx, record); err != nil {
			return nil, fmt.Errorf("save page %s: %w", record.URL, err)
		}
	}
	return links, nil
}

func newRecord(page *crawler.Page, contentHash string, textLen, outlinks int) crawler.PageRecord {
	record := crawler.PageRecord{
		Controller:   page.Controller,
		RunID:        page.RunID,
		URL:          page.URL(),
		ParentURL:    page.Entry.ParentURL,
		Depth:        page.Entry.Depth,
		StatusCode:   page.Response.StatusCode,
		FetchedAt:    page.FetchedAt,
		DurationMs:   page.Response.Duration.Milliseconds(),
		ContentHash:  contentHash,
		ContentType:  page.ContentType(),
		HTMLLength:   len(page.Response.Body),
		TextLength:   textLen,
		OutlinkCount: outlinks,
		Headers:      page.Response.Headers,
		Body:         page.Response.Body,
	}
	if u, err := url.Parse(record.URL); err == nil {
		record.Domain = u.Hostname()
		record.Path = u.EscapedPath()
	}
	return record
}

// extractLinks returns hrefs, resolved against <base href> when the page
// declares one.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base := ""
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.ResolveURL(pageURL, href); err == nil {
			base = resolved
		}
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
			return
		}
		if base != "" {
			resolved, err := crawler.ResolveURL(base, href)
			if err != nil {
				return
			}
			href = resolved
		}
		links = append(links, href)
	})
	return links
}

func visibleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}

func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return len(body) > 0
}

// Package crawler walks the catalogue link tree from a seed page and records
// the PDF and content pages it finds as sources.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/policy/simple"
	"github.com/JakeFAU/catalogue-rag/internal/urlnorm"
)

// Config holds the per-crawl settings.
type Config struct {
	SeedURL           string
	MaxDepth          int
	AllowlistPrefixes []string
	DenyHosts         []string
	Category          string
}

// RobotsChecker gates URLs on robots.txt.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// Summary counts what one crawl did. Every visited or candidate URL lands in
// exactly one counter.
type Summary struct {
	TotalFound     int `json:"total_found"`
	NewSources     int `json:"new_sources"`
	UpdatedSources int `json:"updated_sources"`
	Skipped        int `json:"skipped"`
	Errors         int `json:"errors"`
}

// Session is the traversal state of one crawl.
type Session struct {
	visited    map[string]struct{}
	discovered map[string]struct{}
	summary    Summary
}

// NewSession returns an empty traversal state.
func NewSession() *Session {
	return &Session{
		visited:    make(map[string]struct{}),
		discovered: make(map[string]struct{}),
	}
}

// Summary returns the counters accumulated so far.
func (s *Session) Summary() Summary {
	out := s.summary
	out.TotalFound = out.NewSources + out.UpdatedSources
	return out
}

// Visited reports whether normalizedURL was fetched in this session.
func (s *Session) Visited(normalizedURL string) bool {
	_, ok := s.visited[normalizedURL]
	return ok
}

func (s *Session) markDiscovered(normalizedURL string) bool {
	if _, seen := s.discovered[normalizedURL]; seen {
		return false
	}
	s.discovered[normalizedURL] = struct{}{}
	return true
}

// Crawler traverses the catalogue depth-first.
type Crawler struct {
	cfg      Config
	fetcher  catalogue.Fetcher
	robots   RobotsChecker
	sources  catalogue.SourceStore
	canon    *urlnorm.Canonicalizer
	clock    catalogue.Clock
	denylist *hostDenylist
	logger   *zap.Logger
}

// New builds a Crawler. robots and canon may be nil.
func New(
	cfg Config,
	fetcher catalogue.Fetcher,
	robots RobotsChecker,
	sources catalogue.SourceStore,
	canon *urlnorm.Canonicalizer,
	clock catalogue.Clock,
	logger *zap.Logger,
) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("crawler: fetcher is required")
	}
	if sources == nil {
		return nil, errors.New("crawler: source store is required")
	}
	if clock == nil {
		return nil, errors.New("crawler: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	return &Crawler{
		cfg:      cfg,
		fetcher:  fetcher,
		robots:   robots,
		sources:  sources,
		canon:    canon,
		clock:    clock,
		denylist: newHostDenylist(cfg.DenyHosts),
		logger:   logger.Named("crawler"),
	}, nil
}

// CrawlCatalogue crawls from seed, or from the configured seed when empty.
func (c *Crawler) CrawlCatalogue(ctx context.Context, seed string) (Summary, error) {
	session := NewSession()
	err := c.Crawl(ctx, session, seed)
	summary := session.Summary()
	c.logger.Info("crawl finished",
		zap.Int("total_found", summary.TotalFound),
		zap.Int("new_sources", summary.NewSources),
		zap.Int("updated_sources", summary.UpdatedSources),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
	)
	return summary, err
}

// Crawl runs a traversal into an existing session.
func (c *Crawler) Crawl(ctx context.Context, session *Session, seed string) error {
	if seed == "" {
		seed = c.cfg.SeedURL
	}
	if seed == "" {
		return errors.New("crawler: seed url is required")
	}
	allow := simple.NewAllowlist(c.normalizeOrRaw(seed), c.cfg.AllowlistPrefixes)
	c.crawlPage(ctx, session, allow, seed, "", 0, "")
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("crawl %s: %w", seed, err)
	}
	return nil
}

func (c *Crawler) normalize(raw, base string) (string, error) {
	if c.canon != nil {
		return c.canon.Normalize(raw, base)
	}
	return urlnorm.Normalize(raw, base)
}

func (c *Crawler) normalizeOrRaw(raw string) string {
	if n, err := c.normalize(raw, ""); err == nil {
		return n
	}
	return raw
}

func (c *Crawler) skip(s *Session, rawURL, reason string) {
	s.summary.Skipped++
	metrics.ObserveCrawlOutcome("skipped")
	c.logger.Debug("skipping url", zap.String("url", rawURL), zap.String("reason", reason))
}

func (c *Crawler) fail(s *Session, rawURL string, err error) {
	s.summary.Errors++
	metrics.ObserveCrawlOutcome("error")
	c.logger.Warn("crawl error", zap.String("url", rawURL), zap.Error(err))
}

type pdfLink struct {
	url, title string
}

// crawlPage visits one page. parentID is the nearest recorded ancestor; a
// content page that is itself recorded becomes the parent of its links.
func (c *Crawler) crawlPage(
	ctx context.Context,
	s *Session,
	allow *simple.Allowlist,
	rawURL, base string,
	depth int,
	parentID string,
) {
	if ctx.Err() != nil {
		return
	}
	normalized, err := c.normalize(rawURL, base)
	if err != nil {
		c.skip(s, rawURL, "unnormalizable")
		return
	}
	switch {
	case depth > c.cfg.MaxDepth:
		c.skip(s, normalized, "max depth")
		return
	case s.Visited(normalized):
		c.skip(s, normalized, "visited")
		return
	case !allow.Allowed(normalized):
		c.skip(s, normalized, "outside allowlist")
		return
	case c.denylist.Denied(normalized):
		c.skip(s, normalized, "denied host")
		return
	case c.robots != nil && !c.robots.IsAllowed(ctx, normalized):
		c.skip(s, normalized, "robots")
		return
	}
	s.visited[normalized] = struct{}{}
	s.discovered[normalized] = struct{}{}

	resp, err := c.fetcher.Fetch(ctx, catalogue.FetchRequest{URL: normalized})
	if err != nil {
		c.fail(s, normalized, err)
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		c.fail(s, normalized, fmt.Errorf("parse html: %w", err))
		return
	}
	c.logger.Debug("fetched page",
		zap.String("url", normalized),
		zap.Int("status", resp.StatusCode),
		zap.Int("depth", depth),
		zap.Bool("headless", resp.UsedHeadless),
	)

	if depth > 0 && urlnorm.IsContentURL(normalized) {
		if id := c.upsert(ctx, s, catalogue.Source{
			URL:            normalized,
			NormalizedURL:  normalized,
			Title:          pageTitle(doc),
			SourceType:     catalogue.SourceTypeHTML,
			PageKind:       catalogue.PageKindUnknown,
			ParentSourceID: parentID,
		}); id != "" {
			parentID = id
		}
	} else {
		c.skip(s, normalized, "not a content page")
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = normalized
	}
	var (
		pdfs    []pdfLink
		content []string
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		link, err := c.normalize(href, pageURL)
		if err != nil {
			return
		}
		if urlnorm.IsPDF(link) {
			if !s.markDiscovered(link) {
				c.skip(s, link, "duplicate link")
				return
			}
			pdfs = append(pdfs, pdfLink{url: link, title: collapse(a.Text())})
			return
		}
		if depth >= c.cfg.MaxDepth {
			c.skip(s, link, "max depth")
			return
		}
		if !s.markDiscovered(link) {
			c.skip(s, link, "duplicate link")
			return
		}
		content = append(content, link)
	})

	for _, p := range pdfs {
		if !allow.Allowed(p.url) || c.denylist.Denied(p.url) {
			c.skip(s, p.url, "outside allowlist")
			continue
		}
		c.upsert(ctx, s, catalogue.Source{
			URL:            p.url,
			NormalizedURL:  p.url,
			Title:          p.title,
			SourceType:     catalogue.SourceTypePDF,
			PageKind:       catalogue.PageKindContent,
			ParentSourceID: parentID,
		})
	}
	for _, link := range content {
		c.crawlPage(ctx, s, allow, link, "", depth+1, parentID)
	}
}

// upsert records src and returns its ID, or "" when the store failed.
func (c *Crawler) upsert(ctx context.Context, s *Session, src catalogue.Source) string {
	now := c.clock.Now()
	src.LastCrawledAt = &now
	src.Category = c.cfg.Category
	stored, created, err := c.sources.UpsertSource(ctx, src)
	if err != nil {
		c.fail(s, src.NormalizedURL, fmt.Errorf("upsert source: %w", err))
		return ""
	}
	if created {
		s.summary.NewSources++
		metrics.ObserveCrawlOutcome("new")
	} else {
		s.summary.UpdatedSources++
		metrics.ObserveCrawlOutcome("updated")
	}
	c.logger.Debug("recorded source",
		zap.String("source_id", stored.ID),
		zap.String("url", stored.NormalizedURL),
		zap.Bool("created", created),
	)
	return stored.ID
}

func pageTitle(doc *goquery.Document) string {
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return collapse(doc.Find("title").First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

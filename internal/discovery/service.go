package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/logging"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/urlnorm"
)

// Defaults for Config.
const (
	DefaultMaxDepth = 2
	DefaultMaxQueue = 500
)

// ErrNoFamily is returned when no family claims a source.
var ErrNoFamily = errors.New("discovery: no family matches source")

// Config bounds one discovery run.
type Config struct {
	MaxDepth int
	MaxQueue int
}

// Result summarises one DiscoverFromSource call. PageKind is the
// classification of the starting source.
type Result struct {
	PageKind          catalogue.PageKind `json:"page_kind"`
	DiscoveredLinks   int                `json:"discovered_links"`
	NewSourcesCreated int                `json:"new_sources_created"`
	SkippedDuplicates int                `json:"skipped_duplicates"`
	Errors            []string           `json:"errors,omitempty"`
}

// Service expands directory sources into child sources.
type Service struct {
	cfg      Config
	families []Family
	fetcher  catalogue.Fetcher
	sources  catalogue.SourceStore
	canon    *urlnorm.Canonicalizer
	clock    catalogue.Clock
	logger   *zap.Logger
}

// NewService builds a Service. With no families the built-in ones are used.
func NewService(
	cfg Config,
	families []Family,
	fetcher catalogue.Fetcher,
	sources catalogue.SourceStore,
	canon *urlnorm.Canonicalizer,
	clock catalogue.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if fetcher == nil || sources == nil || clock == nil {
		return nil, errors.New("discovery: fetcher, source store and clock are required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if len(families) == 0 {
		families = DefaultFamilies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		families: families,
		fetcher:  fetcher,
		sources:  sources,
		canon:    canon,
		clock:    clock,
		logger:   logger.Named("discovery"),
	}, nil
}

// FamilyFor returns the family that owns src.
func (s *Service) FamilyFor(src catalogue.Source) (Family, bool) {
	for _, f := range s.families {
		if f.Owns(src) {
			return f, true
		}
	}
	return nil, false
}

type workItem struct {
	sourceID string
	depth    int
}

// DiscoverFromSource classifies the source and, for directories, records
// its family links as child sources. Child directories are expanded from a
// bounded FIFO worklist until MaxDepth.
func (s *Service) DiscoverFromSource(ctx context.Context, sourceID string, depth int) (Result, error) {
	root, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("discover %s: %w", sourceID, err)
	}
	family, ok := s.FamilyFor(root)
	if !ok {
		return Result{PageKind: catalogue.PageKindUnknown}, fmt.Errorf("discover %s: %w", root.NormalizedURL, ErrNoFamily)
	}
	logger := s.logger.With(zap.String("family", family.Name()))

	var (
		result    Result
		queue     = []workItem{{sourceID: sourceID, depth: depth}}
		processed = make(map[string]struct{})
		seenLinks = make(map[string]struct{})
	)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("discover %s: %w", root.NormalizedURL, err)
		}
		item := queue[0]
		queue = queue[1:]
		if _, done := processed[item.sourceID]; done || item.depth > s.cfg.MaxDepth {
			continue
		}
		processed[item.sourceID] = struct{}{}

		isRoot := item.sourceID == sourceID
		src := root
		if !isRoot {
			if src, err = s.sources.GetSource(ctx, item.sourceID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
		}
		kind, children, err := s.expand(ctx, family, src, seenLinks, &result, logger)
		if isRoot {
			result.PageKind = kind
			if err != nil {
				return result, err
			}
		} else if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		for _, childID := range children {
			if item.depth+1 > s.cfg.MaxDepth {
				break
			}
			if len(queue) >= s.cfg.MaxQueue {
				logger.Warn("discovery queue full, dropping directory",
					zap.String("source_id", childID),
					zap.Int("max_queue", s.cfg.MaxQueue),
				)
				continue
			}
			queue = append(queue, workItem{sourceID: childID, depth: item.depth + 1})
		}
	}
	logger.Info("discovery finished",
		zap.String("source_id", sourceID),
		zap.String("page_kind", string(result.PageKind)),
		zap.Int("discovered_links", result.DiscoveredLinks),
		zap.Int("new_sources", result.NewSourcesCreated),
		zap.Int("duplicates", result.SkippedDuplicates),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// expand fetches and classifies src, persists the classification and, for
// directories, creates child sources. It returns the IDs of new child
// directories.
func (s *Service) expand(
	ctx context.Context,
	family Family,
	src catalogue.Source,
	seenLinks map[string]struct{},
	result *Result,
	logger *zap.Logger,
) (catalogue.PageKind, []string, error) {
	if src.IsBlocked() {
		logger.Info("retrying previously blocked source",
			zap.String("source_id", src.ID),
			zap.String("block_type", string(src.BlockType)),
		)
		src.ClearBlock()
		src.IngestStatus = catalogue.StatusPending
		src.ErrorCode, src.ErrorMessage = "", ""
		if err := s.sources.UpdateSource(ctx, src); err != nil {
			return catalogue.PageKindUnknown, nil, fmt.Errorf("clear block on %s: %w", src.ID, err)
		}
	}

	now := s.clock.Now()
	src.LastAttemptAt = &now
	resp, err := s.fetcher.Fetch(ctx, catalogue.FetchRequest{URL: src.NormalizedURL})
	if err != nil {
		s.recordFetchFailure(ctx, src, err, logger)
		return catalogue.PageKindUnknown, nil, fmt.Errorf("fetch %s: %w", src.NormalizedURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return catalogue.PageKindUnknown, nil, fmt.Errorf("parse %s: %w", src.NormalizedURL, err)
	}

	kind := family.Classify(doc, src.NormalizedURL)
	expandable := kind == catalogue.PageKindDirectory ||
		(kind == catalogue.PageKindUnknown &&
			(family.IsIndexPath(src.NormalizedURL) || src.PageKind == catalogue.PageKindDirectory))
	if expandable {
		kind = catalogue.PageKindDirectory
	}
	if kind != catalogue.PageKindUnknown {
		src.PageKind = kind
		src.SourceType = family.SourceType(kind)
	}
	if src.Title == "" {
		src.Title = headingText(doc)
	}
	src.LastCrawledAt = &now
	src.ErrorCode, src.ErrorMessage = "", ""
	if err := s.sources.UpdateSource(ctx, src); err != nil {
		return kind, nil, fmt.Errorf("update %s: %w", src.ID, err)
	}
	if !expandable {
		return kind, nil, nil
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = src.NormalizedURL
	}
	var directories []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		childID, isDir, ok := s.recordLink(ctx, family, src, pageURL, a, seenLinks, result, logger)
		if ok && isDir {
			directories = append(directories, childID)
		}
	})
	return kind, directories, nil
}

func (s *Service) recordLink(
	ctx context.Context,
	family Family,
	parent catalogue.Source,
	pageURL string,
	a *goquery.Selection,
	seenLinks map[string]struct{},
	result *Result,
	logger *zap.Logger,
) (childID string, isDir bool, created bool) {
	href := strings.TrimSpace(a.AttrOr("href", ""))
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false, false
	}
	raw, err := resolveHref(href, pageURL)
	if err != nil {
		return "", false, false
	}
	normalized, err := s.normalize(raw)
	if err != nil || normalized == parent.NormalizedURL || !urlnorm.SameHost(normalized, parent.NormalizedURL) {
		return "", false, false
	}
	kind, ok := family.ClassifyLink(normalized)
	if !ok {
		return "", false, false
	}
	if _, seen := seenLinks[normalized]; seen {
		return "", false, false
	}
	seenLinks[normalized] = struct{}{}
	result.DiscoveredLinks++

	if s.exists(ctx, normalized, raw) {
		result.SkippedDuplicates++
		metrics.ObserveDiscoveryLink(family.Name(), "duplicate")
		return "", false, false
	}
	child, err := s.sources.InsertSource(ctx, catalogue.Source{
		URL:              raw,
		NormalizedURL:    normalized,
		Title:            collapse(a.Text()),
		SourceType:       family.SourceType(kind),
		Category:         parent.Category,
		PageKind:         kind,
		JurisdictionTags: parent.JurisdictionTags,
		Priority:         parent.Priority,
		ParentSourceID:   parent.ID,
	})
	if errors.Is(err, catalogue.ErrDuplicate) {
		result.SkippedDuplicates++
		metrics.ObserveDiscoveryLink(family.Name(), "duplicate")
		return "", false, false
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("insert %s: %v", normalized, err))
		metrics.ObserveDiscoveryLink(family.Name(), "error")
		return "", false, false
	}
	result.NewSourcesCreated++
	metrics.ObserveDiscoveryLink(family.Name(), "new")
	logger.Debug("discovered source",
		zap.String("source_id", child.ID),
		zap.String("url", normalized),
		zap.String("page_kind", string(kind)),
		zap.String("parent_source_id", parent.ID),
	)
	return child.ID, kind == catalogue.PageKindDirectory, true
}

func (s *Service) normalize(raw string) (string, error) {
	if s.canon != nil {
		return s.canon.Normalize(raw, "")
	}
	return urlnorm.Normalize(raw, "")
}

// exists checks the normalized URL first and the raw URL second, for rows
// written before normalization was applied.
func (s *Service) exists(ctx context.Context, normalized, raw string) bool {
	if _, err := s.sources.FindSourceByNormalizedURL(ctx, normalized); err == nil {
		return true
	}
	_, err := s.sources.FindSourceByURL(ctx, raw)
	return err == nil
}

func (s *Service) recordFetchFailure(ctx context.Context, src catalogue.Source, fetchErr error, logger *zap.Logger) {
	if info, ok := catalogue.AsBlock(fetchErr); ok {
		src.MarkBlocked(*info)
		logger.Warn("discovery fetch blocked",
			append(logging.SourceFields(src), logging.BlockFields(*info)...)...,
		)
	} else {
		src.ErrorCode = catalogue.ErrorCodeDiscovery
		if catalogue.IsNotFound(fetchErr) {
			src.ErrorCode = catalogue.ErrorCodeNotFound
		}
		src.ErrorMessage = catalogue.TruncateMessage(fetchErr.Error())
		logger.Warn("discovery fetch failed",
			zap.String("source_id", src.ID),
			zap.String("url", src.NormalizedURL),
			zap.String("error_code", src.ErrorCode),
			zap.Error(fetchErr),
		)
	}
	if err := s.sources.UpdateSource(ctx, src); err != nil {
		logger.Error("record fetch failure", zap.String("source_id", src.ID), zap.Error(err))
	}
}

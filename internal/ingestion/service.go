// Package ingestion drives a source through fetch, extraction, chunking,
// embedding and persistence, recording the outcome on the source row.
package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/chunking"
	"github.com/JakeFAU/catalogue-rag/internal/discovery"
	"github.com/JakeFAU/catalogue-rag/internal/extract"
	"github.com/JakeFAU/catalogue-rag/internal/logging"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/urlnorm"
)

var (
	// ErrNoChunks is returned when neither chunker produced any chunk.
	ErrNoChunks = errors.New("ingestion: document produced no chunks")
	// ErrValidation is returned when the stored rows disagree with what was
	// just persisted.
	ErrValidation = errors.New("ingestion: post-persist validation failed")
)

// DefaultSecondaryIndexLinks is the link count at which an HTML page is
// treated as a secondary index.
const DefaultSecondaryIndexLinks = 8

// Discoverer expands directory sources.
type Discoverer interface {
	DiscoverFromSource(ctx context.Context, sourceID string, depth int) (discovery.Result, error)
	FamilyFor(src catalogue.Source) (discovery.Family, bool)
}

// Embedder turns chunk texts into vectors, one per text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config tunes chunking and the secondary index heuristic.
type Config struct {
	ChunkSize           int
	ChunkOverlap        int
	FallbackSize        int
	FallbackOverlap     int
	SecondaryIndexLinks int
}

// Service ingests sources one at a time.
type Service struct {
	cfg       Config
	repo      catalogue.Repository
	fetcher   catalogue.Fetcher
	discovery Discoverer
	embedder  Embedder
	hasher    catalogue.Hasher
	clock     catalogue.Clock
	html      *extract.HTMLExtractor
	pdf       *extract.PDFExtractor
	sections  *chunking.SectionChunker
	codes     *chunking.CodeChunker
	logger    *zap.Logger
}

// NewService wires a Service.
func NewService(
	cfg Config,
	repo catalogue.Repository,
	fetcher catalogue.Fetcher,
	disc Discoverer,
	embedder Embedder,
	hasher catalogue.Hasher,
	clock catalogue.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if repo == nil || fetcher == nil || disc == nil || embedder == nil || hasher == nil || clock == nil {
		return nil, errors.New("ingestion: repository, fetcher, discoverer, embedder, hasher and clock are required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunking.DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = chunking.DefaultChunkOverlap
	}
	if cfg.FallbackSize <= 0 {
		cfg.FallbackSize = chunking.DefaultFallbackSize
	}
	if cfg.FallbackOverlap <= 0 {
		cfg.FallbackOverlap = chunking.DefaultFallbackOverlap
	}
	if cfg.SecondaryIndexLinks <= 0 {
		cfg.SecondaryIndexLinks = DefaultSecondaryIndexLinks
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		repo:      repo,
		fetcher:   fetcher,
		discovery: disc,
		embedder:  embedder,
		hasher:    hasher,
		clock:     clock,
		html:      extract.NewHTMLExtractor(),
		pdf:       extract.NewPDFExtractor(),
		sections:  chunking.NewSectionChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		codes:     chunking.NewCodeChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:    logger.Named("ingestion"),
	}, nil
}

// stageError tags a failure with the error code stored on the source.
type stageError struct {
	code string
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func fail(code string, err error) error {
	return &stageError{code: code, err: err}
}

// IngestSource ingests one source. Policy exclusions (directories, HTML
// duplicates, archived titles, gone resources) end in status skipped and
// return nil. Any other failure is recorded on the source and returned.
func (s *Service) IngestSource(ctx context.Context, sourceID string) error {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", sourceID, err)
	}
	logger := s.logger.With(logging.SourceFields(src)...)

	err = s.ingest(ctx, src, logger)
	if err == nil {
		return nil
	}
	return s.recordFailure(ctx, src.ID, err, logger)
}

func (s *Service) ingest(ctx context.Context, src catalogue.Source, logger *zap.Logger) error {
	if src.PageKind == catalogue.PageKindDirectory {
		return s.discoverAndSkip(ctx, src, catalogue.SkipReasonDirectory, logger)
	}

	isPDF := src.SourceType == catalogue.SourceTypePDF || urlnorm.IsPDF(src.NormalizedURL)
	if isPDF {
		dup, err := s.htmlSibling(ctx, src)
		if err != nil {
			return fail(catalogue.ErrorCodeInternal, err)
		}
		if dup != nil {
			logger.Info("skipping pdf with html equivalent", zap.String("html_source_id", dup.ID))
			return s.skip(ctx, src.ID, "", catalogue.SkipReasonDuplicateHTML)
		}
	}

	now := s.clock.Now()
	src.LastAttemptAt = &now
	resp, err := s.fetcher.Fetch(ctx, catalogue.FetchRequest{URL: src.NormalizedURL})
	if err != nil {
		return fail(catalogue.ErrorCodeFetch, err)
	}
	pageURL := src.NormalizedURL

	family, hasFamily := s.discovery.FamilyFor(src)
	var res extract.Result
	if isPDF {
		res, err = s.pdf.Extract(resp.Body, pageURL, src.Title)
		if err != nil {
			return fail(catalogue.ErrorCodeExtract, err)
		}
	} else {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return fail(catalogue.ErrorCodeExtract, fmt.Errorf("parse %s: %w", pageURL, err))
		}
		if hasFamily {
			kind := family.Classify(doc, pageURL)
			if kind == catalogue.PageKindDirectory {
				src.PageKind = catalogue.PageKindDirectory
				src.SourceType = family.SourceType(kind)
				if err := s.repo.UpdateSource(ctx, src); err != nil {
					return fail(catalogue.ErrorCodeInternal, err)
				}
				return s.discoverAndSkip(ctx, src, catalogue.SkipReasonDirectory, logger)
			}
			if kind != catalogue.PageKindContent && s.secondaryIndexLinks(doc, pageURL, family) >= s.cfg.SecondaryIndexLinks {
				done, err := s.discoverSecondaryIndex(ctx, src, family, logger)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			res, err = extract.NewFamilyExtractor(family.Name(), family.ContentCode).Extract(resp.Body, pageURL)
		} else {
			res, err = s.html.Extract(resp.Body, pageURL)
		}
		if err != nil {
			return fail(catalogue.ErrorCodeExtract, err)
		}
	}

	title := res.Title
	if title == "" {
		title = src.Title
	}
	if extract.IsArchivedTitle(title) {
		logger.Info("skipping archived document", zap.String("title", title))
		return s.skip(ctx, src.ID, "", catalogue.SkipReasonArchived)
	}

	hash := s.hasher.HashText(res.Text)
	latest, err := s.repo.LatestDocument(ctx, src.ID)
	switch {
	case err == nil && latest.ContentHash == hash:
		return s.refresh(ctx, src.ID, hash, logger)
	case err != nil && !errors.Is(err, catalogue.ErrNotFound):
		return fail(catalogue.ErrorCodeInternal, err)
	}

	chunks := s.chunk(res, hasFamily)
	if len(chunks) == 0 {
		return fail(catalogue.ErrorCodeNoChunks, fmt.Errorf("%s: %w", pageURL, ErrNoChunks))
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(catalogue.ErrorCodeEmbedding, err)
	}
	if len(vectors) != len(chunks) {
		return fail(catalogue.ErrorCodeEmbedding,
			fmt.Errorf("%w: %d vectors for %d chunks", ErrValidation, len(vectors), len(chunks)))
	}
	embeddings := make([]catalogue.Embedding, len(vectors))
	for i, v := range vectors {
		embeddings[i] = catalogue.Embedding{Vector: v, Model: s.embedder.Model()}
	}

	doc, err := s.repo.SaveDocument(ctx, catalogue.Document{
		SourceID:    src.ID,
		ContentHash: hash,
		Title:       title,
		Metadata:    res.Metadata,
	}, chunks, embeddings)
	if err != nil {
		return fail(catalogue.ErrorCodeInternal, fmt.Errorf("save document: %w", err))
	}

	// Re-read: the discovery calls above may have touched the row.
	current, err := s.repo.GetSource(ctx, src.ID)
	if err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	ingestedAt := s.clock.Now()
	current.Title = title
	current.ContentHash = hash
	current.IngestStatus = catalogue.StatusIngested
	current.ErrorCode, current.ErrorMessage = "", ""
	current.LastAttemptAt = src.LastAttemptAt
	current.LastIngestedAt = &ingestedAt
	current.ClearBlock()
	if current.PageKind == catalogue.PageKindUnknown {
		current.PageKind = catalogue.PageKindContent
		if hasFamily && !isPDF {
			current.SourceType = family.SourceType(catalogue.PageKindContent)
		}
	}
	if err := s.repo.UpdateSource(ctx, current); err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	if err := s.validate(ctx, src.ID, doc.ID, len(chunks)); err != nil {
		return fail(catalogue.ErrorCodeValidation, err)
	}

	metrics.ObserveIngestion(string(catalogue.StatusIngested))
	logger.Info("source ingested",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("pages", len(res.Pages)),
	)
	return nil
}

// chunk applies the family or section chunker, page by page for PDFs, and
// falls back to fixed windows when nothing comes out.
func (s *Service) chunk(res extract.Result, hasFamily bool) []catalogue.Chunk {
	var chunker chunking.Chunker = s.sections
	if hasFamily {
		chunker = s.codes
	}
	pages := res.Pages
	if len(pages) == 0 {
		pages = []extract.Page{{Text: res.Text}}
	}

	var out []catalogue.Chunk
	for _, p := range pages {
		out = appendPage(out, chunker.Chunk(p.Text, res.Metadata), p.Number)
	}
	if len(out) > 0 {
		return out
	}
	for _, p := range pages {
		out = appendPage(out, chunking.FallbackChunks(p.Text, s.cfg.FallbackSize, s.cfg.FallbackOverlap), p.Number)
	}
	return out
}

// appendPage renumbers chunks so indexes run across the whole document.
func appendPage(out, chunks []catalogue.Chunk, page int) []catalogue.Chunk {
	for _, ch := range chunks {
		ch.ChunkIndex = len(out)
		ch.PageNumber = page
		out = append(out, ch)
	}
	return out
}

func (s *Service) validate(ctx context.Context, sourceID, documentID string, want int) error {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: reload source: %v", ErrValidation, err)
	}
	if src.IngestStatus != catalogue.StatusIngested {
		return fmt.Errorf("%w: source status is %s", ErrValidation, src.IngestStatus)
	}
	latest, err := s.repo.LatestDocument(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: reload document: %v", ErrValidation, err)
	}
	if latest.ID != documentID {
		return fmt.Errorf("%w: latest document is %s, saved %s", ErrValidation, latest.ID, documentID)
	}
	chunks, err := s.repo.CountChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: count chunks: %v", ErrValidation, err)
	}
	embeddings, err := s.repo.CountEmbeddings(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: count embeddings: %v", ErrValidation, err)
	}
	if chunks != want || embeddings != want {
		return fmt.Errorf("%w: want %d chunks and embeddings, stored %d chunks and %d embeddings",
			ErrValidation, want, chunks, embeddings)
	}
	return nil
}

// htmlSibling finds an HTML source with the same file stem under the same
// parent as the PDF src.
func (s *Service) htmlSibling(ctx context.Context, src catalogue.Source) (*catalogue.Source, error) {
	if src.ParentSourceID == "" {
		return nil, nil
	}
	stem := urlnorm.Stem(src.NormalizedURL)
	if stem == "" {
		return nil, nil
	}
	siblings, err := s.repo.ListSources(ctx, catalogue.SourceFilter{ParentSourceID: src.ParentSourceID})
	if err != nil {
		return nil, fmt.Errorf("list siblings of %s: %w", src.ID, err)
	}
	for i := range siblings {
		sib := siblings[i]
		if sib.ID == src.ID || sib.SourceType == catalogue.SourceTypePDF || urlnorm.IsPDF(sib.NormalizedURL) {
			continue
		}
		if urlnorm.Stem(sib.NormalizedURL) == stem {
			return &sib, nil
		}
	}
	return nil, nil
}

// secondaryIndexLinks counts distinct same-host links that share the page's
// directory or match the family's link shapes.
func (s *Service) secondaryIndexLinks(doc *goquery.Document, pageURL string, family discovery.Family) int {
	dir := path.Dir(urlPathOf(pageURL))
	self := strings.TrimSuffix(pageURL, "/")
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		link, err := urlnorm.Normalize(a.AttrOr("href", ""), pageURL)
		if err != nil || link == self || !urlnorm.SameHost(link, pageURL) {
			return
		}
		_, inFamily := family.ClassifyLink(link)
		if inFamily || (dir != "/" && strings.HasPrefix(urlPathOf(link), dir+"/")) {
			seen[link] = struct{}{}
		}
	})
	return len(seen)
}

// discoverSecondaryIndex promotes src to a directory and expands it. done
// reports that the page was handled as an index; on a failed expansion the
// previous classification is restored and ingestion continues.
func (s *Service) discoverSecondaryIndex(
	ctx context.Context,
	src catalogue.Source,
	family discovery.Family,
	logger *zap.Logger,
) (bool, error) {
	promoted := src
	promoted.PageKind = catalogue.PageKindDirectory
	promoted.SourceType = family.SourceType(catalogue.PageKindDirectory)
	if err := s.repo.UpdateSource(ctx, promoted); err != nil {
		return false, fail(catalogue.ErrorCodeInternal, err)
	}
	res, err := s.discovery.DiscoverFromSource(ctx, src.ID, 0)
	if err == nil && res.PageKind == catalogue.PageKindDirectory {
		logger.Info("secondary index expanded",
			zap.Int("discovered_links", res.DiscoveredLinks),
			zap.Int("new_sources", res.NewSourcesCreated),
		)
		return true, s.skip(ctx, src.ID, "", catalogue.SkipReasonSecondaryIndex)
	}
	logger.Warn("secondary index discovery failed, ingesting as content", zap.Error(err))
	restored, gerr := s.repo.GetSource(ctx, src.ID)
	if gerr != nil {
		return false, fail(catalogue.ErrorCodeInternal, gerr)
	}
	restored.PageKind = src.PageKind
	restored.SourceType = src.SourceType
	restored.IngestStatus = src.IngestStatus
	restored.ErrorCode, restored.ErrorMessage = src.ErrorCode, src.ErrorMessage
	restored.ClearBlock()
	if err := s.repo.UpdateSource(ctx, restored); err != nil {
		return false, fail(catalogue.ErrorCodeInternal, err)
	}
	return false, nil
}

func (s *Service) discoverAndSkip(ctx context.Context, src catalogue.Source, reason string, logger *zap.Logger) error {
	res, err := s.discovery.DiscoverFromSource(ctx, src.ID, 0)
	if err != nil {
		// Discovery has already recorded blocks and fetch failures on the row.
		return fail(catalogue.ErrorCodeDiscovery, err)
	}
	logger.Info("directory discovered",
		zap.Int("discovered_links", res.DiscoveredLinks),
		zap.Int("new_sources", res.NewSourcesCreated),
		zap.Int("errors", len(res.Errors)),
	)
	return s.skip(ctx, src.ID, "", reason)
}

func (s *Service) skip(ctx context.Context, sourceID, code, reason string) error {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	now := s.clock.Now()
	src.IngestStatus = catalogue.StatusSkipped
	src.ErrorCode = code
	src.ErrorMessage = catalogue.TruncateMessage(reason)
	src.LastAttemptAt = &now
	if err := s.repo.UpdateSource(ctx, src); err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	metrics.ObserveIngestion(string(catalogue.StatusSkipped))
	return nil
}

// refresh records an unchanged re-ingestion.
func (s *Service) refresh(ctx context.Context, sourceID, hash string, logger *zap.Logger) error {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	now := s.clock.Now()
	src.IngestStatus = catalogue.StatusIngested
	src.ContentHash = hash
	src.LastAttemptAt = &now
	src.LastIngestedAt = &now
	src.ErrorCode, src.ErrorMessage = "", ""
	if err := s.repo.UpdateSource(ctx, src); err != nil {
		return fail(catalogue.ErrorCodeInternal, err)
	}
	metrics.ObserveIngestion("unchanged")
	logger.Info("content unchanged, refreshed source")
	return nil
}

// recordFailure stores err on the source. Not-found fetches become skips and
// are swallowed; everything else is returned to the caller.
func (s *Service) recordFailure(ctx context.Context, sourceID string, err error, logger *zap.Logger) error {
	src, gerr := s.repo.GetSource(ctx, sourceID)
	if gerr != nil {
		return errors.Join(fmt.Errorf("ingest %s: %w", sourceID, err), gerr)
	}
	if catalogue.IsNotFound(err) {
		logger.Info("source gone, skipping", zap.Error(err))
		if serr := s.skip(ctx, sourceID, catalogue.ErrorCodeNotFound, catalogue.SkipReasonNotFound); serr != nil {
			return fmt.Errorf("ingest %s: %w", sourceID, serr)
		}
		return nil
	}

	code := catalogue.ErrorCodeInternal
	var se *stageError
	if errors.As(err, &se) {
		code = se.code
	}
	now := s.clock.Now()
	src.LastAttemptAt = &now
	if info, ok := catalogue.AsBlock(err); ok {
		src.MarkBlocked(*info)
		logger.Warn("ingestion fetch blocked", logging.BlockFields(*info)...)
	} else {
		src.IngestStatus = catalogue.StatusFailed
		src.ErrorCode = code
		src.ErrorMessage = catalogue.TruncateMessage(err.Error())
	}
	if uerr := s.repo.UpdateSource(ctx, src); uerr != nil {
		logger.Error("failed to record ingestion failure", zap.Error(uerr))
	}
	metrics.ObserveIngestion(string(catalogue.StatusFailed))
	logger.Error("ingestion failed",
		zap.String("error_code", src.ErrorCode),
		zap.Error(err),
	)
	return fmt.Errorf("ingest %s: %w", src.NormalizedURL, err)
}

func urlPathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

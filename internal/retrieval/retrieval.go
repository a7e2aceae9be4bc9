// Package retrieval answers a query with the nearest stored chunks, reranked
// towards exact content codes and matching section headings, and numbered
// for citation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
)

// Defaults.
const (
	DefaultTopK = 5
	// candidateFactor widens the vector search so boosting can reorder
	// results that were just outside the top K.
	candidateFactor = 3
)

// Boosts added to a chunk's similarity multiplier.
const (
	codeBoost     = 0.10
	headingBoost  = 0.05
	priorityBoost = 0.05
)

// QueryEmbedder embeds a query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options narrows one retrieval.
type Options struct {
	TopK          int
	MinSimilarity float64
	Category      string
}

// Citation points back to the document a chunk came from. Index is 1-based
// and follows result order.
type Citation struct {
	Index          int    `json:"index"`
	SourceTitle    string `json:"source_title"`
	SourceURL      string `json:"source_url"`
	SectionHeading string `json:"section_heading,omitempty"`
	PageNumber     int    `json:"page_number,omitempty"`
}

// RetrievedChunk is one result.
type RetrievedChunk struct {
	ChunkID    string   `json:"chunk_id"`
	Content    string   `json:"content"`
	Similarity float64  `json:"similarity"`
	Score      float64  `json:"score"`
	Citation   Citation `json:"citation"`
}

// Service runs retrievals.
type Service struct {
	embedder QueryEmbedder
	searcher catalogue.ChunkSearcher
	defaults Options
	logger   *zap.Logger
}

// NewService builds a Service. defaults fill unset fields of each call's
// Options.
func NewService(embedder QueryEmbedder, searcher catalogue.ChunkSearcher, defaults Options, logger *zap.Logger) *Service {
	if defaults.TopK <= 0 {
		defaults.TopK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{embedder: embedder, searcher: searcher, defaults: defaults, logger: logger.Named("retrieval")}
}

// Retrieve returns up to TopK chunks ordered by boosted score, then by raw
// similarity, then by chunk ID.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) ([]RetrievedChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("retrieval: empty query")
	}
	if opts.TopK <= 0 {
		opts.TopK = s.defaults.TopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = s.defaults.MinSimilarity
	}
	if opts.Category == "" {
		opts.Category = s.defaults.Category
	}

	began := time.Now()
	defer func() { metrics.ObserveRetrieval(time.Since(began)) }()

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.searcher.SearchChunks(ctx, vector, opts.TopK*candidateFactor, opts.Category)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	lowered := strings.ToLower(query)
	terms := keywords(query)
	out := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < opts.MinSimilarity {
			continue
		}
		out = append(out, RetrievedChunk{
			ChunkID:    m.Chunk.ID,
			Content:    m.Chunk.Content,
			Similarity: m.Similarity,
			Score:      m.Similarity * (1 + boost(m, lowered, terms)),
			Citation: Citation{
				SourceTitle:    m.SourceTitle,
				SourceURL:      m.SourceURL,
				SectionHeading: m.Chunk.SectionHeading,
				PageNumber:     m.Chunk.PageNumber,
			},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	for i := range out {
		out[i].Citation.Index = i + 1
	}

	s.logger.Debug("retrieved chunks",
		zap.Int("candidates", len(matches)),
		zap.Int("results", len(out)),
		zap.String("category", opts.Category),
	)
	return out, nil
}

func boost(m catalogue.ChunkMatch, loweredQuery string, terms map[string]struct{}) float64 {
	var b float64
	if code, _ := m.Chunk.Metadata["content_code"].(string); code != "" &&
		strings.Contains(loweredQuery, strings.ToLower(code)) {
		b += codeBoost
	}
	if m.Chunk.SectionHeading != "" {
		for word := range keywords(m.Chunk.SectionHeading) {
			if _, ok := terms[word]; ok {
				b += headingBoost
				break
			}
		}
	}
	if m.Priority == catalogue.PriorityHigh {
		b += priorityBoost
	}
	return b
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "are": {}, "was": {}, "what": {},
	"which": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {}, "does": {},
	"can": {}, "les": {}, "des": {}, "pour": {}, "une": {}, "est": {}, "que": {}, "qui": {},
}

// keywords returns the lower-cased words of text longer than two characters
// that are not stop words.
func keywords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, `.,!?;:()"'«»`)
		if len([]rune(word)) <= 2 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		out[word] = struct{}{}
	}
	return out
}

// Package memory provides an in-process catalogue.Repository for tests and
// local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/clock/system"
	"github.com/JakeFAU/catalogue-rag/internal/id/uuid"
)

// Repository stores rows in maps guarded by a RWMutex.
type Repository struct {
	mu    sync.RWMutex
	ids   catalogue.IDGenerator
	clock catalogue.Clock

	sources     map[string]catalogue.Source
	byNorm      map[string]string
	byURL       map[string]string
	sourceOrder []string

	documents  map[string]catalogue.Document
	docsBySrc  map[string][]string
	chunks     map[string][]catalogue.Chunk
	embeddings map[string][]catalogue.Embedding
}

// New constructs an empty Repository. Nil seams get real implementations.
func New(ids catalogue.IDGenerator, clock catalogue.Clock) *Repository {
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Repository{
		ids:        ids,
		clock:      clock,
		sources:    make(map[string]catalogue.Source),
		byNorm:     make(map[string]string),
		byURL:      make(map[string]string),
		documents:  make(map[string]catalogue.Document),
		docsBySrc:  make(map[string][]string),
		chunks:     make(map[string][]catalogue.Chunk),
		embeddings: make(map[string][]catalogue.Embedding),
	}
}

// GetSource fetches a source by ID.
func (r *Repository) GetSource(_ context.Context, id string) (catalogue.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return catalogue.Source{}, fmt.Errorf("source %s: %w", id, catalogue.ErrNotFound)
	}
	return cloneSource(src), nil
}

// FindSourceByNormalizedURL looks a source up by its unique key.
func (r *Repository) FindSourceByNormalizedURL(_ context.Context, normalizedURL string) (catalogue.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNorm[normalizedURL]
	if !ok {
		return catalogue.Source{}, fmt.Errorf("source %s: %w", normalizedURL, catalogue.ErrNotFound)
	}
	return cloneSource(r.sources[id]), nil
}

// FindSourceByURL looks a source up by its raw URL.
func (r *Repository) FindSourceByURL(_ context.Context, rawURL string) (catalogue.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byURL[rawURL]
	if !ok {
		return catalogue.Source{}, fmt.Errorf("source %s: %w", rawURL, catalogue.ErrNotFound)
	}
	return cloneSource(r.sources[id]), nil
}

// InsertSource stores src with a generated ID.
func (r *Repository) InsertSource(_ context.Context, src catalogue.Source) (catalogue.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(src)
}

func (r *Repository) insertLocked(src catalogue.Source) (catalogue.Source, error) {
	if src.NormalizedURL == "" {
		return catalogue.Source{}, fmt.Errorf("insert source: normalized url is required")
	}
	if _, exists := r.byNorm[src.NormalizedURL]; exists {
		return catalogue.Source{}, fmt.Errorf("insert source %s: %w", src.NormalizedURL, catalogue.ErrDuplicate)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return catalogue.Source{}, fmt.Errorf("insert source: %w", err)
	}
	now := r.clock.Now()
	src.ID = id
	src.CreatedAt = now
	src.UpdatedAt = now
	src.ApplyDefaults()
	r.sources[id] = cloneSource(src)
	r.byNorm[src.NormalizedURL] = id
	if src.URL != "" {
		r.byURL[src.URL] = id
	}
	r.sourceOrder = append(r.sourceOrder, id)
	return cloneSource(src), nil
}

// UpdateSource replaces the stored row. Directories are always skipped.
func (r *Repository) UpdateSource(_ context.Context, src catalogue.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.sources[src.ID]
	if !ok {
		return fmt.Errorf("update source %s: %w", src.ID, catalogue.ErrNotFound)
	}
	if src.NormalizedURL != prev.NormalizedURL {
		if other, taken := r.byNorm[src.NormalizedURL]; taken && other != src.ID {
			return fmt.Errorf("update source %s: %w", src.NormalizedURL, catalogue.ErrDuplicate)
		}
		delete(r.byNorm, prev.NormalizedURL)
		r.byNorm[src.NormalizedURL] = src.ID
	}
	if src.URL != prev.URL {
		delete(r.byURL, prev.URL)
		if src.URL != "" {
			r.byURL[src.URL] = src.ID
		}
	}
	src.CreatedAt = prev.CreatedAt
	src.UpdatedAt = r.clock.Now()
	src.ApplyDefaults()
	r.sources[src.ID] = cloneSource(src)
	return nil
}

// UpsertSource inserts src or refreshes the row sharing its normalized URL.
func (r *Repository) UpsertSource(_ context.Context, src catalogue.Source) (catalogue.Source, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, exists := r.byNorm[src.NormalizedURL]
	if !exists {
		stored, err := r.insertLocked(src)
		return stored, err == nil, err
	}
	stored := r.sources[id]
	mergeUpsert(&stored, src)
	stored.UpdatedAt = r.clock.Now()
	r.sources[id] = cloneSource(stored)
	return cloneSource(stored), false, nil
}

// mergeUpsert copies the crawler-owned fields of incoming onto stored.
func mergeUpsert(stored *catalogue.Source, incoming catalogue.Source) {
	if incoming.Title != "" {
		stored.Title = incoming.Title
	}
	if incoming.Category != "" {
		stored.Category = incoming.Category
	}
	if incoming.LastCrawledAt != nil {
		at := *incoming.LastCrawledAt
		stored.LastCrawledAt = &at
	}
	if stored.ParentSourceID == "" {
		stored.ParentSourceID = incoming.ParentSourceID
	}
}

// ListSources returns sources in insertion order.
func (r *Repository) ListSources(_ context.Context, filter catalogue.SourceFilter) ([]catalogue.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []catalogue.Source
	for _, id := range r.sourceOrder {
		src := r.sources[id]
		if !matches(src, filter) {
			continue
		}
		out = append(out, cloneSource(src))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(src catalogue.Source, f catalogue.SourceFilter) bool {
	if f.Category != "" && src.Category != f.Category {
		return false
	}
	if f.SourceType != "" && src.SourceType != f.SourceType {
		return false
	}
	if f.Priority != "" && src.Priority != f.Priority {
		return false
	}
	if f.ParentSourceID != "" && src.ParentSourceID != f.ParentSourceID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, src.IngestStatus) {
		return false
	}
	return true
}

// LatestDocument returns the most recently saved document of a source.
func (r *Repository) LatestDocument(_ context.Context, sourceID string) (catalogue.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.docsBySrc[sourceID]
	if len(ids) == 0 {
		return catalogue.Document{}, fmt.Errorf("latest document for %s: %w", sourceID, catalogue.ErrNotFound)
	}
	return r.documents[ids[len(ids)-1]], nil
}

// SaveDocument stores doc, chunks and embeddings together. Nothing is
// stored when the counts disagree.
func (r *Repository) SaveDocument(
	_ context.Context,
	doc catalogue.Document,
	chunks []catalogue.Chunk,
	embeddings []catalogue.Embedding,
) (catalogue.Document, error) {
	if len(chunks) != len(embeddings) {
		return catalogue.Document{}, fmt.Errorf("save document: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[doc.SourceID]; !ok {
		return catalogue.Document{}, fmt.Errorf("save document for %s: %w", doc.SourceID, catalogue.ErrNotFound)
	}
	docID, err := r.ids.NewID()
	if err != nil {
		return catalogue.Document{}, fmt.Errorf("save document: %w", err)
	}
	doc.ID = docID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.clock.Now()
	}

	storedChunks := make([]catalogue.Chunk, len(chunks))
	storedEmbeddings := make([]catalogue.Embedding, len(embeddings))
	for i, ch := range chunks {
		chunkID, err := r.ids.NewID()
		if err != nil {
			return catalogue.Document{}, fmt.Errorf("save document: %w", err)
		}
		ch.ID = chunkID
		ch.DocumentID = docID
		storedChunks[i] = ch
		emb := embeddings[i]
		emb.ChunkID = chunkID
		emb.Vector = append([]float32(nil), emb.Vector...)
		storedEmbeddings[i] = emb
	}
	r.documents[docID] = doc
	r.docsBySrc[doc.SourceID] = append(r.docsBySrc[doc.SourceID], docID)
	r.chunks[docID] = storedChunks
	r.embeddings[docID] = storedEmbeddings
	return doc, nil
}

// CountChunks counts the chunks of a document.
func (r *Repository) CountChunks(_ context.Context, documentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks[documentID]), nil
}

// CountEmbeddings counts the embeddings of a document's chunks.
func (r *Repository) CountEmbeddings(_ context.Context, documentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.embeddings[documentID]), nil
}

// DocumentCount returns the number of stored documents for a source.
func (r *Repository) DocumentCount(sourceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docsBySrc[sourceID])
}

// Chunks returns the stored chunks of a document.
func (r *Repository) Chunks(documentID string) []catalogue.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]catalogue.Chunk(nil), r.chunks[documentID]...)
}

// SearchChunks ranks chunks of each source's latest document by cosine
// similarity to vector.
func (r *Repository) SearchChunks(_ context.Context, vector []float32, limit int, category string) ([]catalogue.ChunkMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []catalogue.ChunkMatch
	for _, srcID := range r.sourceOrder {
		src := r.sources[srcID]
		if category != "" && src.Category != category {
			continue
		}
		docIDs := r.docsBySrc[srcID]
		if len(docIDs) == 0 {
			continue
		}
		latest := docIDs[len(docIDs)-1]
		chunks := r.chunks[latest]
		for i, emb := range r.embeddings[latest] {
			out = append(out, catalogue.ChunkMatch{
				Chunk:       chunks[i],
				Similarity:  cosine(vector, emb.Vector),
				SourceID:    src.ID,
				SourceTitle: src.Title,
				SourceURL:   src.URL,
				Category:    src.Category,
				Priority:    src.Priority,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneSource(src catalogue.Source) catalogue.Source {
	src.JurisdictionTags = append([]string(nil), src.JurisdictionTags...)
	src.BlockedAt = cloneTime(src.BlockedAt)
	src.LastAttemptAt = cloneTime(src.LastAttemptAt)
	src.LastCrawledAt = cloneTime(src.LastCrawledAt)
	src.LastIngestedAt = cloneTime(src.LastIngestedAt)
	if src.BlockSignature != nil {
		sig := *src.BlockSignature
		sig.WAFHeaders = append([]string(nil), sig.WAFHeaders...)
		src.BlockSignature = &sig
	}
	return src
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

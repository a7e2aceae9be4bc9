package catalogue

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response media type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Fetcher retrieves remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// SourceStore persists Source rows.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (Source, error)
	FindSourceByNormalizedURL(ctx context.Context, normalizedURL string) (Source, error)
	FindSourceByURL(ctx context.Context, rawURL string) (Source, error)
	InsertSource(ctx context.Context, src Source) (Source, error)
	UpdateSource(ctx context.Context, src Source) error
	// UpsertSource inserts src or updates the row that shares its
	// normalized URL. created reports which happened.
	UpsertSource(ctx context.Context, src Source) (stored Source, created bool, err error)
	ListSources(ctx context.Context, filter SourceFilter) ([]Source, error)
}

// DocumentStore persists documents and their chunks atomically.
type DocumentStore interface {
	LatestDocument(ctx context.Context, sourceID string) (Document, error)
	// SaveDocument stores the document, its chunks and one embedding per
	// chunk in a single unit of work.
	SaveDocument(ctx context.Context, doc Document, chunks []Chunk, embeddings []Embedding) (Document, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
	CountEmbeddings(ctx context.Context, documentID string) (int, error)
}

// ChunkSearcher runs nearest-neighbour search over embeddings.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, vector []float32, limit int, category string) ([]ChunkMatch, error)
}

// Repository is the full persistence contract.
type Repository interface {
	SourceStore
	DocumentStore
	ChunkSearcher
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content hashes.
type Hasher interface {
	HashText(text string) string
}

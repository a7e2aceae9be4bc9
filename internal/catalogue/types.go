// Package catalogue defines the shared data model, repository contract and
// fetch contract used by the crawl, discovery, ingestion and retrieval stages.
package catalogue

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a lookup matches no row.
	ErrNotFound = errors.New("catalogue: not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("catalogue: duplicate")
)

// PageKind classifies a catalogue page.
type PageKind string

const (
	// PageKindUnknown marks pages that have not been classified yet.
	PageKindUnknown PageKind = "unknown"
	// PageKindDirectory marks catalogue index and series pages.
	PageKindDirectory PageKind = "directory"
	// PageKindContent marks pages that carry ingestible text.
	PageKindContent PageKind = "content"
)

// IngestStatus tracks a source through ingestion.
type IngestStatus string

// Ingestion states.
const (
	StatusPending  IngestStatus = "pending"
	StatusIngested IngestStatus = "ingested"
	StatusFailed   IngestStatus = "failed"
	StatusSkipped  IngestStatus = "skipped"
)

// SourceType is the document format and family of a source.
type SourceType string

// Source types.
const (
	SourceTypeHTML              SourceType = "html"
	SourceTypePDF               SourceType = "pdf"
	SourceTypeFolioDirectory    SourceType = "folio_directory"
	SourceTypeFolioContent      SourceType = "folio_content"
	SourceTypeCircularDirectory SourceType = "circular_directory"
	SourceTypeCircularContent   SourceType = "circular_content"
	SourceTypeMemoDirectory     SourceType = "memo_directory"
	SourceTypeMemoContent       SourceType = "memo_content"
)

// Priority ranks sources for ingestion and retrieval boosting.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Source is one catalogue URL. NormalizedURL is unique across the store.
type Source struct {
	ID               string
	URL              string
	NormalizedURL    string
	Title            string
	SourceType       SourceType
	Category         string
	PageKind         PageKind
	JurisdictionTags []string
	Priority         Priority
	ParentSourceID   string
	IngestStatus     IngestStatus
	ContentHash      string

	ErrorCode    string
	ErrorMessage string

	BlockedAt      *time.Time
	BlockType      BlockType
	BlockReason    string
	BlockSignature *BlockSignature

	LastAttemptAt  *time.Time
	LastCrawledAt  *time.Time
	LastIngestedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsBlocked reports whether the last fetch of the source was blocked.
func (s Source) IsBlocked() bool {
	return s.BlockedAt != nil
}

// ClearBlock resets the block fields so a new attempt starts clean.
func (s *Source) ClearBlock() {
	s.BlockedAt = nil
	s.BlockType = ""
	s.BlockReason = ""
	s.BlockSignature = nil
}

// MarkBlocked records a block on the source and marks it failed.
func (s *Source) MarkBlocked(info BlockInfo) {
	at := info.DetectedAt
	s.BlockedAt = &at
	s.BlockType = info.Type
	s.BlockReason = info.Reason
	sig := info.Signature
	s.BlockSignature = &sig
	s.IngestStatus = StatusFailed
	s.ErrorCode = ErrorCodeBlocked
	s.ErrorMessage = TruncateMessage(info.Reason)
}

// ApplyDefaults fills unset enum fields. Directory pages are never
// ingested, so their status is always forced to skipped; a blocked
// directory keeps its block fields and error code alongside the skip.
func (s *Source) ApplyDefaults() {
	if s.IngestStatus == "" {
		s.IngestStatus = StatusPending
	}
	if s.PageKind == "" {
		s.PageKind = PageKindUnknown
	}
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if s.PageKind == PageKindDirectory {
		s.IngestStatus = StatusSkipped
	}
}

// Stored error codes.
const (
	ErrorCodeBlocked    = "blocked"
	ErrorCodeNotFound   = "not_found"
	ErrorCodeFetch      = "fetch_failed"
	ErrorCodeExtract    = "extract_failed"
	ErrorCodeNoChunks   = "no_chunks"
	ErrorCodeEmbedding  = "embedding_failed"
	ErrorCodeValidation = "validation_failed"
	ErrorCodeDiscovery  = "discovery_failed"
	ErrorCodeInternal   = "internal"
)

// Reasons recorded on skipped sources.
const (
	SkipReasonDirectory      = "Directory page"
	SkipReasonSecondaryIndex = "Secondary index page"
	SkipReasonDuplicateHTML  = "Duplicate of HTML"
	SkipReasonArchived       = "Archived or cancelled document"
	SkipReasonNotFound       = "Resource no longer exists"
)

const maxMessageRunes = 500

// TruncateMessage bounds a stored error message.
func TruncateMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxMessageRunes {
		return msg
	}
	return string(runes[:maxMessageRunes])
}

// Document is one ingested revision of a source, identified by content hash.
type Document struct {
	ID          string
	SourceID    string
	ContentHash string
	Title       string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Chunk is a bounded-size piece of a document.
type Chunk struct {
	ID             string
	DocumentID     string
	Content        string
	SectionHeading string
	PageNumber     int
	ChunkIndex     int
	Metadata       map[string]any
}

// Embedding is the vector for exactly one chunk.
type Embedding struct {
	ChunkID string
	Vector  []float32
	Model   string
}

// ChunkMatch is a nearest-neighbour hit joined with its source.
type ChunkMatch struct {
	Chunk       Chunk
	Similarity  float64
	SourceID    string
	SourceTitle string
	SourceURL   string
	Category    string
	Priority    Priority
}

// SourceFilter narrows ListSources.
type SourceFilter struct {
	Category       string
	SourceType     SourceType
	Priority       Priority
	ParentSourceID string
	Statuses       []IngestStatus
	Limit          int
}

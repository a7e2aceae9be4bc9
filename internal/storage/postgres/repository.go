// Package postgres implements catalogue.Repository on Postgres with pgvector.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/clock/system"
	"github.com/JakeFAU/catalogue-rag/internal/id/uuid"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the repository uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository persists catalogue rows in Postgres.
type Repository struct {
	pool  Pool
	ids   catalogue.IDGenerator
	clock catalogue.Clock
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, nil, nil)
}

// NewWithPool constructs a repository from an existing pool (primarily for testing).
func NewWithPool(pool Pool, ids catalogue.IDGenerator, clock catalogue.Clock) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Repository{pool: pool, ids: ids, clock: clock}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const sourceColumns = `id, url, normalized_url, title, source_type, category, page_kind,
	jurisdiction_tags, priority, parent_source_id, ingest_status, content_hash,
	error_code, error_message, blocked_at, block_type, block_reason, block_signature,
	last_attempt_at, last_crawled_at, last_ingested_at, created_at, updated_at`

func scanSource(row pgx.Row, extra ...any) (catalogue.Source, error) {
	var (
		src                                        catalogue.Source
		sourceType, pageKind, priority, status, bt string
		parentID                                   *string
		signature                                  []byte
	)
	dest := []any{
		&src.ID, &src.URL, &src.NormalizedURL, &src.Title, &sourceType, &src.Category, &pageKind,
		&src.JurisdictionTags, &priority, &parentID, &status, &src.ContentHash,
		&src.ErrorCode, &src.ErrorMessage, &src.BlockedAt, &bt, &src.BlockReason, &signature,
		&src.LastAttemptAt, &src.LastCrawledAt, &src.LastIngestedAt, &src.CreatedAt, &src.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalogue.Source{}, catalogue.ErrNotFound
		}
		return catalogue.Source{}, err
	}
	src.SourceType = catalogue.SourceType(sourceType)
	src.PageKind = catalogue.PageKind(pageKind)
	src.Priority = catalogue.Priority(priority)
	src.IngestStatus = catalogue.IngestStatus(status)
	src.BlockType = catalogue.BlockType(bt)
	if parentID != nil {
		src.ParentSourceID = *parentID
	}
	if len(signature) > 0 {
		var sig catalogue.BlockSignature
		if err := json.Unmarshal(signature, &sig); err != nil {
			return catalogue.Source{}, fmt.Errorf("decode block signature: %w", err)
		}
		src.BlockSignature = &sig
	}
	return src, nil
}

// sourceArgs returns column values in sourceColumns order.
func sourceArgs(src catalogue.Source) ([]any, error) {
	var signature []byte
	if src.BlockSignature != nil {
		b, err := json.Marshal(src.BlockSignature)
		if err != nil {
			return nil, fmt.Errorf("encode block signature: %w", err)
		}
		signature = b
	}
	var parentID *string
	if src.ParentSourceID != "" {
		parentID = &src.ParentSourceID
	}
	tags := src.JurisdictionTags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		src.ID, src.URL, src.NormalizedURL, src.Title, string(src.SourceType), src.Category, string(src.PageKind),
		tags, string(src.Priority), parentID, string(src.IngestStatus), src.ContentHash,
		src.ErrorCode, src.ErrorMessage, src.BlockedAt, string(src.BlockType), src.BlockReason, signature,
		src.LastAttemptAt, src.LastCrawledAt, src.LastIngestedAt, src.CreatedAt, src.UpdatedAt,
	}, nil
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ",")
}

func (r *Repository) getSourceBy(ctx context.Context, column, value string) (catalogue.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources WHERE %s = $1`, sourceColumns, column)
	src, err := scanSource(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		return catalogue.Source{}, fmt.Errorf("get source by %s %s: %w", column, value, err)
	}
	return src, nil
}

// GetSource fetches a source by ID.
func (r *Repository) GetSource(ctx context.Context, id string) (catalogue.Source, error) {
	return r.getSourceBy(ctx, "id", id)
}

// FindSourceByNormalizedURL looks a source up by its unique key.
func (r *Repository) FindSourceByNormalizedURL(ctx context.Context, normalizedURL string) (catalogue.Source, error) {
	return r.getSourceBy(ctx, "normalized_url", normalizedURL)
}

// FindSourceByURL looks a source up by its raw URL.
func (r *Repository) FindSourceByURL(ctx context.Context, rawURL string) (catalogue.Source, error) {
	return r.getSourceBy(ctx, "url", rawURL)
}

func (r *Repository) prepareInsert(src catalogue.Source) (catalogue.Source, error) {
	if src.NormalizedURL == "" {
		return catalogue.Source{}, fmt.Errorf("insert source: normalized url is required")
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
	return src, nil
}

// InsertSource stores src with a generated ID.
func (r *Repository) InsertSource(ctx context.Context, src catalogue.Source) (catalogue.Source, error) {
	src, err := r.prepareInsert(src)
	if err != nil {
		return catalogue.Source{}, err
	}
	args, err := sourceArgs(src)
	if err != nil {
		return catalogue.Source{}, err
	}
	query := fmt.Sprintf(`INSERT INTO sources (%s) VALUES (%s)`, sourceColumns, placeholders(1, len(args)))
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return catalogue.Source{}, fmt.Errorf("insert source %s: %w", src.NormalizedURL, translate(err))
	}
	return src, nil
}

// UpdateSource writes every mutable column of src.
func (r *Repository) UpdateSource(ctx context.Context, src catalogue.Source) error {
	src.UpdatedAt = r.clock.Now()
	src.ApplyDefaults()
	args, err := sourceArgs(src)
	if err != nil {
		return err
	}
	query := `UPDATE sources SET
	url = $2, normalized_url = $3, title = $4, source_type = $5, category = $6, page_kind = $7,
	jurisdiction_tags = $8, priority = $9, parent_source_id = $10, ingest_status = $11, content_hash = $12,
	error_code = $13, error_message = $14, blocked_at = $15, block_type = $16, block_reason = $17,
	block_signature = $18, last_attempt_at = $19, last_crawled_at = $20, last_ingested_at = $21,
	updated_at = $22
WHERE id = $1`
	// created_at is never rewritten.
	args = append(args[:21], args[22])
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update source %s: %w", src.ID, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update source %s: %w", src.ID, catalogue.ErrNotFound)
	}
	return nil
}

// UpsertSource inserts src or refreshes the crawler-owned columns of the row
// sharing its normalized URL.
func (r *Repository) UpsertSource(ctx context.Context, src catalogue.Source) (catalogue.Source, bool, error) {
	src, err := r.prepareInsert(src)
	if err != nil {
		return catalogue.Source{}, false, err
	}
	args, err := sourceArgs(src)
	if err != nil {
		return catalogue.Source{}, false, err
	}
	query := fmt.Sprintf(`INSERT INTO sources (%s) VALUES (%s)
ON CONFLICT (normalized_url) DO UPDATE SET
	title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE sources.title END,
	category = CASE WHEN EXCLUDED.category <> '' THEN EXCLUDED.category ELSE sources.category END,
	last_crawled_at = COALESCE(EXCLUDED.last_crawled_at, sources.last_crawled_at),
	parent_source_id = COALESCE(sources.parent_source_id, EXCLUDED.parent_source_id),
	updated_at = EXCLUDED.updated_at
RETURNING %s, (xmax = 0)`, sourceColumns, placeholders(1, len(args)), sourceColumns)
	var created bool
	stored, err := scanSource(r.pool.QueryRow(ctx, query, args...), &created)
	if err != nil {
		return catalogue.Source{}, false, fmt.Errorf("upsert source %s: %w", src.NormalizedURL, translate(err))
	}
	return stored, created, nil
}

// ListSources returns sources matching filter, oldest first.
func (r *Repository) ListSources(ctx context.Context, filter catalogue.SourceFilter) ([]catalogue.Source, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.SourceType != "" {
		add("source_type = $%d", string(filter.SourceType))
	}
	if filter.Priority != "" {
		add("priority = $%d", string(filter.Priority))
	}
	if filter.ParentSourceID != "" {
		add("parent_source_id = $%d", filter.ParentSourceID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("ingest_status = ANY($%d)", statuses)
	}
	query := fmt.Sprintf(`SELECT %s FROM sources`, sourceColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []catalogue.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

const documentColumns = `id, source_id, content_hash, title, metadata, created_at`

func scanDocument(row pgx.Row) (catalogue.Document, error) {
	var (
		doc  catalogue.Document
		meta []byte
	)
	if err := row.Scan(&doc.ID, &doc.SourceID, &doc.ContentHash, &doc.Title, &meta, &doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalogue.Document{}, catalogue.ErrNotFound
		}
		return catalogue.Document{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return catalogue.Document{}, fmt.Errorf("decode document metadata: %w", err)
		}
	}
	return doc, nil
}

// LatestDocument returns the most recently saved document of a source.
func (r *Repository) LatestDocument(ctx context.Context, sourceID string) (catalogue.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE source_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, documentColumns)
	doc, err := scanDocument(r.pool.QueryRow(ctx, query, sourceID))
	if err != nil {
		return catalogue.Document{}, fmt.Errorf("latest document for %s: %w", sourceID, err)
	}
	return doc, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

// SaveDocument inserts the document, its chunks and their embeddings in one
// transaction.
func (r *Repository) SaveDocument(
	ctx context.Context,
	doc catalogue.Document,
	chunks []catalogue.Chunk,
	embeddings []catalogue.Embedding,
) (saved catalogue.Document, err error) {
	if len(chunks) != len(embeddings) {
		return catalogue.Document{}, fmt.Errorf("save document: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	docID, err := r.ids.NewID()
	if err != nil {
		return catalogue.Document{}, fmt.Errorf("save document: %w", err)
	}
	doc.ID = docID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.clock.Now()
	}
	docMeta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return catalogue.Document{}, fmt.Errorf("encode document metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return catalogue.Document{}, fmt.Errorf("begin save document: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO documents (id, source_id, content_hash, title, metadata, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		doc.ID, doc.SourceID, doc.ContentHash, doc.Title, docMeta, doc.CreatedAt,
	); err != nil {
		return catalogue.Document{}, fmt.Errorf("insert document: %w", translate(err))
	}
	for i, ch := range chunks {
		chunkID, idErr := r.ids.NewID()
		if idErr != nil {
			err = idErr
			return catalogue.Document{}, fmt.Errorf("save document: %w", err)
		}
		meta, encErr := encodeMetadata(ch.Metadata)
		if encErr != nil {
			err = encErr
			return catalogue.Document{}, fmt.Errorf("encode chunk metadata: %w", err)
		}
		if _, err = tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, content, section_heading, page_number, chunk_index, metadata) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			chunkID, doc.ID, ch.Content, ch.SectionHeading, ch.PageNumber, ch.ChunkIndex, meta,
		); err != nil {
			return catalogue.Document{}, fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
		emb := embeddings[i]
		if _, err = tx.Exec(ctx,
			`INSERT INTO embeddings (chunk_id, embedding, model) VALUES ($1,$2,$3)`,
			chunkID, pgvector.NewVector(emb.Vector), emb.Model,
		); err != nil {
			return catalogue.Document{}, fmt.Errorf("insert embedding %d: %w", ch.ChunkIndex, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return catalogue.Document{}, fmt.Errorf("commit save document: %w", err)
	}
	return doc, nil
}

func (r *Repository) count(ctx context.Context, query, documentID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, query, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count for document %s: %w", documentID, err)
	}
	return n, nil
}

// CountChunks counts the chunks of a document.
func (r *Repository) CountChunks(ctx context.Context, documentID string) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID)
}

// CountEmbeddings counts the embeddings of a document's chunks.
func (r *Repository) CountEmbeddings(ctx context.Context, documentID string) (int, error) {
	return r.count(ctx,
		`SELECT count(*) FROM embeddings e JOIN chunks c ON c.id = e.chunk_id WHERE c.document_id = $1`,
		documentID)
}

const searchQuery = `SELECT c.id, c.document_id, c.content, c.section_heading, c.page_number, c.chunk_index, c.metadata,
	1 - (e.embedding <=> $1) AS similarity,
	s.id, s.title, s.url, s.category, s.priority
FROM embeddings e
JOIN chunks c ON c.id = e.chunk_id
JOIN documents d ON d.id = c.document_id
JOIN sources s ON s.id = d.source_id
WHERE d.id = (
	SELECT d2.id FROM documents d2 WHERE d2.source_id = s.id ORDER BY d2.created_at DESC, d2.id DESC LIMIT 1
)
AND ($3 = '' OR s.category = $3)
ORDER BY e.embedding <=> $1
LIMIT $2`

// SearchChunks returns the chunks of each source's latest document nearest
// to vector by cosine distance.
func (r *Repository) SearchChunks(ctx context.Context, vector []float32, limit int, category string) ([]catalogue.ChunkMatch, error) {
	rows, err := r.pool.Query(ctx, searchQuery, pgvector.NewVector(vector), limit, category)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []catalogue.ChunkMatch
	for rows.Next() {
		var (
			m        catalogue.ChunkMatch
			meta     []byte
			priority string
		)
		if err := rows.Scan(
			&m.Chunk.ID, &m.Chunk.DocumentID, &m.Chunk.Content, &m.Chunk.SectionHeading,
			&m.Chunk.PageNumber, &m.Chunk.ChunkIndex, &meta, &m.Similarity,
			&m.SourceID, &m.SourceTitle, &m.SourceURL, &m.Category, &priority,
		); err != nil {
			return nil, fmt.Errorf("scan chunk match: %w", err)
		}
		m.Priority = catalogue.Priority(priority)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Chunk.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return out, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, catalogue.ErrDuplicate)
	}
	return err
}

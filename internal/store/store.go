// Package store persists chunks and their embeddings in PostgreSQL with
// pgvector, and answers both nearest-neighbor and full-text queries over
// them.
//
// The adapter owns schema usage but not the ANN algorithm: similarity
// search is delegated to pgvector's HNSW index over cosine distance, and
// keyword relevance to PostgreSQL's tsvector ranking. Document upserts are
// transactional (delete-then-insert as one unit) so a concurrent reader
// never observes a partially replaced document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// VectorDimension is the embedding column width declared in the schema.
// Embeddings of any other dimensionality are rejected before they reach
// the database.
const VectorDimension = 768

// ErrStore wraps vector store query and transaction failures.
var ErrStore = errors.New("vector store error")

// ErrDimensionMismatch is returned when an embedding does not match the
// schema's vector dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// queryTimeout bounds individual store queries so a slow ANN scan cannot
// hang a request path.
const queryTimeout = 10 * time.Second

// Store is the PostgreSQL-backed chunk store. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store on top of an existing connection pool.
// A nil logger falls back to slog.Default().
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// UpsertChunks replaces all chunks of documentID with the given set in one
// transaction. Readers see either the old document or the new one, never a
// mix. Chunks with a wrong embedding dimension fail the whole call before
// any write happens.
func (s *Store) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", ErrStore)
	}
	for _, c := range chunks {
		if len(c.Embedding) != VectorDimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, schema wants %d",
				ErrDimensionMismatch, c.Index, len(c.Embedding), VectorDimension)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin upsert for %q: %v", ErrStore, documentID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("%w: delete chunks for %q: %v", ErrStore, documentID, err)
	}

	for _, c := range chunks {
		metadataJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata for chunk %d: %v", ErrStore, c.Index, err)
		}
		embedding := pgvector.NewVector(c.Embedding)
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, documentID, c.Index, c.Content, metadataJSON, embedding)
		if err != nil {
			return fmt.Errorf("%w: insert chunk %d for %q: %v", ErrStore, c.Index, documentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit upsert for %q: %v", ErrStore, documentID, err)
	}

	s.logger.Debug("upserted document chunks", "document_id", documentID, "chunks", len(chunks))
	return nil
}

// SemanticSearch runs an ANN query over the embedding column, ordered by
// descending cosine similarity and filtered to score >= MinScore.
func (s *Store) SemanticSearch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Result, error) {
	if len(queryEmbedding) != VectorDimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, schema wants %d",
			ErrDimensionMismatch, len(queryEmbedding), VectorDimension)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	embedding := pgvector.NewVector(queryEmbedding)

	// Similarity = 1 - cosine distance. The <=> operator drives the HNSW
	// index only when it appears in ORDER BY.
	query := `
		SELECT id, document_id, chunk_index, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE 1 - (embedding <=> $1) >= $2`
	args := []any{embedding, opts.MinScore}

	if len(opts.Filter) > 0 {
		filterJSON, err := json.Marshal(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal filter: %v", ErrStore, err)
		}
		query += ` AND metadata @> $3`
		args = append(args, filterJSON)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT %d`, opts.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: semantic search: %v", ErrStore, err)
	}
	defer rows.Close()

	return s.scanResults(rows)
}

// KeywordSearch ranks chunks by full-text relevance against the query,
// using the stored tsvector column. Scores are ts_rank_cd values; they are
// comparable within one result list, not against cosine similarities.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, metadata,
		       ts_rank_cd(content_tsv, plainto_tsquery('english', $1)) AS rank
		FROM chunks
		WHERE content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", ErrStore, err)
	}
	defer rows.Close()

	return s.scanResults(rows)
}

// DocumentChunks returns all chunks of a document ordered by index,
// embeddings included. Used by the find-similar path.
func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, metadata, embedding, created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: load chunks for %q: %v", ErrStore, documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadataJSON []byte
		var embedding pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &metadataJSON, &embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", ErrStore, err)
		}
		c.Embedding = embedding.Slice()
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			s.logger.Warn("failed to parse chunk metadata", "chunk_id", c.ID, "error", err)
			c.Metadata = map[string]string{}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate chunks: %v", ErrStore, err)
	}
	return chunks, nil
}

// DeleteDocument removes all chunks and versions of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin delete for %q: %v", ErrStore, documentID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("%w: delete chunks for %q: %v", ErrStore, documentID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM document_versions WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("%w: delete versions for %q: %v", ErrStore, documentID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit delete for %q: %v", ErrStore, documentID, err)
	}

	s.logger.Debug("deleted document", "document_id", documentID)
	return nil
}

// CountDocuments returns the number of distinct indexed documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT document_id) FROM chunks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count documents: %v", ErrStore, err)
	}
	return count, nil
}

// Ping verifies database connectivity. Used by the health monitor.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStore, err)
	}
	return nil
}

func (s *Store) scanResults(rows pgx.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		var metadataJSON []byte
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ChunkIndex, &r.Content, &metadataJSON, &r.Score); err != nil {
			return nil, fmt.Errorf("%w: scan result: %v", ErrStore, err)
		}
		if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
			s.logger.Warn("failed to parse result metadata", "chunk_id", r.ChunkID, "error", err)
			r.Metadata = map[string]string{}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate results: %v", ErrStore, err)
	}
	return results, nil
}

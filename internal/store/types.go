package store

import "time"

// Chunk is one embeddable slice of a document as persisted in the chunks
// table. ID is assigned by the caller (uuid).
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Content    string
	Metadata   map[string]string
	Embedding  []float32
	CreatedAt  time.Time
}

// Result is a chunk returned from a search, with the score of whichever
// ranking produced it (cosine similarity for semantic search, ts_rank for
// keyword search).
type Result struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Content    string
	Metadata   map[string]string
	Score      float32
}

// Version is one row of the document_versions table. Versions for a
// document are monotonic and never reused.
type Version struct {
	ID          string
	DocumentID  string
	Version     int
	ContentHash string
	CreatedAt   time.Time
}

// SearchOptions bounds a semantic search.
type SearchOptions struct {
	Limit    int
	MinScore float32
	// Filter restricts results to chunks whose metadata contains all the
	// given key/value pairs (JSONB containment). A key present in no rows
	// matches nothing, never everything.
	Filter map[string]string
}

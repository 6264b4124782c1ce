// Package vectorstore stores chunk embeddings keyed by source and answers
// similarity queries over them.
//
// Three backends implement Store:
//   - QdrantStore: external Qdrant over gRPC (default)
//   - ChromemStore: embedded chromem-go, in memory or persisted to disk
//   - PgvectorStore: PostgreSQL with the pgvector extension
//
// Every backend replaces a source wholesale on Upsert and degrades a filtered
// Search to an unfiltered one plus post-filtering when the backend reports
// that a filter field is not indexed.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for vector store operations. Backends wrap these so callers
// can classify failures with errors.Is.
var (
	// ErrFilterNotIndexed is returned by a backend when a filter addresses a
	// field it cannot filter on at index level. Search recovers from it.
	ErrFilterNotIndexed = errors.New("filter field is not indexed")

	// ErrAuth indicates the store rejected the credentials.
	ErrAuth = errors.New("store authentication failed")

	// ErrTLS indicates the TLS handshake with the store failed.
	ErrTLS = errors.New("store TLS handshake failed")

	// ErrIndexMissing indicates the collection or vector index does not exist.
	ErrIndexMissing = errors.New("vector index missing")

	// ErrStore covers every other store failure.
	ErrStore = errors.New("store operation failed")

	// ErrInvalidFilter indicates a malformed filter expression.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// Chunk is one stored fragment of a source document.
type Chunk struct {
	Source    string         `json:"source"`
	Title     string         `json:"title,omitempty"`
	Index     int            `json:"chunkIndex"`
	Text      string         `json:"chunkText"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Candidate is a chunk returned by Search with its similarity score and,
// once reranked, the score assigned by the rerank tier that produced it.
// Rerank scores from different tiers are not comparable.
type Candidate struct {
	Chunk
	Similarity  float32  `json:"similarityScore"`
	RerankScore *float32 `json:"rerankScore,omitempty"`
}

// Score returns the rerank score when present, otherwise the similarity.
func (c Candidate) Score() float32 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.Similarity
}

// UpsertResult reports what an Upsert changed.
type UpsertResult struct {
	ChunksDeleted  int `json:"chunksDeleted"`
	ChunksInserted int `json:"chunksInserted"`
}

// Store is the interface for vector storage operations.
//
// Implementations are safe for concurrent use. Concurrent Upserts for the
// same source are not ordered relative to each other.
type Store interface {
	// Upsert deletes every chunk stored for source and inserts chunks in its
	// place. An empty chunks slice only deletes.
	Upsert(ctx context.Context, source string, chunks []Chunk) (UpsertResult, error)

	// Search returns up to topK candidates ordered by descending similarity.
	// A nil filter searches the whole collection.
	Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Candidate, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// EnsureCollection creates the collection and indexes when missing.
	EnsureCollection(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// NumCandidates is the number of approximate neighbours a backend examines
// to return topK results.
func NumCandidates(topK int) int {
	return max(100, topK*4)
}

// query is the backend-neutral search request.
type query struct {
	Vector        []float32
	Limit         int
	NumCandidates int
	Filter        *Filter
}

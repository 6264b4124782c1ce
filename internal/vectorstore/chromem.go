package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("ragd.vectorstore.chromem")

// Chromem metadata keys. User metadata is stored as one JSON blob; filters on
// it are applied after an unfiltered search.
const (
	chromemKeySource     = "source"
	chromemKeyTitle      = "title"
	chromemKeyChunkIndex = "chunkIndex"
	chromemKeyCreatedAt  = "createdAt"
	chromemKeyMetadata   = "metadata"
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool

	// Collection is the collection name.
	Collection string

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "rag_chunks"
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go filters on exact string equality only, so equality conditions
// are pushed down and every other operator reports ErrFilterNotIndexed,
// which Search recovers from by post-filtering.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// mu serializes the count-delete-insert sequence of Upsert so the
	// reported deletion count is exact.
	mu sync.Mutex
}

// NewChromemStore creates a ChromemStore, persistent when config.Path is set.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrStore, err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("collection", config.Collection),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedding guards against chromem embedding text itself; ragd always
// supplies vectors.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: getting collection %s: %v", ErrStore, s.config.Collection, err)
	}
	return c, nil
}

// EnsureCollection creates the collection if it does not exist.
func (s *ChromemStore) EnsureCollection(ctx context.Context) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	if _, err := s.collection(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert replaces every chunk of source.
func (s *ChromemStore) Upsert(ctx context.Context, source string, chunks []Chunk) (UpsertResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("chunk_count", len(chunks)))

	if source == "" {
		return UpsertResult{}, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	docs, err := s.toDocuments(source, chunks)
	if err != nil {
		return UpsertResult{}, err
	}

	col, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := col.Count()
	if err := col.Delete(ctx, map[string]string{chromemKeySource: source}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertResult{}, fmt.Errorf("%w: deleting source %q: %v", ErrStore, source, err)
	}
	result := UpsertResult{ChunksDeleted: before - col.Count()}

	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("%w: inserting chunks for %q: %v", ErrStore, source, err)
		}
		result.ChunksInserted = len(docs)
	}

	span.SetAttributes(
		attribute.Int("chunks_deleted", result.ChunksDeleted),
		attribute.Int("chunks_inserted", result.ChunksInserted),
	)
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("upserted source",
		zap.String("source", source),
		zap.Int("chunks_deleted", result.ChunksDeleted),
		zap.Int("chunks_inserted", result.ChunksInserted),
	)
	return result, nil
}

func (s *ChromemStore) toDocuments(source string, chunks []Chunk) ([]chromem.Document, error) {
	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != s.config.VectorSize {
			return nil, fmt.Errorf("%w: chunk %d has %d dimensions, want %d", ErrStore, c.Index, len(c.Embedding), s.config.VectorSize)
		}
		meta := map[string]string{
			chromemKeySource:     source,
			chromemKeyTitle:      c.Title,
			chromemKeyChunkIndex: strconv.Itoa(c.Index),
			chromemKeyCreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if len(c.Metadata) > 0 {
			blob, err := json.Marshal(c.Metadata)
			if err != nil {
				return nil, fmt.Errorf("%w: encoding metadata: %v", ErrStore, err)
			}
			meta[chromemKeyMetadata] = string(blob)
		}
		docs = append(docs, chromem.Document{
			ID:        source + "#" + strconv.Itoa(c.Index),
			Metadata:  meta,
			Embedding: c.Embedding,
			Content:   c.Text,
		})
	}
	return docs, nil
}

// Search returns the topK most similar chunks.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Candidate, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK), attribute.Bool("filtered", !filter.Empty()))

	results, err := searchWithFallback(ctx, s.logger, "chromem", s.search, vector, topK, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *ChromemStore) search(ctx context.Context, q query) ([]Candidate, error) {
	where, err := chromemWhere(q.Filter)
	if err != nil {
		return nil, err
	}
	if len(q.Vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrStore, len(q.Vector), s.config.VectorSize)
	}

	col := s.db.GetCollection(s.config.Collection, noEmbedding)
	if col == nil {
		return []Candidate{}, nil
	}
	// chromem requires nResults <= document count.
	n := min(q.Limit, col.Count())
	if n == 0 {
		return []Candidate{}, nil
	}

	results, err := col.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection %s: %v", ErrStore, s.config.Collection, err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, Candidate{
			Chunk:      chunkFromChromem(r.Content, r.Metadata),
			Similarity: r.Similarity,
		})
	}
	return candidates, nil
}

// chromemWhere translates equality on chunk fields into a where clause.
// chromem only matches exact strings, which cannot express list membership
// or nested keys, so any metadata condition is left to the post-filter.
func chromemWhere(f *Filter) (map[string]string, error) {
	if f.Empty() {
		return nil, nil
	}
	where := make(map[string]string, len(f.Conditions))
	for _, c := range f.Conditions {
		if c.Op != OpEq || !c.IsChunkField() {
			return nil, fmt.Errorf("%w: chromem cannot apply %s on %q", ErrFilterNotIndexed, c.Op, c.Field)
		}
		val, ok := chunkFieldString(c.Field, c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: chromem cannot compare %q with %v", ErrFilterNotIndexed, c.Field, c.Value)
		}
		if prev, ok := where[c.Field]; ok && prev != val {
			// Contradictory equalities; let the post-filter return nothing.
			return nil, fmt.Errorf("%w: conflicting values for %q", ErrFilterNotIndexed, c.Field)
		}
		where[c.Field] = val
	}
	return where, nil
}

// chunkFieldString renders v the way the chunk field is stored. Values of
// the wrong type are not rendered.
func chunkFieldString(field string, v any) (string, bool) {
	if field == chromemKeyChunkIndex {
		n, ok := v.(float64)
		if !ok || n != float64(int(n)) {
			return "", false
		}
		return strconv.Itoa(int(n)), true
	}
	str, ok := v.(string)
	return str, ok
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func chunkFromChromem(content string, meta map[string]string) Chunk {
	c := Chunk{
		Source: meta[chromemKeySource],
		Title:  meta[chromemKeyTitle],
		Text:   content,
	}
	c.Index, _ = strconv.Atoi(meta[chromemKeyChunkIndex])
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[chromemKeyCreatedAt])
	if blob := meta[chromemKeyMetadata]; blob != "" {
		_ = json.Unmarshal([]byte(blob), &c.Metadata)
	}
	return c
}

// Ping always succeeds for the embedded store.
func (s *ChromemStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op; persistent collections are written on every change.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)

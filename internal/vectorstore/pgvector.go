package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var pgTracer = otel.Tracer("ragd.vectorstore.pgvector")

// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
const maxEfSearch = 1000

// PgvectorConfig holds configuration for the PostgreSQL store.
type PgvectorConfig struct {
	// ConnString is a postgres:// URL or key=value DSN.
	ConnString string

	// Table holds every chunk.
	Table string

	// Index is the HNSW index name.
	Index string

	// VectorSize must match the embedder's output dimension.
	VectorSize int

	// TLS overrides the sslmode from ConnString when enabled.
	TLS TLSOptions

	ServerSelectionTimeout time.Duration
	ConnectTimeout         time.Duration
	SocketTimeout          time.Duration

	// MaxConns bounds the pool. Default: 10.
	MaxConns int32
}

// ApplyDefaults sets default values for unset fields.
func (c *PgvectorConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "rag_chunks"
	}
	if c.Index == "" {
		c.Index = "vector_index_float32_ann"
	}
	if c.ServerSelectionTimeout == 0 {
		c.ServerSelectionTimeout = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = 20 * time.Second
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
}

// Validate validates the configuration.
func (c *PgvectorConfig) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("%w: connection string is required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if err := ValidateCollectionName(c.Table); err != nil {
		return err
	}
	return ValidateCollectionName(c.Index)
}

// PgvectorStore implements Store on PostgreSQL with the pgvector extension.
// Upsert runs in one transaction, so readers never observe a half-replaced
// source.
type PgvectorStore struct {
	pool   *pgxpool.Pool
	config PgvectorConfig
	table  string
	logger *zap.Logger
}

// NewPgvectorStore opens a connection pool and pings the server.
func NewPgvectorStore(ctx context.Context, config PgvectorConfig, logger *zap.Logger) (*PgvectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing connection string: %v", ErrInvalidConfig, err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout

	tlsConfig, err := config.TLS.Config()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		tlsConfig.ServerName = poolConfig.ConnConfig.Host
		poolConfig.ConnConfig.TLSConfig = tlsConfig
		poolConfig.ConnConfig.Fallbacks = nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, wrapPgError("connect", err)
	}

	store := &PgvectorStore{
		pool:   pool,
		config: config,
		table:  pgx.Identifier{config.Table}.Sanitize(),
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ServerSelectionTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *PgvectorStore) Ping(ctx context.Context) error {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Ping")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.SocketTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		err = wrapPgError("ping", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// EnsureCollection creates the extension, table and indexes.
func (s *PgvectorStore) EnsureCollection(ctx context.Context) error {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.EnsureCollection")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.SocketTimeout)
	defer cancel()

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source      TEXT        NOT NULL,
			chunk_index INTEGER     NOT NULL,
			title       TEXT        NOT NULL DEFAULT '',
			chunk_text  TEXT        NOT NULL,
			metadata    JSONB       NOT NULL DEFAULT '{}'::jsonb,
			embedding   vector(%d)  NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (source, chunk_index)
		)`, s.table, s.config.VectorSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{s.config.Index}.Sanitize(), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (metadata jsonb_path_ops)`,
			pgx.Identifier{s.config.Table + "_metadata_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			err = wrapPgError("ensure collection", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert replaces every chunk of source in a single transaction.
func (s *PgvectorStore) Upsert(ctx context.Context, source string, chunks []Chunk) (UpsertResult, error) {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("chunk_count", len(chunks)))

	if source == "" {
		return UpsertResult{}, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.config.VectorSize {
			return UpsertResult{}, fmt.Errorf("%w: chunk %d has %d dimensions, want %d", ErrStore, c.Index, len(c.Embedding), s.config.VectorSize)
		}
	}

	fail := func(op string, err error) (UpsertResult, error) {
		err = wrapPgError(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.SocketTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, s.table), source)
	if err != nil {
		return fail("delete source", err)
	}
	result := UpsertResult{ChunksDeleted: int(tag.RowsAffected())}

	if len(chunks) > 0 {
		insert := fmt.Sprintf(`INSERT INTO %s (source, chunk_index, title, chunk_text, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
		batch := &pgx.Batch{}
		for _, c := range chunks {
			meta := c.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			batch.Queue(insert, source, c.Index, c.Title, c.Text, meta, pgvector.NewVector(c.Embedding), c.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range chunks {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fail(fmt.Sprintf("insert chunk %d", i), err)
			}
		}
		if err := br.Close(); err != nil {
			return fail("insert chunks", err)
		}
		result.ChunksInserted = len(chunks)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("commit", err)
	}

	span.SetAttributes(
		attribute.Int("chunks_deleted", result.ChunksDeleted),
		attribute.Int("chunks_inserted", result.ChunksInserted),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// Search returns the topK most similar chunks by cosine distance.
func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Candidate, error) {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK), attribute.Bool("filtered", !filter.Empty()))

	results, err := searchWithFallback(ctx, s.logger, "pgvector", s.search, vector, topK, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *PgvectorStore) search(ctx context.Context, q query) ([]Candidate, error) {
	args := []any{pgvector.NewVector(q.Vector)}
	where := pgWhere(q.Filter, &args)
	args = append(args, q.Limit)
	sql := fmt.Sprintf(`SELECT source, title, chunk_text, chunk_index, metadata, created_at,
			1 - (embedding <=> $1) AS score
		FROM %s %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, s.table, where, len(args))

	ctx, cancel := context.WithTimeout(ctx, s.config.SocketTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrapPgError("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET does not take bind parameters; the value is an integer we control.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, min(q.NumCandidates, maxEfSearch))); err != nil {
		return nil, wrapPgError("set ef_search", err)
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapPgError("query", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			c     Candidate
			score float64
		)
		if err := rows.Scan(&c.Source, &c.Title, &c.Text, &c.Index, &c.Metadata, &c.CreatedAt, &score); err != nil {
			return nil, wrapPgError("scan", err)
		}
		c.Similarity = float32(score)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("query", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapPgError("commit", err)
	}
	return candidates, nil
}

// pgWhere renders f as a WHERE clause, appending bind values to args.
// Semantics match Filter.Match: missing metadata only satisfies $ne/$nin.
func pgWhere(f *Filter, args *[]any) string {
	if f.Empty() {
		return ""
	}
	bind := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	clauses := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		var clause string
		switch c.Op {
		case OpEq:
			clause = pgEq(c, c.Value, bind)
		case OpNe:
			clause = "NOT (" + pgEq(c, c.Value, bind) + ")"
		case OpIn, OpNin:
			list := c.Value.([]any)
			parts := make([]string, 0, len(list))
			for _, v := range list {
				parts = append(parts, pgEq(c, v, bind))
			}
			clause = "(" + strings.Join(parts, " OR ") + ")"
			if c.Op == OpNin {
				clause = "NOT " + clause
			}
		default:
			clause = pgRange(c, bind)
		}
		clauses = append(clauses, clause)
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

var pgComparators = map[Op]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}

func pgEq(c Condition, v any, bind func(any) string) string {
	switch c.Field {
	case FieldSource, FieldTitle:
		s, ok := v.(string)
		if !ok {
			return "FALSE"
		}
		return fmt.Sprintf("%s = %s", c.Field, bind(s))
	case FieldChunkIndex:
		n, ok := v.(float64)
		if !ok {
			return "FALSE"
		}
		return fmt.Sprintf("chunk_index::float8 = %s", bind(n))
	}
	// Containment matches both a scalar field and a list holding the value.
	scalar := nestJSON(c.MetadataKey(), v)
	list := nestJSON(c.MetadataKey(), []any{v})
	return fmt.Sprintf("(metadata @> %s::jsonb OR metadata @> %s::jsonb)", bind(scalar), bind(list))
}

func pgRange(c Condition, bind func(any) string) string {
	cmp := pgComparators[c.Op]
	switch c.Field {
	case FieldSource, FieldTitle:
		s, ok := c.Value.(string)
		if !ok {
			return "FALSE"
		}
		return fmt.Sprintf("%s %s %s", c.Field, cmp, bind(s))
	case FieldChunkIndex:
		n, ok := c.Value.(float64)
		if !ok {
			return "FALSE"
		}
		return fmt.Sprintf("chunk_index::float8 %s %s", cmp, bind(n))
	}

	path := bind(strings.Split(c.MetadataKey(), "."))
	switch v := c.Value.(type) {
	case float64:
		return fmt.Sprintf("CASE WHEN jsonb_typeof(metadata #> %s) = 'number' THEN (metadata #>> %s)::float8 %s %s ELSE FALSE END",
			path, path, cmp, bind(v))
	default:
		return fmt.Sprintf("CASE WHEN jsonb_typeof(metadata #> %s) = 'string' THEN (metadata #>> %s) %s %s ELSE FALSE END",
			path, path, cmp, bind(v))
	}
}

// nestJSON builds {"a":{"b":v}} for key "a.b".
func nestJSON(key string, v any) map[string]any {
	parts := strings.Split(key, ".")
	out := map[string]any{parts[len(parts)-1]: v}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}

// PostgreSQL error codes mapped to sentinels.
const (
	pgInvalidPassword      = "28P01"
	pgInvalidAuthorization = "28000"
	pgUndefinedTable       = "42P01"
	pgUndefinedObject      = "42704"
	pgInsufficientPriv     = "42501"
)

func wrapPgError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("pgvector %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: pgvector %s: %w", ErrStore, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgInvalidPassword, pgInvalidAuthorization, pgInsufficientPriv:
			return fmt.Errorf("%w: pgvector %s: %v", ErrAuth, op, err)
		case pgUndefinedTable, pgUndefinedObject:
			return fmt.Errorf("%w: pgvector %s: %v", ErrIndexMissing, op, err)
		}
	}
	if isTLSError(err) {
		return fmt.Errorf("%w: pgvector %s: %v", ErrTLS, op, err)
	}
	return fmt.Errorf("%w: pgvector %s: %v", ErrStore, op, err)
}

var _ Store = (*PgvectorStore)(nil)

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("ragd.vectorstore.qdrant")

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Qdrant payload keys.
const (
	payloadSource     = "source"
	payloadTitle      = "title"
	payloadChunkText  = "chunkText"
	payloadChunkIndex = "chunkIndex"
	payloadMetadata   = "metadata"
	payloadCreatedAt  = "createdAt"
)

// upsertBatchSize bounds the number of points per Upsert request.
const upsertBatchSize = 256

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string

	// Port is the gRPC port, not the REST port. Default: 6334.
	Port int

	// APIKey authenticates against Qdrant Cloud or a secured cluster.
	APIKey string

	// TLS configures transport security.
	TLS TLSOptions

	// Collection holds every chunk.
	Collection string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	// ServerSelectionTimeout bounds the startup health check.
	ServerSelectionTimeout time.Duration

	// ConnectTimeout bounds establishing the gRPC connection.
	ConnectTimeout time.Duration

	// SocketTimeout bounds every individual request.
	SocketTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes. Default: 50MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "rag_chunks"
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
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ValidateCollectionName validates a collection name.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid collection name %q (must match ^[a-z0-9_]{1,64}$)", ErrInvalidConfig, name)
	}
	return nil
}

// QdrantStore implements Store using the Qdrant gRPC client.
//
// Chunks are points whose ids derive from (source, chunkIndex). A re-ingest
// deletes every point of the source first, then inserts the new chunks.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and verifies the server answers within
// ServerSelectionTimeout.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	tlsConfig, err := config.TLS.Config()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil && config.APIKey != "" {
		logger.Warn("qdrant API key sent over plaintext gRPC; enable store.tls_enabled for production")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   config.Host,
		Port:                   config.Port,
		APIKey:                 config.APIKey,
		UseTLS:                 tlsConfig != nil,
		TLSConfig:              tlsConfig,
		SkipCompatibilityCheck: true,
		GrpcOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: config.ConnectTimeout}),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, wrapQdrantError("connect", err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, config.ServerSelectionTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	logger.Info("qdrant store initialized",
		zap.String("address", hostPort(config.Host, config.Port)),
		zap.Bool("tls", tlsConfig != nil),
		zap.String("collection", config.Collection),
		zap.Uint64("vector_size", config.VectorSize),
	)
	return store, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) withSocketTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.SocketTimeout)
}

// Ping performs a health check on the Qdrant connection.
func (s *QdrantStore) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Ping")
	defer span.End()

	ctx, cancel := s.withSocketTimeout(ctx)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		err = wrapQdrantError("health check", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// EnsureCollection creates the collection with cosine distance and the
// payload indexes used by filters and source replacement.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	ctx, cancel := s.withSocketTimeout(ctx)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		err = wrapQdrantError("collection exists", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			err = wrapQdrantError("create collection", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		s.logger.Info("created qdrant collection",
			zap.String("collection", s.config.Collection),
			zap.Uint64("vector_size", s.config.VectorSize),
		)
	}

	indexes := []struct {
		field string
		typ   qdrant.FieldType
	}{
		{payloadSource, qdrant.FieldType_FieldTypeKeyword},
		{payloadTitle, qdrant.FieldType_FieldTypeKeyword},
		{payloadChunkIndex, qdrant.FieldType_FieldTypeInteger},
	}
	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			FieldName:      idx.field,
			FieldType:      qdrant.PtrOf(idx.typ),
		})
		if err != nil {
			err = wrapQdrantError("create field index "+idx.field, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func sourceFilter(source string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(payloadSource, source)}}
}

// PointID returns the deterministic point id of a chunk.
func PointID(source string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("ragd:"+source+"#"+strconv.Itoa(index))).String()
}

// Upsert replaces every chunk of source.
func (s *QdrantStore) Upsert(ctx context.Context, source string, chunks []Chunk) (UpsertResult, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.String("source", source),
		attribute.Int("chunk_count", len(chunks)),
	)

	if source == "" {
		return UpsertResult{}, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	points, err := s.toPoints(source, chunks)
	if err != nil {
		return UpsertResult{}, err
	}

	fail := func(err error) (UpsertResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertResult{}, err
	}

	ctx, cancel := s.withSocketTimeout(ctx)
	defer cancel()

	existing, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Filter:         sourceFilter(source),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return fail(wrapQdrantError("count source", err))
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.config.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(sourceFilter(source)),
	})
	if err != nil {
		return fail(wrapQdrantError("delete source", err))
	}

	for start := 0; start < len(points); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(points))
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points[start:end],
		})
		if err != nil {
			return fail(wrapQdrantError("upsert points", err))
		}
	}

	result := UpsertResult{ChunksDeleted: int(existing), ChunksInserted: len(points)}
	span.SetAttributes(
		attribute.Int("chunks_deleted", result.ChunksDeleted),
		attribute.Int("chunks_inserted", result.ChunksInserted),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

func (s *QdrantStore) toPoints(source string, chunks []Chunk) ([]*qdrant.PointStruct, error) {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if uint64(len(c.Embedding)) != s.config.VectorSize {
			return nil, fmt.Errorf("%w: chunk %d has %d dimensions, want %d", ErrStore, c.Index, len(c.Embedding), s.config.VectorSize)
		}
		payload, err := qdrant.TryValueMap(map[string]any{
			payloadSource:     source,
			payloadTitle:      c.Title,
			payloadChunkText:  c.Text,
			payloadChunkIndex: int64(c.Index),
			payloadMetadata:   payloadValue(c.Metadata),
			payloadCreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: encoding payload for chunk %d: %v", ErrStore, c.Index, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(source, c.Index)),
			Vectors: qdrant.NewVectorsDense(c.Embedding),
			Payload: payload,
		})
	}
	return points, nil
}

// payloadValue converts v into the value kinds qdrant.TryValueMap accepts.
func payloadValue(v any) any {
	switch x := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = payloadItem(item)
		}
		return out
	}
	return payloadItem(v)
}

func payloadItem(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return payloadValue(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = payloadItem(item)
		}
		return out
	}
	switch n := normalizeValue(v).(type) {
	case nil, string, bool:
		return n
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case []any:
		return payloadItem(n)
	default:
		return fmt.Sprint(n)
	}
}

// Search returns the topK most similar chunks.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Candidate, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("top_k", topK),
		attribute.Bool("filtered", !filter.Empty()),
	)

	results, err := searchWithFallback(ctx, s.logger, "qdrant", s.search, vector, topK, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *QdrantStore) search(ctx context.Context, q query) ([]Candidate, error) {
	filter, err := qdrantFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withSocketTimeout(ctx)
	defer cancel()

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQueryDense(q.Vector),
		Limit:          qdrant.PtrOf(uint64(q.Limit)),
		Filter:         filter,
		Params:         &qdrant.SearchParams{HnswEf: qdrant.PtrOf(uint64(q.NumCandidates))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapQdrantError("query", err)
	}

	candidates := make([]Candidate, 0, len(points))
	for _, p := range points {
		candidates = append(candidates, Candidate{
			Chunk:      chunkFromPayload(p.GetPayload()),
			Similarity: p.GetScore(),
		})
	}
	return candidates, nil
}

func chunkFromPayload(payload map[string]*qdrant.Value) Chunk {
	c := Chunk{
		Source: payload[payloadSource].GetStringValue(),
		Title:  payload[payloadTitle].GetStringValue(),
		Text:   payload[payloadChunkText].GetStringValue(),
		Index:  int(payload[payloadChunkIndex].GetIntegerValue()),
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, payload[payloadCreatedAt].GetStringValue())
	if m, ok := fromQdrantValue(payload[payloadMetadata]).(map[string]any); ok && len(m) > 0 {
		c.Metadata = m
	}
	return c
}

func fromQdrantValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return float64(k.IntegerValue)
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			out[key] = fromQdrantValue(item)
		}
		return out
	case *qdrant.Value_ListValue:
		out := make([]any, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			out = append(out, fromQdrantValue(item))
		}
		return out
	}
	return nil
}

// qdrantFilter translates f into a Qdrant filter. String range comparisons
// have no Qdrant equivalent and report ErrFilterNotIndexed.
func qdrantFilter(f *Filter) (*qdrant.Filter, error) {
	if f.Empty() {
		return nil, nil
	}
	out := &qdrant.Filter{}
	for _, c := range f.Conditions {
		key := c.Field
		if !c.IsChunkField() {
			key = payloadMetadata + "." + c.MetadataKey()
		}
		switch c.Op {
		case OpEq:
			out.Must = append(out.Must, qdrantEq(key, c.Value))
		case OpNe:
			out.MustNot = append(out.MustNot, qdrantEq(key, c.Value))
		case OpIn:
			out.Must = append(out.Must, qdrantAny(key, c.Value.([]any)))
		case OpNin:
			out.MustNot = append(out.MustNot, qdrantAny(key, c.Value.([]any)))
		default:
			bound, ok := c.Value.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: qdrant cannot compare %q against a string", ErrFilterNotIndexed, c.Field)
			}
			r := &qdrant.Range{}
			switch c.Op {
			case OpGt:
				r.Gt = &bound
			case OpGte:
				r.Gte = &bound
			case OpLt:
				r.Lt = &bound
			case OpLte:
				r.Lte = &bound
			}
			out.Must = append(out.Must, qdrant.NewRange(key, r))
		}
	}
	return out, nil
}

func qdrantEq(key string, v any) *qdrant.Condition {
	switch x := v.(type) {
	case bool:
		return qdrant.NewMatchBool(key, x)
	case float64:
		if x == math.Trunc(x) {
			return qdrant.NewMatchInt(key, int64(x))
		}
		return qdrant.NewRange(key, &qdrant.Range{Gte: &x, Lte: &x})
	default:
		s, _ := scalarString(v)
		return qdrant.NewMatchKeyword(key, s)
	}
}

func qdrantAny(key string, values []any) *qdrant.Condition {
	var (
		keywords []string
		ints     []int64
	)
	for _, v := range values {
		switch x := v.(type) {
		case string:
			keywords = append(keywords, x)
		case float64:
			if x == math.Trunc(x) {
				ints = append(ints, int64(x))
			}
		}
	}
	switch {
	case len(keywords) == len(values):
		return qdrant.NewMatchKeywords(key, keywords...)
	case len(ints) == len(values):
		return qdrant.NewMatchInts(key, ints...)
	}
	should := make([]*qdrant.Condition, 0, len(values))
	for _, v := range values {
		should = append(should, qdrantEq(key, v))
	}
	return qdrant.NewFilterAsCondition(&qdrant.Filter{Should: should})
}

// wrapQdrantError maps a client error to the package sentinels.
func wrapQdrantError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: qdrant %s: %w", ErrStore, op, err)
	}

	st, isStatus := status.FromError(err)
	msg := strings.ToLower(err.Error())
	switch {
	case isStatus && (st.Code() == grpccodes.Unauthenticated || st.Code() == grpccodes.PermissionDenied):
		return fmt.Errorf("%w: qdrant %s: %v", ErrAuth, op, err)
	case isTLSError(err):
		return fmt.Errorf("%w: qdrant %s: %v", ErrTLS, op, err)
	case strings.Contains(msg, "index required"):
		return fmt.Errorf("%w: qdrant %s: %v", ErrFilterNotIndexed, op, err)
	case isStatus && st.Code() == grpccodes.NotFound:
		return fmt.Errorf("%w: qdrant %s: %v", ErrIndexMissing, op, err)
	case isStatus && st.Code() == grpccodes.DeadlineExceeded:
		return fmt.Errorf("%w: qdrant %s: %w", ErrStore, op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: qdrant %s: %v", ErrStore, op, err)
}

var _ Store = (*QdrantStore)(nil)

// Package rag is the retrieval-augmented answering pipeline.
//
// Ingest: text -> secret scrub -> chunk -> embed -> upsert by source.
// Answer: query -> embed -> search -> rerank cascade -> synthesize.
//
// A Service is built once at startup and shared by every boundary (HTTP,
// MCP, CLI and the directory watcher). Each request runs on a bounded
// worker pool with a hard deadline. Failures carry a Kind that the boundary
// renders with Describe.
package rag

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Operation names used in logs, metrics and errors.
const (
	OpIngest      = "rag.Ingest"
	OpRemove      = "rag.Remove"
	OpAnswer      = "rag.Answer"
	OpEvaluate    = "rag.Evaluate"
	OpDiagnostics = "rag.Diagnostics"
)

const (
	defaultTopK    = 20
	defaultRerankK = 5
	pingTimeout    = 5 * time.Second
	logQueryRunes  = 80
)

// Deps are the collaborators of a Service. Chunker, Embedder, Store, Cascade
// and Synthesizer are required.
type Deps struct {
	Chunker     *chunker.Chunker
	Embedder    embeddings.Embedder
	Store       vectorstore.Store
	Cascade     *reranker.Cascade
	Synthesizer *synth.Synthesizer

	// Scrubber is optional; nil ingests text unchanged.
	Scrubber *secrets.Scrubber
	// Events is optional; nil publishes nothing.
	Events events.Publisher
	// Pool is optional; nil uses a default pool.
	Pool *Pool
	// Metrics is optional; nil records nothing.
	Metrics *Metrics
	Logger  *logging.Logger

	// StoreConfig and EmbeddingProvider feed Diagnostics.
	StoreConfig       config.StoreConfig
	EmbeddingProvider string
}

// Options are the retrieval parameters.
type Options struct {
	TopK    int
	RerankK int
}

// Service runs the pipeline. Safe for concurrent use.
type Service struct {
	chunker  *chunker.Chunker
	embedder embeddings.Embedder
	store    vectorstore.Store
	cascade  *reranker.Cascade
	synth    *synth.Synthesizer
	scrubber *secrets.Scrubber
	events   events.Publisher
	pool     *Pool
	metrics  *Metrics
	logger   *logging.Logger
	tracer   trace.Tracer

	storeCfg          config.StoreConfig
	embeddingProvider string
	topK              int
	rerankK           int
}

// NewService validates deps and builds a Service.
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Chunker == nil:
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("chunker is required"))
	case deps.Embedder == nil:
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("embedder is required"))
	case deps.Store == nil:
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("store is required"))
	case deps.Cascade == nil:
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("rerank cascade is required"))
	case deps.Synthesizer == nil:
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("synthesizer is required"))
	}
	if opts.TopK < 0 || opts.RerankK < 0 {
		return nil, E(KindConfig, "rag.NewService", fmt.Errorf("topK and rerank k must not be negative"))
	}
	if opts.TopK == 0 {
		opts.TopK = defaultTopK
	}
	if opts.RerankK == 0 {
		opts.RerankK = defaultRerankK
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	pool := deps.Pool
	if pool == nil {
		pool = NewPool(DefaultWorkers, DefaultTimeout, logger.Underlying())
	}

	return &Service{
		chunker:           deps.Chunker,
		embedder:          deps.Embedder,
		store:             deps.Store,
		cascade:           deps.Cascade,
		synth:             deps.Synthesizer,
		scrubber:          deps.Scrubber,
		events:            publisher,
		pool:              pool,
		metrics:           deps.Metrics,
		logger:            logger,
		tracer:            otel.Tracer("github.com/fyrsmithlabs/ragd/internal/rag"),
		storeCfg:          deps.StoreConfig,
		embeddingProvider: deps.EmbeddingProvider,
		topK:              opts.TopK,
		rerankK:           opts.RerankK,
	}, nil
}

// Ingest replaces every chunk of req.Source with the chunks of req.Text.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	ctx = logging.WithOperation(ctx, OpIngest)
	if err := validateIngest(req); err != nil {
		return IngestResponse{}, s.fail(ctx, OpIngest, err, zap.String("source", req.Source))
	}

	var resp IngestResponse
	err := s.pool.Do(ctx, OpIngest, func(ctx context.Context) error {
		var err error
		resp, err = s.ingest(ctx, req)
		return err
	})
	if err != nil {
		return IngestResponse{}, s.fail(ctx, OpIngest, err, zap.String("source", req.Source))
	}
	s.metrics.RecordRequest(OpIngest, nil)
	return resp, nil
}

// Remove deletes every chunk of source.
func (s *Service) Remove(ctx context.Context, source string) (IngestResponse, error) {
	ctx = logging.WithOperation(ctx, OpRemove)
	if strings.TrimSpace(source) == "" {
		return IngestResponse{}, s.fail(ctx, OpRemove, Validationf("source is required"))
	}

	var resp IngestResponse
	err := s.pool.Do(ctx, OpRemove, func(ctx context.Context) error {
		result, err := s.store.Upsert(ctx, source, nil)
		if err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		resp = IngestResponse{Source: source, ChunksDeleted: result.ChunksDeleted}
		s.publish(ctx, events.IngestEvent(source, result.ChunksDeleted, 0))
		return nil
	})
	if err != nil {
		return IngestResponse{}, s.fail(ctx, OpRemove, err, zap.String("source", source))
	}
	s.metrics.RecordRequest(OpRemove, nil)
	s.metrics.RecordIngest(resp.ChunksDeleted, 0, 0)
	s.logger.Info(ctx, "source removed",
		zap.String("source", source),
		zap.Int("chunks_deleted", resp.ChunksDeleted))
	return resp, nil
}

func (s *Service) ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	ctx, span := s.tracer.Start(ctx, "rag.Ingest",
		trace.WithAttributes(attribute.String("source", req.Source)))
	defer span.End()

	text := req.Text
	redacted := 0
	if s.scrubber.Enabled() {
		start := time.Now()
		scrubbed := s.scrubber.Scrub(text)
		s.metrics.RecordStage(StageScrub, time.Since(start))
		text = scrubbed.Text
		redacted = len(scrubbed.Findings)
		if redacted > 0 {
			s.logger.Warn(ctx, "secrets redacted from ingested text",
				zap.String("source", req.Source),
				zap.Int("findings", redacted),
				zap.Any("rules", scrubbed.ByRule))
		}
	}

	start := time.Now()
	texts := s.chunker.Split(text)
	s.metrics.RecordStage(StageChunk, time.Since(start))

	var vectors [][]float32
	if len(texts) > 0 {
		start = time.Now()
		var err error
		vectors, err = s.embedder.Embed(ctx, texts)
		s.metrics.RecordStage(StageEmbed, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, "embedding failed")
			return IngestResponse{}, fmt.Errorf("embedding chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return IngestResponse{}, E(KindEmbeddingProvider, OpIngest,
				fmt.Errorf("%w: got %d embeddings for %d chunks", embeddings.ErrProvider, len(vectors), len(texts)))
		}
	}

	createdAt := time.Now().UTC()
	chunks := make([]vectorstore.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = vectorstore.Chunk{
			Source:    req.Source,
			Title:     req.Title,
			Index:     i,
			Text:      t,
			Metadata:  copyMetadata(req.Metadata),
			Embedding: vectors[i],
			CreatedAt: createdAt,
		}
	}

	start = time.Now()
	result, err := s.store.Upsert(ctx, req.Source, chunks)
	s.metrics.RecordStage(StageUpsert, time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, "upsert failed")
		return IngestResponse{}, fmt.Errorf("upserting chunks: %w", err)
	}

	span.SetAttributes(
		attribute.Int("chunks_deleted", result.ChunksDeleted),
		attribute.Int("chunks_inserted", result.ChunksInserted))
	s.metrics.RecordIngest(result.ChunksDeleted, result.ChunksInserted, redacted)
	s.logger.Info(ctx, "source ingested",
		zap.String("source", req.Source),
		zap.String("title", req.Title),
		zap.Int("chunks_deleted", result.ChunksDeleted),
		zap.Int("chunks_inserted", result.ChunksInserted))
	s.publish(ctx, events.IngestEvent(req.Source, result.ChunksDeleted, result.ChunksInserted))

	return IngestResponse{
		Source:         req.Source,
		Title:          req.Title,
		ChunksDeleted:  result.ChunksDeleted,
		ChunksInserted: result.ChunksInserted,
	}, nil
}

// Answer retrieves, reranks and synthesizes an answer to req.Query.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (AnswerResponse, error) {
	ctx = logging.WithOperation(ctx, OpAnswer)
	queryField := logging.Truncated("query", req.Query, logQueryRunes)

	filter, err := s.validateQuery(req.Query, req.Filters)
	if err != nil {
		return AnswerResponse{}, s.fail(ctx, OpAnswer, err, queryField)
	}

	var resp AnswerResponse
	err = s.pool.Do(ctx, OpAnswer, func(ctx context.Context) error {
		run, err := s.run(ctx, req.Query, filter, s.topK, s.rerankK, true)
		if err != nil {
			return err
		}
		resp = *run.answer
		return nil
	})
	if err != nil {
		return AnswerResponse{}, s.fail(ctx, OpAnswer, err, queryField)
	}
	s.metrics.RecordRequest(OpAnswer, nil)
	s.publish(ctx, events.AnswerEvent(resp.Citations))
	return resp, nil
}

// Evaluate runs retrieval and reranking with optional overrides and reports
// both scores per candidate and the stage timings. Unless DryRun is set it
// also synthesizes an answer.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	ctx = logging.WithOperation(ctx, OpEvaluate)
	queryField := logging.Truncated("query", req.Query, logQueryRunes)

	filter, err := s.validateQuery(req.Query, req.Filters)
	if err != nil {
		return EvaluateResponse{}, s.fail(ctx, OpEvaluate, err, queryField)
	}
	topK, k := req.TopK, req.K
	if topK == 0 {
		topK = s.topK
	}
	if k == 0 {
		k = s.rerankK
	}
	if topK < 1 || topK > MaxEvaluateTopK {
		return EvaluateResponse{}, s.fail(ctx, OpEvaluate, Validationf("topK must be between 1 and %d", MaxEvaluateTopK), queryField)
	}
	if k < 1 || k > topK {
		return EvaluateResponse{}, s.fail(ctx, OpEvaluate, Validationf("k must be between 1 and topK (%d)", topK), queryField)
	}

	var resp EvaluateResponse
	err = s.pool.Do(ctx, OpEvaluate, func(ctx context.Context) error {
		run, err := s.run(ctx, req.Query, filter, topK, k, !req.DryRun)
		if err != nil {
			return err
		}
		resp = EvaluateResponse{
			Query:      req.Query,
			TopK:       topK,
			K:          k,
			Retrieved:  run.retrieved,
			Tier:       string(run.ranked.Tier),
			Candidates: evaluated(run.ranked.Candidates),
			Timings:    run.timings,
			Answer:     run.answer,
		}
		return nil
	})
	if err != nil {
		return EvaluateResponse{}, s.fail(ctx, OpEvaluate, err, queryField)
	}
	s.metrics.RecordRequest(OpEvaluate, nil)
	return resp, nil
}

type runResult struct {
	retrieved int
	ranked    reranker.Result
	answer    *synth.Answer
	timings   Timings
}

// run executes retrieve, rerank and optionally synthesize.
func (s *Service) run(ctx context.Context, query string, filter *vectorstore.Filter, topK, k int, synthesize bool) (runResult, error) {
	ctx, span := s.tracer.Start(ctx, "rag.Answer",
		trace.WithAttributes(attribute.Int("top_k", topK), attribute.Int("k", k)))
	defer span.End()

	var out runResult

	start := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, "embedding failed")
		return out, fmt.Errorf("embedding query: %w", err)
	}
	candidates, err := s.store.Search(ctx, vector, topK, filter)
	retrieve := time.Since(start)
	s.metrics.RecordStage(StageRetrieve, retrieve)
	if err != nil {
		span.SetStatus(codes.Error, "search failed")
		return out, fmt.Errorf("searching: %w", err)
	}
	out.retrieved = len(candidates)
	out.timings.RetrieveMs = millis(retrieve)

	start = time.Now()
	out.ranked = s.cascade.Rerank(ctx, query, candidates, k)
	rerank := time.Since(start)
	s.metrics.RecordStage(StageRerank, rerank)
	s.metrics.RecordRerankTier(string(out.ranked.Tier))
	out.timings.RerankMs = millis(rerank)

	if synthesize {
		start = time.Now()
		answer, err := s.synth.Synthesize(ctx, query, out.ranked.Candidates)
		synthDur := time.Since(start)
		s.metrics.RecordStage(StageSynthesize, synthDur)
		if err != nil {
			span.SetStatus(codes.Error, "synthesis failed")
			return out, fmt.Errorf("synthesizing answer: %w", err)
		}
		out.answer = &answer
		out.timings.SynthesizeMs = millis(synthDur)
	}

	span.SetAttributes(
		attribute.Int("retrieved", out.retrieved),
		attribute.String("rerank_tier", string(out.ranked.Tier)))
	s.logger.Info(ctx, "query answered",
		logging.Truncated("query", query, logQueryRunes),
		zap.Int("retrieved", out.retrieved),
		zap.Int("reranked", len(out.ranked.Candidates)),
		zap.String("rerank_tier", string(out.ranked.Tier)),
		zap.Float64("retrieve_ms", out.timings.RetrieveMs),
		zap.Float64("rerank_ms", out.timings.RerankMs),
		zap.Float64("synthesize_ms", out.timings.SynthesizeMs))
	return out, nil
}

// Diagnostics reports the store target, a live ping and the pipeline
// configuration. It never fails; a failed ping is part of the report.
func (s *Service) Diagnostics(ctx context.Context) Diagnostics {
	d := Diagnostics{
		Store:     vectorstore.Summarize(s.storeCfg),
		Embedding: embeddings.Describe(s.embeddingProvider, s.embedder),
		Rerank: RerankStatus{
			Enabled:        s.cascade.Enabled(),
			LocalAvailable: s.cascade.LocalAvailable(),
			K:              s.rerankK,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		d.Ping = PingStatus{OK: false, Error: err.Error()}
		s.logger.Warn(ctx, "store ping failed",
			zap.String("target", d.Store.Target()),
			zap.String("kind", Classify(err).String()),
			zap.Error(err))
	} else {
		d.Ping = PingStatus{OK: true}
	}
	return d
}

// validateQuery checks the question and parses its filter before any
// backend call.
func (s *Service) validateQuery(query string, filters map[string]any) (*vectorstore.Filter, error) {
	if strings.TrimSpace(query) == "" {
		return nil, Validationf("query is required")
	}
	if n := utf8.RuneCountInString(query); n > MaxQueryChars {
		return nil, Validationf("query has %d characters, maximum is %d", n, MaxQueryChars)
	}
	filter, err := vectorstore.ParseFilter(filters)
	if err != nil {
		return nil, E(KindConfig, "rag.ParseFilter", err)
	}
	return filter, nil
}

func validateIngest(req IngestRequest) error {
	if strings.TrimSpace(req.Source) == "" {
		return Validationf("source is required")
	}
	if req.Text == "" {
		return Validationf("text is required")
	}
	return nil
}

// fail logs a classified failure and counts it.
func (s *Service) fail(ctx context.Context, op string, err error, fields ...zap.Field) error {
	kind := Classify(err)
	s.metrics.RecordRequest(op, err)

	fields = append(fields,
		zap.String("operation", op),
		zap.String("kind", kind.String()),
		zap.Error(err))
	if kind == KindInternal {
		s.logger.Error(ctx, "request failed", fields...)
	} else {
		s.logger.Warn(ctx, "request failed", fields...)
	}
	return err
}

// publish sends an event; failures are logged and never fail the request.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn(ctx, "event publish failed",
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/llm"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// app holds the process-wide dependencies. Clients are built once and
// shared by every request.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	embedder  embeddings.Embedder
	store     vectorstore.Store
	events    events.Publisher
	service   *rag.Service
	registry  *prometheus.Registry

	closers []func() error
}

// newLogger builds the process logger. Commands that print results log to
// stderr.
func newLogger(cfg *config.Config, stderr bool) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Stderr = stderr
	logCfg.Fields["version"] = version
	return logging.NewLogger(logCfg, nil)
}

// newApp initializes every dependency in order:
//  1. Logger and telemetry
//  2. Embedding provider
//  3. Vector store, creating the collection when missing
//  4. Chunker, generation model and synthesizer
//  5. Rerank cascade with its startup probe
//  6. Secret scrubber and event publisher
//  7. Worker pool, metrics and the service
//
// On error everything built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, stderrLogs bool) (a *app, err error) {
	logger, err := newLogger(cfg, stderrLogs)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a = &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	a.telemetry, err = telemetry.New(ctx, &telemetry.Config{
		TelemetryConfig: cfg.Telemetry,
		ServiceName:     cfg.Server.Name,
		ServiceVersion:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if h := a.telemetry.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export", zap.String("error", h.Error))
	}

	zl := logger.Underlying()

	a.embedder, err = embeddings.New(cfg.Embedding, zl.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}
	a.closers = append(a.closers, a.embedder.Close)
	dims := a.embedder.Dimension()

	a.store, err = vectorstore.New(ctx, cfg.Store, dims, zl.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("initializing vector store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.EnsureCollection(ctx); err != nil {
		// Searches will fail with IndexError; writes may still succeed.
		logger.Warn(ctx, "vector collection not ready", zap.Error(err))
		if errors.Is(err, vectorstore.ErrIndexMissing) {
			logger.Info(ctx, vectorstore.IndexNotes(cfg.Store, dims))
		}
	}

	chunks, err := chunker.New(chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})
	if err != nil {
		return nil, fmt.Errorf("initializing chunker: %w", err)
	}

	model, err := llm.New(cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("initializing generation model: %w", err)
	}
	synthesizer, err := synth.New(model, synth.Config{
		MaxContextChunks: cfg.Retrieval.MaxContextChunks,
		Temperature:      cfg.Generation.Temperature,
		MaxTokens:        cfg.Generation.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing synthesizer: %w", err)
	}

	cascade, local, err := newCascade(ctx, cfg, model, zl.Named("reranker"))
	if err != nil {
		return nil, err
	}
	if local != nil {
		a.closers = append(a.closers, local.Close)
	}

	scrubber, err := secrets.New(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}

	a.events, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("initializing events: %w", err)
	}
	a.closers = append(a.closers, a.events.Close)

	a.service, err = rag.NewService(rag.Deps{
		Chunker:           chunks,
		Embedder:          a.embedder,
		Store:             a.store,
		Cascade:           cascade,
		Synthesizer:       synthesizer,
		Scrubber:          scrubber,
		Events:            a.events,
		Pool:              rag.NewPool(cfg.Server.Workers, cfg.Server.RequestTimeout.Duration(), zl.Named("pool")),
		Metrics:           rag.NewMetrics(a.registry),
		Logger:            logger,
		StoreConfig:       cfg.Store,
		EmbeddingProvider: cfg.Embedding.Provider,
	}, rag.Options{
		TopK:    cfg.Retrieval.TopK,
		RerankK: cfg.Rerank.K,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newCascade builds the rerank tiers. The local tier is probed once; a
// failed probe leaves it off for the life of the process. The returned local
// tier, when non-nil, is owned by the caller.
func newCascade(ctx context.Context, cfg *config.Config, model llms.Model, logger *zap.Logger) (*reranker.Cascade, reranker.Reranker, error) {
	if !cfg.Rerank.Enabled {
		return reranker.NewCascade(reranker.CascadeConfig{}, logger), nil, nil
	}

	local, err := reranker.NewLocal(cfg.Rerank, cfg.Embedding.CacheDir, logger)
	if err != nil {
		logger.Warn("local reranker unavailable", zap.Error(err))
		local = nil
	}
	local, available := probeLocal(ctx, local, logger)

	llmTier, err := reranker.NewLLMReranker(model, reranker.LLMConfig{PreviewChars: cfg.Rerank.PreviewChars})
	if err != nil {
		if local != nil {
			_ = local.Close()
		}
		return nil, nil, fmt.Errorf("initializing llm reranker: %w", err)
	}

	return reranker.NewCascade(reranker.CascadeConfig{
		Enabled:        true,
		LocalAvailable: available,
		Local:          local,
		LLM:            llmTier,
	}, logger), local, nil
}

// probeLocal keeps local only when it passes the probe. A rejected tier is
// closed.
func probeLocal(ctx context.Context, local reranker.Reranker, logger *zap.Logger) (reranker.Reranker, bool) {
	if reranker.Probe(ctx, local, logger) {
		return local, true
	}
	if local != nil {
		if err := local.Close(); err != nil {
			logger.Warn("closing local reranker", zap.Error(err))
		}
	}
	return nil, false
}

// Close releases dependencies in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

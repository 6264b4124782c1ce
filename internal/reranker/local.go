package reranker

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.uber.org/zap"
)

const probeTimeout = 10 * time.Second

// NewLocal builds the local tier selected by cfg.Local. It returns nil and
// no error when the local tier is disabled.
func NewLocal(cfg config.RerankConfig, cacheDir string, logger *zap.Logger) (Reranker, error) {
	switch cfg.Local {
	case "", config.LocalRerankNone:
		return nil, nil
	case config.LocalRerankLexical:
		return NewLexicalReranker(), nil
	case config.LocalRerankEmbedding:
		provider, err := embeddings.NewFastEmbedProvider(embeddings.FastEmbedConfig{
			Model:    cfg.LocalModel,
			CacheDir: cacheDir,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating local rerank model: %w", err)
		}
		return NewEmbeddingReranker(provider)
	default:
		return nil, fmt.Errorf("%w: unknown local reranker %q", ErrInvalidConfig, cfg.Local)
	}
}

var probeCandidates = []vectorstore.Candidate{
	{Chunk: vectorstore.Chunk{Source: "probe", Index: 0, Text: "vector search retrieves similar passages"}, Similarity: 0.5},
	{Chunk: vectorstore.Chunk{Source: "probe", Index: 1, Text: "unrelated text about cooking"}, Similarity: 0.5},
}

// Probe checks once whether the local reranker works by ranking a fixed
// pair of candidates. A nil reranker is reported as unavailable.
func Probe(ctx context.Context, local Reranker, logger *zap.Logger) bool {
	if local == nil {
		return false
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := local.Rerank(ctx, "how does vector search work", probeCandidates, len(probeCandidates))
	if err == nil {
		err = checkSubset(out, probeCandidates, len(probeCandidates))
	}
	if err != nil {
		logger.Warn("local reranker unavailable", zap.Error(err))
		return false
	}
	logger.Info("local reranker available")
	return true
}

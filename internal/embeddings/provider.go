package embeddings

import (
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"go.uber.org/zap"
)

// New creates the embedder selected by cfg.Provider.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey.Value(),
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout.Duration(),
			MaxRetries: cfg.MaxRetries,
			RateLimit:  cfg.RateLimit,
		}, logger)
	case config.ProviderFastEmbed:
		model := cfg.Model
		if model == "" {
			model = DefaultFastEmbedModel
		}
		dim, known := FastEmbedDimension(model)
		if !known {
			return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, model)
		}
		if cfg.Dimensions != 0 && cfg.Dimensions != dim {
			return nil, fmt.Errorf("%w: model %s produces %d dimensions, configured %d",
				ErrInvalidConfig, model, dim, cfg.Dimensions)
		}
		provider, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:     model,
			CacheDir:  cfg.CacheDir,
			BatchSize: cfg.BatchSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// Describe returns diagnostics information for an embedder.
func Describe(provider string, e Embedder) Info {
	return Info{Provider: provider, Model: e.Model(), Dimensions: e.Dimension()}
}

// Package llm builds the langchaingo model used for answer synthesis and
// for the LLM rerank tier.
package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrInvalidConfig indicates an unusable generation configuration.
var ErrInvalidConfig = errors.New("invalid generation configuration")

// New creates the model selected by cfg.Provider. An empty API key falls
// back to the provider's standard environment variable.
func New(cfg config.GenerationConfig) (llms.Model, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	client := &http.Client{Timeout: cfg.Timeout.Duration()}

	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(client),
		}
		if cfg.APIKey.IsSet() {
			opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai model: %w", err)
		}
		return model, nil

	case config.ProviderOllama:
		opts := []ollama.Option{
			ollama.WithModel(cfg.Model),
			ollama.WithHTTPClient(client),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama model: %w", err)
		}
		return model, nil

	case config.ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithModel(cfg.Model),
			anthropic.WithHTTPClient(client),
		}
		if cfg.APIKey.IsSet() {
			opts = append(opts, anthropic.WithToken(cfg.APIKey.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpenAI-compatible defaults.
const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1064
	DefaultBatchSize  = 96
	DefaultTimeout    = 30 * time.Second

	maxErrorBody = 512
	retryBackoff = 200 * time.Millisecond
)

// OpenAIConfig configures the OpenAI-compatible embedder.
type OpenAIConfig struct {
	// BaseURL is the API root; "/embeddings" is appended.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey     string
	Model      string
	Dimensions int
	// BatchSize is the provider's maximum inputs per request.
	BatchSize int
	Timeout   time.Duration
	// MaxRetries applies to transport failures only, never to HTTP errors.
	// These retries stay inside the provider client, like the OpenAI SDK's
	// own; the pipeline itself never retries a failed stage.
	MaxRetries int
	// RateLimit is requests per second; zero or negative disables limiting.
	RateLimit float64
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// ApplyDefaults fills zero values.
func (c *OpenAIConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Dimensions == 0 {
		c.Dimensions = DefaultDimensions
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("%w: base URL %q must be http(s)", ErrInvalidConfig, c.BaseURL)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	config  OpenAIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *Metrics
}

// NewOpenAIEmbedder creates an embedder. A nil logger disables logging.
func NewOpenAIEmbedder(config OpenAIConfig, logger *zap.Logger) (*OpenAIEmbedder, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &OpenAIEmbedder{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

type embeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Index     *int      `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates embeddings for texts, splitting into sequential requests
// of at most BatchSize inputs.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		e.metrics.RecordGeneration(ctx, e.config.Model, "embed", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	out := make([][]float32, 0, len(texts))
	for i, batch := range batches(texts, e.config.BatchSize) {
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			genErr = fmt.Errorf("batch %d: %w", i, err)
			return nil, genErr
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds a single query as a one-element batch.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension returns the configured dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimensions
}

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string {
	return e.config.Model
}

// Close is a no-op since the embedder only holds an HTTP client.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model:          e.config.Model,
		Input:          batch,
		Dimensions:     e.config.Dimensions,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := e.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProvider, err)
	}

	return orderByIndex(decoded, len(batch), e.config.Dimensions)
}

// do posts body, retrying transport failures with exponential backoff.
func (e *OpenAIEmbedder) do(ctx context.Context, body []byte) (*http.Response, error) {
	url := strings.TrimSuffix(e.config.BaseURL, "/") + "/embeddings"

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBackoff << (attempt - 1)
			e.logger.Warn("retrying embedding request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrProvider, ctx.Err())
			case <-time.After(wait):
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrProvider, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
		}

		resp, err := e.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrProvider, lastErr)
}

// orderByIndex places each provider entry at its declared index and checks
// count, uniqueness and dimension.
func orderByIndex(resp embeddingResponse, want, dims int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProvider, want, len(resp.Data))
	}

	out := make([][]float32, want)
	for pos, item := range resp.Data {
		if item.Index == nil {
			return nil, fmt.Errorf("%w: entry %d has no index", ErrProvider, pos)
		}
		idx := *item.Index
		if idx < 0 || idx >= want {
			return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrProvider, idx, want)
		}
		if out[idx] != nil {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrProvider, idx)
		}
		if len(item.Embedding) != dims {
			return nil, fmt.Errorf("%w: index %d has dimension %d, expected %d", ErrProvider, idx, len(item.Embedding), dims)
		}
		out[idx] = item.Embedding
	}
	return out, nil
}

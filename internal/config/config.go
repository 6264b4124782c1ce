// Package config provides configuration loading for ragd.
//
// Values are layered: built-in defaults, then an optional YAML or TOML file,
// then a .env file, then RAGD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete ragd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Logging    LoggingConfig    `koanf:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" yaml:"telemetry"`
	Embedding  EmbeddingConfig  `koanf:"embedding" yaml:"embedding"`
	Generation GenerationConfig `koanf:"generation" yaml:"generation"`
	Chunking   ChunkingConfig   `koanf:"chunking" yaml:"chunking"`
	Retrieval  RetrievalConfig  `koanf:"retrieval" yaml:"retrieval"`
	Rerank     RerankConfig     `koanf:"rerank" yaml:"rerank"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	Events     EventsConfig     `koanf:"events" yaml:"events"`
	Secrets    SecretsConfig    `koanf:"secrets" yaml:"secrets"`
	Watch      WatchConfig      `koanf:"watch" yaml:"watch"`
}

// ServerConfig holds HTTP server and request dispatch settings.
type ServerConfig struct {
	Name            string   `koanf:"name" yaml:"name"`
	Host            string   `koanf:"host" yaml:"host"`
	Port            int      `koanf:"port" yaml:"port"`
	RequestTimeout  Duration `koanf:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	Workers         int      `koanf:"workers" yaml:"workers"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled" yaml:"enabled"`
	Endpoint     string  `koanf:"endpoint" yaml:"endpoint"`
	Protocol     string  `koanf:"protocol" yaml:"protocol"`
	Insecure     bool    `koanf:"insecure" yaml:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate" yaml:"sampling_rate"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string   `koanf:"provider" yaml:"provider"`
	BaseURL    string   `koanf:"base_url" yaml:"base_url"`
	APIKey     Secret   `koanf:"api_key" yaml:"api_key"`
	Model      string   `koanf:"model" yaml:"model"`
	Dimensions int      `koanf:"dimensions" yaml:"dimensions"`
	BatchSize  int      `koanf:"batch_size" yaml:"batch_size"`
	Timeout    Duration `koanf:"timeout" yaml:"timeout"`
	MaxRetries int      `koanf:"max_retries" yaml:"max_retries"`
	RateLimit  float64  `koanf:"rate_limit" yaml:"rate_limit"`
	CacheDir   string   `koanf:"cache_dir" yaml:"cache_dir"`
}

// GenerationConfig selects the text-generation provider used for answers
// and for the LLM rerank tier.
type GenerationConfig struct {
	Provider    string   `koanf:"provider" yaml:"provider"`
	BaseURL     string   `koanf:"base_url" yaml:"base_url"`
	APIKey      Secret   `koanf:"api_key" yaml:"api_key"`
	Model       string   `koanf:"model" yaml:"model"`
	Temperature float64  `koanf:"temperature" yaml:"temperature"`
	MaxTokens   int      `koanf:"max_tokens" yaml:"max_tokens"`
	Timeout     Duration `koanf:"timeout" yaml:"timeout"`
}

// ChunkingConfig controls the text splitter.
type ChunkingConfig struct {
	Size    int `koanf:"size" yaml:"size"`
	Overlap int `koanf:"overlap" yaml:"overlap"`
}

// RetrievalConfig controls candidate retrieval.
type RetrievalConfig struct {
	TopK             int `koanf:"top_k" yaml:"top_k"`
	MaxContextChunks int `koanf:"max_context_chunks" yaml:"max_context_chunks"`
}

// RerankConfig controls the rerank cascade.
type RerankConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	K            int    `koanf:"k" yaml:"k"`
	PreviewChars int    `koanf:"preview_chars" yaml:"preview_chars"`
	Local        string `koanf:"local" yaml:"local"`
	LocalModel   string `koanf:"local_model" yaml:"local_model"`
}

// StoreConfig selects the vector store backend and its connection options.
type StoreConfig struct {
	Backend                string   `koanf:"backend" yaml:"backend"`
	URI                    Secret   `koanf:"uri" yaml:"uri"`
	Database               string   `koanf:"database" yaml:"database"`
	Collection             string   `koanf:"collection" yaml:"collection"`
	Index                  string   `koanf:"index" yaml:"index"`
	VectorPath             string   `koanf:"vector_path" yaml:"vector_path"`
	Path                   string   `koanf:"path" yaml:"path"`
	Compress               bool     `koanf:"compress" yaml:"compress"`
	APIKey                 Secret   `koanf:"api_key" yaml:"api_key"`
	ServerSelectionTimeout Duration `koanf:"server_selection_timeout" yaml:"server_selection_timeout"`
	ConnectTimeout         Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout          Duration `koanf:"socket_timeout" yaml:"socket_timeout"`
	TLSEnabled             bool     `koanf:"tls_enabled" yaml:"tls_enabled"`
	TLSCAFile              string   `koanf:"tls_ca_file" yaml:"tls_ca_file"`
	TLSAllowInvalidCerts   bool     `koanf:"tls_allow_invalid_certs" yaml:"tls_allow_invalid_certs"`
	TLSDisableOCSP         bool     `koanf:"tls_disable_ocsp" yaml:"tls_disable_ocsp"`
}

// EventsConfig configures the NATS event publisher. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// SecretsConfig controls scrubbing of credentials from ingested text.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	AllowlistFile string `koanf:"allowlist_file" yaml:"allowlist_file"`
}

// WatchConfig controls directory ingestion.
type WatchConfig struct {
	Extensions []string `koanf:"extensions" yaml:"extensions"`
	Debounce   Duration `koanf:"debounce" yaml:"debounce"`
}

// Supported backends and providers.
const (
	BackendQdrant   = "qdrant"
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderFastEmbed = "fastembed"

	LocalRerankNone      = "none"
	LocalRerankLexical   = "lexical"
	LocalRerankEmbedding = "embedding"
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "ragd",
			Host:            "0.0.0.0",
			Port:            3040,
			RequestTimeout:  Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			Workers:         16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderOpenAI,
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1064,
			BatchSize:  96,
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 2,
			RateLimit:  50,
		},
		Generation: GenerationConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4.1-mini",
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     Duration(30 * time.Second),
		},
		Chunking: ChunkingConfig{
			Size:    255,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			TopK:             20,
			MaxContextChunks: 5,
		},
		Rerank: RerankConfig{
			Enabled:      true,
			K:            5,
			PreviewChars: 300,
			Local:        LocalRerankNone,
		},
		Store: StoreConfig{
			Backend:                BackendQdrant,
			URI:                    Secret("http://localhost:6334"),
			Database:               "ragd",
			Collection:             "rag_chunks",
			Index:                  "vector_index_float32_ann",
			VectorPath:             "embedding",
			Compress:               true,
			ServerSelectionTimeout: Duration(5 * time.Second),
			ConnectTimeout:         Duration(5 * time.Second),
			SocketTimeout:          Duration(20 * time.Second),
			TLSDisableOCSP:         true,
		},
		Events: EventsConfig{
			SubjectPrefix: "ragd",
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Watch: WatchConfig{
			Extensions: []string{".md", ".txt"},
			Debounce:   Duration(500 * time.Millisecond),
		},
	}
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration before any backend is contacted.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d must be 1-65535", c.Server.Port)
	}
	if c.Server.RequestTimeout.Duration() <= 0 {
		add("server.request_timeout must be positive")
	}
	if c.Server.Workers < 1 {
		add("server.workers must be at least 1")
	}

	switch c.Embedding.Provider {
	case ProviderOpenAI:
		if c.Embedding.BaseURL == "" {
			add("embedding.base_url is required for provider %q", c.Embedding.Provider)
		}
	case ProviderFastEmbed:
	default:
		add("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		add("embedding.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		add("embedding.batch_size must be positive")
	}

	switch c.Generation.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderAnthropic:
	default:
		add("generation.provider %q is not supported", c.Generation.Provider)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		add("generation.temperature %.2f must be within [0, 2]", c.Generation.Temperature)
	}

	if c.Chunking.Size <= 0 {
		add("chunking.size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		add("chunking.overlap %d must be within [0, chunking.size)", c.Chunking.Overlap)
	}

	if c.Retrieval.TopK <= 0 {
		add("retrieval.top_k must be positive")
	}
	if c.Rerank.K <= 0 {
		add("rerank.k must be positive")
	}
	switch c.Rerank.Local {
	case "", LocalRerankNone, LocalRerankLexical, LocalRerankEmbedding:
	default:
		add("rerank.local %q must be none, lexical or embedding", c.Rerank.Local)
	}

	switch c.Store.Backend {
	case BackendQdrant, BackendPgvector:
		if !c.Store.URI.IsSet() {
			add("store.uri is required for backend %q", c.Store.Backend)
		}
	case BackendChromem:
	default:
		add("store.backend %q is not supported", c.Store.Backend)
	}
	if strings.TrimSpace(c.Store.Collection) == "" {
		add("store.collection is required")
	}

	return errors.Join(errs...)
}

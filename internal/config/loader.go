package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix scopes every environment override.
	EnvPrefix = "RAGD_"

	// EnvFileVar points at an alternative .env file.
	EnvFileVar = "RAGD_ENV_FILE"
)

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration with the following precedence
// (highest first):
//
//  1. RAGD_* environment variables (RAGD_EMBEDDING_MODEL -> embedding.model)
//  2. variables from the .env file (or the file named by RAGD_ENV_FILE)
//  3. the YAML or TOML file at configPath
//  4. Default()
//
// With an empty configPath, ~/.config/ragd/config.yaml is used when present.
// Config files must be 0600 or 0400 and at most 1MB.
//
// OPENAI_API_KEY is honoured as a fallback for the embedding and
// generation API keys.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".config", "ragd", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
			}
		}
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), parserFor(configPath)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps RAGD_SECTION_FIELD_NAME to section.field_name.
// Variables without a section are ignored.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	if parts[0] == "env" {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// loadDotEnv populates the process environment from a .env file without
// overriding variables that are already set. A missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv(EnvFileVar)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	// Open once and validate the descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOMLParser()
	default:
		return yaml.Parser()
	}
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return errors.New("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func applyFallbacks(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if !cfg.Embedding.APIKey.IsSet() {
			cfg.Embedding.APIKey = Secret(key)
		}
		if !cfg.Generation.APIKey.IsSet() && cfg.Generation.Provider == ProviderOpenAI {
			cfg.Generation.APIKey = Secret(key)
		}
	}
	if cfg.Rerank.Local == "" {
		cfg.Rerank.Local = LocalRerankNone
	}
	if cfg.Retrieval.MaxContextChunks <= 0 {
		cfg.Retrieval.MaxContextChunks = cfg.Rerank.K
	}
}

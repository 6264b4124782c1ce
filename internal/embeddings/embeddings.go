// Package embeddings turns text into fixed-dimension vectors.
//
// Two providers are available: an OpenAI-compatible HTTP client (the
// default) and FastEmbed, which runs ONNX models locally and requires a cgo
// build. Every provider returns vectors in input order and rejects
// responses whose dimension differs from the configured one.
package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrProvider is wrapped by every embedding provider failure: transport
	// errors, non-2xx responses, malformed bodies and shape mismatches.
	ErrProvider = errors.New("embedding provider error")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")
)

// Embedder generates embeddings for documents and queries.
type Embedder interface {
	// Embed returns one vector per text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector dimension.
	Dimension() int
	// Model returns the model name.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

// Info describes an embedder for diagnostics.
type Info struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// batches splits texts into consecutive slices of at most size elements.
func batches(texts []string, size int) [][]string {
	if size <= 0 || len(texts) <= size {
		return [][]string{texts}
	}
	out := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}

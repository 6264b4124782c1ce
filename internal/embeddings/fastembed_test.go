//go:build cgo

package embeddings

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireONNX(t *testing.T) {
	t.Helper()
	if os.Getenv("ONNX_PATH") == "" {
		if _, err := os.Stat("/usr/lib/libonnxruntime.so"); os.IsNotExist(err) {
			t.Skip("ONNX runtime not installed")
		}
	}
}

func TestNewFastEmbedProvider_UnknownModel(t *testing.T) {
	_, err := NewFastEmbedProvider(FastEmbedConfig{Model: "nope"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFastEmbedProvider_Embed(t *testing.T) {
	requireONNX(t)
	if testing.Short() {
		t.Skip("downloads a model")
	}

	p, err := NewFastEmbedProvider(FastEmbedConfig{CacheDir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer p.Close()

	vectors, err := p.Embed(context.Background(), []string{"vector search", "reranking"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], p.Dimension())

	query, err := p.EmbedQuery(context.Background(), "search")
	require.NoError(t, err)
	assert.Len(t, query, 384)

	_, err = p.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

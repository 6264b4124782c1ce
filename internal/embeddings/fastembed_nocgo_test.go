//go:build !cgo

package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastEmbedProvider_NotAvailable(t *testing.T) {
	_, err := NewFastEmbedProvider(FastEmbedConfig{}, nil)
	assert.ErrorIs(t, err, ErrFastEmbedNotAvailable)

	var p FastEmbedProvider
	_, err = p.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrFastEmbedNotAvailable)
	assert.Zero(t, p.Dimension())
}

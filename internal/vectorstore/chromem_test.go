package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{VectorSize: 3}, nil)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCollection(context.Background()))
	return store
}

func makeChunks(source string, n int, meta map[string]any) []Chunk {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			Source:    source,
			Title:     "T " + source,
			Index:     i,
			Text:      fmt.Sprintf("%s chunk %d", source, i),
			Metadata:  meta,
			Embedding: []float32{1, float32(i) * 0.1, 0},
			CreatedAt: now,
		}
	}
	return chunks
}

func TestChromemStore_UpsertReplacesSource(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	first, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 4, nil))
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ChunksDeleted: 0, ChunksInserted: 4}, first)

	_, err = store.Upsert(ctx, "doc-b", makeChunks("doc-b", 2, nil))
	require.NoError(t, err)

	second, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 2, nil))
	require.NoError(t, err)
	assert.Equal(t, first.ChunksInserted, second.ChunksDeleted)
	assert.Equal(t, 2, second.ChunksInserted)

	got, err := store.Search(ctx, []float32{1, 0, 0}, 20, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	indices := map[string][]int{}
	for _, c := range got {
		indices[c.Source] = append(indices[c.Source], c.Index)
	}
	assert.ElementsMatch(t, []int{0, 1}, indices["doc-a"])
	assert.ElementsMatch(t, []int{0, 1}, indices["doc-b"])
}

func TestChromemStore_EmptyUpsertDeletes(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	_, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 3, nil))
	require.NoError(t, err)

	res, err := store.Upsert(ctx, "doc-a", nil)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ChunksDeleted: 3, ChunksInserted: 0}, res)

	got, err := store.Search(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChromemStore_SearchOrderAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	meta := map[string]any{"lang": "es", "year": 2022}
	_, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 3, meta))
	require.NoError(t, err)

	got, err := store.Search(ctx, []float32{1, 0.2, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)
	assert.Equal(t, 2, got[0].Index)

	c := got[0].Chunk
	assert.Equal(t, "doc-a", c.Source)
	assert.Equal(t, "T doc-a", c.Title)
	assert.Equal(t, "doc-a chunk 2", c.Text)
	assert.Equal(t, "es", c.Metadata["lang"])
	assert.Equal(t, float64(2022), c.Metadata["year"])
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), c.CreatedAt)
}

func TestChromemStore_EqualityPushdown(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	_, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 3, map[string]any{"lang": "es"}))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "doc-b", makeChunks("doc-b", 3, map[string]any{"lang": "en"}))
	require.NoError(t, err)

	tests := []struct {
		name     string
		filter   map[string]any
		pushed   bool
		want     int
		wantFrom string
	}{
		{"source", map[string]any{"source": "doc-b"}, true, 3, "doc-b"},
		{"source and chunk index", map[string]any{"source": "doc-a", "chunkIndex": 1}, true, 1, "doc-a"},
		{"metadata goes to post-filter", map[string]any{"lang": "en"}, false, 3, "doc-b"},
		{"chunk index of wrong type", map[string]any{"chunkIndex": "1"}, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.filter)
			require.NoError(t, err)

			_, err = chromemWhere(f)
			if tt.pushed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrFilterNotIndexed)
			}

			got, err := store.Search(ctx, []float32{1, 0, 0}, 10, f)
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			for _, c := range got {
				assert.Equal(t, tt.wantFrom, c.Source)
				assert.True(t, f.Match(c.Chunk))
			}
		})
	}
}

func TestChromemStore_ListAndNestedMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	_, err := store.Upsert(ctx, "doc-a", makeChunks("doc-a", 2, map[string]any{
		"tags": []any{"x", "y"},
		"a":    map[string]any{"b": "c"},
	}))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "doc-b", makeChunks("doc-b", 2, map[string]any{
		"tags": []any{"z"},
		"a":    map[string]any{"b": "d"},
	}))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter map[string]any
	}{
		{"list contains value", map[string]any{"tags": "x"}},
		{"nested key", map[string]any{"a.b": "c"}},
		{"nested key with metadata prefix", map[string]any{"metadata.a.b": "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.filter)
			require.NoError(t, err)

			got, err := store.Search(ctx, []float32{1, 0, 0}, 10, f)
			require.NoError(t, err)
			require.Len(t, got, 2)
			for _, c := range got {
				assert.Equal(t, "doc-a", c.Source)
				assert.True(t, f.Match(c.Chunk))
			}
		})
	}
}

func TestChromemStore_NotIndexedFallback(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	for i, year := range []int{2019, 2021, 2023} {
		source := fmt.Sprintf("doc-%d", i)
		_, err := store.Upsert(ctx, source, makeChunks(source, 2, map[string]any{"year": year}))
		require.NoError(t, err)
	}

	f, err := ParseFilter(map[string]any{"year": map[string]any{"$gt": 2020}})
	require.NoError(t, err)

	_, err = chromemWhere(f)
	require.ErrorIs(t, err, ErrFilterNotIndexed)

	got, err := store.Search(ctx, []float32{1, 0, 0}, 3, f)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.True(t, f.Match(c.Chunk), "candidate %s/%d violates filter", c.Source, c.Index)
		assert.NotEqual(t, "doc-0", c.Source)
	}
}

func TestChromemStore_Validation(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	_, err := store.Upsert(ctx, "", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := makeChunks("doc-a", 1, nil)
	bad[0].Embedding = []float32{1, 2}
	_, err = store.Upsert(ctx, "doc-a", bad)
	assert.ErrorIs(t, err, ErrStore)

	_, err = store.Search(ctx, []float32{1, 0}, 3, nil)
	assert.ErrorIs(t, err, ErrStore)

	_, err = NewChromemStore(ChromemConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromemStore(ChromemConfig{VectorSize: 3, Collection: "Bad-Name"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, nil)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "doc-a", makeChunks("doc-a", 2, nil))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, nil)
	require.NoError(t, err)
	got, err := reopened.Search(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestChromemStore_PingAndEmptySearch(t *testing.T) {
	store := newTestChromem(t)
	assert.NoError(t, store.Ping(context.Background()))

	got, err := store.Search(context.Background(), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

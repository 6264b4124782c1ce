package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingBackend struct {
	queries   []query
	results   []Candidate
	filterErr error
	err       error
}

func (b *recordingBackend) run(_ context.Context, q query) ([]Candidate, error) {
	b.queries = append(b.queries, q)
	if b.err != nil {
		return nil, b.err
	}
	if q.Filter != nil && b.filterErr != nil {
		return nil, b.filterErr
	}
	return b.results, nil
}

func candidate(source string, index int, sim float32, meta map[string]any) Candidate {
	return Candidate{Chunk: Chunk{Source: source, Index: index, Metadata: meta}, Similarity: sim}
}

func TestNumCandidates(t *testing.T) {
	assert.Equal(t, 100, NumCandidates(1))
	assert.Equal(t, 100, NumCandidates(25))
	assert.Equal(t, 104, NumCandidates(26))
	assert.Equal(t, 400, NumCandidates(100))
}

func TestSearchWithFallback_PushesFilterDown(t *testing.T) {
	backend := &recordingBackend{results: []Candidate{candidate("a", 0, 0.9, nil)}}
	f, err := ParseFilter(map[string]any{"source": "a"})
	require.NoError(t, err)

	got, err := searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 5, f)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.Len(t, backend.queries, 1)
	assert.Equal(t, f, backend.queries[0].Filter)
	assert.Equal(t, 5, backend.queries[0].Limit)
	assert.Equal(t, 100, backend.queries[0].NumCandidates)
}

func TestSearchWithFallback_NotIndexedPostFilters(t *testing.T) {
	backend := &recordingBackend{
		filterErr: fmt.Errorf("%w: year", ErrFilterNotIndexed),
		results: []Candidate{
			candidate("a", 0, 0.9, map[string]any{"year": 2019}),
			candidate("b", 0, 0.8, map[string]any{"year": 2021}),
			candidate("c", 0, 0.7, map[string]any{"year": 2023}),
			candidate("d", 0, 0.6, map[string]any{"year": 2024}),
			candidate("e", 0, 0.5, nil),
		},
	}
	f, err := ParseFilter(map[string]any{"year": map[string]any{"$gte": 2020}})
	require.NoError(t, err)

	got, err := searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 2, f)
	require.NoError(t, err)

	require.Len(t, backend.queries, 2, "exactly one retry")
	assert.Nil(t, backend.queries[1].Filter)
	assert.Equal(t, backend.queries[1].NumCandidates, backend.queries[1].Limit)

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Source)
	assert.Equal(t, "c", got[1].Source)
	for _, c := range got {
		assert.True(t, f.Match(c.Chunk))
	}
}

func TestSearchWithFallback_OtherErrorsPropagate(t *testing.T) {
	for _, sentinel := range []error{ErrAuth, ErrTLS, ErrIndexMissing, ErrStore} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			backend := &recordingBackend{err: fmt.Errorf("%w: boom", sentinel)}
			f, _ := ParseFilter(map[string]any{"source": "a"})

			_, err := searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 5, f)
			require.Error(t, err)
			assert.ErrorIs(t, err, sentinel)
			assert.Len(t, backend.queries, 1, "never retried")
		})
	}
}

func TestSearchWithFallback_UnfilteredNotIndexedPropagates(t *testing.T) {
	backend := &recordingBackend{err: ErrFilterNotIndexed}
	_, err := searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 5, nil)
	assert.ErrorIs(t, err, ErrFilterNotIndexed)
	assert.Len(t, backend.queries, 1)
}

func TestSearchWithFallback_InvalidInput(t *testing.T) {
	backend := &recordingBackend{}
	_, err := searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, nil, 5, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := &Filter{Conditions: []Condition{{Field: "x", Op: "$regex", Value: "y"}}}
	_, err = searchWithFallback(context.Background(), zap.NewNop(), "test", backend.run, []float32{1}, 5, bad)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	assert.Empty(t, backend.queries)
}

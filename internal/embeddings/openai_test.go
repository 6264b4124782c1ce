package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	Index     *int      `json:"index,omitempty"`
	Embedding []float32 `json:"embedding"`
}

func intp(i int) *int { return &i }

func vec(dims int, v float32) []float32 {
	out := make([]float32, dims)
	for i := range out {
		out[i] = v
	}
	return out
}

// reversedServer answers with entries in reverse order, tagged by index.
func reversedServer(t *testing.T, dims int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, dims, req.Dimensions)

		items := make([]fakeItem, len(req.Input))
		for i := range req.Input {
			pos := len(req.Input) - 1 - i
			items[pos] = fakeItem{Index: intp(i), Embedding: vec(dims, float32(len(req.Input[i])))}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
}

func newTestEmbedder(t *testing.T, url string, mutate func(*OpenAIConfig)) *OpenAIEmbedder {
	t.Helper()
	cfg := OpenAIConfig{BaseURL: url, APIKey: "sk-test", Dimensions: 4, BatchSize: 3}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewOpenAIEmbedder(cfg, nil)
	require.NoError(t, err)
	return e
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	srv := reversedServer(t, 4, nil)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, nil)
	got, err := e.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, vec(4, 1), got[0])
	assert.Equal(t, vec(4, 2), got[1])
}

func TestOpenAIEmbedder_Batches(t *testing.T) {
	var calls atomic.Int32
	srv := reversedServer(t, 4, &calls)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, nil)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "g"}
	got, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, got, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), got[i][0], "text %d out of order", i)
	}
}

func TestOpenAIEmbedder_EmbedQuery(t *testing.T) {
	srv := reversedServer(t, 4, nil)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, nil)
	got, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, vec(4, 5), got)

	_, err = e.EmbedQuery(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIEmbedder_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		rawBody string
	}{
		{name: "server error", status: http.StatusInternalServerError, rawBody: `{"error":"boom"}`},
		{name: "unauthorized", status: http.StatusUnauthorized, rawBody: `{"error":"bad key"}`},
		{name: "malformed body", status: http.StatusOK, rawBody: `{"data": [`},
		{name: "count mismatch", status: http.StatusOK, body: map[string]any{"data": []fakeItem{
			{Index: intp(0), Embedding: vec(4, 1)},
		}}},
		{name: "duplicate index", status: http.StatusOK, body: map[string]any{"data": []fakeItem{
			{Index: intp(0), Embedding: vec(4, 1)},
			{Index: intp(0), Embedding: vec(4, 1)},
		}}},
		{name: "missing index", status: http.StatusOK, body: map[string]any{"data": []fakeItem{
			{Index: intp(0), Embedding: vec(4, 1)},
			{Embedding: vec(4, 1)},
		}}},
		{name: "index out of range", status: http.StatusOK, body: map[string]any{"data": []fakeItem{
			{Index: intp(0), Embedding: vec(4, 1)},
			{Index: intp(5), Embedding: vec(4, 1)},
		}}},
		{name: "dimension mismatch", status: http.StatusOK, body: map[string]any{"data": []fakeItem{
			{Index: intp(0), Embedding: vec(4, 1)},
			{Index: intp(1), Embedding: vec(3, 1)},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.rawBody != "" {
					_, _ = w.Write([]byte(tt.rawBody))
					return
				}
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			e := newTestEmbedder(t, srv.URL, nil)
			_, err := e.Embed(context.Background(), []string{"a", "b"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProvider)
		})
	}
}

func TestOpenAIEmbedder_TransportErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := newTestEmbedder(t, url, func(c *OpenAIConfig) { c.MaxRetries = 1 })
	start := time.Now()
	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.GreaterOrEqual(t, time.Since(start), retryBackoff)
}

func TestOpenAIEmbedder_NoRetryOnHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, func(c *OpenAIConfig) { c.MaxRetries = 3 })
	_, err := e.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIEmbedder_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Embed(ctx, []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAIEmbedder_EmptyInput(t *testing.T) {
	e := newTestEmbedder(t, "http://localhost:1", nil)
	_, err := e.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  OpenAIConfig
	}{
		{"bad scheme", OpenAIConfig{BaseURL: "ftp://x", Dimensions: 1, BatchSize: 1}},
		{"negative dims", OpenAIConfig{BaseURL: "http://x", Dimensions: -1, BatchSize: 1}},
		{"negative retries", OpenAIConfig{BaseURL: "http://x", Dimensions: 1, BatchSize: 1, MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenAIEmbedder(tt.cfg, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	e, err := NewOpenAIEmbedder(OpenAIConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, e.Model())
	assert.Equal(t, DefaultDimensions, e.Dimension())
}

func TestBatches(t *testing.T) {
	assert.Len(t, batches([]string{"a", "b"}, 96), 1)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, batches([]string{"a", "b", "c"}, 2))
	assert.Len(t, batches(make([]string, 192), 96), 2)
}

func TestNew(t *testing.T) {
	cfg := config.Default().Embedding
	e, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIEmbedder{}, e)
	assert.Equal(t, Info{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1064}, Describe(cfg.Provider, e))

	cfg.Provider = "word2vec"
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Provider = config.ProviderFastEmbed
	cfg.Model = "BAAI/bge-small-en-v1.5"
	cfg.Dimensions = 1064
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Model = "text-embedding-3-small"
	cfg.Dimensions = 0
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

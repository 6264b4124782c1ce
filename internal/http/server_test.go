package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

type fakePipeline struct {
	mu        sync.Mutex
	ingests   []rag.IngestRequest
	answers   []rag.AnswerRequest
	evaluates []rag.EvaluateRequest
	err       error
	panicMsg  string
	requestID string
}

func (f *fakePipeline) Ingest(ctx context.Context, req rag.IngestRequest) (rag.IngestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.requestID = logging.RequestIDFromContext(ctx)
	f.ingests = append(f.ingests, req)
	if f.err != nil {
		return rag.IngestResponse{}, f.err
	}
	return rag.IngestResponse{Source: req.Source, Title: req.Title, ChunksInserted: 2}, nil
}

func (f *fakePipeline) Answer(_ context.Context, req rag.AnswerRequest) (rag.AnswerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, req)
	if f.err != nil {
		return rag.AnswerResponse{}, f.err
	}
	return rag.AnswerResponse{
		Answer:     "Forty two.",
		Citations:  []synth.Citation{{Source: "guide.md", ChunkIndex: 0}},
		UsedChunks: []synth.UsedChunk{{Source: "guide.md", ChunkIndex: 0, ChunkText: "42", Score: 0.9}},
	}, nil
}

func (f *fakePipeline) Evaluate(_ context.Context, req rag.EvaluateRequest) (rag.EvaluateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluates = append(f.evaluates, req)
	if f.err != nil {
		return rag.EvaluateResponse{}, f.err
	}
	return rag.EvaluateResponse{Query: req.Query, TopK: req.TopK, K: req.K, Tier: "passthrough", Candidates: []rag.EvaluatedCandidate{}}, nil
}

func (f *fakePipeline) Diagnostics(context.Context) rag.Diagnostics {
	return rag.Diagnostics{
		Store:     vectorstore.Summary{Backend: "qdrant", Host: "qdrant:6334", Collection: "rag_chunks", URIExists: true},
		Ping:      rag.PingStatus{OK: true},
		Embedding: embeddings.Info{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1064},
		Rerank:    rag.RerankStatus{Enabled: true, K: 5},
	}
}

type testServer struct {
	*Server
	pipeline *fakePipeline
	logger   *logging.TestLogger
	reader   *sdkmetric.ManualReader
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	registry := prometheus.NewRegistry()
	cfg := &Config{
		Port:     3040,
		Gatherer: registry,
		Metrics:  newHTTPMetrics(mp.Meter(httpInstrumentationName), nil),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := logging.NewTestLogger()
	pipeline := &fakePipeline{}
	server, err := NewServer(pipeline, logger.Logger, cfg)
	require.NoError(t, err)

	return &testServer{Server: server, pipeline: pipeline, logger: logger, reader: reader, registry: registry}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) rag.Failure {
	t.Helper()
	var resp rag.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestNewServer(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		server, err := NewServer(&fakePipeline{}, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 3040, server.config.Port)
		assert.Equal(t, "ragd", server.config.Service)
		assert.Equal(t, DefaultBodyLimit, server.config.BodyLimit)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakePipeline{}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when pipeline is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "pipeline cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, func(c *Config) { c.Service = "ragd-test" })

	rec := s.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Service: "ragd-test", Port: 3040}, resp)
}

func TestRequestID(t *testing.T) {
	s := setupTestServer(t)

	t.Run("honours client id", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/v1/ai/rag-ingest", `{"source":"a.md","text":"x"}`,
			echo.HeaderXRequestID, "client-123")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "client-123", rec.Header().Get(echo.HeaderXRequestID))
		assert.Equal(t, "client-123", s.pipeline.requestID)
		s.logger.AssertField(t, "http request", "request.id", "client-123")
	})

	t.Run("replaces malformed id", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/v1/ai/rag-ingest", `{"source":"a.md","text":"x"}`,
			echo.HeaderXRequestID, "bad id with spaces")
		require.Equal(t, http.StatusOK, rec.Code)
		got := rec.Header().Get(echo.HeaderXRequestID)
		assert.NotEqual(t, "bad id with spaces", got)
		assert.Len(t, got, 36)
	})
}

func TestHandleIngest(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/v1/ai/rag-ingest",
		`{"source":"guide.md","title":"Guide","text":"hello","metadata":{"team":"search"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp rag.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rag.IngestResponse{Source: "guide.md", Title: "Guide", ChunksInserted: 2}, resp)

	require.Len(t, s.pipeline.ingests, 1)
	assert.Equal(t, "search", s.pipeline.ingests[0].Metadata["team"])
}

func TestHandleAnswer(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/v1/ai/rag-answer", `{"query":"what?","filters":{"source":"guide.md"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Forty two.", body["answer"])
	assert.Contains(t, body, "citations")
	assert.Contains(t, body, "usedChunks")

	require.Len(t, s.pipeline.answers, 1)
	assert.Equal(t, "guide.md", s.pipeline.answers[0].Filters["source"])
}

func TestHandleEvaluate(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/v1/ai/rag-evaluate", `{"query":"q","topK":8,"k":2,"dryRun":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, s.pipeline.evaluates, 1)
	assert.Equal(t, rag.EvaluateRequest{Query: "q", TopK: 8, K: 2, DryRun: true}, s.pipeline.evaluates[0])
}

func TestHandleDiagnostics(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodGet, "/v1/ai/rag-diagnostics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	store := body["store"].(map[string]any)
	assert.Equal(t, "qdrant:6334", store["host"])
	assert.Equal(t, true, body["ping"].(map[string]any)["ok"])
}

func TestStrictDecoding(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown field", "/v1/ai/rag-ingest", `{"source":"a.md","text":"x","extra":1}`},
		{"empty body", "/v1/ai/rag-answer", ""},
		{"malformed", "/v1/ai/rag-answer", `{"query":`},
		{"wrong type", "/v1/ai/rag-evaluate", `{"query":"q","topK":"ten"}`},
		{"trailing object", "/v1/ai/rag-answer", `{"query":"a"}{"query":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t)
			rec := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, rag.CodeValidation, decodeError(t, rec).Code)
			assert.Empty(t, s.pipeline.ingests)
			assert.Empty(t, s.pipeline.answers)
			assert.Empty(t, s.pipeline.evaluates)
		})
	}
}

func TestPipelineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", rag.Validationf("query is required"), http.StatusBadRequest, rag.CodeValidation},
		{"bad filter", fmt.Errorf("%w: unsupported operator", vectorstore.ErrInvalidFilter), http.StatusBadRequest, rag.CodeConfig},
		{"index missing", vectorstore.ErrIndexMissing, http.StatusBadRequest, rag.CodeIndex},
		{"embedding provider", fmt.Errorf("%w: connection refused", embeddings.ErrProvider), http.StatusBadGateway, rag.CodeProvider},
		{"timeout", context.DeadlineExceeded, http.StatusBadGateway, rag.CodeUpstreamTimeout},
		{"internal", fmt.Errorf("nil map"), http.StatusInternalServerError, rag.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t)
			s.pipeline.err = tt.err

			rec := s.do(http.MethodPost, "/v1/ai/rag-answer", `{"query":"q"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestNotFound(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodGet, "/v1/ai/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestPanicRecovered(t *testing.T) {
	s := setupTestServer(t)
	s.pipeline.panicMsg = "boom"

	rec := s.do(http.MethodPost, "/v1/ai/rag-ingest", `{"source":"a.md","text":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	f := decodeError(t, rec)
	assert.Equal(t, rag.CodeInternal, f.Code)
	assert.NotContains(t, f.Message, "boom")
	s.logger.AssertLogged(t, zapcore.ErrorLevel, "unhandled error")
}

func TestBodyLimit(t *testing.T) {
	s := setupTestServer(t, func(c *Config) { c.BodyLimit = "1K" })

	body := fmt.Sprintf(`{"source":"a.md","text":%q}`, strings.Repeat("x", 4096))
	rec := s.do(http.MethodPost, "/v1/ai/rag-ingest", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, rag.CodeValidation, decodeError(t, rec).Code)
	assert.Empty(t, s.pipeline.ingests)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ragd_test_total", Help: "test"})
	s.registry.MustRegister(counter)
	counter.Inc()

	rec := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragd_test_total 1")
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	s := setupTestServer(t)

	s.do(http.MethodGet, "/health", "")
	s.do(http.MethodPost, "/v1/ai/rag-answer", `{"query":"q"}`)
	s.do(http.MethodPost, "/v1/ai/rag-answer", `{"bad":1}`)

	var rm metricdata.ResourceMetrics
	require.NoError(t, s.reader.Collect(context.Background(), &rm))

	statuses := map[int64]int64{}
	foundDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "ragd.http.requests_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					status, _ := dp.Attributes.Value("status")
					statuses[status.AsInt64()] += dp.Value
				}
			case "ragd.http.request_duration_seconds":
				foundDuration = true
			}
		}
	}
	assert.Equal(t, int64(2), statuses[http.StatusOK])
	assert.Equal(t, int64(1), statuses[http.StatusBadRequest])
	assert.True(t, foundDuration)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/v1/ai/rag-answer", routeLabel("/v1/ai/rag-answer"))
}

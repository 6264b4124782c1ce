// Package http provides the HTTP API for ragd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// DefaultBodyLimit caps request bodies; ingested documents travel inline.
const DefaultBodyLimit = "16M"

// Pipeline is the part of rag.Service the HTTP API serves.
type Pipeline interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (rag.IngestResponse, error)
	Answer(ctx context.Context, req rag.AnswerRequest) (rag.AnswerResponse, error)
	Evaluate(ctx context.Context, req rag.EvaluateRequest) (rag.EvaluateResponse, error)
	Diagnostics(ctx context.Context) rag.Diagnostics
}

// Server provides HTTP endpoints for ragd.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Service is reported by /health.
	Service string
	// BodyLimit uses echo's size syntax, e.g. "16M".
	BodyLimit string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Metrics records request metrics; nil uses the global meter provider.
	Metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(pipeline Pipeline, logger *logging.Logger, cfg *Config) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 3040
	}
	if cfg.Service == "" {
		cfg.Service = "ragd"
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewHTTPMetrics(logger.Underlying())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(requestID())
	e.Use(requestLogger(s.logger))
	e.Use(cfg.Metrics.Middleware())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1/ai")
	v1.POST("/rag-ingest", s.handleIngest)
	v1.POST("/rag-answer", s.handleAnswer)
	v1.POST("/rag-evaluate", s.handleEvaluate)
	v1.GET("/rag-diagnostics", s.handleDiagnostics)
}

// handleError renders every error in the ErrorResponse shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, rag.ErrorResponse{Error: rag.Failure{Code: statusCode(he.Code), Message: msg}})
		return
	}

	f := rag.Describe(err)
	if f.Kind == rag.KindInternal {
		s.logger.Error(c.Request().Context(), "unhandled error", zap.Error(err))
	}
	_ = c.JSON(f.Status, rag.ErrorResponse{Error: f})
}

// statusCode names echo's own errors (routing, body limit) in the
// boundary's code vocabulary.
func statusCode(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status == http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case status >= 500:
		return rag.CodeInternal
	default:
		return rag.CodeValidation
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Package mcp exposes the RAG pipeline as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls rag.Service directly. Pipeline failures are returned as tool
// errors whose text starts with the boundary error code, so an agent can
// tell a bad filter from an unreachable provider.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// Pipeline is the part of rag.Service the tools call.
type Pipeline interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (rag.IngestResponse, error)
	Answer(ctx context.Context, req rag.AnswerRequest) (rag.AnswerResponse, error)
	Evaluate(ctx context.Context, req rag.EvaluateRequest) (rag.EvaluateResponse, error)
}

// Server is an MCP server backed by a Pipeline.
type Server struct {
	mcp      *mcp.Server
	pipeline Pipeline
	metrics  *Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ragd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *logging.Logger

	// Metrics records tool invocations; nil uses the global meter provider.
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ragd",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server and registers the RAG tools.
func NewServer(cfg *Config, pipeline Pipeline) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Name == "" {
		cfg.Name = "ragd"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger.Underlying())
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		pipeline: pipeline,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/mcp"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, or the MCP server on stdio",
	Long: `Run the ragd HTTP server until interrupted.

With --mcp the RAG tools (rag_ingest, rag_answer, rag_evaluate) are served
over the MCP stdio transport instead and logs go to stderr.

Examples:
  # HTTP on the configured host and port (default 0.0.0.0:3040)
  ragd serve

  # MCP for an agent that launches ragd as a subprocess
  ragd serve --mcp`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve MCP tools on stdio instead of HTTP")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, serveMCP)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.Warn(shutdownCtx, "shutdown incomplete", zap.Error(err))
		}
	}()

	if serveMCP {
		return serveStdio(ctx, a)
	}
	return serveHTTP(ctx, a)
}

func serveStdio(ctx context.Context, a *app) error {
	server, err := mcp.NewServer(&mcp.Config{
		Name:    a.cfg.Server.Name,
		Version: version,
		Logger:  a.logger,
	}, a.service)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveHTTP(ctx context.Context, a *app) error {
	server, err := http.NewServer(a.service, a.logger, &http.Config{
		Host:     a.cfg.Server.Host,
		Port:     a.cfg.Server.Port,
		Service:  a.cfg.Server.Name,
		Gatherer: a.registry,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "received shutdown signal, shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

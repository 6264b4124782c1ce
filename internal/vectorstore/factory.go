package vectorstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"go.uber.org/zap"
)

// New builds the Store selected by cfg.Backend. dims is the embedding
// dimension every stored vector must have.
func New(ctx context.Context, cfg config.StoreConfig, dims int, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: embedding dimensions must be positive", ErrInvalidConfig)
	}

	tlsOpts := TLSOptions{
		Enabled:           cfg.TLSEnabled,
		CAFile:            cfg.TLSCAFile,
		AllowInvalidCerts: cfg.TLSAllowInvalidCerts,
		DisableOCSP:       cfg.TLSDisableOCSP,
	}

	switch cfg.Backend {
	case config.BackendQdrant, "":
		host, port, useTLS, err := ParseQdrantURI(cfg.URI.Value())
		if err != nil {
			return nil, err
		}
		tlsOpts.Enabled = tlsOpts.Enabled || useTLS
		return NewQdrantStore(ctx, QdrantConfig{
			Host:                   host,
			Port:                   port,
			APIKey:                 cfg.APIKey.Value(),
			TLS:                    tlsOpts,
			Collection:             cfg.Collection,
			VectorSize:             uint64(dims),
			ServerSelectionTimeout: cfg.ServerSelectionTimeout.Duration(),
			ConnectTimeout:         cfg.ConnectTimeout.Duration(),
			SocketTimeout:          cfg.SocketTimeout.Duration(),
		}, logger.Named("qdrant"))

	case config.BackendChromem:
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Compress:   cfg.Compress,
			Collection: cfg.Collection,
			VectorSize: dims,
		}, logger.Named("chromem"))

	case config.BackendPgvector:
		return NewPgvectorStore(ctx, PgvectorConfig{
			ConnString:             cfg.URI.Value(),
			Table:                  cfg.Collection,
			Index:                  cfg.Index,
			VectorSize:             dims,
			TLS:                    tlsOpts,
			ServerSelectionTimeout: cfg.ServerSelectionTimeout.Duration(),
			ConnectTimeout:         cfg.ConnectTimeout.Duration(),
			SocketTimeout:          cfg.SocketTimeout.Duration(),
		}, logger.Named("pgvector"))
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
}

// ParseQdrantURI splits a Qdrant gRPC address such as
// "https://xyz.cloud.qdrant.io:6334" or "localhost:6334". An https or grpcs
// scheme enables TLS.
func ParseQdrantURI(raw string) (host string, port int, useTLS bool, err error) {
	if raw == "" {
		return "localhost", 6334, false, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: parsing qdrant uri: %v", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "http", "grpc":
	case "https", "grpcs":
		useTLS = true
	default:
		return "", 0, false, fmt.Errorf("%w: unsupported qdrant uri scheme %q", ErrInvalidConfig, u.Scheme)
	}

	host = u.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("%w: qdrant uri has no host", ErrInvalidConfig)
	}
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("%w: qdrant uri port %q", ErrInvalidConfig, p)
		}
	}
	return host, port, useTLS, nil
}

// hostPort is used in log fields.
func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

package vectorstore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// IndexNotes describes the vector index the configured backend needs, for
// operators who cannot let EnsureCollection create it.
func IndexNotes(cfg config.StoreConfig, dims int) string {
	var b strings.Builder
	b.WriteString("\n=== VECTOR INDEX REQUIRED ===\n")
	fmt.Fprintf(&b, "  Backend    : %s\n", cfg.Backend)
	fmt.Fprintf(&b, "  Collection : %s\n", cfg.Collection)
	fmt.Fprintf(&b, "  Index      : %s\n", cfg.Index)
	fmt.Fprintf(&b, "  Path       : %s\n", cfg.VectorPath)
	fmt.Fprintf(&b, "  Dimensions : %d\n", dims)
	b.WriteString("  Similarity : cosine\n")

	switch cfg.Backend {
	case config.BackendQdrant:
		fmt.Fprintf(&b, `  Create with the Qdrant REST API:
    PUT /collections/%s
    {"vectors": {"size": %d, "distance": "Cosine"}}
    PUT /collections/%s/index
    {"field_name": "source", "field_schema": "keyword"}
`, cfg.Collection, dims, cfg.Collection)
	case config.BackendPgvector:
		fmt.Fprintf(&b, `  Create with SQL:
    CREATE EXTENSION IF NOT EXISTS vector;
    CREATE TABLE %s (source TEXT, chunk_index INTEGER, title TEXT, chunk_text TEXT,
      metadata JSONB, %s vector(%d), created_at TIMESTAMPTZ,
      PRIMARY KEY (source, chunk_index));
    CREATE INDEX %s ON %s USING hnsw (%s vector_cosine_ops);
`, cfg.Collection, cfg.VectorPath, dims, cfg.Index, cfg.Collection, cfg.VectorPath)
	default:
		b.WriteString("  The embedded store creates its collection on first use.\n")
	}
	b.WriteString("=============================\n")
	return b.String()
}

// Summary is a credential-free description of the store target.
type Summary struct {
	URIExists  bool   `json:"uriExists"`
	User       string `json:"user,omitempty"`
	Host       string `json:"host,omitempty"`
	DB         string `json:"db"`
	Collection string `json:"collection"`
	Index      string `json:"index"`
	Backend    string `json:"backend"`
}

// Summarize parses the store URI without ever returning its password.
func Summarize(cfg config.StoreConfig) Summary {
	s := Summary{
		DB:         cfg.Database,
		Collection: cfg.Collection,
		Index:      cfg.Index,
		Backend:    cfg.Backend,
	}
	raw := cfg.URI.Value()
	if cfg.Backend == config.BackendChromem {
		raw = cfg.Path
	}
	if raw == "" {
		return s
	}
	s.URIExists = true

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Key=value DSNs and file paths: report nothing that could leak.
		if cfg.Backend == config.BackendChromem {
			s.Host = "local"
		}
		return s
	}
	s.Host = u.Host
	if u.User != nil {
		s.User = u.User.Username()
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" && cfg.Backend == config.BackendPgvector {
		s.DB = db
	}
	return s
}

// Target renders a loggable host/db string.
func (s Summary) Target() string {
	host := s.Host
	if host == "" {
		host = "unknown-host"
	}
	return host + "/" + s.DB
}

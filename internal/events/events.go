// Package events publishes pipeline events to NATS so other services can
// react to ingested sources and answered questions.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeIngest = "ingest"
	TypeAnswer = "answer"
)

// DefaultSubjectPrefix prefixes every subject.
const DefaultSubjectPrefix = "ragd"

// Event is the JSON payload published after a successful operation.
type Event struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Source         string           `json:"source,omitempty"`
	ChunksDeleted  *int             `json:"chunksDeleted,omitempty"`
	ChunksInserted *int             `json:"chunksInserted,omitempty"`
	Citations      []synth.Citation `json:"citations,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// IngestEvent builds the event for a finished ingestion.
func IngestEvent(source string, deleted, inserted int) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           TypeIngest,
		Source:         source,
		ChunksDeleted:  &deleted,
		ChunksInserted: &inserted,
		Timestamp:      time.Now().UTC(),
	}
}

// AnswerEvent builds the event for a produced answer.
func AnswerEvent(citations []synth.Citation) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeAnswer,
		Citations: citations,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event. It is used when no NATS URL is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// NATSPublisher publishes events as core NATS messages.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
// An empty url returns Nop.
func Connect(url, prefix string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("ragd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats", zap.String("url", url))

	p := NewNATSPublisher(conn, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership
// of conn.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	subject := p.Subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// Subject returns the subject an event is published on:
// <prefix>.ingest.<source-hash> or <prefix>.answer.
func (p *NATSPublisher) Subject(event Event) string {
	if event.Type == TypeIngest {
		return p.prefix + ".ingest." + SourceHash(event.Source)
	}
	return p.prefix + "." + event.Type
}

// Close drains the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}

// SourceHash is a subject-safe token for a source. Sources may contain dots
// and slashes, which NATS treats as separators.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}

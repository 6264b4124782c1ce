// Package synth turns a query and its ranked context into a grounded answer
// with citations.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxContextChunks caps the number of chunks sent to the model.
	DefaultMaxContextChunks = 5

	// DefaultTemperature is the sampling temperature for answers.
	DefaultTemperature = 0.3

	// NoContextAnswer is returned without a model call when retrieval found
	// nothing.
	NoContextAnswer = "I could not find any relevant information in the indexed documents to answer this question."
)

var (
	// ErrGenerative indicates the generative model failed or returned an
	// unusable response.
	ErrGenerative = errors.New("generative provider error")

	// ErrInvalidConfig indicates an unusable synthesizer configuration.
	ErrInvalidConfig = errors.New("invalid synthesizer configuration")
)

const systemPrompt = `You answer questions using only the numbered context fragments provided.
If the context does not contain enough information to answer, say so plainly instead of guessing.
Do not use outside knowledge. Answer in the language of the question.`

// Citation identifies a chunk that was sent to the model.
type Citation struct {
	Source     string `json:"source"`
	ChunkIndex int    `json:"chunkIndex"`
}

// UsedChunk is a chunk that was part of the model context.
type UsedChunk struct {
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunkIndex"`
	ChunkText  string  `json:"chunkText"`
	Score      float32 `json:"score"`
	Title      string  `json:"title,omitempty"`
}

// Answer is the synthesized response.
type Answer struct {
	Answer     string      `json:"answer"`
	Citations  []Citation  `json:"citations"`
	UsedChunks []UsedChunk `json:"usedChunks"`
}

// Config configures a Synthesizer.
type Config struct {
	MaxContextChunks int
	Temperature      float64
	// MaxTokens caps the response. Zero leaves the provider default.
	MaxTokens int
}

// Synthesizer generates answers with a langchaingo model. It is safe for
// concurrent use when the model is.
type Synthesizer struct {
	model  llms.Model
	cfg    Config
	tracer trace.Tracer
}

// New creates a Synthesizer. Zero MaxContextChunks takes the default.
func New(model llms.Model, cfg Config) (*Synthesizer, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if cfg.MaxContextChunks < 0 {
		return nil, fmt.Errorf("%w: max context chunks must not be negative", ErrInvalidConfig)
	}
	if cfg.MaxContextChunks == 0 {
		cfg.MaxContextChunks = DefaultMaxContextChunks
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature %v outside [0, 2]", ErrInvalidConfig, cfg.Temperature)
	}
	return &Synthesizer{
		model:  model,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/fyrsmithlabs/ragd/internal/synth"),
	}, nil
}

// Synthesize answers query from candidates, which must already be in
// ranked order. Only the first MaxContextChunks candidates are used.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, candidates []vectorstore.Candidate) (Answer, error) {
	if len(candidates) == 0 {
		return Answer{
			Answer:     NoContextAnswer,
			Citations:  []Citation{},
			UsedChunks: []UsedChunk{},
		}, nil
	}

	used := candidates[:min(len(candidates), s.cfg.MaxContextChunks)]

	ctx, span := s.tracer.Start(ctx, "synth.Synthesize",
		trace.WithAttributes(attribute.Int("context_chunks", len(used))))
	defer span.End()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(query, used)),
	}
	opts := []llms.CallOption{llms.WithTemperature(s.cfg.Temperature)}
	if s.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.cfg.MaxTokens))
	}

	resp, err := s.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		span.RecordError(err)
		return Answer{}, fmt.Errorf("%w: %w", ErrGenerative, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Answer{}, fmt.Errorf("%w: model returned no choices", ErrGenerative)
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return Answer{}, fmt.Errorf("%w: model returned an empty answer", ErrGenerative)
	}

	return Answer{
		Answer:     text,
		Citations:  Citations(used),
		UsedChunks: usedChunks(used),
	}, nil
}

// Citations lists (source, chunkIndex) pairs in order, without repeats.
func Citations(candidates []vectorstore.Candidate) []Citation {
	seen := make(map[Citation]bool, len(candidates))
	out := make([]Citation, 0, len(candidates))
	for _, c := range candidates {
		cit := Citation{Source: c.Source, ChunkIndex: c.Index}
		if seen[cit] {
			continue
		}
		seen[cit] = true
		out = append(out, cit)
	}
	return out
}

func usedChunks(candidates []vectorstore.Candidate) []UsedChunk {
	out := make([]UsedChunk, len(candidates))
	for i, c := range candidates {
		out[i] = UsedChunk{
			Source:     c.Source,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			Score:      c.Score(),
			Title:      c.Title,
		}
	}
	return out
}

func userPrompt(query string, candidates []vectorstore.Candidate) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] (source: %s", i+1, c.Source)
		if c.Title != "" {
			fmt.Fprintf(&b, ", title: %s", c.Title)
		}
		fmt.Fprintf(&b, ")\n%s\n\n", c.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

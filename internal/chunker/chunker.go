// Package chunker splits document text into overlapping windows for embedding.
//
// Windows are built with langchaingo's recursive character splitter, which
// prefers paragraph breaks, then line breaks, then sentence ends, then word
// boundaries. Separators are kept, so no text is lost at a boundary. Sizes
// are measured in runes.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Default window configuration.
const (
	DefaultSize    = 255
	DefaultOverlap = 50
)

// ErrInvalidConfig is returned when size or overlap are out of range.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// separators are tried in order; the empty separator splits by rune.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// Config configures window size and overlap.
type Config struct {
	Size    int
	Overlap int
}

// Validate checks that the window is positive and overlap is smaller than it.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, c.Size, c.Overlap)
	}
	return nil
}

// Chunker is safe for concurrent use.
type Chunker struct {
	cfg      Config
	splitter textsplitter.RecursiveCharacter
}

// New creates a Chunker. A zero Config takes the defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg == (Config{}) {
		cfg = Config{Size: DefaultSize, Overlap: DefaultOverlap}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Chunker{
		cfg: cfg,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.Size),
			textsplitter.WithChunkOverlap(cfg.Overlap),
			textsplitter.WithSeparators(separators),
			textsplitter.WithKeepSeparator(true),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}, nil
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config {
	return c.cfg
}

// Split returns the chunks of text in document order.
// Whitespace-only input yields no chunks and no chunk is ever empty.
func (c *Chunker) Split(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if utf8.RuneCountInString(trimmed) <= c.cfg.Size {
		return []string{trimmed}
	}

	// The recursive splitter only fails when a nested split fails, which
	// cannot happen for string separators.
	parts, err := c.splitter.SplitText(trimmed)
	if err != nil {
		return []string{trimmed}
	}

	chunks := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks
}

package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%03d", i)
	}
	return strings.Join(parts, " ")
}

func TestNew(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, Config{Size: DefaultSize, Overlap: DefaultOverlap}, c.Config())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative size", Config{Size: -1}},
		{"overlap equals size", Config{Size: 10, Overlap: 10}},
		{"negative overlap", Config{Size: 10, Overlap: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSplit_EdgeInputs(t *testing.T) {
	c, err := New(Config{Size: 50, Overlap: 10})
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", " \n\t \n\n ", nil},
		{"short input is one trimmed chunk", "  hello world \n", []string{"hello world"}},
		{"exactly size", strings.Repeat("a", 50), []string{strings.Repeat("a", 50)}},
		{"short multi paragraph", "one\n\ntwo", []string{"one\n\ntwo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Split(tt.text))
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c, err := New(Config{Size: 40, Overlap: 8})
	require.NoError(t, err)

	text := words(120) + "\n\n" + words(30)
	first := c.Split(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Split(text))
	}

	other, err := New(Config{Size: 40, Overlap: 8})
	require.NoError(t, err)
	assert.Equal(t, first, other.Split(text))
}

func TestSplit_CoverageAndBounds(t *testing.T) {
	c, err := New(Config{Size: 50, Overlap: 10})
	require.NoError(t, err)

	text := words(200)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	joined := strings.Join(chunks, " ")
	for _, w := range strings.Fields(text) {
		assert.Contains(t, joined, w)
	}
	for _, ch := range chunks {
		assert.NotEmpty(t, ch)
		assert.Equal(t, strings.TrimSpace(ch), ch)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 50)
	}
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestSplit_KeepsPunctuation(t *testing.T) {
	c, err := New(Config{Size: 60, Overlap: 0})
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
	}{
		{"sentences", strings.Repeat("Sentence number one is here. ", 12)},
		{"lines and paragraphs", "Intro line.\nSecond line, with a comma!\n\nA new paragraph? Yes. It ends here; done.\n" + strings.Repeat("More text. ", 10)},
		{"unbroken", strings.Repeat("abc.def,", 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := c.Split(tt.text)
			require.Greater(t, len(chunks), 1)
			assert.Equal(t, stripSpace(tt.text), stripSpace(strings.Join(chunks, "")))
			assert.Equal(t, strings.Count(tt.text, "."), strings.Count(strings.Join(chunks, ""), "."))
		})
	}
}

func TestSplit_Overlap(t *testing.T) {
	c, err := New(Config{Size: 50, Overlap: 10})
	require.NoError(t, err)

	chunks := c.Split(words(200))
	require.Greater(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, chunks[i-1], first, "chunk %d should start inside chunk %d", i, i-1)
	}

	noOverlap, err := New(Config{Size: 50, Overlap: 0})
	require.NoError(t, err)
	plain := noOverlap.Split(words(200))
	for i := 1; i < len(plain); i++ {
		first := strings.Fields(plain[i])[0]
		assert.NotContains(t, plain[i-1], first)
	}
}

func TestSplit_PrefersParagraphs(t *testing.T) {
	c, err := New(Config{Size: 60, Overlap: 0})
	require.NoError(t, err)

	a := "First paragraph talks about vector search."
	b := "Second paragraph talks about reranking."
	chunks := c.Split(a + "\n\n" + b)
	assert.Equal(t, []string{a, b}, chunks)
}

func TestSplit_UnbrokenText(t *testing.T) {
	c, err := New(Config{Size: 20, Overlap: 5})
	require.NoError(t, err)

	text := strings.Repeat("x", 95)
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.NotEmpty(t, ch)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 20)
	}
}

func TestSplit_Multibyte(t *testing.T) {
	c, err := New(Config{Size: 11, Overlap: 0})
	require.NoError(t, err)

	chunks := c.Split("ñandú ñandú")
	assert.Equal(t, []string{"ñandú ñandú"}, chunks)
}

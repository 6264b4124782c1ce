package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// LexicalReranker combines vector similarity with query term overlap.
// Each candidate scores 0.5*similarity + 0.5*overlap, where overlap is the
// fraction of distinct query terms present in the chunk text.
type LexicalReranker struct{}

// NewLexicalReranker creates a LexicalReranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Rerank implements Reranker.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 || k <= 0 {
		return []vectorstore.Candidate{}, nil
	}

	queryTokens := tokenize(query)

	const (
		similarityWeight = 0.5
		overlapWeight    = 0.5
	)
	out := make([]vectorstore.Candidate, len(candidates))
	for i, c := range candidates {
		overlap := termOverlap(queryTokens, tokenize(c.Text))
		out[i] = scored(c, similarityWeight*c.Similarity+overlapWeight*overlap)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return out[:min(k, len(out))], nil
}

// Close implements Reranker.
func (r *LexicalReranker) Close() error {
	return nil
}

// tokenize splits text into lowercase terms longer than two runes,
// dropping stopwords.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len([]rune(token)) > 2 && !stopwords[token] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"los": true, "las": true, "del": true, "una": true, "por": true, "para": true,
	"con": true, "que": true, "como": true, "qué": true, "cómo": true, "cuál": true,
}

// termOverlap returns the fraction of distinct query tokens found in the
// document tokens.
func termOverlap(queryTokens, docTokens []string) float32 {
	if len(queryTokens) == 0 {
		return 0
	}

	docSet := make(map[string]struct{}, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = struct{}{}
	}

	distinct := make(map[string]struct{}, len(queryTokens))
	matches := 0
	for _, t := range queryTokens {
		if _, seen := distinct[t]; seen {
			continue
		}
		distinct[t] = struct{}{}
		if _, ok := docSet[t]; ok {
			matches++
		}
	}
	return float32(matches) / float32(len(distinct))
}

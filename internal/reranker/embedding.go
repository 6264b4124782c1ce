package reranker

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// EmbeddingReranker scores candidates by cosine similarity between the query
// and the full chunk text, both embedded with a local model. It is typically
// backed by a FastEmbed model that differs from the retrieval embedder.
type EmbeddingReranker struct {
	embedder embeddings.Embedder
}

// NewEmbeddingReranker creates an EmbeddingReranker. The reranker takes
// ownership of embedder and closes it on Close.
func NewEmbeddingReranker(embedder embeddings.Embedder) (*EmbeddingReranker, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	return &EmbeddingReranker{embedder: embedder}, nil
}

// Rerank implements Reranker. Scores are mapped from [-1, 1] to [0, 1].
func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, error) {
	if len(candidates) == 0 || k <= 0 {
		return []vectorstore.Candidate{}, nil
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	docVecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding candidates: %w", err)
	}
	if len(docVecs) != len(candidates) {
		return nil, fmt.Errorf("expected %d candidate embeddings, got %d", len(candidates), len(docVecs))
	}

	out := make([]vectorstore.Candidate, len(candidates))
	for i, c := range candidates {
		out[i] = scored(c, float32((cosine(queryVec, docVecs[i])+1)/2))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return out[:min(k, len(out))], nil
}

// Close implements Reranker.
func (r *EmbeddingReranker) Close() error {
	return r.embedder.Close()
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

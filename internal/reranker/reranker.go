// Package reranker reorders search candidates by relevance to a query.
//
// A Cascade tries up to three tiers in order and always produces a result:
//
//  1. local: an in-process reranker (lexical or embedding based), used only
//     when the capability probe at startup succeeded
//  2. llm: a generative model asked for a strict JSON ranking
//  3. passthrough: the first k candidates in their original order
//
// A tier that errors, or returns something other than a subset of its
// input, is skipped in favour of the next one.
package reranker

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Tier identifies which stage of the cascade produced a result.
type Tier string

// Cascade tiers.
const (
	TierLocal       Tier = "local"
	TierLLM         Tier = "llm"
	TierPassthrough Tier = "passthrough"
)

var (
	// ErrTierFailed is wrapped by every tier failure.
	ErrTierFailed = errors.New("rerank tier failed")

	// ErrEmptyRanking is returned when a tier ranks nothing.
	ErrEmptyRanking = errors.New("empty ranking")

	// ErrInvalidConfig indicates invalid reranker configuration.
	ErrInvalidConfig = errors.New("invalid reranker configuration")
)

// Reranker is a single rerank tier.
type Reranker interface {
	// Rerank returns at most k candidates drawn from candidates, most
	// relevant first, with RerankScore set.
	Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, error)

	// Close releases any resources held by the reranker.
	Close() error
}

// Result is the output of a cascade run.
type Result struct {
	Candidates []vectorstore.Candidate `json:"candidates"`
	Tier       Tier                    `json:"tier"`
}

// candidateKey identifies a chunk across tiers.
type candidateKey struct {
	source string
	index  int
}

func keyOf(c vectorstore.Candidate) candidateKey {
	return candidateKey{source: c.Source, index: c.Index}
}

// scored returns a copy of c carrying score as its rerank score.
func scored(c vectorstore.Candidate, score float32) vectorstore.Candidate {
	c.RerankScore = &score
	return c
}

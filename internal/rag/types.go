package rag

import (
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// MaxQueryChars bounds the length of a question.
const MaxQueryChars = 4000

// MaxEvaluateTopK bounds the TopK override of Evaluate.
const MaxEvaluateTopK = 100

// IngestRequest adds or replaces the document identified by Source.
type IngestRequest struct {
	Source   string         `json:"source"`
	Title    string         `json:"title,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestResponse reports what an ingestion changed.
type IngestResponse struct {
	Source         string `json:"source"`
	Title          string `json:"title"`
	ChunksDeleted  int    `json:"chunksDeleted"`
	ChunksInserted int    `json:"chunksInserted"`
}

// AnswerRequest is a question with optional metadata filters.
type AnswerRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
}

// AnswerResponse is the grounded answer with its citations.
type AnswerResponse = synth.Answer

// EvaluateRequest runs retrieval and reranking with per-request overrides.
// Zero TopK or K uses the service defaults. DryRun skips synthesis.
type EvaluateRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	TopK    int            `json:"topK,omitempty"`
	K       int            `json:"k,omitempty"`
	DryRun  bool           `json:"dryRun,omitempty"`
}

// EvaluatedCandidate is a reranked candidate with both scores.
type EvaluatedCandidate struct {
	Source          string   `json:"source"`
	ChunkIndex      int      `json:"chunkIndex"`
	Title           string   `json:"title,omitempty"`
	ChunkText       string   `json:"chunkText"`
	SimilarityScore float32  `json:"similarityScore"`
	RerankScore     *float32 `json:"rerankScore,omitempty"`
}

// Timings are stage durations in milliseconds.
type Timings struct {
	RetrieveMs   float64 `json:"retrieveMs"`
	RerankMs     float64 `json:"rerankMs"`
	SynthesizeMs float64 `json:"synthesizeMs,omitempty"`
}

// EvaluateResponse describes one retrieval and rerank run.
type EvaluateResponse struct {
	Query      string               `json:"query"`
	TopK       int                  `json:"topK"`
	K          int                  `json:"k"`
	Retrieved  int                  `json:"retrieved"`
	Tier       string               `json:"tier"`
	Candidates []EvaluatedCandidate `json:"candidates"`
	Timings    Timings              `json:"timings"`
	Answer     *synth.Answer        `json:"answer,omitempty"`
}

// PingStatus is the result of a store ping.
type PingStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RerankStatus describes the rerank cascade.
type RerankStatus struct {
	Enabled        bool `json:"enabled"`
	LocalAvailable bool `json:"localAvailable"`
	K              int  `json:"k"`
}

// Diagnostics is a credential-free snapshot of the service's dependencies.
type Diagnostics struct {
	Store     vectorstore.Summary `json:"store"`
	Ping      PingStatus          `json:"ping"`
	Embedding embeddings.Info     `json:"embedding"`
	Rerank    RerankStatus        `json:"rerank"`
}

func evaluated(candidates []vectorstore.Candidate) []EvaluatedCandidate {
	out := make([]EvaluatedCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = EvaluatedCandidate{
			Source:          c.Source,
			ChunkIndex:      c.Index,
			Title:           c.Title,
			ChunkText:       c.Text,
			SimilarityScore: c.Similarity,
			RerankScore:     c.RerankScore,
		}
	}
	return out
}

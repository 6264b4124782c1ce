package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/tmc/langchaingo/llms"
)

// DefaultPreviewChars is the number of characters of each candidate shown
// to the model.
const DefaultPreviewChars = 300

const rankingSystemPrompt = `You are a relevance judge. Given a question and a numbered list of text fragments, order the fragments by relevance to the question.
Reply ONLY with valid JSON (no markdown, no explanation) in this format:
{"ranking": [{"index": 0, "score": 0.95}, {"index": 2, "score": 0.80}]}
Return at most %d fragments, most relevant first.
Every score must be between 0.0 and 1.0.`

// LLMConfig configures the LLM rerank tier.
type LLMConfig struct {
	// PreviewChars truncates each candidate text in the prompt.
	PreviewChars int
	// MaxTokens caps the model response. Zero leaves the provider default.
	MaxTokens int
}

// LLMReranker asks a generative model for a JSON ranking of the candidates.
type LLMReranker struct {
	model llms.Model
	cfg   LLMConfig
}

// NewLLMReranker creates an LLMReranker.
func NewLLMReranker(model llms.Model, cfg LLMConfig) (*LLMReranker, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultPreviewChars
	}
	return &LLMReranker{model: model, cfg: cfg}, nil
}

// Rerank implements Reranker. The model is called once at temperature 0.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) ([]vectorstore.Candidate, error) {
	if len(candidates) == 0 || k <= 0 {
		return []vectorstore.Candidate{}, nil
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(rankingSystemPrompt, k)),
		llms.TextParts(llms.ChatMessageTypeHuman, r.userPrompt(query, candidates)),
	}
	opts := []llms.CallOption{llms.WithTemperature(0)}
	if r.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(r.cfg.MaxTokens))
	}

	resp, err := r.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating ranking: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, fmt.Errorf("%w: model returned no choices", ErrTierFailed)
	}

	ranking, err := parseRanking(resp.Choices[0].Content, len(candidates), k)
	if err != nil {
		return nil, err
	}

	out := make([]vectorstore.Candidate, len(ranking))
	for i, item := range ranking {
		out[i] = scored(candidates[item.index], item.score)
	}
	return out, nil
}

// Close implements Reranker.
func (r *LLMReranker) Close() error {
	return nil
}

func (r *LLMReranker) userPrompt(query string, candidates []vectorstore.Candidate) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nFragments:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n\n", i, preview(c.Text, r.cfg.PreviewChars))
	}
	return b.String()
}

// preview truncates s to at most n runes.
func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

type rankItem struct {
	index int
	score float32
}

type rankingPayload struct {
	Ranking *[]struct {
		Index *int     `json:"index"`
		Score *float64 `json:"score"`
	} `json:"ranking"`
}

// parseRanking validates a model ranking against n candidates and keeps at
// most k items. Any structural problem fails the whole ranking.
func parseRanking(raw string, n, k int) ([]rankItem, error) {
	var payload rankingPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("%w: parsing ranking: %v", ErrTierFailed, err)
	}
	if payload.Ranking == nil {
		return nil, fmt.Errorf("%w: response has no ranking field", ErrTierFailed)
	}
	if len(*payload.Ranking) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrTierFailed, ErrEmptyRanking)
	}

	seen := make(map[int]bool, len(*payload.Ranking))
	items := make([]rankItem, 0, min(k, len(*payload.Ranking)))
	for pos, entry := range *payload.Ranking {
		if entry.Index == nil || entry.Score == nil {
			return nil, fmt.Errorf("%w: ranking entry %d is missing index or score", ErrTierFailed, pos)
		}
		idx, score := *entry.Index, *entry.Score
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrTierFailed, idx, n)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrTierFailed, idx)
		}
		if score < 0 || score > 1 {
			return nil, fmt.Errorf("%w: score %v for index %d outside [0, 1]", ErrTierFailed, score, idx)
		}
		seen[idx] = true
		if len(items) < k {
			items = append(items, rankItem{index: idx, score: float32(score)})
		}
	}
	return items, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

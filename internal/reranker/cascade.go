package reranker

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/internal/reranker"

// CascadeConfig wires the tiers of a Cascade.
type CascadeConfig struct {
	// Enabled false sends every request straight to passthrough.
	Enabled bool
	// LocalAvailable is the result of Probe at startup. Local is ignored
	// when false.
	LocalAvailable bool
	Local          Reranker
	// LLM is optional; nil skips the tier.
	LLM Reranker
}

// Cascade runs the rerank tiers in order. Safe for concurrent use when the
// configured tiers are.
type Cascade struct {
	cfg    CascadeConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCascade creates a Cascade. A nil logger disables logging.
func NewCascade(cfg CascadeConfig, logger *zap.Logger) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Enabled reports whether reranking is configured on.
func (c *Cascade) Enabled() bool {
	return c.cfg.Enabled
}

// LocalAvailable reports whether the local tier will be tried.
func (c *Cascade) LocalAvailable() bool {
	return c.cfg.Enabled && c.cfg.LocalAvailable && c.cfg.Local != nil
}

// Rerank never fails: a tier failure falls through to the next tier and
// passthrough always succeeds. The result holds at most min(k, len(candidates))
// candidates, all drawn from the input.
func (c *Cascade) Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) Result {
	ctx, span := c.tracer.Start(ctx, "reranker.Cascade.Rerank",
		trace.WithAttributes(
			attribute.Int("candidates", len(candidates)),
			attribute.Int("k", k),
		))
	defer span.End()

	result := c.rerank(ctx, query, candidates, k)
	span.SetAttributes(
		attribute.String("tier", string(result.Tier)),
		attribute.Int("results", len(result.Candidates)),
	)
	return result
}

func (c *Cascade) rerank(ctx context.Context, query string, candidates []vectorstore.Candidate, k int) Result {
	limit := min(max(k, 0), len(candidates))
	if !c.cfg.Enabled || limit == 0 {
		return Passthrough(candidates, k)
	}

	if c.LocalAvailable() {
		if out, err := c.try(ctx, TierLocal, c.cfg.Local, query, candidates, limit); err == nil {
			return Result{Candidates: out, Tier: TierLocal}
		}
	}
	if c.cfg.LLM != nil {
		if out, err := c.try(ctx, TierLLM, c.cfg.LLM, query, candidates, limit); err == nil {
			return Result{Candidates: out, Tier: TierLLM}
		}
	}
	return Passthrough(candidates, k)
}

// try runs one tier and checks its output is a non-empty subset of the
// input with no repeats and at most limit items.
func (c *Cascade) try(ctx context.Context, tier Tier, r Reranker, query string, candidates []vectorstore.Candidate, limit int) ([]vectorstore.Candidate, error) {
	start := time.Now()
	out, err := r.Rerank(ctx, query, candidates, limit)
	if err == nil {
		err = checkSubset(out, candidates, limit)
	}
	if err != nil {
		c.logger.Warn("rerank tier failed, falling through",
			zap.String("tier", string(tier)),
			zap.Int("candidates", len(candidates)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("rerank tier succeeded",
		zap.String("tier", string(tier)),
		zap.Int("results", len(out)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

func checkSubset(out, candidates []vectorstore.Candidate, limit int) error {
	if len(out) == 0 {
		return fmt.Errorf("%w: %w", ErrTierFailed, ErrEmptyRanking)
	}
	if len(out) > limit {
		return fmt.Errorf("%w: returned %d candidates, limit %d", ErrTierFailed, len(out), limit)
	}

	known := make(map[candidateKey]bool, len(candidates))
	for _, cand := range candidates {
		known[keyOf(cand)] = true
	}
	seen := make(map[candidateKey]bool, len(out))
	for _, cand := range out {
		key := keyOf(cand)
		if !known[key] {
			return fmt.Errorf("%w: unknown chunk %s#%d", ErrTierFailed, cand.Source, cand.Index)
		}
		if seen[key] {
			return fmt.Errorf("%w: chunk %s#%d returned twice", ErrTierFailed, cand.Source, cand.Index)
		}
		seen[key] = true
	}
	return nil
}

// Passthrough returns the first k candidates unchanged.
func Passthrough(candidates []vectorstore.Candidate, k int) Result {
	limit := min(max(k, 0), len(candidates))
	out := make([]vectorstore.Candidate, limit)
	copy(out, candidates[:limit])
	return Result{Candidates: out, Tier: TierPassthrough}
}

package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type searchFunc func(ctx context.Context, q query) ([]Candidate, error)

// searchWithFallback runs a filtered search and, when the backend cannot
// filter at index level, repeats it once unfiltered and applies the filter
// to the results.
func searchWithFallback(ctx context.Context, logger *zap.Logger, backend string, run searchFunc, vector []float32, topK int, filter *Filter) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidConfig)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidConfig, topK)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.Empty() {
		filter = nil
	}

	q := query{
		Vector:        vector,
		Limit:         topK,
		NumCandidates: NumCandidates(topK),
		Filter:        filter,
	}
	results, err := run(ctx, q)
	if err == nil {
		return results, nil
	}
	if filter == nil || !errors.Is(err, ErrFilterNotIndexed) {
		return nil, err
	}

	logger.Warn("filter not indexed, falling back to post-filtering",
		zap.String("backend", backend),
		zap.Strings("fields", filter.Fields()),
		zap.Error(err),
	)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("filter_fallback", true))

	q.Filter = nil
	q.Limit = q.NumCandidates
	unfiltered, err := run(ctx, q)
	if err != nil {
		return nil, err
	}
	return postFilter(unfiltered, filter, topK), nil
}

func postFilter(candidates []Candidate, filter *Filter, topK int) []Candidate {
	out := make([]Candidate, 0, min(topK, len(candidates)))
	for _, c := range candidates {
		if !filter.Match(c.Chunk) {
			continue
		}
		out = append(out, c)
		if len(out) == topK {
			break
		}
	}
	return out
}

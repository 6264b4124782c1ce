package mcp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// Tool names.
const (
	ToolIngest   = "rag_ingest"
	ToolAnswer   = "rag_answer"
	ToolEvaluate = "rag_evaluate"
)

type ingestInput struct {
	Source   string         `json:"source" jsonschema:"Stable identifier of the document, e.g. a path or URL. Re-ingesting a source replaces its chunks."`
	Title    string         `json:"title,omitempty" jsonschema:"Human readable title stored with every chunk"`
	Text     string         `json:"text" jsonschema:"Full document text"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Arbitrary metadata stored with every chunk and usable in filters"`
}

type answerInput struct {
	Query   string         `json:"query" jsonschema:"Question to answer from the ingested documents (at most 4000 characters)"`
	Filters map[string]any `json:"filters,omitempty" jsonschema:"Metadata filter. Scalar values mean equality; objects map operators ($eq $ne $gt $gte $lt $lte $in $nin) to operands."`
}

type evaluateInput struct {
	Query   string         `json:"query" jsonschema:"Question to retrieve for"`
	Filters map[string]any `json:"filters,omitempty" jsonschema:"Metadata filter, same syntax as rag_answer"`
	TopK    int            `json:"topK,omitempty" jsonschema:"Candidates to retrieve (1-100, default from server config)"`
	K       int            `json:"k,omitempty" jsonschema:"Candidates to keep after reranking (1-topK)"`
	DryRun  bool           `json:"dryRun,omitempty" jsonschema:"Skip answer synthesis"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolIngest,
		Description: "Ingest a document: split it into chunks, embed them and replace every earlier chunk of the same source.",
	}, instrument(s, ToolIngest, func(ctx context.Context, in ingestInput) (rag.IngestResponse, error) {
		return s.pipeline.Ingest(ctx, rag.IngestRequest{
			Source:   in.Source,
			Title:    in.Title,
			Text:     in.Text,
			Metadata: in.Metadata,
		})
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolAnswer,
		Description: "Answer a question from the ingested documents. Returns the answer with its citations and the chunks it was grounded on.",
	}, instrument(s, ToolAnswer, func(ctx context.Context, in answerInput) (rag.AnswerResponse, error) {
		return s.pipeline.Answer(ctx, rag.AnswerRequest{Query: in.Query, Filters: in.Filters})
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolEvaluate,
		Description: "Inspect retrieval for a question: candidates with similarity and rerank scores, the rerank tier used and stage timings.",
	}, instrument(s, ToolEvaluate, func(ctx context.Context, in evaluateInput) (rag.EvaluateResponse, error) {
		return s.pipeline.Evaluate(ctx, rag.EvaluateRequest{
			Query:   in.Query,
			Filters: in.Filters,
			TopK:    in.TopK,
			K:       in.K,
			DryRun:  in.DryRun,
		})
	}))
}

// instrument wraps a pipeline call with a request id, metrics and tool
// error translation.
func instrument[In, Out any](s *Server, name string, call func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		ctx = logging.WithRequestID(ctx, uuid.NewString())
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		out, err := call(ctx, in)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)

		if err != nil {
			var zero Out
			f := rag.Describe(err)
			s.logger.Debug(ctx, "tool failed",
				zap.String("tool", name),
				zap.String("code", f.Code))
			return nil, zero, &ToolError{Failure: f}
		}
		return nil, out, nil
	}
}

// ToolError is a classified pipeline failure returned to the MCP client.
type ToolError struct {
	Failure rag.Failure
}

func (e *ToolError) Error() string {
	msg := e.Failure.Code + ": " + e.Failure.Message
	if e.Failure.Detail != "" {
		msg += " (" + e.Failure.Detail + ")"
	}
	return msg
}

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/rag"
)

var (
	ingestSource string
	ingestTitle  string
	ingestMeta   []string

	askFilters []string
	askJSON    bool
	askExplain bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a file, replacing earlier chunks of the same source",
	Long: `Split a file into chunks, embed them and store them under a source.
Re-ingesting a source replaces its chunks; an empty file removes them.

Examples:
  # Source defaults to the path as given
  ragd ingest docs/guide.md

  # Read stdin under an explicit source with metadata
  cat notes.txt | ragd ingest - --source notes --meta team=search`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Answer a question from the ingested documents",
	Long: `Answer a question with citations.

Filters take the form key=value and may be repeated. Repeating a key with =
matches any of the values. The operators != > >= < <= are also accepted.

Examples:
  ragd ask "how large are chunks?"
  ragd ask "release plan" --filter team=search --filter year>=2024
  ragd ask "release plan" --explain`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source identifier (default: the file path)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default: file name without extension)")
	ingestCmd.Flags().StringArrayVar(&ingestMeta, "meta", nil, "metadata key=value stored with every chunk (repeatable)")

	askCmd.Flags().StringArrayVar(&askFilters, "filter", nil, "metadata filter such as key=value (repeatable)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the response as JSON")
	askCmd.Flags().BoolVar(&askExplain, "explain", false, "print retrieval candidates, rerank tier and timings")
}

func runIngest(cmd *cobra.Command, args []string) error {
	req, err := ingestRequest(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	res, err := a.service.Ingest(cmd.Context(), req)
	if err != nil {
		return err
	}
	printIngest(cmd.OutOrStdout(), res)
	return nil
}

// ingestRequest reads path ("-" for stdin) and applies the flags.
func ingestRequest(path string, stdin io.Reader) (rag.IngestRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return rag.IngestRequest{}, fmt.Errorf("reading %s: %w", path, err)
	}

	source := ingestSource
	if source == "" {
		if path == "-" {
			return rag.IngestRequest{}, rag.Validationf("--source is required when reading stdin")
		}
		source = filepath.ToSlash(path)
	}
	title := ingestTitle
	if title == "" && path != "-" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	var metadata map[string]any
	if len(ingestMeta) > 0 {
		metadata = make(map[string]any, len(ingestMeta))
		for _, kv := range ingestMeta {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return rag.IngestRequest{}, rag.Validationf("invalid metadata %q: want key=value", kv)
			}
			metadata[strings.TrimSpace(key)] = parseValue(strings.TrimSpace(value))
		}
	}

	return rag.IngestRequest{Source: source, Title: title, Text: string(data), Metadata: metadata}, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	filters, err := parseFilters(askFilters)
	if err != nil {
		return err
	}
	query := strings.Join(args, " ")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	out := cmd.OutOrStdout()
	if askExplain {
		res, err := a.service.Evaluate(cmd.Context(), rag.EvaluateRequest{Query: query, Filters: filters})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}

	res, err := a.service.Answer(cmd.Context(), rag.AnswerRequest{Query: query, Filters: filters})
	if err != nil {
		return err
	}
	if askJSON {
		return printJSON(out, res)
	}
	printAnswer(out, res)
	return nil
}

// openApp loads configuration and builds the dependencies for a one-shot
// command. Logs go to stderr.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, true)
}

// filterOps maps the command-line comparison to a filter operator. Longer
// tokens come first.
var filterOps = []struct {
	token string
	op    string
}{
	{"!=", "$ne"},
	{">=", "$gte"},
	{"<=", "$lte"},
	{"=", "$eq"},
	{">", "$gt"},
	{"<", "$lt"},
}

// parseFilters turns key=value style flags into the filter map accepted by
// the service. A key given several times with = becomes an $in.
func parseFilters(exprs []string) (map[string]any, error) {
	if len(exprs) == 0 {
		return nil, nil
	}

	byKey := make(map[string]map[string]any)
	for _, expr := range exprs {
		i := strings.IndexAny(expr, "=!<>")
		key := ""
		if i > 0 {
			key = strings.TrimSpace(expr[:i])
		}
		if key == "" {
			return nil, rag.Validationf("invalid filter %q: want key=value", expr)
		}

		rest := expr[i:]
		op := ""
		for _, candidate := range filterOps {
			if strings.HasPrefix(rest, candidate.token) {
				op, rest = candidate.op, rest[len(candidate.token):]
				break
			}
		}
		if op == "" {
			return nil, rag.Validationf("invalid filter %q: unknown comparison", expr)
		}
		value := parseValue(strings.TrimSpace(rest))

		ops, ok := byKey[key]
		if !ok {
			ops = make(map[string]any)
			byKey[key] = ops
		}
		if op != "$eq" {
			ops[op] = value
			continue
		}
		switch {
		case ops["$in"] != nil:
			ops["$in"] = append(ops["$in"].([]any), value)
		case ops["$eq"] != nil:
			ops["$in"] = []any{ops["$eq"], value}
			delete(ops, "$eq")
		default:
			ops["$eq"] = value
		}
	}

	filters := make(map[string]any, len(byKey))
	for key, ops := range byKey {
		filters[key] = ops
	}
	return filters, nil
}

// parseValue reads booleans and numbers; anything else stays a string.
// Quoting forces a string.
func parseValue(s string) any {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}

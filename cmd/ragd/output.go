package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/synth"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	red   = color.New(color.FgRed, color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

// printError prints a classified failure. The operator running the command
// sees the underlying error even when it is internal.
func printError(w io.Writer, err error) {
	f := rag.Describe(err)
	if f.Code == rag.CodeInternal {
		f.Detail = err.Error()
	}
	fmt.Fprintf(w, "%s %s: %s\n", red("error"), f.Code, f.Message)
	if f.Detail != "" {
		fmt.Fprintf(w, "  %s\n", faint(f.Detail))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAnswer(w io.Writer, a synth.Answer) {
	fmt.Fprintln(w, a.Answer)
	if len(a.Citations) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", cyan("Sources"))
	for _, c := range a.Citations {
		fmt.Fprintf(w, "  %s #%d\n", c.Source, c.ChunkIndex)
	}
}

func printIngest(w io.Writer, res rag.IngestResponse) {
	fmt.Fprintf(w, "%s %s: %d chunks inserted, %d deleted\n",
		green("ingested"), res.Source, res.ChunksInserted, res.ChunksDeleted)
}

func printDiagnostics(w io.Writer, d rag.Diagnostics) {
	status := green("ok")
	if !d.Ping.OK {
		status = red("unreachable") + " " + d.Ping.Error
	}
	fmt.Fprintf(w, "%s\n", cyan("Store"))
	fmt.Fprintf(w, "  backend     %s\n", d.Store.Backend)
	fmt.Fprintf(w, "  host        %s\n", d.Store.Host)
	fmt.Fprintf(w, "  database    %s\n", d.Store.DB)
	fmt.Fprintf(w, "  collection  %s\n", d.Store.Collection)
	fmt.Fprintf(w, "  index       %s\n", d.Store.Index)
	fmt.Fprintf(w, "  ping        %s\n", status)
	fmt.Fprintf(w, "%s\n", cyan("Embedding"))
	fmt.Fprintf(w, "  provider    %s\n", d.Embedding.Provider)
	fmt.Fprintf(w, "  model       %s\n", d.Embedding.Model)
	fmt.Fprintf(w, "  dimensions  %d\n", d.Embedding.Dimensions)
	fmt.Fprintf(w, "%s\n", cyan("Rerank"))
	fmt.Fprintf(w, "  enabled     %t\n", d.Rerank.Enabled)
	fmt.Fprintf(w, "  local       %t\n", d.Rerank.LocalAvailable)
	fmt.Fprintf(w, "  k           %d\n", d.Rerank.K)
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/fyrsmithlabs/ragd/internal/watch"
)

var (
	watchNoScan     bool
	watchExtensions []string
	diagnosticsJSON bool
	notesDimensions int
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Ingest a directory and keep it in sync as files change",
	Long: `Ingest every matching file under a directory, then watch it.
Changed files are re-ingested after a debounce; deleted or emptied files
have their chunks removed. Hidden files and directories are skipped.

Examples:
  ragd watch ./docs
  ragd watch ./notes --ext .md --ext .rst`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Show store, embedding and rerank status without credentials",
	Args:  cobra.NoArgs,
	RunE:  runDiagnostics,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Vector index helpers",
}

var indexNotesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Print instructions for creating the vector index",
	Long: `Print the collection and index the configured backend needs, with the
commands to create them. Nothing is contacted.`,
	Args: cobra.NoArgs,
	RunE: runIndexNotes,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoScan, "no-scan", false, "skip ingesting files already present")
	watchCmd.Flags().StringArrayVar(&watchExtensions, "ext", nil, "file extension to ingest (repeatable, default from config)")

	diagnosticsCmd.Flags().BoolVar(&diagnosticsJSON, "json", false, "print as JSON")

	indexNotesCmd.Flags().IntVar(&notesDimensions, "dimensions", 0, "vector dimensions (default: embedding.dimensions)")
	indexCmd.AddCommand(indexNotesCmd)

	configCmd.AddCommand(configShowCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	opts := watch.OptionsFromConfig(cfg.Watch)
	opts.InitialScan = !watchNoScan
	if len(watchExtensions) > 0 {
		opts.Extensions = watchExtensions
	}

	w, err := watch.New(args[0], opts, a.service, a.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (Ctrl+C to stop)\n", green("watching"), args[0])
	return w.Run(ctx)
}

func runDiagnostics(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	d := a.service.Diagnostics(cmd.Context())
	if diagnosticsJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}
	printDiagnostics(cmd.OutOrStdout(), d)
	return nil
}

func runIndexNotes(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dims := cfg.Embedding.Dimensions
	if notesDimensions > 0 {
		dims = notesDimensions
	}
	fmt.Fprint(cmd.OutOrStdout(), strings.TrimLeft(vectorstore.IndexNotes(cfg.Store, dims), "\n"))
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}

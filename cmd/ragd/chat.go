package main

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/chat"
)

var chatFilters []string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Long: `Open an interactive session. Each answer shows its sources; press tab
to show the chunks that were sent to the model.

Examples:
  ragd chat
  ragd chat --filter team=search`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringArrayVar(&chatFilters, "filter", nil, "metadata filter applied to every question (repeatable)")
}

func runChat(cmd *cobra.Command, _ []string) error {
	filters, err := parseFilters(chatFilters)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Anything below error would draw over the full-screen view.
	cfg.Logging.Level = "error"

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	p := tea.NewProgram(chat.New(ctx, a.service, filters),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

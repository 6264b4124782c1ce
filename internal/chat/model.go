// Package chat is an interactive terminal session over the answer pipeline.
//
// Each question is answered in the background; the transcript shows the
// answer, its citations and, on demand, the chunks that were sent to the
// model.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// previewRunes caps chunk text shown in the transcript.
const previewRunes = 240

// Answerer is the part of the pipeline the session needs.
type Answerer interface {
	Answer(ctx context.Context, req rag.AnswerRequest) (rag.AnswerResponse, error)
}

type turn struct {
	query  string
	answer *rag.AnswerResponse
	err    error
}

// answerMsg carries a finished question back to Update.
type answerMsg struct {
	index  int
	answer rag.AnswerResponse
	err    error
}

// Model is the Bubble Tea model for a chat session.
type Model struct {
	ctx      context.Context
	answerer Answerer
	filters  map[string]any

	input    textinput.Model
	viewport viewport.Model
	turns    []turn

	pending    bool
	showChunks bool
	ready      bool
	quitting   bool
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	queryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)
)

// New creates a session. Filters apply to every question.
func New(ctx context.Context, answerer Answerer, filters map[string]any) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.CharLimit = rag.MaxQueryChars
	ti.Focus()

	return Model{
		ctx:      ctx,
		answerer: answerer,
		filters:  filters,
		input:    ti,
		viewport: viewport.New(0, 0),
	}
}

// Init starts the cursor blinking.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles keys, window resizes and finished answers.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, frame := inputBoxStyle.GetFrameSize()
		// header, input line, footer and spacing
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-frame-4)
		m.input.Width = max(10, msg.Width-inputBoxStyle.GetHorizontalFrameSize()-len(m.input.Prompt)-1)
		m.refresh()
		return m, nil

	case answerMsg:
		if msg.index < len(m.turns) {
			if msg.err != nil {
				m.turns[msg.index].err = msg.err
			} else {
				answer := msg.answer
				m.turns[msg.index].answer = &answer
			}
		}
		m.pending = false
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyTab:
			m.showChunks = !m.showChunks
			m.refresh()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			query := strings.TrimSpace(m.input.Value())
			if query == "" || m.pending {
				return m, nil
			}
			m.turns = append(m.turns, turn{query: query})
			m.pending = true
			m.input.Reset()
			m.refresh()
			return m, m.ask(len(m.turns)-1, query)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// ask answers query off the UI loop.
func (m Model) ask(index int, query string) tea.Cmd {
	return func() tea.Msg {
		answer, err := m.answerer.Answer(m.ctx, rag.AnswerRequest{Query: query, Filters: m.filters})
		return answerMsg{index: index, answer: answer, err: err}
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

// View renders the session.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading..."
	}

	footer := dimStyle.Render(fmt.Sprintf("%s send  %s %s  %s scroll  %s quit",
		footerKeyStyle.Render("enter"),
		footerKeyStyle.Render("tab"), chunksLabel(m.showChunks),
		footerKeyStyle.Render("pgup/pgdn"),
		footerKeyStyle.Render("esc")))

	return headerStyle.Render("ragd chat") + "\n" +
		m.viewport.View() + "\n" +
		inputBoxStyle.Render(m.input.View()) + "\n" +
		footer
}

func chunksLabel(shown bool) string {
	if shown {
		return "hide chunks"
	}
	return "show chunks"
}

// transcript renders every turn, oldest first.
func (m Model) transcript() string {
	if len(m.turns) == 0 {
		return dimStyle.Render("No questions yet.")
	}

	var b strings.Builder
	for i, t := range m.turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(queryStyle.Render("You: " + t.query))
		b.WriteString("\n")

		switch {
		case t.err != nil:
			b.WriteString(errorStyle.Render(renderError(t.err)))
			b.WriteString("\n")
		case t.answer == nil:
			b.WriteString(dimStyle.Render("thinking..."))
			b.WriteString("\n")
		default:
			writeAnswer(&b, *t.answer, m.showChunks)
		}
	}
	return b.String()
}

func writeAnswer(b *strings.Builder, a rag.AnswerResponse, showChunks bool) {
	b.WriteString(a.Answer)
	b.WriteString("\n")

	if len(a.Citations) > 0 {
		b.WriteString(sourceStyle.Render("Sources"))
		b.WriteString("\n")
		for _, c := range a.Citations {
			fmt.Fprintf(b, "  %s #%d\n", c.Source, c.ChunkIndex)
		}
	}

	if !showChunks || len(a.UsedChunks) == 0 {
		return
	}
	b.WriteString(sourceStyle.Render("Context"))
	b.WriteString("\n")
	for i, c := range a.UsedChunks {
		heading := fmt.Sprintf("  [%d] %s #%d  score=%.3f", i+1, c.Source, c.ChunkIndex, c.Score)
		if c.Title != "" {
			heading += "  " + c.Title
		}
		b.WriteString(heading)
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("      " + preview(c.ChunkText)))
		b.WriteString("\n")
	}
}

// renderError shows the boundary code and message. Internal errors keep
// their underlying text since the session runs locally.
func renderError(err error) string {
	f := rag.Describe(err)
	if f.Code == rag.CodeInternal {
		f.Detail = err.Error()
	}
	s := fmt.Sprintf("error %s: %s", f.Code, f.Message)
	if f.Detail != "" {
		s += " (" + f.Detail + ")"
	}
	return s
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}

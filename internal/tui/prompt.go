// Package tui renders the terminal confirmation prompt used when no richer
// UI is attached to the bridge.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Choice is what the user picked in the prompt.
type Choice int

const (
	ChoiceNone Choice = iota
	ChoiceApprove
	ChoiceDeny
	ChoiceSettings
)

// PromptSpec is the content of one confirmation prompt.
type PromptSpec struct {
	Message      string
	Detail       string
	ApproveLabel string
	DenyLabel    string
	// SettingsHint is shown under the settings entry. An empty hint hides
	// the entry.
	SettingsHint string
}

// PromptResult is the final state of a prompt.
type PromptResult struct {
	Choice   Choice
	Feedback string
}

type promptStep int

const (
	stepPick promptStep = iota
	stepFeedback
)

type promptItem struct {
	label  string
	desc   string
	choice Choice
}

type promptModel struct {
	spec     PromptSpec
	items    []promptItem
	step     promptStep
	cursor   int
	feedback []rune
	result   PromptResult
	done     bool
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func newPromptModel(spec PromptSpec) promptModel {
	if spec.ApproveLabel == "" {
		spec.ApproveLabel = "Approve"
	}
	if spec.DenyLabel == "" {
		spec.DenyLabel = "Deny"
	}
	items := []promptItem{
		{label: spec.ApproveLabel, choice: ChoiceApprove},
		{label: spec.DenyLabel, choice: ChoiceDeny},
	}
	if spec.SettingsHint != "" {
		items = append(items, promptItem{
			label:  "Auto-Approval Settings",
			desc:   "Current: " + spec.SettingsHint,
			choice: ChoiceSettings,
		})
	}
	return promptModel{spec: spec, items: items}
}

func (m promptModel) Init() tea.Cmd {
	return nil
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	if key.String() == "ctrl+c" {
		// Dismissal counts as a denial without feedback.
		return m.finish(PromptResult{Choice: ChoiceDeny})
	}
	if m.step == stepFeedback {
		return m.updateFeedback(key)
	}

	switch key.String() {
	case "esc":
		return m.finish(PromptResult{Choice: ChoiceDeny})
	case "enter", "ctrl+m", "ctrl+j":
		switch m.items[m.cursor].choice {
		case ChoiceDeny:
			m.step = stepFeedback
			return m, nil
		default:
			return m.finish(PromptResult{Choice: m.items[m.cursor].choice})
		}
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m promptModel) updateFeedback(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return m.finish(PromptResult{Choice: ChoiceDeny})
	case tea.KeyEnter:
		return m.finish(PromptResult{Choice: ChoiceDeny, Feedback: strings.TrimSpace(string(m.feedback))})
	case tea.KeyBackspace:
		if len(m.feedback) > 0 {
			m.feedback = m.feedback[:len(m.feedback)-1]
		}
	case tea.KeySpace:
		m.feedback = append(m.feedback, ' ')
	case tea.KeyRunes:
		m.feedback = append(m.feedback, key.Runes...)
	}
	return m, nil
}

func (m promptModel) finish(r PromptResult) (tea.Model, tea.Cmd) {
	m.result = r
	m.done = true
	return m, tea.Quit
}

func (m promptModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.spec.Message))
	if m.spec.Detail != "" {
		b.WriteString("\n" + dimStyle.Render(m.spec.Detail))
	}
	b.WriteString("\n\n")

	switch m.step {
	case stepPick:
		for i, it := range m.items {
			cursor := "  "
			label := it.label
			if i == m.cursor {
				cursor = "> "
				label = focusStyle.Render(label)
			}
			b.WriteString(cursor + label)
			if it.desc != "" {
				b.WriteString("  " + dimStyle.Render(it.desc))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n" + dimStyle.Render("[↑↓] Navigate  [Enter] Select  [Esc] Deny"))
	case stepFeedback:
		b.WriteString("Feedback for the assistant (optional):\n")
		b.WriteString(focusStyle.Render("> ") + string(m.feedback) + "█\n")
		b.WriteString("\n" + dimStyle.Render("[Enter] Send  [Esc] Deny without feedback"))
	}
	return borderStyle.Render(b.String()) + "\n"
}

// PromptOptions wires the prompt to a terminal. Nil Input and Output use the
// process's stdin and stdout.
type PromptOptions struct {
	Input  io.Reader
	Output io.Writer
}

// terminalInput reports whether in reads from a terminal. Nil means the
// process's stdin.
func terminalInput(in io.Reader) bool {
	if in == nil {
		in = os.Stdin
	}
	f, ok := in.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// RunPrompt shows the prompt and blocks until the user answers or ctx ends.
func RunPrompt(ctx context.Context, spec PromptSpec, opts PromptOptions) (PromptResult, error) {
	teaOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.Input != nil {
		teaOpts = append(teaOpts, tea.WithInput(opts.Input))
	}
	if opts.Output != nil {
		teaOpts = append(teaOpts, tea.WithOutput(opts.Output))
	}

	if terminalInput(opts.Input) {
		defer restoreTerminal()
	}

	p := tea.NewProgram(newPromptModel(spec), teaOpts...)
	final, err := p.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PromptResult{}, ctxErr
		}
		if errors.Is(err, tea.ErrProgramKilled) {
			return PromptResult{Choice: ChoiceDeny}, nil
		}
		return PromptResult{}, fmt.Errorf("confirmation prompt: %w", err)
	}
	fm, ok := final.(promptModel)
	if !ok || !fm.done {
		return PromptResult{Choice: ChoiceDeny}, nil
	}
	return fm.result, nil
}

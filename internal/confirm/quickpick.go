package confirm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/basket/mcp-bridge/internal/tui"
)

// PromptFunc runs one terminal prompt. It is tui.RunPrompt outside tests.
type PromptFunc func(ctx context.Context, spec tui.PromptSpec, opts tui.PromptOptions) (tui.PromptResult, error)

type QuickPickConfig struct {
	Input  io.Reader
	Output io.Writer
	// ConfigPath is printed when the user picks the settings entry.
	ConfigPath string
	// Status describes the current auto-approval policy for the settings
	// entry. Nil hides the entry.
	Status func() string
	Prompt PromptFunc
	Logger *slog.Logger
}

// QuickPick asks in the terminal with a short list of choices. Prompts are
// serialized since they share one terminal.
type QuickPick struct {
	cfg    QuickPickConfig
	logger *slog.Logger
	mu     sync.Mutex
}

func NewQuickPick(cfg QuickPickConfig) *QuickPick {
	if cfg.Prompt == nil {
		cfg.Prompt = tui.RunPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QuickPick{cfg: cfg, logger: logger}
}

func (q *QuickPick) Name() string { return "quickPick" }

func (q *QuickPick) Confirm(ctx context.Context, req Request) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	approve, deny := labels(req)
	spec := tui.PromptSpec{
		Message:      req.Message,
		Detail:       req.Detail,
		ApproveLabel: approve,
		DenyLabel:    deny,
	}
	if req.Operation != nil && q.cfg.Status != nil {
		spec.SettingsHint = q.cfg.Status()
	}

	res, err := q.cfg.Prompt(ctx, spec, tui.PromptOptions{Input: q.cfg.Input, Output: q.cfg.Output})
	if err != nil {
		return Decision{}, err
	}

	switch res.Choice {
	case tui.ChoiceApprove:
		return Decision{Approved: true}, nil
	case tui.ChoiceSettings:
		q.logger.Info("auto-approval settings requested", "config", q.cfg.ConfigPath)
		if q.cfg.Output != nil && q.cfg.ConfigPath != "" {
			fmt.Fprintf(q.cfg.Output, "Auto-approval settings live in %s under auto_approval; edits apply without a restart.\n", q.cfg.ConfigPath)
		}
		return Decision{}, nil
	default:
		return Decision{Feedback: res.Feedback}, nil
	}
}

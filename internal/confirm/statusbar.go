package confirm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/mcp-bridge/internal/bus"
	"github.com/basket/mcp-bridge/internal/panel"
)

// Prompter delivers a prompt to a connected UI and waits for the answer.
// *panel.Hub implements it.
type Prompter interface {
	RequestApproval(ctx context.Context, prompt bus.ApprovalRequired) (panel.Answer, error)
}

type StatusBarConfig struct {
	Prompter Prompter
	// Fallback handles the request when the prompter fails, usually because
	// no client is connected.
	Fallback Strategy
	// Timeout bounds the wait for an answer. A timed out prompt is denied.
	Timeout time.Duration
	// Output receives a one-line notice per prompt. Optional.
	Output io.Writer
	Logger *slog.Logger
}

// StatusBar sends prompts to the side panel over the /events websocket.
type StatusBar struct {
	cfg    StatusBarConfig
	logger *slog.Logger
}

var statusLineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

func NewStatusBar(cfg StatusBarConfig) *StatusBar {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBar{cfg: cfg, logger: logger}
}

func (s *StatusBar) Name() string { return "statusBar" }

func (s *StatusBar) Confirm(ctx context.Context, req Request) (Decision, error) {
	if s.cfg.Prompter == nil {
		return s.fallback(ctx, req, errors.New("no prompter configured"))
	}
	approve, deny := labels(req)
	prompt := bus.ApprovalRequired{
		Message: req.Message,
		Detail:  req.Detail,
		Approve: approve,
		Deny:    deny,
	}
	if req.Operation != nil {
		prompt.Operation = string(req.Operation.Operation)
	}
	if s.cfg.Output != nil {
		fmt.Fprintln(s.cfg.Output, statusLineStyle.Render(statusLine(req.Message, approve, deny)))
	}

	waitCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	ans, err := s.cfg.Prompter.RequestApproval(waitCtx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("confirmation timed out", "message", req.Message, "timeout", s.cfg.Timeout)
			return Decision{}, nil
		}
		return s.fallback(ctx, req, err)
	}
	return Decision{Approved: ans.Approved, Feedback: ans.Feedback}, nil
}

func (s *StatusBar) fallback(ctx context.Context, req Request, cause error) (Decision, error) {
	if s.cfg.Fallback == nil {
		return Decision{}, fmt.Errorf("status bar confirmation: %w", cause)
	}
	s.logger.Warn("status bar confirmation failed, falling back", "error", cause, "fallback", s.cfg.Fallback.Name())
	return s.cfg.Fallback.Confirm(ctx, req)
}

func statusLine(message, approve, deny string) string {
	return fmt.Sprintf("⏳ %s  [%s | %s]", message, approve, deny)
}

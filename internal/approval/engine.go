package approval

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mcp-bridge/internal/config"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

type Options struct {
	Policy                 config.AutoApprovalConfig
	WorkspaceRoots         []string
	ExtraProtectedPatterns []string
	Logger                 *slog.Logger
	Metrics                *otelPkg.Metrics
	// Now is the clock used by the rate limiter. Defaults to time.Now.
	Now func() time.Time
}

// Engine decides whether an operation can run without human confirmation.
// The policy snapshot can be swapped at runtime with Reload. Rate limit
// counters survive reloads.
type Engine struct {
	mu      sync.RWMutex
	policy  config.AutoApprovalConfig
	roots   []string
	extra   []string
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *otelPkg.Metrics
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	e := &Engine{
		limiter: NewRateLimiter(opts.Now),
		logger:  logger,
		metrics: metrics,
	}
	e.Reload(opts.Policy, opts.ExtraProtectedPatterns)
	e.SetWorkspaceRoots(opts.WorkspaceRoots)
	return e
}

// Reload replaces the policy and extra protected patterns.
func (e *Engine) Reload(policy config.AutoApprovalConfig, extraProtected []string) {
	policy.Permissions.Execute.AllowedCommands = append([]string(nil), policy.Permissions.Execute.AllowedCommands...)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
	e.extra = append([]string(nil), extraProtected...)
}

// SetWorkspaceRoots replaces the directories considered inside the workspace.
// With no roots every path counts as outside the workspace and protected.
func (e *Engine) SetWorkspaceRoots(roots []string) {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		resolved = append(resolved, resolvePath(r, ""))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roots = resolved
}

// Snapshot returns a copy of the active policy.
func (e *Engine) Snapshot() config.AutoApprovalConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := e.policy
	cp.Permissions.Execute.AllowedCommands = append([]string(nil), e.policy.Permissions.Execute.AllowedCommands...)
	return cp
}

// PolicyVersion is a short hash of the active policy, recorded with audit rows.
func (e *Engine) PolicyVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := fnv.New32a()
	fmt.Fprintf(h, "%t|%+v|%+v|%v|%v", e.policy.Enabled, e.policy.Permissions, e.policy.Limits, e.roots, e.extra)
	return fmt.Sprintf("aa-%08x", h.Sum32())
}

// CanAutoApprove reports whether op may proceed without confirmation. A call
// that passes the rate limiter consumes quota even if a later check denies it.
func (e *Engine) CanAutoApprove(op OperationContext) bool {
	return e.Evaluate(context.Background(), op).Approved
}

// Evaluate is CanAutoApprove with the reason for the outcome.
func (e *Engine) Evaluate(ctx context.Context, op OperationContext) Verdict {
	e.mu.RLock()
	policy := e.policy
	roots := e.roots
	extra := e.extra
	e.mu.RUnlock()

	v := e.evaluate(policy, roots, extra, op)

	outcome := "deny"
	if v.Approved {
		outcome = "allow"
	}
	e.metrics.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(
		otelPkg.AttrOperation.String(string(op.Operation)),
		otelPkg.AttrDecision.String(outcome),
	))
	if v.Reason == ReasonRateLimited {
		e.metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", string(op.Operation)),
		))
	}
	e.logger.Debug("auto-approval evaluated",
		"operation", op.Operation,
		"subject", op.Subject(),
		"approved", v.Approved,
		"reason", v.Reason,
	)
	return v
}

func (e *Engine) evaluate(policy config.AutoApprovalConfig, roots, extra []string, op OperationContext) Verdict {
	deny := func(reason string) Verdict { return Verdict{Reason: reason} }
	allow := Verdict{Approved: true, Reason: ReasonAllowed}

	if !policy.Enabled {
		return deny(ReasonDisabled)
	}
	if !e.limiter.Allow(op.Operation, policy.Limits.MaxRequests, policy.Limits.Window()) {
		return Verdict{Reason: ReasonRateLimited, RetryAfter: policy.Limits.RetryDelay()}
	}

	perms := policy.Permissions
	switch op.Operation {
	case OpRead:
		if !perms.Read.Enabled {
			return deny(ReasonPermissionOff)
		}
		if op.FilePath != "" && !withinWorkspace(op.FilePath, roots) && !perms.Read.IncludeOutsideWorkspace {
			return deny(ReasonOutsideWorkspace)
		}
		return allow
	case OpWrite:
		if !perms.Write.Enabled {
			return deny(ReasonPermissionOff)
		}
		if op.FilePath != "" {
			if !withinWorkspace(op.FilePath, roots) && !perms.Write.IncludeOutsideWorkspace {
				return deny(ReasonOutsideWorkspace)
			}
			if isProtected(op.FilePath, roots, extra) && !perms.Write.IncludeProtectedFiles {
				return deny(ReasonProtectedFile)
			}
		}
		return allow
	case OpExecute:
		if !perms.Execute.Enabled {
			return deny(ReasonPermissionOff)
		}
		if strings.TrimSpace(op.Command) == "" {
			return deny(ReasonNoCommand)
		}
		if !commandAllowed(op.Command, perms.Execute.AllowedCommands) {
			return deny(ReasonCommandNotAllowed)
		}
		return allow
	case OpDebug:
		return toggle(perms.Debug.Enabled)
	case OpTerminal:
		return toggle(perms.Terminal.Enabled)
	case OpBrowser:
		return toggle(perms.Browser.Enabled)
	default:
		return deny(ReasonUnknownOperation)
	}
}

func toggle(enabled bool) Verdict {
	if enabled {
		return Verdict{Approved: true, Reason: ReasonAllowed}
	}
	return Verdict{Reason: ReasonPermissionOff}
}

func baseRoot(roots []string) string {
	if len(roots) == 0 {
		return ""
	}
	return roots[0]
}

func withinWorkspace(path string, roots []string) bool {
	if len(roots) == 0 {
		return false
	}
	_, ok := containingRoot(resolvePath(path, baseRoot(roots)), roots)
	return ok
}

// isProtected matches the workspace-relative path, or the full path when it
// lies outside every root. With no roots everything is protected.
func isProtected(path string, roots, extra []string) bool {
	if len(roots) == 0 {
		return true
	}
	resolved := resolvePath(path, baseRoot(roots))
	candidate := resolved
	if root, ok := containingRoot(resolved, roots); ok {
		if rel, err := filepath.Rel(root, resolved); err == nil {
			candidate = rel
		}
	}
	return matchesProtected(filepath.ToSlash(candidate), extra)
}

// ResetRateLimits clears every rate limit counter.
func (e *Engine) ResetRateLimits() {
	e.limiter.Reset()
	e.logger.Info("auto-approval rate limits reset")
}

// RateLimitState exposes the current counters for status output.
func (e *Engine) RateLimitState() map[OperationType]WindowState {
	return e.limiter.Snapshot()
}

// StatusDescription summarises the active policy for display.
func (e *Engine) StatusDescription() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.policy.Enabled {
		return "Auto-approval is disabled"
	}
	p := e.policy.Permissions
	var enabled []string
	for _, item := range []struct {
		on   bool
		name string
	}{
		{p.Read.Enabled, "Read"},
		{p.Write.Enabled, "Write"},
		{p.Execute.Enabled, "Execute"},
		{p.Debug.Enabled, "Debug"},
		{p.Terminal.Enabled, "Terminal"},
		{p.Browser.Enabled, "Browser"},
	} {
		if item.on {
			enabled = append(enabled, item.name)
		}
	}
	if len(enabled) == 0 {
		return "Auto-approval enabled but no operations allowed"
	}
	return "Auto-approval enabled for: " + strings.Join(enabled, ", ")
}

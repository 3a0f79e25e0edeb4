package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mcp-bridge/internal/approval"
	"github.com/basket/mcp-bridge/internal/audit"
	"github.com/basket/mcp-bridge/internal/bus"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

type GatewayConfig struct {
	// Engine is consulted before any prompt. Nil means every request is
	// prompted.
	Engine   *approval.Engine
	Strategy Strategy
	// ConfirmNonDestructiveCommands prompts for execute operations that are
	// flagged as read-only. Off by default: such commands run unprompted.
	ConfirmNonDestructiveCommands bool

	Bus     *bus.Bus
	Audit   *audit.Recorder
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Gateway is the single entry point tools use to get permission for an
// operation.
type Gateway struct {
	engine  *approval.Engine
	bus     *bus.Bus
	audit   *audit.Recorder
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	mu                 sync.RWMutex
	strategy           Strategy
	confirmNonDestruct bool
}

func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		engine:             cfg.Engine,
		bus:                cfg.Bus,
		audit:              cfg.Audit,
		logger:             cfg.Logger,
		tracer:             cfg.Tracer,
		metrics:            cfg.Metrics,
		strategy:           cfg.Strategy,
		confirmNonDestruct: cfg.ConfirmNonDestructiveCommands,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("confirm")
	}
	if g.metrics == nil {
		g.metrics = otelPkg.NoopMetrics()
	}
	return g
}

// SetStrategy swaps the prompt strategy, e.g. after confirmation_ui changed.
func (g *Gateway) SetStrategy(s Strategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategy = s
}

func (g *Gateway) SetConfirmNonDestructiveCommands(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmNonDestruct = v
}

func (g *Gateway) Strategy() Strategy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.strategy
}

// Confirm returns the decision for req. Auto-approved operations never reach
// the strategy. Errors from the strategy surface unchanged so callers can tell
// a failed prompt from a denial.
func (g *Gateway) Confirm(ctx context.Context, req Request) (Decision, error) {
	g.mu.RLock()
	strategy := g.strategy
	confirmNonDestruct := g.confirmNonDestruct
	g.mu.RUnlock()

	action, subject := "prompt", req.Message
	if op := req.Operation; op != nil {
		action, subject = string(op.Operation), op.Subject()

		if g.engine != nil {
			v := g.engine.Evaluate(ctx, *op)
			if v.Approved {
				g.bus.Publish(bus.TopicAutoApproved, bus.AutoApproved{
					Operation: string(op.Operation),
					Message:   "Auto-approved: " + op.Description,
				})
				g.audit.Record("allow", action, "auto_approved", g.engine.PolicyVersion(), subject)
				g.logger.Info("operation auto-approved", "operation", op.Operation, "subject", subject)
				return Decision{Approved: true, AutoApproved: true}, nil
			}
			if v.Reason == approval.ReasonRateLimited {
				g.logger.Warn("auto-approval rate limit reached, asking instead",
					"operation", op.Operation, "retry_after", v.RetryAfter)
			}
		}

		if op.Operation == approval.OpExecute && !op.IsDestructive && !confirmNonDestruct {
			g.audit.Record("allow", action, "non_destructive", g.policyVersion(), subject)
			g.logger.Info("running read-only command without confirmation", "command", op.Command)
			return Decision{Approved: true}, nil
		}
	}

	if strategy == nil {
		g.audit.Record("deny", action, "no_strategy", g.policyVersion(), subject)
		return Decision{}, nil
	}

	ctx, span := otelPkg.StartSpan(ctx, g.tracer, "confirm.prompt",
		otelPkg.AttrStrategy.String(strategy.Name()),
		otelPkg.AttrOperation.String(action),
	)
	defer span.End()

	start := time.Now()
	d, err := strategy.Confirm(ctx, req)
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
	case d.Approved:
		outcome = "allow"
	}
	g.metrics.ConfirmationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		otelPkg.AttrStrategy.String(strategy.Name()),
		otelPkg.AttrDecision.String(outcome),
	))
	if err != nil {
		g.logger.Error("confirmation failed", "strategy", strategy.Name(), "error", err)
		return Decision{}, err
	}

	reason := "user_denied"
	decision := "deny"
	if d.Approved {
		reason, decision = "user_approved", "allow"
	} else if d.Feedback != "" {
		reason = "user_denied: " + d.Feedback
	}
	g.audit.Record(decision, action, reason, g.policyVersion(), subject)
	return d, nil
}

func (g *Gateway) policyVersion() string {
	if g.engine == nil {
		return ""
	}
	return g.engine.PolicyVersion()
}

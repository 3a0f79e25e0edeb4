// Package confirm asks a human before a tool performs a sensitive operation.
// The policy engine is consulted first; only operations it refuses reach a
// Strategy.
package confirm

import (
	"context"

	"github.com/basket/mcp-bridge/internal/approval"
)

// Request is one confirmation prompt.
type Request struct {
	Message      string
	Detail       string
	ApproveLabel string
	DenyLabel    string
	// Operation, when set, lets the gateway try auto-approval first.
	Operation *approval.OperationContext
}

// Decision is the human's answer. A denial may carry feedback for the
// assistant.
type Decision struct {
	Approved     bool
	Feedback     string
	AutoApproved bool
}

// String renders the decision the way tool results report it: "Approve",
// the feedback text, or "Deny".
func (d Decision) String() string {
	if d.Approved {
		return "Approve"
	}
	if d.Feedback != "" {
		return d.Feedback
	}
	return "Deny"
}

// Strategy presents a Request to a human.
type Strategy interface {
	Name() string
	Confirm(ctx context.Context, req Request) (Decision, error)
}

func labels(req Request) (approve, deny string) {
	approve, deny = req.ApproveLabel, req.DenyLabel
	if approve == "" {
		approve = "Approve"
	}
	if deny == "" {
		deny = "Deny"
	}
	return approve, deny
}

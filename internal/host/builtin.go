package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/mcp-bridge/internal/approval"
)

// StatusFunc reports bridge state for the bridge_status tool.
type StatusFunc func(ctx context.Context) (any, error)

type statusTool struct {
	status StatusFunc
}

// NewStatusTool exposes transport, lifecycle and auto-approval state.
func NewStatusTool(fn StatusFunc) Tool {
	return &statusTool{status: fn}
}

func (t *statusTool) Name() string { return "bridge_status" }

func (t *statusTool) Description() string {
	return "Report the bridge's transport status, client activity and auto-approval policy."
}

func (t *statusTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

func (t *statusTool) Call(ctx context.Context, _ json.RawMessage) (CallResult, error) {
	v, err := t.status(ctx)
	if err != nil {
		return CallResult{}, err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return CallResult{}, fmt.Errorf("encode status: %w", err)
	}
	return TextResult(string(b)), nil
}

// approvalTool lets the client ask the user directly before an action it
// performs on its own side. The call itself only reports the decision.
type approvalTool struct{}

func NewApprovalTool() Tool {
	return approvalTool{}
}

type approvalArgs struct {
	Operation     string `json:"operation"`
	Description   string `json:"description"`
	FilePath      string `json:"file_path"`
	Command       string `json:"command"`
	IsDestructive *bool  `json:"is_destructive"`
}

func (approvalTool) Name() string { return "request_approval" }

func (approvalTool) Description() string {
	return "Ask the user to approve an operation before performing it. Returns Approve when it may proceed, " +
		"otherwise a denial that quotes any feedback the user gave. " +
		"Operations covered by the auto-approval policy are approved without a prompt."
}

func (approvalTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["read", "write", "execute", "debug", "terminal", "browser"]},
    "description": {"type": "string", "minLength": 1},
    "file_path": {"type": "string"},
    "command": {"type": "string"},
    "is_destructive": {"type": "boolean"}
  },
  "required": ["operation", "description"],
  "additionalProperties": false
}`)
}

func (approvalTool) Operation(args json.RawMessage) (approval.OperationContext, error) {
	var a approvalArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return approval.OperationContext{}, fmt.Errorf("decode arguments: %w", err)
	}
	// Commands are treated as destructive unless the caller says otherwise.
	destructive := true
	if a.IsDestructive != nil {
		destructive = *a.IsDestructive
	}
	return approval.OperationContext{
		Operation:     approval.OperationType(a.Operation),
		FilePath:      strings.TrimSpace(a.FilePath),
		Command:       strings.TrimSpace(a.Command),
		Description:   a.Description,
		IsDestructive: destructive,
	}, nil
}

// Call only runs once the operation was approved.
func (approvalTool) Call(context.Context, json.RawMessage) (CallResult, error) {
	return TextResult("Approve"), nil
}

// Package host answers the MCP requests that arrive through the transport:
// the handshake, tool listing and tool calls gated by the confirmation
// gateway.
package host

import (
	"context"
	"encoding/json"

	"github.com/basket/mcp-bridge/internal/approval"
)

// Tool is one callable exposed in tools/list.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema object for the call arguments.
	InputSchema() json.RawMessage
	Call(ctx context.Context, args json.RawMessage) (CallResult, error)
}

// Gated is implemented by tools whose calls need permission. The returned
// operation goes through auto-approval and then the confirmation prompt.
type Gated interface {
	Operation(args json.RawMessage) (approval.OperationContext, error)
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps plain text in a CallResult.
func TextResult(text string) CallResult {
	return CallResult{Content: []Content{{Type: "text", Text: text}}}
}

func errorResult(text string) CallResult {
	r := TextResult(text)
	r.IsError = true
	return r
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

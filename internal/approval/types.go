// Package approval decides whether an operation requested by a tool may run
// without asking a human first.
package approval

import "time"

type OperationType string

const (
	OpRead     OperationType = "read"
	OpWrite    OperationType = "write"
	OpExecute  OperationType = "execute"
	OpDebug    OperationType = "debug"
	OpTerminal OperationType = "terminal"
	OpBrowser  OperationType = "browser"
)

// OperationContext describes one attempted operation. It is built per call
// and never stored.
type OperationContext struct {
	Operation     OperationType `json:"operation"`
	FilePath      string        `json:"file_path,omitempty"`
	Command       string        `json:"command,omitempty"`
	Description   string        `json:"description"`
	IsDestructive bool          `json:"is_destructive,omitempty"`
}

// Subject is the most specific thing the operation acts on, for logs and audit.
func (c OperationContext) Subject() string {
	switch {
	case c.Command != "":
		return c.Command
	case c.FilePath != "":
		return c.FilePath
	default:
		return c.Description
	}
}

// Deny reasons reported in Verdict.Reason.
const (
	ReasonAllowed           = "allowed"
	ReasonDisabled          = "auto_approval_disabled"
	ReasonRateLimited       = "rate_limited"
	ReasonPermissionOff     = "permission_disabled"
	ReasonOutsideWorkspace  = "outside_workspace"
	ReasonProtectedFile     = "protected_file"
	ReasonNoCommand         = "no_command"
	ReasonCommandNotAllowed = "command_not_allowed"
	ReasonUnknownOperation  = "unknown_operation"
)

// Verdict is the outcome of one policy evaluation. A denial is a normal
// result, never an error.
type Verdict struct {
	Approved bool
	Reason   string
	// RetryAfter is set when the rate limiter refused the operation.
	RetryAfter time.Duration
}

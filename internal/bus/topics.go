package bus

import "time"

// Transport topics.
const (
	TopicStatusChanged = "bridge.status_changed"
	TopicToolsUpdated  = "bridge.tools_updated"
)

// Approval topics. approval.required is answered over the /events websocket
// with an approval.respond call.
const (
	TopicApprovalRequired = "approval.required"
	TopicApprovalUpdated  = "approval.updated"
	TopicAutoApproved     = "approval.auto_approved"
)

const TopicLifecycleState = "lifecycle.state"

type StatusChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ToolsUpdatedEvent struct {
	At time.Time `json:"at"`
}

type ApprovalRequired struct {
	ApprovalID string    `json:"approval_id"`
	Operation  string    `json:"operation,omitempty"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	Approve    string    `json:"approve_label"`
	Deny       string    `json:"deny_label"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type ApprovalUpdated struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Feedback   string `json:"feedback,omitempty"`
}

// AutoApproved is the transient notice shown when the policy engine skipped
// the confirmation prompt.
type AutoApproved struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

// LifecycleState mirrors the server state shown in the side panel:
// running, stopped or error.
type LifecycleState struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

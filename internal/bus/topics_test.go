package bus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTopics_DistinctAndPrefixed(t *testing.T) {
	topics := []string{
		TopicStatusChanged, TopicToolsUpdated,
		TopicApprovalRequired, TopicApprovalUpdated, TopicAutoApproved,
		TopicLifecycleState,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
	// The panel hub subscribes by prefix; every approval topic must share one.
	for _, topic := range []string{TopicApprovalRequired, TopicApprovalUpdated, TopicAutoApproved} {
		if !strings.HasPrefix(topic, "approval.") {
			t.Fatalf("approval topic %q lacks approval. prefix", topic)
		}
	}
}

func TestApprovalRequired_WireNames(t *testing.T) {
	raw, err := json.Marshal(ApprovalRequired{
		ApprovalID: "a-1",
		Operation:  "execute",
		Message:    "Run npm test?",
		Approve:    "Approve",
		Deny:       "Deny",
		CreatedAt:  time.Unix(0, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"approval_id", "operation", "message", "approve_label", "deny_label", "created_at"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing %q in %s", key, raw)
		}
	}
	if _, ok := m["detail"]; ok {
		t.Fatalf("empty detail should be omitted: %s", raw)
	}
}

func TestPublish_NilBus(t *testing.T) {
	var b *Bus
	b.Publish(TopicToolsUpdated, ToolsUpdatedEvent{At: time.Now()})
}

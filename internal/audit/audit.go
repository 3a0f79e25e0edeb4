// Package audit records approval decisions and lifecycle events to an
// append-only JSONL file and, when configured, the sqlite audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mcp-bridge/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// Sink persists entries beyond the JSONL file.
type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

// Recorder is safe for concurrent use. A nil *Recorder discards records.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	sink      Sink
	denyCount atomic.Int64
}

// Open creates <homeDir>/logs/audit.jsonl for appending.
func Open(homeDir string) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

// SetSink configures the table sink for audit rows.
func (r *Recorder) SetSink(s Sink) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since Open.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// Record appends one decision. Subject and reason are redacted first since
// they may quote commands.
func (r *Recorder) Record(decision, action, reason, policyVersion, subject string) {
	if r == nil {
		return
	}
	if decision == "deny" {
		r.denyCount.Add(1)
	}

	e := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	if r.sink != nil {
		_ = r.sink.InsertAudit(context.Background(), e)
	}
}

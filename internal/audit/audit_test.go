package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type memSink struct{ entries []Entry }

func (m *memSink) InsertAudit(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	rec, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	rec.Record("deny", "approval.execute", "command_not_allowed", "cfg-abc", "rm -rf build")
	rec.Record("allow", "approval.read", "auto_approved", "cfg-abc", "/ws/main.go")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["action"] != "approval.execute" {
		t.Fatalf("expected action approval.execute, got %#v", first["action"])
	}
	if first["policy_version"] != "cfg-abc" {
		t.Fatalf("expected policy_version in audit entry: %#v", first)
	}
	if rec.DenyCount() != 1 {
		t.Fatalf("expected one deny, got %d", rec.DenyCount())
	}
}

func TestRecordRedactsSubject(t *testing.T) {
	home := t.TempDir()
	rec, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	sink := &memSink{}
	rec.SetSink(sink)

	rec.Record("allow", "approval.execute", "confirmed", "", "NPM_TOKEN=abc123456 npm publish")

	if len(sink.entries) != 1 {
		t.Fatalf("expected sink to receive one entry, got %d", len(sink.entries))
	}
	if strings.Contains(sink.entries[0].Subject, "abc123456") {
		t.Fatalf("subject not redacted: %q", sink.entries[0].Subject)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	rec, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	rec.Record("allow", "op1", "test", "v1", "subject1")
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	rec.Record("deny", "op2", "test2", "v1", "subject2")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Record("deny", "x", "y", "", "")
	rec.SetSink(&memSink{})
	if rec.DenyCount() != 0 {
		t.Fatal("nil recorder should count nothing")
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "bridge", "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("transport status changed", "status", "running", "port", 60100)

	entry := readLastEntry(t, filepath.Join(home, "logs", "bridge.jsonl"))
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "bridge" {
		t.Fatalf("expected component=bridge, got %#v", entry["component"])
	}
	if entry["status"] != "running" {
		t.Fatalf("expected status attr propagation, got %#v", entry["status"])
	}
}

func TestNewLogger_ComponentNamesFile(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "relay", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("relay started")
	entry := readLastEntry(t, filepath.Join(home, "logs", "relay.jsonl"))
	if entry["component"] != "relay" {
		t.Fatalf("expected component=relay, got %#v", entry["component"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "bridge", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("approval requested",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"command", "GITHUB_TOKEN=abcdef123 git push",
	)

	entry := readLastEntry(t, filepath.Join(home, "logs", "bridge.jsonl"))
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["command"] != "GITHUB_TOKEN=[REDACTED] git push" {
		t.Fatalf("expected command redaction, got %#v", entry["command"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/mcp-bridge/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromBridgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".mcpbridge"), "port: 61000\nconfirmation_ui: statusBar\n")
	t.Setenv("HOME", home)
	t.Setenv("MCPBRIDGE_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 61000 {
		t.Fatalf("expected port=61000 got %d", cfg.Port)
	}
	if cfg.ConfirmationUI != config.ConfirmationUIStatusBar {
		t.Fatalf("expected statusBar strategy, got %q", cfg.ConfirmationUI)
	}
	if cfg.HomeDir != filepath.Join(home, ".mcpbridge") {
		t.Fatalf("unexpected home dir %q", cfg.HomeDir)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != config.DefaultPort {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if cfg.BindHost != "127.0.0.1" {
		t.Fatalf("expected loopback bind host, got %q", cfg.BindHost)
	}
	a := cfg.AutoApproval
	if a.Enabled || a.Permissions.Read.Enabled || a.Permissions.Write.Enabled || a.Permissions.Execute.Enabled ||
		a.Permissions.Debug.Enabled || a.Permissions.Terminal.Enabled || a.Permissions.Browser.Enabled {
		t.Fatalf("expected every auto-approval permission off by default: %+v", a)
	}
	if a.Limits.MaxRequests != 100 || a.Limits.TimeWindowMinutes != 60 ||
		a.Limits.RetryDelaySeconds != 10 || a.Limits.RequestTimeoutSeconds != 60 {
		t.Fatalf("unexpected default limits: %+v", a.Limits)
	}
	lc := cfg.Lifecycle
	if lc.HeartbeatIntervalSeconds != 30 || lc.IdleTimeoutSeconds != 300 || lc.ShutdownTimeoutSeconds != 10 ||
		lc.CloseTimeoutSeconds != 5 || lc.HandoverSettleMillis != 1000 {
		t.Fatalf("unexpected lifecycle defaults: %+v", lc)
	}
	if cfg.Audit.DBPath != filepath.Join(home, "bridge.db") {
		t.Fatalf("unexpected audit db path %q", cfg.Audit.DBPath)
	}
}

func TestLoad_AutoApprovalSection(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
auto_approval:
  enabled: true
  permissions:
    read:
      enabled: true
      include_outside_workspace: true
    execute:
      enabled: true
      allowed_commands: ["npm test", "  ", "git *"]
  limits:
    max_requests: 5
    time_window_minutes: 1
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a := cfg.AutoApproval
	if !a.Enabled || !a.Permissions.Read.Enabled || !a.Permissions.Read.IncludeOutsideWorkspace {
		t.Fatalf("read permission not loaded: %+v", a.Permissions.Read)
	}
	if got := a.Permissions.Execute.AllowedCommands; len(got) != 2 || got[0] != "npm test" || got[1] != "git *" {
		t.Fatalf("expected blank commands dropped, got %q", got)
	}
	if a.Limits.MaxRequests != 5 || a.Limits.TimeWindowMinutes != 1 {
		t.Fatalf("limits not loaded: %+v", a.Limits)
	}
	// Unset limits fall back to defaults.
	if a.Limits.RetryDelaySeconds != 10 {
		t.Fatalf("expected default retry delay, got %d", a.Limits.RetryDelaySeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "port: 61000\nlog_level: info\n")
	ws := t.TempDir()
	t.Setenv("MCPBRIDGE_PORT", "62000")
	t.Setenv("MCPBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("MCPBRIDGE_CONFIRMATION_UI", "status-bar")
	t.Setenv("MCPBRIDGE_WORKSPACE", ws)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 62000 {
		t.Fatalf("expected env port override, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.ConfirmationUI != config.ConfirmationUIStatusBar {
		t.Fatalf("expected normalized statusBar, got %q", cfg.ConfirmationUI)
	}
	if len(cfg.WorkspaceRoots) != 1 || cfg.WorkspaceRoots[0] != filepath.Clean(ws) {
		t.Fatalf("unexpected workspace roots %q", cfg.WorkspaceRoots)
	}
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "port: 70000\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "port 70000") {
		t.Fatalf("expected port range error, got %v", err)
	}
}

func TestLoad_RejectsBadProtectedPattern(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "extra_protected_patterns: [\"secrets/[a-\"]\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "extra_protected_patterns") {
		t.Fatalf("expected pattern validation error, got %v", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "port: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_ChangesWithPolicy(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	before := cfg.Fingerprint()
	if before != cfg.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
	cfg.AutoApproval.Permissions.Read.Enabled = true
	if cfg.Fingerprint() == before {
		t.Fatal("expected fingerprint to change with permissions")
	}
}

package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/basket/mcp-bridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:        home,
		BindHost:       "127.0.0.1",
		WorkspaceRoots: []string{home},
		Audit:          config.AuditConfig{Enabled: true, DBPath: filepath.Join(home, "bridge.db")},
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(p)
	return port
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, nil, "test")
	if !d.Failed() {
		t.Fatal("nil config should fail the diagnosis")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	cfg := testConfig(t)
	if r := checkConfig(cfg, nil); r.Status != StatusPass || !strings.Contains(r.Message, "defaults") {
		t.Fatalf("unexpected result %+v", r)
	}
	if r := checkConfig(cfg, errors.New("parse config.yaml: bad")); r.Status != StatusFail {
		t.Fatalf("load error should fail, got %+v", r)
	}
}

func TestCheckPermissions(t *testing.T) {
	if r := checkPermissions(context.Background(), testConfig(t)); r.Status != StatusPass {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckAuditDatabase(t *testing.T) {
	cfg := testConfig(t)
	if r := checkAuditDatabase(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("unexpected result %+v", r)
	}
	cfg.Audit.Enabled = false
	if r := checkAuditDatabase(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("disabled audit should skip, got %+v", r)
	}
}

func TestCheckPort_Free(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testConfig(t)
	cfg.Port = portOf(t, ln.Addr().String())
	_ = ln.Close()

	if r := checkPort(context.Background(), cfg); r.Status != StatusPass || !strings.Contains(r.Message, "free") {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckPort_HeldByBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "serverRunning": false})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Port = portOf(t, srv.Listener.Addr().String())
	if r := checkPort(context.Background(), cfg); r.Status != StatusPass || !strings.Contains(r.Message, "already serving") {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckPort_HeldByOther(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Port = portOf(t, srv.Listener.Addr().String())
	if r := checkPort(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckWorkspaceRoots(t *testing.T) {
	cfg := testConfig(t)
	if r := checkWorkspaceRoots(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("unexpected result %+v", r)
	}
	cfg.WorkspaceRoots = append(cfg.WorkspaceRoots, filepath.Join(cfg.HomeDir, "missing"))
	r := checkWorkspaceRoots(context.Background(), cfg)
	if r.Status != StatusWarn || !strings.Contains(r.Detail, "missing") {
		t.Fatalf("unexpected result %+v", r)
	}
	cfg.WorkspaceRoots = nil
	if r := checkWorkspaceRoots(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("no roots should warn, got %+v", r)
	}
}

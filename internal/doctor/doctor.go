// Package doctor runs local diagnostics for a bridge installation.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/mcp-bridge/internal/config"
	"github.com/basket/mcp-bridge/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

var probeClient = &http.Client{Timeout: 2 * time.Second}

// Run executes all diagnostic checks. loadErr is the error config.Load
// returned, if any; cfg still carries whatever was loaded.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkPermissions,
		checkAuditDatabase,
		checkPort,
		checkWorkspaceRoots,
		checkExternalTools,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error(), Detail: path}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults (no config.yaml)", Detail: path}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkAuditDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit Store", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Name: "Audit Store", Status: StatusSkip, Message: "Audit disabled"}
	}
	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		return CheckResult{Name: "Audit Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.Audit.DBPath}
	}
	defer store.Close()

	counts, err := store.CountDecisions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return CheckResult{Name: "Audit Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Audit Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid (last 24h: %d allow, %d deny)", counts["allow"], counts["deny"]),
		Detail:  cfg.Audit.DBPath,
	}
}

// checkPort distinguishes a free port, a port held by a running bridge, and
// a port held by something else.
func checkPort(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err == nil {
		_ = ln.Close()
		return CheckResult{Name: "Port", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.Addr())}
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return CheckResult{Name: "Port", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.Addr(), err)}
	}
	if running, perr := pingBridge(ctx, *cfg); perr == nil && running {
		return CheckResult{Name: "Port", Status: StatusPass, Message: fmt.Sprintf("A bridge is already serving on %s", cfg.Addr())}
	}
	return CheckResult{
		Name:    "Port",
		Status:  StatusFail,
		Message: fmt.Sprintf("%s is held by another process", cfg.Addr()),
		Detail:  "Stop that process or set a different port in config.yaml",
	}
}

func pingBridge(ctx context.Context, cfg config.Config) (bool, error) {
	host := cfg.BindHost
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusOK && body.Status == "ok", nil
}

func checkWorkspaceRoots(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.WorkspaceRoots) == 0 {
		return CheckResult{
			Name:    "Workspace",
			Status:  StatusWarn,
			Message: "No workspace roots configured",
			Detail:  "Every file write will be treated as outside the workspace",
		}
	}
	var missing []string
	for _, root := range cfg.WorkspaceRoots {
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			missing = append(missing, root)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Workspace",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d roots missing", len(missing), len(cfg.WorkspaceRoots)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Workspace", Status: StatusPass, Message: fmt.Sprintf("%d roots present", len(cfg.WorkspaceRoots))}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "External Tools", Status: StatusSkip, Message: "Config missing"}
	}
	if runtime.GOOS == "windows" {
		return CheckResult{Name: "External Tools", Status: StatusSkip, Message: "Not used on windows"}
	}
	var details []string
	status := StatusPass
	for _, tool := range []struct{ name, use string }{
		{"lsof", "port occupant hints"},
		{"stty", "terminal restore after prompts"},
	} {
		if _, err := exec.LookPath(tool.name); err != nil {
			details = append(details, fmt.Sprintf("%s: missing (%s)", tool.name, tool.use))
			status = StatusWarn
			continue
		}
		details = append(details, tool.name+": ok")
	}
	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

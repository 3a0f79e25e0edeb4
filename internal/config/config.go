package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

const (
	DefaultPort     = 60100
	DefaultBindHost = "127.0.0.1"

	ConfirmationUIQuickPick = "quickPick"
	ConfirmationUIStatusBar = "statusBar"
)

// ReadPermission gates file reads.
type ReadPermission struct {
	Enabled                 bool `yaml:"enabled"`
	IncludeOutsideWorkspace bool `yaml:"include_outside_workspace"`
}

// WritePermission gates file edits.
type WritePermission struct {
	Enabled                 bool `yaml:"enabled"`
	IncludeOutsideWorkspace bool `yaml:"include_outside_workspace"`
	IncludeProtectedFiles   bool `yaml:"include_protected_files"`
}

// ExecutePermission gates shell commands. An empty allow-list never auto-approves.
type ExecutePermission struct {
	Enabled         bool     `yaml:"enabled"`
	AllowedCommands []string `yaml:"allowed_commands"`
}

type TogglePermission struct {
	Enabled bool `yaml:"enabled"`
}

type Permissions struct {
	Read     ReadPermission    `yaml:"read"`
	Write    WritePermission   `yaml:"write"`
	Execute  ExecutePermission `yaml:"execute"`
	Debug    TogglePermission  `yaml:"debug"`
	Terminal TogglePermission  `yaml:"terminal"`
	Browser  TogglePermission  `yaml:"browser"`
}

// Limits bounds how many operations of one kind may be auto-approved per window.
type Limits struct {
	MaxRequests           int `yaml:"max_requests"`
	TimeWindowMinutes     int `yaml:"time_window_minutes"`
	RetryDelaySeconds     int `yaml:"retry_delay_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

func (l Limits) Window() time.Duration {
	return time.Duration(l.TimeWindowMinutes) * time.Minute
}

func (l Limits) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelaySeconds) * time.Second
}

func (l Limits) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutSeconds) * time.Second
}

// AutoApprovalConfig is the policy snapshot consulted on every decision.
type AutoApprovalConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Permissions Permissions `yaml:"permissions"`
	Limits      Limits      `yaml:"limits"`
}

func DefaultAutoApproval() AutoApprovalConfig {
	return AutoApprovalConfig{
		Limits: Limits{
			MaxRequests:           100,
			TimeWindowMinutes:     60,
			RetryDelaySeconds:     10,
			RequestTimeoutSeconds: 60,
		},
	}
}

type LifecycleConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds"`
	CloseTimeoutSeconds      int `yaml:"close_timeout_seconds"`
	HandoverSettleMillis     int `yaml:"handover_settle_ms"`
	// HandoverRetries is how many extra attempts are made when the handover
	// request fails for a reason other than connection refused.
	HandoverRetries int `yaml:"handover_retries"`
}

func (l LifecycleConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

func (l LifecycleConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

func (l LifecycleConfig) ShutdownTimeout() time.Duration {
	return time.Duration(l.ShutdownTimeoutSeconds) * time.Second
}

func (l LifecycleConfig) CloseTimeout() time.Duration {
	return time.Duration(l.CloseTimeoutSeconds) * time.Second
}

func (l LifecycleConfig) HandoverSettle() time.Duration {
	return time.Duration(l.HandoverSettleMillis) * time.Millisecond
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// RetentionDays of 0 keeps audit rows forever.
	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`
	DBPath            string `yaml:"db_path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Port     int    `yaml:"port"`
	BindHost string `yaml:"bind_host"`
	LogLevel string `yaml:"log_level"`

	// ConfirmationUI selects the strategy used when an operation is not auto-approved.
	ConfirmationUI                string `yaml:"confirmation_ui"`
	ConfirmNonDestructiveCommands bool   `yaml:"confirm_non_destructive_commands"`

	WorkspaceRoots         []string `yaml:"workspace_roots"`
	ExtraProtectedPatterns []string `yaml:"extra_protected_patterns"`

	// AllowOrigins controls which Origin headers are accepted on the /events websocket.
	AllowOrigins []string `yaml:"allow_origins"`

	AutoApproval AutoApprovalConfig `yaml:"auto_approval"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Audit        AuditConfig        `yaml:"audit"`
	Telemetry    otelPkg.Config     `yaml:"telemetry"`
}

// Addr is the host:port the transport binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// Fingerprint returns a stable hash of the settings that affect approval decisions.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	a := c.AutoApproval
	fmt.Fprintf(h, "port=%d|ui=%s|roots=%v|extra=%v|enabled=%t|perm=%+v|limits=%+v",
		c.Port, c.ConfirmationUI, c.WorkspaceRoots, c.ExtraProtectedPatterns, a.Enabled, a.Permissions, a.Limits)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		BindHost:       DefaultBindHost,
		LogLevel:       "info",
		ConfirmationUI: ConfirmationUIQuickPick,
		AutoApproval:   DefaultAutoApproval(),
		Lifecycle: LifecycleConfig{
			HeartbeatIntervalSeconds: 30,
			IdleTimeoutSeconds:       300,
			ShutdownTimeoutSeconds:   10,
			CloseTimeoutSeconds:      5,
			HandoverSettleMillis:     1000,
			HandoverRetries:          2,
		},
		Audit: AuditConfig{
			Enabled:           true,
			RetentionDays:     30,
			RetentionSchedule: "17 * * * *",
		},
		Telemetry: otelPkg.Config{
			Exporter:    "none",
			ServiceName: "mcp-bridge",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MCPBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mcpbridge")
}

// Load reads config.yaml from HomeDir(), applying env overrides on top.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MCPBRIDGE_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("MCPBRIDGE_BIND_HOST"); raw != "" {
		cfg.BindHost = raw
	}
	if raw := os.Getenv("MCPBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MCPBRIDGE_CONFIRMATION_UI"); raw != "" {
		cfg.ConfirmationUI = raw
	}
	if raw := os.Getenv("MCPBRIDGE_WORKSPACE"); raw != "" {
		cfg.WorkspaceRoots = filepath.SplitList(raw)
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindHost) == "" {
		cfg.BindHost = DefaultBindHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ConfirmationUI)) {
	case "statusbar", "status_bar", "status-bar":
		cfg.ConfirmationUI = ConfirmationUIStatusBar
	default:
		cfg.ConfirmationUI = ConfirmationUIQuickPick
	}

	roots := cfg.WorkspaceRoots[:0]
	for _, r := range cfg.WorkspaceRoots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			r = abs
		}
		roots = append(roots, filepath.Clean(r))
	}
	cfg.WorkspaceRoots = roots

	cmds := cfg.AutoApproval.Permissions.Execute.AllowedCommands[:0]
	for _, c := range cfg.AutoApproval.Permissions.Execute.AllowedCommands {
		if c = strings.TrimSpace(c); c != "" {
			cmds = append(cmds, c)
		}
	}
	cfg.AutoApproval.Permissions.Execute.AllowedCommands = cmds

	def := DefaultAutoApproval().Limits
	lim := &cfg.AutoApproval.Limits
	if lim.MaxRequests <= 0 {
		lim.MaxRequests = def.MaxRequests
	}
	if lim.TimeWindowMinutes <= 0 {
		lim.TimeWindowMinutes = def.TimeWindowMinutes
	}
	if lim.RetryDelaySeconds <= 0 {
		lim.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if lim.RequestTimeoutSeconds <= 0 {
		lim.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}

	lc := &cfg.Lifecycle
	if lc.HeartbeatIntervalSeconds <= 0 {
		lc.HeartbeatIntervalSeconds = 30
	}
	if lc.IdleTimeoutSeconds <= 0 {
		lc.IdleTimeoutSeconds = 300
	}
	if lc.ShutdownTimeoutSeconds <= 0 {
		lc.ShutdownTimeoutSeconds = 10
	}
	if lc.CloseTimeoutSeconds <= 0 {
		lc.CloseTimeoutSeconds = 5
	}
	if lc.HandoverSettleMillis < 0 {
		lc.HandoverSettleMillis = 1000
	}
	if lc.HandoverRetries < 0 {
		lc.HandoverRetries = 0
	}

	if strings.TrimSpace(cfg.Audit.RetentionSchedule) == "" {
		cfg.Audit.RetentionSchedule = "17 * * * *"
	}
	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = filepath.Join(cfg.HomeDir, "bridge.db")
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "mcp-bridge"
	}
	if cfg.Telemetry.Exporter == otelPkg.ExporterFile && cfg.Telemetry.TraceFile == "" {
		cfg.Telemetry.TraceFile = filepath.Join(cfg.HomeDir, "logs", "traces.jsonl")
	}
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}
	for _, p := range cfg.ExtraProtectedPatterns {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("extra_protected_patterns: invalid pattern %q", p))
		}
	}
	if cfg.Lifecycle.IdleTimeoutSeconds < cfg.Lifecycle.HeartbeatIntervalSeconds {
		errs = append(errs, fmt.Errorf("lifecycle.idle_timeout_seconds (%d) must be >= heartbeat_interval_seconds (%d)",
			cfg.Lifecycle.IdleTimeoutSeconds, cfg.Lifecycle.HeartbeatIntervalSeconds))
	}
	return errors.Join(errs...)
}

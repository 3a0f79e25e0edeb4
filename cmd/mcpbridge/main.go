package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/mcp-bridge/internal/approval"
	"github.com/basket/mcp-bridge/internal/audit"
	"github.com/basket/mcp-bridge/internal/bus"
	"github.com/basket/mcp-bridge/internal/config"
	"github.com/basket/mcp-bridge/internal/confirm"
	"github.com/basket/mcp-bridge/internal/cron"
	"github.com/basket/mcp-bridge/internal/host"
	"github.com/basket/mcp-bridge/internal/lifecycle"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
	"github.com/basket/mcp-bridge/internal/panel"
	"github.com/basket/mcp-bridge/internal/persistence"
	"github.com/basket/mcp-bridge/internal/telemetry"
	"github.com/basket/mcp-bridge/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otelPkg.Version

func printUsage(w io.Writer) {
	name := "mcpbridge"
	fmt.Fprintf(w, `Usage of %s:

  %s [serve] [--handover]     Run the bridge in the foreground
                                   --handover asks a running bridge to release the port first
  %s relay                    Relay newline-delimited JSON-RPC between stdio and the bridge
  %s status                   Show whether a bridge is listening (/ping)
  %s notify-tools-updated     Tell the bridge its tool list changed
  %s reset-limits             Clear the auto-approval rate limit counters
  %s audit [-n N] [-json]     Show recent approval decisions
  %s doctor [-json]           Check config, port, audit store and helpers

ENVIRONMENT VARIABLES:
  MCPBRIDGE_HOME              Data directory (default: ~/.mcpbridge)
  MCPBRIDGE_PORT              Override the configured port
  MCPBRIDGE_LOG_LEVEL         debug, info, warn or error
  MCPBRIDGE_CONFIRMATION_UI   quickPick or statusBar
  MCPBRIDGE_WORKSPACE         Workspace root for path checks
`, name, name, name, name, name, name, name, name)
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	case "serve":
		opts, err := parseServeArgs(args)
		if err != nil {
			if errors.Is(err, flag.ErrHelp) {
				printUsage(os.Stdout)
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(runServe(opts))
	case "relay":
		os.Exit(runRelayCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args, os.Stdout))
	case "notify-tools-updated":
		os.Exit(runPostCommand(ctx, "notify-tools-updated", "/notify-tools-updated", args, os.Stdout))
	case "reset-limits":
		os.Exit(runPostCommand(ctx, "reset-limits", "/reset-rate-limits", args, os.Stdout))
	case "audit":
		os.Exit(runAuditCommand(ctx, args, os.Stdout))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

type serveOptions struct {
	handover bool
}

func parseServeArgs(args []string) (serveOptions, error) {
	var opts serveOptions
	fs := newFlagSet("serve")
	fs.BoolVar(&opts.handover, "handover", false, "ask a running bridge to release the port first")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("usage: mcpbridge serve [--handover]")
	}
	return opts, nil
}

func runServe(opts serveOptions) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger failures are still recorded.
	rec, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer rec.Close()

	// Quiet logs (file-only) while the terminal prompt may be on screen.
	interactive := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "bridge", cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, rec, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if ip := net.ParseIP(cfg.BindHost); ip == nil || !ip.IsLoopback() {
		logger.Warn("bridge bound to a non-loopback address; any host that can reach it can drive tools",
			"bind_host", cfg.BindHost)
	}

	ctx := context.Background()
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, otelPkg.AttrPort.Int(cfg.Port))
	if err != nil {
		fatalStartup(logger, rec, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, rec, "E_OTEL_METRICS", err)
	}

	if cfg.Audit.Enabled {
		store, err := persistence.Open(cfg.Audit.DBPath)
		if err != nil {
			fatalStartup(logger, rec, "E_STORE_OPEN", err)
		}
		defer store.Close()
		rec.SetSink(store)
		retention := cron.NewScheduler(cron.Config{
			Store:    store,
			Logger:   logger,
			Schedule: cfg.Audit.RetentionSchedule,
			Days:     cfg.Audit.RetentionDays,
		})
		if err := retention.Start(ctx); err != nil {
			fatalStartup(logger, rec, "E_RETENTION_SCHEDULE", err)
		}
		defer retention.Stop()
		logger.Info("startup phase", "phase", "audit_store_opened", "path", cfg.Audit.DBPath)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	engine := approval.NewEngine(approval.Options{
		Policy:                 cfg.AutoApproval,
		WorkspaceRoots:         cfg.WorkspaceRoots,
		ExtraProtectedPatterns: cfg.ExtraProtectedPatterns,
		Logger:                 logger.With("component", "approval"),
		Metrics:                metrics,
	})
	logger.Info("startup phase", "phase", "policy_loaded",
		"policy_version", engine.PolicyVersion(), "policy", engine.StatusDescription())

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := panel.New(panel.Config{Bus: eventBus, AllowOrigins: cfg.AllowOrigins, Logger: logger.With("component", "panel")})
	go hub.Run(hubCtx)

	strategies := strategyDeps{
		hub:         hub,
		engine:      engine,
		interactive: interactive,
		logger:      logger.With("component", "confirm"),
	}
	gateway := confirm.NewGateway(confirm.GatewayConfig{
		Engine:                        engine,
		Strategy:                      strategies.build(cfg),
		ConfirmNonDestructiveCommands: cfg.ConfirmNonDestructiveCommands,
		Bus:                           eventBus,
		Audit:                         rec,
		Logger:                        logger.With("component", "confirm"),
		Tracer:                        otelProvider.Tracer,
		Metrics:                       metrics,
	})

	mgr := lifecycle.New(lifecycle.Config{
		HeartbeatInterval:     cfg.Lifecycle.HeartbeatInterval(),
		IdleTimeout:           cfg.Lifecycle.IdleTimeout(),
		ShutdownTimeout:       cfg.Lifecycle.ShutdownTimeout(),
		InstallSignalHandlers: true,
		Logger:                logger,
		Bus:                   eventBus,
		Metrics:               metrics,
	})
	defer mgr.Recover()

	tr := transport.New(transport.Config{
		Port:            cfg.Port,
		BindHost:        cfg.BindHost,
		CloseTimeout:    cfg.Lifecycle.CloseTimeout(),
		SettleDelay:     cfg.Lifecycle.HandoverSettle(),
		HandoverRetries: cfg.Lifecycle.HandoverRetries,
		Logger:          logger.With("component", "transport"),
		Bus:             eventBus,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
		OnActivity:      mgr.UpdateClientActivity,
		Notifier: func(msg string) {
			logger.Warn("operator notice", "message", msg)
			if interactive {
				fmt.Fprintln(os.Stderr, msg)
			}
		},
		Routes: map[string]http.Handler{
			"/events":            hub,
			"/reset-rate-limits": resetLimitsHandler(engine, rec, logger),
		},
	})

	dispatcher := host.New(host.Config{
		Sender:    tr,
		Confirmer: gateway,
		Version:   Version,
		Logger:    logger.With("component", "host"),
		Tracer:    otelProvider.Tracer,
	})
	statusTool := host.NewStatusTool(func(context.Context) (any, error) {
		return bridgeStatus(tr, mgr, engine, hub), nil
	})
	for _, t := range []host.Tool{statusTool, host.NewApprovalTool()} {
		if err := dispatcher.Register(t); err != nil {
			fatalStartup(logger, rec, "E_TOOL_REGISTER", err)
		}
	}
	tr.SetMessageHandler(dispatcher.Handle)
	tr.OnStatusChanged(func(from, to transport.Status) {
		logger.Info("transport status changed", "from", from, "to", to)
	})
	mgr.RegisterTransport(tr)

	if opts.handover {
		err = tr.RequestHandover(ctx)
	} else {
		err = tr.Start(ctx)
	}
	if err != nil {
		var bindErr *transport.PortBindError
		if errors.As(err, &bindErr) && isAddrInUse(bindErr.Err) {
			hint := portOccupantHint(cfg.Port)
			logger.Error("port in use", "port", cfg.Port, "hint", hint)
			fmt.Fprintln(os.Stderr, hint)
		}
		fatalStartup(logger, rec, "E_TRANSPORT_START", err)
	}
	tr.OnStatusChanged(shutdownOnRelease(mgr, logger))
	rec.Record("allow", "runtime.startup", "listening", engine.PolicyVersion(), tr.ListenAddr())
	logger.Info("startup phase", "phase", "listening", "addr", tr.ListenAddr(), "instance", tr.InstanceID())

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(hubCtx); err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	} else {
		go watchConfig(watcher, cfg, engine, gateway, strategies, mgr, logger)
	}

	<-mgr.Done()
	stopHub()
	logger.Info("bridge stopped")
	return 0
}

type shutdowner interface {
	Shutdown(ctx context.Context)
}

// shutdownOnRelease stops the process once a serving transport gives up
// its port, which is what a handover to a newer instance does. Observers
// run inside the transport's notification lock, so the shutdown that
// closes the transport again must not run inline.
func shutdownOnRelease(mgr shutdowner, logger *slog.Logger) transport.StatusObserver {
	return func(from, to transport.Status) {
		if to != transport.StatusStopped {
			return
		}
		if from != transport.StatusRunning && from != transport.StatusToolListUpdated {
			return
		}
		logger.Info("port released, shutting down", "from", from)
		go mgr.Shutdown(context.Background())
	}
}

// watchConfig applies policy edits without a restart. A change to
// config.yaml also counts as client activity.
func watchConfig(w *config.Watcher, current config.Config, engine *approval.Engine,
	gateway *confirm.Gateway, strategies strategyDeps, mgr *lifecycle.Manager, logger *slog.Logger) {
	for range w.Events() {
		mgr.UpdateClientActivity()
		next, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Warn("config reload rejected, keeping previous policy", "error", err)
			continue
		}
		if next.Fingerprint() == current.Fingerprint() &&
			next.ConfirmNonDestructiveCommands == current.ConfirmNonDestructiveCommands {
			continue
		}
		engine.Reload(next.AutoApproval, next.ExtraProtectedPatterns)
		engine.SetWorkspaceRoots(next.WorkspaceRoots)
		gateway.SetConfirmNonDestructiveCommands(next.ConfirmNonDestructiveCommands)
		if next.ConfirmationUI != current.ConfirmationUI {
			gateway.SetStrategy(strategies.build(next))
		}
		if next.Port != current.Port {
			logger.Warn("port change takes effect on restart", "port", next.Port)
		}
		logger.Info("config reloaded", "policy_version", engine.PolicyVersion(), "policy", engine.StatusDescription())
		current = next
	}
}

type strategyDeps struct {
	hub         *panel.Hub
	engine      *approval.Engine
	interactive bool
	logger      *slog.Logger
}

// build picks the confirmation strategy for cfg. The terminal prompt needs a
// TTY; without one the status bar runs with no fallback.
func (d strategyDeps) build(cfg config.Config) confirm.Strategy {
	var quick confirm.Strategy
	if d.interactive {
		quick = confirm.NewQuickPick(confirm.QuickPickConfig{
			Input:      os.Stdin,
			Output:     os.Stderr,
			ConfigPath: config.ConfigPath(cfg.HomeDir),
			Status:     d.engine.StatusDescription,
			Logger:     d.logger,
		})
	}
	statusBar := func(fallback confirm.Strategy) confirm.Strategy {
		var out io.Writer
		if d.interactive {
			out = os.Stderr
		}
		return confirm.NewStatusBar(confirm.StatusBarConfig{
			Prompter: d.hub,
			Fallback: fallback,
			Timeout:  cfg.AutoApproval.Limits.RequestTimeout(),
			Output:   out,
			Logger:   d.logger,
		})
	}

	switch {
	case cfg.ConfirmationUI == config.ConfirmationUIStatusBar:
		return statusBar(quick)
	case quick != nil:
		return quick
	default:
		d.logger.Warn("no terminal for quick pick prompts, using the status bar", "confirmation_ui", cfg.ConfirmationUI)
		return statusBar(nil)
	}
}

func bridgeStatus(tr *transport.Transport, mgr *lifecycle.Manager, engine *approval.Engine, hub *panel.Hub) map[string]any {
	lc := mgr.Status()
	return map[string]any{
		"transport": map[string]any{
			"status":   tr.Status(),
			"addr":     tr.ListenAddr(),
			"instance": tr.InstanceID(),
			"pending":  tr.PendingCount(),
		},
		"lifecycle": map[string]any{
			"is_active":              lc.IsActive,
			"last_activity":          lc.LastActivity.UTC().Format(time.RFC3339),
			"seconds_since_activity": int(lc.TimeSinceActivity.Seconds()),
		},
		"auto_approval": map[string]any{
			"status":         engine.StatusDescription(),
			"policy_version": engine.PolicyVersion(),
			"rate_limits":    engine.RateLimitState(),
		},
		"panel_clients": hub.ClientCount(),
	}
}

func resetLimitsHandler(engine *approval.Engine, rec *audit.Recorder, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		engine.ResetRateLimits()
		rec.Record("allow", "approval.reset_limits", "operator_request", engine.PolicyVersion(), r.RemoteAddr)
		logger.Info("auto-approval rate limits reset", "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true}`+"\n")
	})
}

func fatalStartup(logger *slog.Logger, rec *audit.Recorder, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	rec.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"bridge","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(port int) string {
	p := strconv.Itoa(port)
	// lsof identifies the occupying process on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+p)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.Join(strings.Fields(out), ",")
		return fmt.Sprintf("Port %s is occupied by PID %s. Run with --handover to take over from a running bridge, or change port in config.yaml.", p, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Run with --handover to take over from a running bridge, or change port in config.yaml.", p)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

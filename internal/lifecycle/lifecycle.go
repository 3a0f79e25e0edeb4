// Package lifecycle shuts the bridge down when its client goes quiet, when the
// process is signalled, or when something fails badly enough that lingering
// would leave an orphaned listener.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mcp-bridge/internal/bus"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

// Shutdown reasons.
const (
	ReasonClientTimeout = "client_timeout"
	ReasonManual        = "manual"
	ReasonFatal         = "fatal_error"
	ReasonPanic         = "panic"
)

// ErrShutdownTimeout is logged when the transport does not close within
// ShutdownTimeout.
var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

// Closer is the part of the transport the manager drives.
type Closer interface {
	Close(ctx context.Context) error
}

type Config struct {
	HeartbeatInterval time.Duration // default 30s
	IdleTimeout       time.Duration // default 5m
	ShutdownTimeout   time.Duration // default 10s
	ForceExitDelay    time.Duration // default 100ms

	// Exit terminates the process after a forced shutdown. Defaults to os.Exit.
	Exit func(code int)
	Now  func() time.Time

	// InstallSignalHandlers routes SIGINT and SIGTERM into a graceful shutdown.
	InstallSignalHandlers bool

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otelPkg.Metrics
}

// Status is derived on demand and never stored.
type Status struct {
	IsActive          bool          `json:"is_active"`
	LastActivity      time.Time     `json:"last_activity"`
	TimeSinceActivity time.Duration `json:"time_since_activity"`
}

type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otelPkg.Metrics

	mu            sync.Mutex
	transport     Closer
	lastActivity  time.Time
	heartbeatStop chan struct{}
	shuttingDown  bool

	signalOnce sync.Once
	sigCh      chan os.Signal
	done       chan struct{}
	doneOnce   sync.Once
	forceOnce  sync.Once
}

func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ForceExitDelay <= 0 {
		cfg.ForceExitDelay = 100 * time.Millisecond
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "lifecycle"),
		metrics:      metrics,
		lastActivity: cfg.Now(),
		done:         make(chan struct{}),
	}
}

// Done is closed once a graceful shutdown completes. After a forced shutdown
// it is closed only if Exit returns, which os.Exit never does.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// RegisterTransport starts monitoring t. The heartbeat restarts if one was
// already running; signal handlers are installed only once.
func (m *Manager) RegisterTransport(t Closer) {
	m.mu.Lock()
	m.transport = t
	m.lastActivity = m.cfg.Now()
	m.mu.Unlock()

	m.startHeartbeat()
	if m.cfg.InstallSignalHandlers {
		m.signalOnce.Do(m.installSignalHandlers)
	}
	m.logger.Info("transport registered, monitoring started",
		"heartbeat", m.cfg.HeartbeatInterval, "idle_timeout", m.cfg.IdleTimeout)
	m.cfg.Bus.Publish(bus.TopicLifecycleState, bus.LifecycleState{State: "running"})
}

// UpdateClientActivity resets the idle clock.
func (m *Manager) UpdateClientActivity() {
	m.mu.Lock()
	m.lastActivity = m.cfg.Now()
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsActive:          m.transport != nil && m.heartbeatStop != nil,
		LastActivity:      m.lastActivity,
		TimeSinceActivity: m.cfg.Now().Sub(m.lastActivity),
	}
}

func (m *Manager) startHeartbeat() {
	m.stopHeartbeat()

	stop := make(chan struct{})
	m.mu.Lock()
	m.heartbeatStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.heartbeat()
			}
		}
	}()
}

func (m *Manager) heartbeat() {
	m.mu.Lock()
	idle := m.cfg.Now().Sub(m.lastActivity)
	m.mu.Unlock()
	if idle > m.cfg.IdleTimeout {
		m.logger.Info("no client activity, initiating shutdown", "idle_seconds", int(idle.Seconds()))
		go m.gracefulShutdown(context.Background(), ReasonClientTimeout)
	}
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (m *Manager) installSignalHandlers() {
	m.sigCh = make(chan os.Signal, 2)
	signal.Notify(m.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-m.sigCh:
			reason := "SIGTERM"
			if sig == os.Interrupt {
				reason = "SIGINT"
			}
			m.gracefulShutdown(context.Background(), reason)
		case <-m.done:
		}
		signal.Stop(m.sigCh)
	}()
}

// Shutdown runs the graceful shutdown with reason "manual". Calls made while
// a shutdown is in flight return immediately.
func (m *Manager) Shutdown(ctx context.Context) {
	m.gracefulShutdown(ctx, ReasonManual)
}

// ReportFatal treats err as an unrecoverable failure of the process.
func (m *Manager) ReportFatal(err error) {
	m.logger.Error("fatal error, shutting down", "error", err)
	m.gracefulShutdown(context.Background(), ReasonFatal)
}

// Recover must be deferred directly. A panic in the deferring goroutine is
// logged and turned into a shutdown instead of a crash.
func (m *Manager) Recover() {
	if r := recover(); r != nil {
		m.logger.Error("panic, shutting down", "panic", fmt.Sprint(r))
		m.gracefulShutdown(context.Background(), ReasonPanic)
	}
}

func (m *Manager) gracefulShutdown(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.logger.Info("shutdown already in progress", "reason", reason)
		return
	}
	m.shuttingDown = true
	t := m.transport
	m.mu.Unlock()

	m.logger.Info("starting graceful shutdown", "reason", reason)
	m.stopHeartbeat()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		if t == nil {
			closed <- nil
			return
		}
		m.logger.Info("closing transport")
		closed <- t.Close(sctx)
	}()

	select {
	case err := <-closed:
		if err != nil {
			m.logger.Error("error during graceful shutdown", "reason", reason, "error", err)
			m.cfg.Bus.Publish(bus.TopicLifecycleState, bus.LifecycleState{State: "error", Reason: reason})
			m.forceShutdown(reason)
			return
		}
	case <-sctx.Done():
		m.logger.Error("graceful shutdown did not finish, forcing exit",
			"reason", reason, "error", ErrShutdownTimeout, "timeout", m.cfg.ShutdownTimeout)
		m.cfg.Bus.Publish(bus.TopicLifecycleState, bus.LifecycleState{State: "error", Reason: reason})
		m.forceShutdown(reason)
		return
	}

	m.mu.Lock()
	m.transport = nil
	m.mu.Unlock()
	m.recordShutdown(reason, "graceful")
	m.logger.Info("graceful shutdown completed", "reason", reason)
	m.cfg.Bus.Publish(bus.TopicLifecycleState, bus.LifecycleState{State: "stopped", Reason: reason})
	m.doneOnce.Do(func() { close(m.done) })
}

// forceShutdown is the last resort. It never panics: timers are cleared, the
// transport gets a close it does not wait for, and the process exits after
// ForceExitDelay so the log can flush.
func (m *Manager) forceShutdown(reason string) {
	m.forceOnce.Do(func() {
		defer func() { _ = recover() }()

		m.logger.Warn("force shutdown initiated", "reason", reason)
		m.recordShutdown(reason, "forced")
		m.stopHeartbeat()

		m.mu.Lock()
		t := m.transport
		m.transport = nil
		m.mu.Unlock()
		if t != nil {
			go func() {
				defer func() { _ = recover() }()
				_ = t.Close(context.Background())
			}()
		}

		// Done stays open until Exit has run, so a caller blocked on it
		// cannot return from main ahead of the forced exit code.
		time.AfterFunc(m.cfg.ForceExitDelay, func() {
			m.cfg.Exit(1)
			m.doneOnce.Do(func() { close(m.done) })
		})
	})
}

func (m *Manager) recordShutdown(reason, mode string) {
	m.metrics.Shutdowns.Add(context.Background(), 1, metric.WithAttributes(
		otelPkg.AttrReason.String(reason),
		otelPkg.AttrOutcome.String(mode),
	))
}

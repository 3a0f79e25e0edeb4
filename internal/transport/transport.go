// Package transport turns a request/response HTTP server into a full-duplex
// JSON-RPC channel. Requests are held open until the owning process sends the
// correlated response, and a handover endpoint lets a newer process take over
// the listening port from an older one.
package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mcp-bridge/internal/bus"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

type Status string

const (
	StatusStopped         Status = "stopped"
	StatusStarting        Status = "starting"
	StatusRunning         Status = "running"
	StatusToolListUpdated Status = "tool_list_updated"
)

const (
	defaultCloseTimeout = 5 * time.Second
	defaultSettleDelay  = time.Second
	maxBodyBytes        = 8 << 20
)

// MessageHandler consumes inbound requests and notifications. Requests are
// answered later through Transport.Send. A returned error becomes a 500 for
// the waiting HTTP caller.
type MessageHandler func(ctx context.Context, msg Message) error

// StatusObserver is called synchronously on every status transition, in
// registration order. Observers must not change the transport status.
type StatusObserver func(from, to Status)

type Config struct {
	Port     int
	BindHost string

	// CloseTimeout bounds the graceful part of Close. Zero means 5s.
	CloseTimeout time.Duration
	// SettleDelay is the wait between asking the previous owner to let go of
	// the port and binding it. Zero means 1s; negative means no wait.
	SettleDelay time.Duration
	// HandoverRetries is how many extra handover attempts follow a transient
	// failure. Connection refused is never retried.
	HandoverRetries int
	HandoverClient  *http.Client

	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics

	// OnActivity runs for every inbound HTTP request.
	OnActivity func()
	// Notifier shows a message to the human operator.
	Notifier func(msg string)
	// Routes are extra endpoints served next to the built-in ones.
	Routes map[string]http.Handler
}

type observerEntry struct {
	id int
	fn StatusObserver
}

type Transport struct {
	cfg        Config
	instanceID string
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics

	// notifyMu serialises transitions so observers see them in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	status    Status
	handler   MessageHandler
	server    *http.Server
	listener  net.Listener
	pending   map[string]chan []byte
	observers []observerEntry
	nextObsID int
}

func New(cfg Config) *Transport {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.HandoverClient == nil {
		cfg.HandoverClient = &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	id := uuid.NewString()
	return &Transport{
		cfg:        cfg,
		instanceID: id,
		logger:     logger.With("transport_id", id[:8]),
		tracer:     tracer,
		metrics:    metrics,
		status:     StatusStopped,
		pending:    make(map[string]chan []byte),
	}
}

// InstanceID identifies this transport in logs.
func (t *Transport) InstanceID() string {
	return t.instanceID
}

func (t *Transport) Port() int {
	return t.cfg.Port
}

// Addr is the host:port the transport binds.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.cfg.BindHost, strconv.Itoa(t.cfg.Port))
}

func (t *Transport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) messageHandler() MessageHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsRunning reports whether the transport is serving with no pending tool
// list notice.
func (t *Transport) IsRunning() bool {
	return t.Status() == StatusRunning
}

// OnStatusChanged registers an observer and returns a func that removes it.
func (t *Transport) OnStatusChanged(fn StatusObserver) (cancel func()) {
	t.mu.Lock()
	t.nextObsID++
	id := t.nextObsID
	t.observers = append(t.observers, observerEntry{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

// setStatus is the only way the status changes.
func (t *Transport) setStatus(to Status) {
	t.transition(nil, to)
}

// casStatus moves to the new status only if the current one is from.
func (t *Transport) casStatus(from, to Status) bool {
	return t.transition(&from, to)
}

func (t *Transport) transition(expect *Status, to Status) bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	from := t.status
	if expect != nil && from != *expect {
		t.mu.Unlock()
		return false
	}
	if from == to {
		t.mu.Unlock()
		return true
	}
	t.status = to
	observers := append([]observerEntry(nil), t.observers...)
	t.mu.Unlock()

	t.logger.Info("transport status changed", "from", from, "to", to)
	t.metrics.StatusTransitions.Add(context.Background(), 1, metric.WithAttributes(
		otelPkg.AttrStatus.String(string(to)),
		attribute.String("from", string(from)),
	))
	for _, o := range observers {
		o.fn(from, to)
	}
	t.cfg.Bus.Publish(bus.TopicStatusChanged, bus.StatusChangedEvent{From: string(from), To: string(to)})
	return true
}

// PendingCount is the number of HTTP callers waiting on a response.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

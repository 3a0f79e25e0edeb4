package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mcp-bridge/internal/bus"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

// Handler returns the HTTP surface of the bridge.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", t.handlePing)
	mux.HandleFunc("/request-handover", t.handleRequestHandover)
	mux.HandleFunc("/notify-tools-updated", t.handleNotifyToolsUpdated)
	for path, h := range t.cfg.Routes {
		mux.Handle(path, h)
	}
	mux.HandleFunc("/", t.handleMessage)
	return t.instrument(mux)
}

// instrument records activity, a server span and request duration for every
// request.
func (t *Transport) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.OnActivity != nil {
			t.cfg.OnActivity()
		}
		start := time.Now()
		ctx, span := otelPkg.StartServerSpan(r.Context(), t.tracer, "http "+r.URL.Path,
			otelPkg.AttrPath.String(r.URL.Path),
			otelPkg.AttrPort.Int(t.cfg.Port),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
		t.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrPath.String(r.URL.Path)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (t *Transport) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t.logger.Debug("ping received")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"serverRunning": t.IsRunning(),
	})
}

// handleRequestHandover acknowledges first and only then releases the port,
// so the acknowledgement cannot be lost with the socket.
func (t *Transport) handleRequestHandover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t.logger.Info("handover requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CloseTimeout+time.Second)
		defer cancel()
		_ = t.Close(ctx)
		t.logger.Info("released port after handover", "port", t.cfg.Port)
	}()
}

const toolsUpdatedNotice = "The tool list has been updated. Restart the MCP client so it picks up the new tool list."

func (t *Transport) handleNotifyToolsUpdated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t.logger.Info("tools updated notification received")
	if t.cfg.Notifier != nil {
		t.cfg.Notifier(toolsUpdatedNotice)
	}
	t.setStatus(StatusToolListUpdated)
	t.cfg.Bus.Publish(bus.TopicToolsUpdated, bus.ToolsUpdatedEvent{At: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		t.logger.Warn("read message body failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.logger.Warn("invalid JSON-RPC message", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	handler := t.messageHandler()
	if handler == nil {
		t.logger.Error("message dropped: no handler registered", "method", msg.Method)
		http.Error(w, "No message handler", http.StatusInternalServerError)
		return
	}

	if msg.Method == "tools/list" {
		t.casStatus(StatusToolListUpdated, StatusRunning)
	}

	ctx := r.Context()
	var (
		key string
		ch  chan []byte
	)
	if msg.IsRequest() {
		key = idKey(msg.ID)
		ch = t.registerPending(ctx, key)
	}

	t.logger.Debug("message received", "method", msg.Method, "id", key)
	if err := t.dispatch(ctx, handler, msg); err != nil {
		if ch != nil {
			t.dropPending(ctx, key, ch)
		}
		t.logger.Error("message handler failed", "method", msg.Method, "id", key, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if ch == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	select {
	case resp := <-ch:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	case <-ctx.Done():
		t.dropPending(context.Background(), key, ch)
		t.logger.Warn("caller went away before response", "method", msg.Method, "id", key)
	}
}

// dispatch runs the handler and turns a panic into an error so one bad
// message never takes the listener down.
func (t *Transport) dispatch(ctx context.Context, h MessageHandler, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}

// registerPending adds the response slot before the handler sees the
// message. A duplicate in-flight id replaces the earlier slot.
func (t *Transport) registerPending(ctx context.Context, key string) chan []byte {
	ch := make(chan []byte, 1)
	t.mu.Lock()
	_, dup := t.pending[key]
	t.pending[key] = ch
	t.mu.Unlock()
	if dup {
		t.logger.Warn("duplicate in-flight request id, earlier caller will not be answered", "id", key)
	} else {
		t.metrics.PendingResponses.Add(ctx, 1)
	}
	return ch
}

func (t *Transport) dropPending(ctx context.Context, key string, ch chan []byte) {
	t.mu.Lock()
	cur, ok := t.pending[key]
	if ok && cur == ch {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok && cur == ch {
		t.metrics.PendingResponses.Add(ctx, -1)
	}
}

// Send delivers a response to the HTTP caller waiting on its id. A response
// with no waiting caller is logged and dropped. Other messages are ignored.
func (t *Transport) Send(msg Message) error {
	if !msg.IsResponse() {
		t.logger.Debug("send ignored: not a response", "method", msg.Method)
		return nil
	}
	if msg.JSONRPC == "" {
		msg.JSONRPC = "2.0"
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	key := idKey(msg.ID)
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("NoPendingResponse: no caller waiting for response", "id", key)
		t.metrics.UnmatchedResponses.Add(context.Background(), 1)
		return nil
	}
	t.metrics.PendingResponses.Add(context.Background(), -1)
	ch <- body
	return nil
}

// Start binds the listener and serves in the background. It does not retry.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	running := t.server != nil
	t.mu.Unlock()
	if running {
		return ErrAlreadyStarted
	}

	t.setStatus(StatusStarting)
	ln, err := listenConfig().Listen(ctx, "tcp", t.Addr())
	if err != nil {
		t.setStatus(StatusStopped)
		t.logger.Error("bind failed", "addr", t.Addr(), "error", err)
		return &PortBindError{Port: t.cfg.Port, Err: err}
	}

	srv := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = srv
	t.listener = ln
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("serve failed", "error", err)
			t.mu.Lock()
			owned := t.server == srv
			if owned {
				t.server = nil
				t.listener = nil
			}
			t.mu.Unlock()
			if owned {
				t.setStatus(StatusStopped)
			}
		}
	}()

	t.logger.Info("bridge listening", "addr", ln.Addr().String())
	t.setStatus(StatusRunning)
	return nil
}

// Close stops the listener. It marks the transport stopped first, waits up
// to CloseTimeout for open requests, then drops whatever is left. It is
// idempotent and never fails.
func (t *Transport) Close(ctx context.Context) error {
	t.setStatus(StatusStopped)

	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.listener = nil
	t.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, t.cfg.CloseTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("graceful close timed out, forcing", "error", err)
		_ = srv.Close()
	}
	t.logger.Info("transport closed")
	return nil
}

// ListenAddr is the bound address, or "" when not listening.
func (t *Transport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

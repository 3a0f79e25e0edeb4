// Package panel serves the /events websocket that UI collaborators use to
// follow bridge state and answer approval prompts.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/mcp-bridge/internal/bus"
)

// ErrNoClients is returned by RequestApproval when nobody could answer.
var ErrNoClients = errors.New("no panel clients connected")

type Config struct {
	Bus *bus.Bus
	// AllowOrigins lists accepted Origin patterns for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string
	Logger       *slog.Logger
}

// Answer is a human decision received over the websocket.
type Answer struct {
	Approved bool
	Feedback string
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

type Hub struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	waitersMu sync.Mutex
	waiters   map[string]chan Answer
}

func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "panel"),
		clients: map[*client]struct{}{},
		waiters: map[string]chan Answer{},
	}
}

// Run forwards every bus event to connected clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.Bus == nil {
		return
	}
	sub := h.cfg.Bus.Subscribe("")
	defer h.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			h.broadcast(ev.Topic, ev.Payload)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn}
	h.addClient(c)
	h.logger.Info("panel client connected", "clients", h.ClientCount())
	defer func() {
		h.removeClient(c)
		h.logger.Info("panel client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var msg rpcMessage
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			h.logger.Debug("panel read ended", "error", err)
			return
		}
		resp := h.handle(msg)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			h.logger.Warn("panel write failed", "method", msg.Method, "error", err)
			return
		}
	}
}

type respondParams struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	Feedback   string `json:"feedback,omitempty"`
}

func (h *Hub) handle(msg rpcMessage) *rpcMessage {
	var (
		result any
		rpcErr *rpcError
	)
	switch msg.Method {
	case "approval.respond":
		var p respondParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			rpcErr = &rpcError{Code: -32602, Message: "invalid params"}
			break
		}
		if err := h.Respond(p.ApprovalID, p.Decision, p.Feedback); err != nil {
			rpcErr = &rpcError{Code: 1000, Message: err.Error()}
			break
		}
		result = map[string]any{"ok": true}
	case "approval.pending":
		result = map[string]any{"approval_ids": h.pendingIDs()}
	default:
		rpcErr = &rpcError{Code: -32601, Message: "method not found"}
	}
	if len(msg.ID) == 0 {
		return nil
	}
	return &rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: result, Error: rpcErr}
}

// Respond records a decision for a pending approval. decision is "approve"
// or "deny".
func (h *Hub) Respond(approvalID, decision, feedback string) error {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != "approve" && decision != "deny" {
		return fmt.Errorf("decision must be approve or deny")
	}
	h.waitersMu.Lock()
	ch, ok := h.waiters[approvalID]
	if ok {
		delete(h.waiters, approvalID)
	}
	h.waitersMu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %q not found", approvalID)
	}
	ch <- Answer{Approved: decision == "approve", Feedback: feedback}
	return nil
}

func (h *Hub) pendingIDs() []string {
	h.waitersMu.Lock()
	defer h.waitersMu.Unlock()
	ids := make([]string, 0, len(h.waiters))
	for id := range h.waiters {
		ids = append(ids, id)
	}
	return ids
}

// RequestApproval publishes an approval.required event and blocks until a
// client answers or ctx ends. The prompt's ApprovalID and CreatedAt are
// filled in when empty.
func (h *Hub) RequestApproval(ctx context.Context, prompt bus.ApprovalRequired) (Answer, error) {
	if h.ClientCount() == 0 {
		return Answer{}, ErrNoClients
	}
	if prompt.ApprovalID == "" {
		prompt.ApprovalID = uuid.NewString()
	}
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}
	if dl, ok := ctx.Deadline(); ok && prompt.ExpiresAt.IsZero() {
		prompt.ExpiresAt = dl.UTC()
	}

	ch := make(chan Answer, 1)
	h.waitersMu.Lock()
	h.waiters[prompt.ApprovalID] = ch
	h.waitersMu.Unlock()

	h.publish(bus.TopicApprovalRequired, prompt)

	select {
	case a := <-ch:
		status := "DENIED"
		if a.Approved {
			status = "APPROVED"
		}
		h.publish(bus.TopicApprovalUpdated, bus.ApprovalUpdated{ApprovalID: prompt.ApprovalID, Status: status, Feedback: a.Feedback})
		return a, nil
	case <-ctx.Done():
		h.waitersMu.Lock()
		delete(h.waiters, prompt.ApprovalID)
		h.waitersMu.Unlock()
		h.publish(bus.TopicApprovalUpdated, bus.ApprovalUpdated{ApprovalID: prompt.ApprovalID, Status: "EXPIRED"})
		h.logger.Info("approval request expired", "approval_id", prompt.ApprovalID)
		return Answer{}, ctx.Err()
	}
}

// publish goes through the bus when there is one so every listener sees the
// event, and straight to clients otherwise.
func (h *Hub) publish(topic string, payload any) {
	if h.cfg.Bus != nil {
		h.cfg.Bus.Publish(topic, payload)
		return
	}
	h.broadcast(topic, payload)
}

func (h *Hub) broadcast(method string, params any) {
	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	h.logger.Debug("broadcast", "method", method, "clients", len(clients))
	for _, c := range clients {
		if err := c.write(context.Background(), notification{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
			h.logger.Warn("broadcast write failed", "method", method, "error", err)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, c)
}

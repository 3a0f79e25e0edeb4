package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mcp-bridge/internal/confirm"
	otelPkg "github.com/basket/mcp-bridge/internal/otel"
	"github.com/basket/mcp-bridge/internal/transport"
)

const defaultProtocolVersion = "2024-11-05"

// Sender delivers responses back to the waiting HTTP caller.
// *transport.Transport implements it.
type Sender interface {
	Send(msg transport.Message) error
}

// Confirmer asks for permission before a gated tool runs.
// *confirm.Gateway implements it.
type Confirmer interface {
	Confirm(ctx context.Context, req confirm.Request) (confirm.Decision, error)
}

type Config struct {
	Sender    Sender
	Confirmer Confirmer
	Name      string
	Version   string
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Dispatcher routes inbound JSON-RPC messages. Handle is the transport's
// MessageHandler.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	tools map[string]registeredTool

	wg sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	if cfg.Name == "" {
		cfg.Name = "mcp-bridge"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: cfg.Tracer,
		tools:  make(map[string]registeredTool),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("host")
	}
	return d
}

// Register adds a tool. Its input schema is compiled up front so a broken
// schema fails here rather than on the first call.
func (d *Dispatcher) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return errors.New("tool name is required")
	}
	schema, err := compileSchema(name, t.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	d.tools[name] = registeredTool{tool: t, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// Wait blocks until in-flight tool calls have replied.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle answers requests and acknowledges notifications. Tool calls run on
// their own goroutine so a call waiting for confirmation does not hold up
// the caller's other requests; the reply goes through Sender either way.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) error {
	switch {
	case msg.IsNotification():
		d.logger.Debug("notification received", "method", msg.Method)
		return nil
	case !msg.IsRequest():
		d.logger.Debug("ignoring message without method", "id", string(msg.ID))
		return nil
	}

	switch msg.Method {
	case "initialize":
		return d.reply(msg.ID, d.initialize(msg.Params))
	case "ping":
		return d.reply(msg.ID, struct{}{})
	case "tools/list":
		return d.reply(msg.ID, map[string]any{"tools": d.list()})
	case "tools/call":
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			resp := d.safeCall(ctx, msg)
			if err := d.cfg.Sender.Send(resp); err != nil {
				d.logger.Error("send tool result failed", "id", string(msg.ID), "error", err)
			}
		}()
		return nil
	default:
		return d.cfg.Sender.Send(transport.NewErrorResponse(msg.ID, transport.CodeMethodNotFound, "method not found: "+msg.Method))
	}
}

// safeCall turns a panic in a tool into an internal error reply for that
// request only.
func (d *Dispatcher) safeCall(ctx context.Context, msg transport.Message) (resp transport.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tool call panicked", "id", string(msg.ID), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			resp = transport.NewErrorResponse(msg.ID, transport.CodeInternal, "Internal Server Error")
		}
	}()
	return d.call(ctx, msg)
}

func (d *Dispatcher) reply(id json.RawMessage, result any) error {
	resp, err := transport.NewResponse(id, result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return d.cfg.Sender.Send(resp)
}

func (d *Dispatcher) initialize(params json.RawMessage) map[string]any {
	version := defaultProtocolVersion
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 && json.Unmarshal(params, &p) == nil && p.ProtocolVersion != "" {
		version = p.ProtocolVersion
	}
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    d.cfg.Name,
			"version": d.cfg.Version,
		},
	}
}

func (d *Dispatcher) list() []toolInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]toolInfo, 0, len(d.tools))
	for _, rt := range d.tools {
		schema := rt.tool.InputSchema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, toolInfo{Name: rt.tool.Name(), Description: rt.tool.Description(), InputSchema: schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) call(ctx context.Context, msg transport.Message) transport.Message {
	var p callParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Name == "" {
		return transport.NewErrorResponse(msg.ID, transport.CodeInvalidParams, "tools/call requires a tool name")
	}
	if len(p.Arguments) == 0 || string(p.Arguments) == "null" {
		p.Arguments = json.RawMessage(`{}`)
	}

	d.mu.RLock()
	rt, ok := d.tools[p.Name]
	d.mu.RUnlock()
	if !ok {
		return transport.NewErrorResponse(msg.ID, transport.CodeInvalidParams, "unknown tool: "+p.Name)
	}

	ctx, span := otelPkg.StartSpan(ctx, d.tracer, "host.tools_call", otelPkg.AttrToolName.String(p.Name))
	defer span.End()

	args, err := jsonschema.UnmarshalJSON(strings.NewReader(string(p.Arguments)))
	if err != nil {
		return transport.NewErrorResponse(msg.ID, transport.CodeInvalidParams, fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := rt.schema.Validate(args); err != nil {
		return transport.NewErrorResponse(msg.ID, transport.CodeInvalidParams, fmt.Sprintf("invalid arguments: %v", err))
	}

	result, err := d.run(ctx, rt.tool, p.Arguments)
	if err != nil {
		span.RecordError(err)
		d.logger.Error("tool call failed", "tool", p.Name, "error", err)
		result = errorResult(err.Error())
	}
	resp, err := transport.NewResponse(msg.ID, result)
	if err != nil {
		return transport.NewErrorResponse(msg.ID, transport.CodeInternal, "encode tool result")
	}
	return resp
}

func (d *Dispatcher) run(ctx context.Context, t Tool, args json.RawMessage) (CallResult, error) {
	gated, ok := t.(Gated)
	if !ok {
		return t.Call(ctx, args)
	}
	op, err := gated.Operation(args)
	if err != nil {
		return CallResult{}, err
	}
	if d.cfg.Confirmer == nil {
		return TextResult("Operation denied: no confirmation channel is configured."), nil
	}
	decision, err := d.cfg.Confirmer.Confirm(ctx, confirm.Request{
		Message:   op.Description,
		Detail:    op.Subject(),
		Operation: &op,
	})
	if err != nil {
		return CallResult{}, fmt.Errorf("confirmation: %w", err)
	}
	if !decision.Approved {
		text := "Operation was denied by the user."
		if decision.Feedback != "" {
			text += " Feedback: " + decision.Feedback
		}
		return TextResult(text), nil
	}
	return t.Call(ctx, args)
}

package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/mcp-bridge/internal/approval"
	"github.com/basket/mcp-bridge/internal/confirm"
	"github.com/basket/mcp-bridge/internal/transport"
)

type recordingSender struct {
	ch chan transport.Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan transport.Message, 16)}
}

func (s *recordingSender) Send(msg transport.Message) error {
	s.ch <- msg
	return nil
}

func (s *recordingSender) next(t *testing.T) transport.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return transport.Message{}
	}
}

type stubConfirmer struct {
	mu       sync.Mutex
	decision confirm.Decision
	err      error
	reqs     []confirm.Request
}

func (c *stubConfirmer) Confirm(_ context.Context, req confirm.Request) (confirm.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.decision, c.err
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo text back." }
func (echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (echoTool) Call(_ context.Context, args json.RawMessage) (CallResult, error) {
	var a struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return CallResult{}, err
	}
	if a.Text == "fail" {
		return CallResult{}, errors.New("echo refused")
	}
	return TextResult(a.Text), nil
}

func request(id, method, params string) transport.Message {
	m := transport.Message{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method}
	if params != "" {
		m.Params = json.RawMessage(params)
	}
	return m
}

func decodeResult(t *testing.T, m transport.Message, v any) {
	t.Helper()
	if m.Error != nil {
		t.Fatalf("unexpected error response: %+v", m.Error)
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func newDispatcher(t *testing.T, c Confirmer) (*Dispatcher, *recordingSender) {
	t.Helper()
	s := newRecordingSender()
	d := New(Config{Sender: s, Confirmer: c, Version: "test"})
	if err := d.Register(echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return d, s
}

func TestDispatcher_Initialize(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Handle(context.Background(), request("1", "initialize", `{"protocolVersion":"2025-03-26"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	decodeResult(t, s.next(t), &res)
	if res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("expected client protocol version echoed, got %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "mcp-bridge" || res.ServerInfo.Version != "test" {
		t.Fatalf("unexpected server info %+v", res.ServerInfo)
	}
}

func TestDispatcher_ToolsListSorted(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Register(NewApprovalTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Handle(context.Background(), request(`"a"`, "tools/list", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	m := s.next(t)
	if string(m.ID) != `"a"` {
		t.Fatalf("response id must match request id, got %s", m.ID)
	}
	var res struct {
		Tools []toolInfo `json:"tools"`
	}
	decodeResult(t, m, &res)
	if len(res.Tools) != 2 || res.Tools[0].Name != "echo" || res.Tools[1].Name != "request_approval" {
		t.Fatalf("unexpected tool list %+v", res.Tools)
	}
}

func TestDispatcher_RegisterRejectsDuplicatesAndBadSchemas(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	if err := d.Register(echoTool{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := d.Register(badSchemaTool{}); err == nil {
		t.Fatal("expected schema compile error")
	}
}

type badSchemaTool struct{ echoTool }

func (badSchemaTool) Name() string { return "bad" }
func (badSchemaTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": 12}`)
}

func TestDispatcher_ToolCall(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Handle(context.Background(), request("7", "tools/call", `{"name":"echo","arguments":{"text":"hi"}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var res CallResult
	decodeResult(t, s.next(t), &res)
	if len(res.Content) != 1 || res.Content[0].Text != "hi" || res.IsError {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatcher_ToolCallInvalidArguments(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Handle(context.Background(), request("8", "tools/call", `{"name":"echo","arguments":{"text":5}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	m := s.next(t)
	if m.Error == nil || m.Error.Code != transport.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", m)
	}
}

func TestDispatcher_ToolErrorBecomesErrorResult(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Handle(context.Background(), request("9", "tools/call", `{"name":"echo","arguments":{"text":"fail"}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var res CallResult
	decodeResult(t, s.next(t), &res)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "echo refused") {
		t.Fatalf("expected error result, got %+v", res)
	}
}

func TestDispatcher_UnknownToolAndMethod(t *testing.T) {
	d, s := newDispatcher(t, nil)
	_ = d.Handle(context.Background(), request("10", "tools/call", `{"name":"nope"}`))
	if m := s.next(t); m.Error == nil || m.Error.Code != transport.CodeInvalidParams {
		t.Fatalf("expected invalid params for unknown tool, got %+v", m)
	}
	_ = d.Handle(context.Background(), request("11", "resources/list", ""))
	if m := s.next(t); m.Error == nil || m.Error.Code != transport.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", m)
	}
}

func TestDispatcher_NotificationsAreNotAnswered(t *testing.T) {
	d, s := newDispatcher(t, nil)
	if err := d.Handle(context.Background(), transport.Message{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	select {
	case m := <-s.ch:
		t.Fatalf("notification must not produce a reply, got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_GatedToolApproved(t *testing.T) {
	c := &stubConfirmer{decision: confirm.Decision{Approved: true}}
	d, s := newDispatcher(t, c)
	if err := d.Register(NewApprovalTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := `{"name":"request_approval","arguments":{"operation":"execute","description":"Execute: npm test","command":"npm test"}}`
	if err := d.Handle(context.Background(), request("12", "tools/call", args)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var res CallResult
	decodeResult(t, s.next(t), &res)
	if res.Content[0].Text != "Approve" {
		t.Fatalf("expected Approve, got %+v", res)
	}
	d.Wait()
	if len(c.reqs) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(c.reqs))
	}
	op := c.reqs[0].Operation
	if op == nil || op.Operation != approval.OpExecute || op.Command != "npm test" || !op.IsDestructive {
		t.Fatalf("unexpected operation %+v", op)
	}
}

func TestDispatcher_GatedToolDeniedWithFeedback(t *testing.T) {
	c := &stubConfirmer{decision: confirm.Decision{Feedback: "run lint first"}}
	d, s := newDispatcher(t, c)
	if err := d.Register(NewApprovalTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := `{"name":"request_approval","arguments":{"operation":"write","description":"Write a.txt","file_path":"a.txt"}}`
	_ = d.Handle(context.Background(), request("13", "tools/call", args))
	var res CallResult
	decodeResult(t, s.next(t), &res)
	text := res.Content[0].Text
	if !strings.Contains(text, "denied") || !strings.Contains(text, "Feedback: run lint first") {
		t.Fatalf("expected denial with feedback, got %q", text)
	}
}

func TestDispatcher_GatedToolRejectsUnknownOperation(t *testing.T) {
	d, s := newDispatcher(t, &stubConfirmer{})
	if err := d.Register(NewApprovalTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := `{"name":"request_approval","arguments":{"operation":"format","description":"Format disk"}}`
	_ = d.Handle(context.Background(), request("14", "tools/call", args))
	if m := s.next(t); m.Error == nil || m.Error.Code != transport.CodeInvalidParams {
		t.Fatalf("expected schema enum violation, got %+v", m)
	}
}

func TestStatusTool(t *testing.T) {
	s := newRecordingSender()
	d := New(Config{Sender: s})
	err := d.Register(NewStatusTool(func(context.Context) (any, error) {
		return map[string]any{"transport": "running"}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = d.Handle(context.Background(), request("15", "tools/call", `{"name":"bridge_status"}`))
	var res CallResult
	decodeResult(t, s.next(t), &res)
	if !strings.Contains(res.Content[0].Text, `"transport": "running"`) {
		t.Fatalf("unexpected status text %q", res.Content[0].Text)
	}
}

type panicTool struct{ echoTool }

func (panicTool) Name() string                 { return "boom" }
func (panicTool) InputSchema() json.RawMessage { return nil }
func (panicTool) Call(context.Context, json.RawMessage) (CallResult, error) {
	panic("tool bug")
}

type panicGatedTool struct{ panicTool }

func (panicGatedTool) Name() string { return "boom_gated" }
func (panicGatedTool) Operation(json.RawMessage) (approval.OperationContext, error) {
	panic("operation bug")
}

func TestDispatcher_ToolPanicBecomesInternalError(t *testing.T) {
	tr := transport.New(transport.Config{Port: 60100})
	d := New(Config{Sender: tr, Confirmer: &stubConfirmer{decision: confirm.Decision{Approved: true}}})
	for _, tool := range []Tool{echoTool{}, panicTool{}, panicGatedTool{}} {
		if err := d.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	tr.SetMessageHandler(d.Handle)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	post := func(body string) (int, string) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	for i, name := range []string{"boom", "boom_gated"} {
		id := strconv.Itoa(7 + i)
		code, body := post(`{"jsonrpc":"2.0","id":` + id + `,"method":"tools/call","params":{"name":"` + name + `"}}`)
		if code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %q", name, code, body)
		}
		var resp transport.Message
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if string(resp.ID) != id || resp.Error == nil || resp.Error.Code != transport.CodeInternal {
			t.Fatalf("%s: expected internal error reply, got %s", name, body)
		}
	}

	// The bridge keeps serving after the panics.
	code, body := post(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"echo","arguments":{"text":"still here"}}}`)
	if code != http.StatusOK || !strings.Contains(body, "still here") {
		t.Fatalf("follow-up call failed: %d %q", code, body)
	}
	d.Wait()
}

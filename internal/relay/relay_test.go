package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/mcp-bridge/internal/transport"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// fakeBridge answers /ping only while up is set, the way a port with no
// bridge behind it (or a proxy in front of a dead one) fails.
func fakeBridge(t *testing.T, up *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "serverRunning": true})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &msg)
		switch {
		case msg.Method == "boom":
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		case len(msg.ID) == 0:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{"method": msg.Method}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRelay_ForwardsRequestsAndSkipsNotifications(t *testing.T) {
	var running atomic.Bool
	running.Store(true)
	srv := fakeBridge(t, &running)
	r := New(Config{BaseURL: srv.URL})

	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"b","method":"tools/list"}`,
	}, "\n"))
	out := &lockedBuffer{}
	if err := r.Run(context.Background(), in, out); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := out.lines()
	if len(lines) != 2 {
		t.Fatalf("expected two replies, got %q", lines)
	}
	sort.Strings(lines)
	if !strings.Contains(lines[0], `"id":"b"`) || !strings.Contains(lines[1], `"id":1`) {
		t.Fatalf("unexpected replies %q", lines)
	}
}

func TestRelay_BridgeErrorBecomesRPCError(t *testing.T) {
	var running atomic.Bool
	running.Store(true)
	srv := fakeBridge(t, &running)
	r := New(Config{BaseURL: srv.URL})

	out := &lockedBuffer{}
	if err := r.Run(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"boom"}`+"\n"), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := out.lines()
	if len(lines) != 1 {
		t.Fatalf("expected one reply, got %q", lines)
	}
	var resp struct {
		ID    int `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.ID != 5 || resp.Error.Code != -32603 || resp.Error.Message != "Internal Server Error" {
		t.Fatalf("unexpected error reply %+v", resp)
	}
}

func TestRelay_MalformedLine(t *testing.T) {
	r := New(Config{BaseURL: "http://127.0.0.1:1"})
	out := &lockedBuffer{}
	if err := r.Run(context.Background(), strings.NewReader("{not json\n"), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := out.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "-32700") {
		t.Fatalf("expected parse error reply, got %q", lines)
	}
}

func TestRelay_WaitReady(t *testing.T) {
	var running atomic.Bool
	srv := fakeBridge(t, &running)
	r := New(Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, ReadyTimeout: 2 * time.Second})

	go func() {
		time.Sleep(50 * time.Millisecond)
		running.Store(true)
	}()
	if err := r.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestRelay_WaitReadyTimesOut(t *testing.T) {
	var running atomic.Bool
	srv := fakeBridge(t, &running)
	r := New(Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, ReadyTimeout: 60 * time.Millisecond})
	err := r.WaitReady(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unexpected status 503") {
		t.Fatalf("expected not-ready error, got %v", err)
	}
}

func TestRelay_ReadyWhileToolListUpdated(t *testing.T) {
	tr := transport.New(transport.Config{Port: 60100})
	tr.SetMessageHandler(func(_ context.Context, msg transport.Message) error {
		resp, err := transport.NewResponse(msg.ID, map[string]any{"tools": []any{}})
		if err != nil {
			return err
		}
		return tr.Send(resp)
	})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/notify-tools-updated", "application/json", nil)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	_ = resp.Body.Close()
	if tr.Status() != transport.StatusToolListUpdated {
		t.Fatalf("status = %s, want tool_list_updated", tr.Status())
	}

	r := New(Config{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, ReadyTimeout: time.Second})
	if err := r.WaitReady(context.Background()); err != nil {
		t.Fatalf("relay should start against an updated tool list: %v", err)
	}

	out := &lockedBuffer{}
	if err := r.Run(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n"), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if lines := out.lines(); len(lines) != 1 || !strings.Contains(lines[0], `"tools"`) {
		t.Fatalf("unexpected reply %q", lines)
	}
	if tr.Status() == transport.StatusToolListUpdated {
		t.Fatal("forwarded tools/list should clear tool_list_updated")
	}
}

// Package relay connects a stdio MCP client to a running bridge. Each line
// on the input is one JSON-RPC message that is POSTed to the bridge; replies
// are written back one per line.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxLineBytes = 16 << 20

type Config struct {
	// BaseURL is the bridge address, e.g. http://127.0.0.1:60100.
	BaseURL string
	Client  *http.Client
	// ReadyTimeout bounds the wait for the bridge to answer /ping.
	ReadyTimeout time.Duration
	// PollInterval is the /ping retry interval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Relay struct {
	cfg    Config
	logger *slog.Logger

	outMu sync.Mutex
	wg    sync.WaitGroup
}

func New(cfg Config) *Relay {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger}
}

// WaitReady polls /ping until the bridge answers. Any status counts,
// including tool_list_updated: that state is only cleared by the tools/list
// this relay is about to forward.
func (r *Relay) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		err := r.ping(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil || lastErr == nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bridge at %s not ready: %w", r.cfg.BaseURL, lastErr)
		case <-ticker.C:
		}
	}
}

func (r *Relay) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode ping: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("ping: bridge reported status %q", body.Status)
	}
	return nil
}

// Run forwards messages from in until it is exhausted or ctx ends, then
// waits for outstanding replies.
func (r *Relay) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	defer r.wg.Wait()

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := append([]byte(nil), line...)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.forward(ctx, msg, out)
		}()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

func (r *Relay) forward(ctx context.Context, msg []byte, out io.Writer) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("dropping malformed input line", "error", err)
		r.write(out, errorLine(nil, -32700, "Parse error"))
		return
	}
	wantsReply := len(env.ID) > 0 && string(env.ID) != "null" && env.Method != ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/", bytes.NewReader(msg))
	if err != nil {
		r.logger.Error("build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		r.logger.Error("bridge request failed", "method", env.Method, "error", err)
		if wantsReply {
			r.write(out, errorLine(env.ID, -32603, "bridge unavailable: "+err.Error()))
		}
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Error("read bridge response failed", "method", env.Method, "error", err)
		if wantsReply {
			r.write(out, errorLine(env.ID, -32603, "bridge response truncated"))
		}
		return
	}

	if !wantsReply {
		if resp.StatusCode != http.StatusOK {
			r.logger.Warn("bridge rejected message", "method", env.Method, "status", resp.StatusCode)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		r.write(out, errorLine(env.ID, -32603, strings.TrimSpace(string(body))))
		return
	}
	r.write(out, bytes.TrimSpace(body))
}

func (r *Relay) write(out io.Writer, line []byte) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if _, err := out.Write(append(line, '\n')); err != nil {
		r.logger.Error("write output failed", "error", err)
	}
}

func errorLine(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	return b
}

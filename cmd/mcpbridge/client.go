package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/basket/mcp-bridge/internal/config"
	"github.com/basket/mcp-bridge/internal/persistence"
	"github.com/basket/mcp-bridge/internal/relay"
	"github.com/basket/mcp-bridge/internal/telemetry"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// bridgeURL is where local clients reach the bridge. Wildcard binds are
// reached over loopback.
func bridgeURL(cfg config.Config) string {
	host := cfg.BindHost
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: mcpbridge status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return doRequest(ctx, http.MethodGet, bridgeURL(cfg)+"/ping", "status", out)
}

func runPostCommand(ctx context.Context, name, path string, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintf(os.Stderr, "usage: mcpbridge %s\n", name)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return doRequest(ctx, http.MethodPost, bridgeURL(cfg)+path, name, out)
}

func doRequest(ctx context.Context, method, url, name string, out io.Writer) int {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runRelayCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: mcpbridge relay")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	// Stdout carries the JSON-RPC stream, so logs only go to the file.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "relay", cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	r := relay.New(relay.Config{BaseURL: bridgeURL(cfg), Logger: logger})
	if err := r.WaitReady(ctx); err != nil {
		logger.Error("bridge not reachable", "error", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := r.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("relay stopped", "error", err)
		return 1
	}
	return 0
}

func runAuditCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("audit")
	limit := fs.Int("n", 20, "number of entries to show")
	asJSON := fs.Bool("json", false, "print entries as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: mcpbridge audit [-n N] [-json]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit store: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.ListAudit(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDECISION\tACTION\tREASON\tSUBJECT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Decision, e.Action, e.Reason, e.Subject)
	}
	_ = tw.Flush()
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/mcp-bridge/internal/config"
	"github.com/basket/mcp-bridge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: mcpbridge doctor [-json]")
		return 2
	}

	// A load error is reported as a failed check rather than aborting.
	cfg, loadErr := config.Load()
	diag := doctor.Run(ctx, &cfg, loadErr, Version)

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "mcpbridge doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(out, "[%s] %-15s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

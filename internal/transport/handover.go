package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/mcp-bridge/internal/otel"
)

const handoverBackoff = 200 * time.Millisecond

// RequestHandover asks whichever bridge holds the port to release it, waits
// for the port to settle and then starts this transport. A rejected or
// unanswered request is logged and treated as a free port. Only the final
// Start error is returned.
func (t *Transport) RequestHandover(ctx context.Context) error {
	t.setStatus(StatusStarting)

	hctx, span := otelPkg.StartClientSpan(ctx, t.tracer, "transport.handover",
		otelPkg.AttrPort.Int(t.cfg.Port))
	err := t.askForHandover(hctx)
	outcome := "accepted"
	switch {
	case errors.Is(err, ErrHandoverRejected):
		outcome = "rejected"
	case errors.Is(err, ErrHandoverUnreachable):
		outcome = "unreachable"
	case err != nil:
		outcome = "error"
	}
	span.SetAttributes(otelPkg.AttrOutcome.String(outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		t.logger.Info("handover not accepted, starting directly", "outcome", outcome, "error", err)
	} else {
		t.logger.Info("handover accepted")
	}
	span.End()
	t.metrics.HandoverAttempts.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String(outcome)))

	if t.cfg.SettleDelay > 0 {
		timer := time.NewTimer(t.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			t.setStatus(StatusStopped)
			return ctx.Err()
		}
	}
	return t.Start(ctx)
}

func (t *Transport) handoverURL() string {
	host := t.cfg.BindHost
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(t.cfg.Port)) + "/request-handover"
}

// askForHandover posts the handover request, retrying transient failures.
// Refused connections and explicit rejections end the attempt at once.
func (t *Transport) askForHandover(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= t.cfg.HandoverRetries; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying handover", "attempt", attempt, "error", err)
			select {
			case <-time.After(time.Duration(attempt) * handoverBackoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrHandoverUnreachable, ctx.Err())
			}
		}
		err = t.postHandover(ctx)
		if err == nil || errors.Is(err, ErrHandoverRejected) || errors.Is(err, syscall.ECONNREFUSED) {
			return err
		}
	}
	return err
}

func (t *Transport) postHandover(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.handoverURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.cfg.HandoverClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandoverUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrHandoverRejected, resp.StatusCode)
	}
	var ack struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || !ack.Success {
		return fmt.Errorf("%w: %s", ErrHandoverRejected, string(body))
	}
	return nil
}

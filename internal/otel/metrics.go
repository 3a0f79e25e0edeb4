package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	PendingResponses     metric.Int64UpDownCounter
	UnmatchedResponses   metric.Int64Counter
	StatusTransitions    metric.Int64Counter
	HandoverAttempts     metric.Int64Counter
	ApprovalDecisions    metric.Int64Counter
	RateLimitRejects     metric.Int64Counter
	ConfirmationDuration metric.Float64Histogram
	Shutdowns            metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("bridge.request.duration",
		metric.WithDescription("Inbound HTTP request duration in seconds, including the wait for a correlated response"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingResponses, err = meter.Int64UpDownCounter("bridge.pending_responses",
		metric.WithDescription("HTTP requests held open awaiting a JSON-RPC response"),
	)
	if err != nil {
		return nil, err
	}

	m.UnmatchedResponses, err = meter.Int64Counter("bridge.responses.unmatched",
		metric.WithDescription("Responses sent with no pending request for their id"),
	)
	if err != nil {
		return nil, err
	}

	m.StatusTransitions, err = meter.Int64Counter("bridge.status.transitions",
		metric.WithDescription("Transport status changes"),
	)
	if err != nil {
		return nil, err
	}

	m.HandoverAttempts, err = meter.Int64Counter("bridge.handover.attempts",
		metric.WithDescription("Handover requests sent to a previous instance, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalDecisions, err = meter.Int64Counter("bridge.approval.decisions",
		metric.WithDescription("Auto-approval decisions by operation and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("bridge.ratelimit.rejects",
		metric.WithDescription("Operations refused auto-approval by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationDuration, err = meter.Float64Histogram("bridge.confirm.duration",
		metric.WithDescription("Time spent waiting for a human confirmation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Shutdowns, err = meter.Int64Counter("bridge.shutdowns",
		metric.WithDescription("Lifecycle shutdowns by reason and mode"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter. Components fall back
// to it when constructed without metrics.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic("otel: noop meter rejected instrument: " + err.Error())
	}
	return m
}

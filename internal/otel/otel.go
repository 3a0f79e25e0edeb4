// Package otel holds the bridge's tracing and metrics plumbing. A disabled
// configuration yields no-op instruments so callers never branch on it.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "mcp-bridge"
	MeterName  = "mcp-bridge"
	// Version is the bridge version reported in telemetry.
	Version = "v0.3.0"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterFile     = "file"
	ExporterNone     = "none"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is one of otlp-http, stdout, file or none.
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	// TraceFile is where the file exporter appends spans as JSON.
	TraceFile  string  `yaml:"trace_file"`
	SampleRate float64 `yaml:"sample_rate"`
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	closers        []func(context.Context) error
}

// Disabled returns a provider whose tracer and meter discard everything.
func Disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
	}
}

// Init builds tracer and meter providers for cfg. extra is attached to the
// resource, e.g. the bridge port. The returned provider must be Shutdown.
func Init(ctx context.Context, cfg Config, extra ...attribute.KeyValue) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mcp-bridge"
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
		semconv.ProcessPID(os.Getpid()),
	}, extra...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	exporter, err := p.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	p.TracerProvider = tp
	p.MeterProvider = mp
	p.Tracer = tp.Tracer(TracerName)
	p.Meter = mp.Meter(MeterName)
	// Providers flush before the exporter's file is closed.
	p.closers = append([]func(context.Context) error{tp.Shutdown, mp.Shutdown}, p.closers...)
	return p, nil
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Provider) createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		// Spans go to stderr; stdout belongs to the relay's JSON-RPC stream.
		return stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	case ExporterFile:
		w, err := openTraceFile(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func(context.Context) error { return w.Close() })
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterNone:
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, file, none)", cfg.Exporter)
	}
}

func openTraceFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, errors.New("file exporter needs trace_file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return f, nil
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }

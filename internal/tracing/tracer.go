// Package tracing wires OpenTelemetry spans around worker requests.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loykin/aiengine/internal/logger"
)

const defaultServiceName = "aiengine"

// Span attribute keys.
const (
	AttrMethod    = attribute.Key("rpc.method")
	AttrRequestID = attribute.Key("rpc.request_id")
	AttrOutcome   = attribute.Key("rpc.outcome")
	AttrPID       = attribute.Key("process.pid")
)

// Config configures the tracing subsystem.
type Config struct {
	// Enabled controls whether tracing is active.
	// When false, a no-op tracer is returned.
	Enabled bool
	// Exporter is one of "none", "stdout", "file" or "otlp".
	Exporter string
	// FilePath is the rotated output file for the "file" exporter.
	FilePath string
	// OTLPEndpoint is the collector address for "otlp"; default localhost:4317.
	OTLPEndpoint string
	// SampleRate is the fraction of traces sampled; default 1.0.
	SampleRate  float64
	ServiceName string
}

// Provider manages the OpenTelemetry tracer provider.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
	closer   io.Closer
}

// Noop returns a disabled provider.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}
}

// NewProvider creates and configures the trace provider. A disabled config
// yields a no-op provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	var exporter sdktrace.SpanExporter
	var closer io.Closer
	var err error
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		w := logger.Config{}.RotatingFile(cfg.FilePath)
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
		closer = w
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "none", "":
		// spans are still created for in-process correlation
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	p := NewProviderWithExporter(exporter, cfg.ServiceName, cfg.SampleRate)
	p.closer = closer
	otel.SetTracerProvider(p.provider)
	return p, nil
}

// NewProviderWithExporter builds an enabled provider around exporter, which
// may be nil. It does not install itself as the global provider.
func NewProviderWithExporter(exporter sdktrace.SpanExporter, serviceName string, sampleRate float64) *Provider {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	// schemaless avoids schema version conflicts with resource.Default()
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		enabled:  true,
	}
}

// Tracer returns the configured tracer; safe to use when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return p.tracer
}

// Enabled returns whether tracing is enabled.
func (p *Provider) Enabled() bool { return p != nil && p.enabled }

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	err := p.provider.Shutdown(ctx)
	if p.closer != nil {
		_ = p.closer.Close()
	}
	return err
}

// ForceFlush exports buffered spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.ForceFlush(ctx)
}

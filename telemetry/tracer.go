// Package telemetry provides optional connection-lifecycle tracing for a
// Quantum endpoint, adapted from the teacher's
// internal/gateway/tracing/tracer.go: the same Config/Tracer shape, the
// same Enable-gated no-op short-circuit, and the same jaeger/zipkin
// exporter choice — but HTTP header injection/extraction is dropped (this
// is a raw UDP transport, there is no HTTP surface to carry trace
// context across), and the span names are connection state transitions
// instead of gateway request handling.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls whether tracing is active and how spans are exported.
type Config struct {
	Enable       bool    `json:",default=false"`
	ServiceName  string  `json:",default=quantum-endpoint"`
	Endpoint     string  `json:",default=http://localhost:14268/api/traces"`
	Exporter     string  `json:",default=jaeger,options=jaeger|zipkin"`
	SampleRate   float64 `json:",default=1.0"`
	Environment  string  `json:",default=development"`
	BatchTimeout int     `json:",default=5"`
	MaxQueueSize int     `json:",default=2048"`
}

// DefaultConfig returns a disabled Config; tracing is opt-in.
func DefaultConfig() *Config {
	return &Config{
		Enable:       false,
		ServiceName:  "quantum-endpoint",
		Endpoint:     "http://localhost:14268/api/traces",
		Exporter:     "jaeger",
		SampleRate:   1.0,
		Environment:  "development",
		BatchTimeout: 5,
		MaxQueueSize: 2048,
	}
}

// Tracer emits one span per connection-lifecycle transition. A disabled
// Tracer (the zero Config, or Enable=false) is a no-op: ConnectionTransition
// and RecordError return immediately, never allocating or blocking, so
// the engine's single-threaded never-blocks contract holds regardless of
// whether tracing is configured.
type Tracer struct {
	config   *Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates a Tracer from cfg. A nil cfg or cfg.Enable == false returns
// an inert Tracer without touching the network.
func New(cfg *Config, logger *zap.Logger) (*Tracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enable {
		return &Tracer{config: cfg, logger: logger}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: jaeger exporter: %w", err)
		}
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: zipkin exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", cfg.Exporter)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	batcher := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(time.Duration(cfg.BatchTimeout)*time.Second),
		sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(batcher),
	)
	otel.SetTracerProvider(provider)

	logger.Info("tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("exporter", cfg.Exporter),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		logger:   logger,
	}, nil
}

// Shutdown drains the batch processor and releases the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// IsEnabled reports whether this Tracer is actually exporting spans.
func (t *Tracer) IsEnabled() bool {
	return t.config != nil && t.config.Enable
}

// ConnectionTransition starts and immediately ends a zero-duration span
// recording a state machine transition for one connection, tagged with
// its connection id and the from/to states. Returns immediately as a
// no-op when tracing is disabled.
func (t *Tracer) ConnectionTransition(ctx context.Context, connID uint16, from, to string) {
	if !t.IsEnabled() {
		return
	}
	_, span := t.tracer.Start(ctx, "quantum.connection.transition",
		trace.WithAttributes(
			attribute.Int64("quantum.conn_id", int64(connID)),
			attribute.String("quantum.from_state", from),
			attribute.String("quantum.to_state", to),
		),
	)
	span.End()
}

// RecordError attaches err to the span in ctx, a no-op when tracing is
// disabled or err is nil.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	if !t.IsEnabled() || err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

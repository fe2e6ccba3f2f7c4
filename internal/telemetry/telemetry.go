package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// Global tracer for the application
	Tracer trace.Tracer

	// Global meter for custom metrics
	Meter metric.Meter

	// Custom metrics
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	LoopIterations metric.Int64Counter
	RunDuration    metric.Float64Histogram
	RaterLatency   metric.Float64Histogram
)

// InitTelemetry initializes OpenTelemetry tracing and metrics.
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics.
func initMetrics() error {
	var err error

	RunsStarted, err = Meter.Int64Counter(
		"coil.runs.started",
		metric.WithDescription("Number of agent runs started"),
	)
	if err != nil {
		return err
	}

	RunsCompleted, err = Meter.Int64Counter(
		"coil.runs.completed",
		metric.WithDescription("Number of agent runs reaching a terminal status"),
	)
	if err != nil {
		return err
	}

	LoopIterations, err = Meter.Int64Counter(
		"coil.loop.iterations",
		metric.WithDescription("Number of closed-loop fix iterations"),
	)
	if err != nil {
		return err
	}

	RunDuration, err = Meter.Float64Histogram(
		"coil.run.duration",
		metric.WithDescription("Agent run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	RaterLatency, err = Meter.Float64Histogram(
		"coil.rater.latency",
		metric.WithDescription("Rater model call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// StartSpan starts a span on the application tracer. Before InitTelemetry
// runs the span is a no-op, so callers never need to guard.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if Tracer == nil {
		return noop.NewTracerProvider().Tracer("coil").Start(ctx, name)
	}
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordRunStarted counts one agent run entering the running state.
func RecordRunStarted(ctx context.Context, agentName string) {
	if RunsStarted != nil {
		RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
	}
}

// RecordRunCompleted counts one run reaching a terminal status and records
// its duration.
func RecordRunCompleted(ctx context.Context, agentName, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("status", status),
	)
	if RunsCompleted != nil {
		RunsCompleted.Add(ctx, 1, attrs)
	}
	if RunDuration != nil {
		RunDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

// RecordLoopIteration counts one closed-loop fix iteration.
func RecordLoopIteration(ctx context.Context, agentName string) {
	if LoopIterations != nil {
		LoopIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
	}
}

// RecordRaterLatency records the latency of one rater model call.
func RecordRaterLatency(ctx context.Context, model string, elapsed time.Duration) {
	if RaterLatency != nil {
		RaterLatency.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("model", model)))
	}
}

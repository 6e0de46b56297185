// Package telemetry wires OpenTelemetry tracing and metrics for fixture
// lifecycle operations.
//
// Library code only talks to the global providers, which are no-ops until a
// program installs real ones with Setup. Tests install in-memory providers
// through otel.SetTracerProvider / otel.SetMeterProvider directly.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jamesnunn/pgtest"

// Metric names.
const (
	MetricStartupDuration = "pgtest.server.startup.duration"
	MetricFailures        = "pgtest.fixture.failures"
)

// Exporter modes accepted by Setup.
const (
	ModeNone   = "none"
	ModeStdout = "stdout"
	ModeOTLP   = "otlp"
)

// Tracer returns the tracer for fixture operations.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Meter returns the meter for fixture metrics.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// StartSpan starts a span named "pgtest.<op>".
func StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pgtest."+op, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordStartup records how long a server took to accept connections.
func RecordStartup(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	h, err := Meter().Float64Histogram(MetricStartupDuration,
		metric.WithUnit("s"),
		metric.WithDescription("Time from spawning the server until it accepted a connection"))
	if err != nil {
		otel.Handle(err)
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFailure counts a fixture that entered the failed state in phase.
func RecordFailure(ctx context.Context, phase string) {
	c, err := Meter().Int64Counter(MetricFailures,
		metric.WithDescription("Fixtures that failed and were cleaned up"))
	if err != nil {
		otel.Handle(err)
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// Setup installs global providers for mode. Stdout mode writes spans and
// metrics to w; OTLP mode exports metrics over HTTP using the standard
// OTEL_EXPORTER_OTLP_* environment variables. The returned function flushes
// and shuts the providers down.
func Setup(ctx context.Context, mode string, w io.Writer) (func(context.Context) error, error) {
	switch mode {
	case "", ModeNone:
		return func(context.Context) error { return nil }, nil
	case ModeStdout:
		traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		return func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		}, nil
	case ModeOTLP:
		metricExp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		otel.SetMeterProvider(mp)
		return mp.Shutdown, nil
	default:
		return nil, fmt.Errorf("unknown telemetry mode %q (want %s, %s or %s)", mode, ModeNone, ModeStdout, ModeOTLP)
	}
}

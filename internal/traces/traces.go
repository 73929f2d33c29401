// Package traces sets up OpenTelemetry tracing and gives the review flow a
// small span vocabulary.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/credgate"

// Setup describes where spans go.
type Setup struct {
	// Endpoint is the OTLP/gRPC collector. Empty disables tracing.
	Endpoint    string
	Environment string
	// SampleRatio applies to root spans. Values outside (0, 1) sample everything.
	SampleRatio float64
}

// Init installs a global tracer provider and returns its shutdown func.
func Init(ctx context.Context, setup Setup, logger *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if setup.Endpoint == "" {
		logger.Debug("tracing disabled")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(setup.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("credgate"),
		semconv.DeploymentEnvironment(setup.Environment),
	))
	if err != nil {
		return noop, fmt.Errorf("trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if setup.SampleRatio > 0 && setup.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(setup.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", setup.Endpoint, "sample_ratio", setup.SampleRatio)
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func RequestID(id string) attribute.KeyValue { return attribute.String("credgate.request_id", id) }
func Wallet(addr string) attribute.KeyValue  { return attribute.String("credgate.wallet", addr) }
func TxHash(hash string) attribute.KeyValue  { return attribute.String("credgate.tx_hash", hash) }
func FlowState(s string) attribute.KeyValue  { return attribute.String("credgate.flow_state", s) }

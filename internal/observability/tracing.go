package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InitTracing wires an OpenTelemetry tracer provider with a Jaeger
// exporter when OTEL_EXPORTER_JAEGER_ENDPOINT is set, and is a no-op
// otherwise so a node never requires a collector to run.
func InitTracing(ctx context.Context, nodeID string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "courier"),
		attribute.String("node.id", nodeID),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns Courier's named tracer, used for spans around SendFile
// and HandleData in internal/node. Safe to call even when InitTracing was
// never invoked; otel falls back to a no-op tracer provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("courier")
}

// Package telemetry bootstraps the OpenTelemetry meter provider and defines
// the bridge's instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting the given endpoint (e.g. "otel:4317").
// Metrics are flushed periodically via a PeriodicReader.
// The caller must defer mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// PipelineMetrics holds the ingest-side counters. All counters are safe for
// concurrent use.
type PipelineMetrics struct {
	Received   metric.Int64Counter
	Matched    metric.Int64Counter
	Errors     metric.Int64Counter
	Stored     metric.Int64Counter
	SSEDropped metric.Int64Counter
}

// NewPipelineMetrics registers the bridge instruments on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("mqtt-to-i3x")

	received, err := meter.Int64Counter("bridge.messages.received",
		metric.WithDescription("MQTT messages delivered to the pipeline"))
	if err != nil {
		return nil, err
	}
	matched, err := meter.Int64Counter("bridge.messages.matched",
		metric.WithDescription("Messages matched by a mapping rule"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("bridge.messages.errors",
		metric.WithDescription("Messages dropped by decode failure"))
	if err != nil {
		return nil, err
	}
	stored, err := meter.Int64Counter("bridge.values.stored",
		metric.WithDescription("Values written to the object store"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("bridge.sse.dropped",
		metric.WithDescription("SSE frames abandoned on slow or gone clients"))
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		Received:   received,
		Matched:    matched,
		Errors:     errs,
		Stored:     stored,
		SSEDropped: dropped,
	}, nil
}

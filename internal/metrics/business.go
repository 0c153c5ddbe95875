package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusinessMetrics records token operations
// Operations: "issue", "validate", "consume", "revoke", "status", "purge"
// Status is "success", "error", "rejected" for a refused revoke, or the verdict kind for validate and consume
type BusinessMetrics interface {
	RecordOperation(ctx context.Context, operation, status string)
	RecordDuration(ctx context.Context, operation string, duration time.Duration, status string)
}

type businessMetrics struct {
	operationCounter metric.Int64Counter
	durationHisto    metric.Float64Histogram
}

func NewBusinessMetrics(meterProvider metric.MeterProvider) (BusinessMetrics, error) {
	meter := meterProvider.Meter(Namespace)

	operationCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_operations_total", Namespace),
		metric.WithDescription("Total number of token operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_operation_duration_seconds", Namespace),
		metric.WithDescription("Duration of token operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &businessMetrics{
		operationCounter: operationCounter,
		durationHisto:    durationHisto,
	}, nil
}

func (b *businessMetrics) RecordOperation(ctx context.Context, operation, status string) {
	b.operationCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func (b *businessMetrics) RecordDuration(ctx context.Context, operation string, duration time.Duration, status string) {
	b.durationHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// NoOpBusinessMetrics is used when metrics are disabled
type NoOpBusinessMetrics struct{}

func NewNoOpBusinessMetrics() BusinessMetrics {
	return &NoOpBusinessMetrics{}
}

func (n *NoOpBusinessMetrics) RecordOperation(context.Context, string, string) {}

func (n *NoOpBusinessMetrics) RecordDuration(context.Context, string, time.Duration, string) {}

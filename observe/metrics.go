package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records per-call telemetry for instrumented invocations.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCall records one instrumented call with its span name,
	// duration, number of serialized attributes, and error status.
	RecordCall(ctx context.Context, spanName string, duration time.Duration, attrCount int, err error)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	attrHist     metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"instrument.calls.total",
		metric.WithDescription("Total number of instrumented calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"instrument.calls.errors",
		metric.WithDescription("Total number of instrumented calls that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"instrument.calls.duration_ms",
		metric.WithDescription("Instrumented call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	attrHist, err := meter.Int64Histogram(
		"instrument.calls.attributes",
		metric.WithDescription("Number of attributes serialized per instrumented call"),
		metric.WithUnit("{attribute}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		attrHist:     attrHist,
	}, nil
}

// RecordCall records metrics for one instrumented call.
func (m *metricsImpl) RecordCall(ctx context.Context, spanName string, duration time.Duration, attrCount int, err error) {
	opt := metric.WithAttributes(
		attribute.String("call.span_name", spanName),
	)

	m.totalCount.Add(ctx, 1, opt)

	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}

	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
	m.attrHist.Record(ctx, int64(attrCount), opt)
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordCall(ctx context.Context, spanName string, duration time.Duration, attrCount int, err error) {
}

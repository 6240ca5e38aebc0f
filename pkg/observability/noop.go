package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

func (s *NoopSpan) End()                                                    {}
func (s *NoopSpan) SetAttribute(key string, value interface{})              {}
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{}) {}
func (s *NoopSpan) RecordError(err error)                                   {}
func (s *NoopSpan) SetStatus(code int, description string)                  {}

// SpanContext returns an empty span context
func (s *NoopSpan) SpanContext() trace.SpanContext {
	return trace.SpanContext{}
}

// NoopStartSpan is a no-op implementation of StartSpanFunc
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// NoopMetricsClient discards every measurement
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that records nothing
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (n *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *NoopMetricsClient) IncrementCounter(name string, value float64)                          {}
func (n *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *NoopMetricsClient) RecordDuration(name string, duration time.Duration) {}

// StartTimer returns a stop function that does nothing
func (n *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close implements MetricsClient.Close
func (n *NoopMetricsClient) Close() error {
	return nil
}

// Package telemetry holds the OpenTelemetry instruments recorded by the
// executor and the streaming consumer.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter name.
const InstrumentationName = "github.com/assetflow/assetflow"

// Metrics groups the counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts          metric.Int64Counter
	retries           metric.Int64Counter
	budgetExceeded    metric.Int64Counter
	failures          metric.Int64Counter
	malformedPayloads metric.Int64Counter
	reconnects        metric.Int64Counter
	delivered         metric.Int64Counter
	filtered          metric.Int64Counter
	checkpoints       metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.attempts, "assetflow.request.attempts", "Request attempts sent to the asset service"},
		{&m.retries, "assetflow.request.retries", "Retries scheduled after a retryable failure"},
		{&m.budgetExceeded, "assetflow.request.budget_exceeded", "Calls abandoned because the retry budget ran out"},
		{&m.failures, "assetflow.request.failures", "Calls that surfaced a classified error"},
		{&m.malformedPayloads, "assetflow.stream.malformed_payloads", "Stream payloads dropped because they did not decode"},
		{&m.reconnects, "assetflow.stream.reconnects", "Stream reconnect attempts"},
		{&m.delivered, "assetflow.stream.events_delivered", "Events delivered to the sink"},
		{&m.filtered, "assetflow.stream.events_filtered", "Events dropped by client-side filters"},
		{&m.checkpoints, "assetflow.stream.checkpoints", "Cursor checkpoints persisted"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// NewGlobal creates the instruments on the globally registered meter
// provider.
func NewGlobal() (*Metrics, error) {
	return New(otel.GetMeterProvider().Meter(InstrumentationName))
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// Attempt records one request attempt.
func (m *Metrics) Attempt(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// Retry records a scheduled retry.
func (m *Metrics) Retry(ctx context.Context, method, code string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", code),
	))
}

// BudgetExceeded records a call abandoned on budget.
func (m *Metrics) BudgetExceeded(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.budgetExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// Failure records a call that surfaced an error.
func (m *Metrics) Failure(ctx context.Context, method string, status int, retryable bool) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
		attribute.Bool("retryable", retryable),
	))
}

// MalformedPayload records a dropped stream payload.
func (m *Metrics) MalformedPayload(ctx context.Context, instanceID string) {
	if m == nil {
		return
	}
	m.malformedPayloads.Add(ctx, 1, metric.WithAttributes(attribute.String("instance", instanceID)))
}

// Reconnect records a stream reconnect.
func (m *Metrics) Reconnect(ctx context.Context, instanceID string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("instance", instanceID)))
}

// Delivered records an event handed to the sink.
func (m *Metrics) Delivered(ctx context.Context, instanceID, routingKey string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instance", instanceID),
		attribute.String("routing_key", routingKey),
	))
}

// Filtered records an event rejected by client-side filters.
func (m *Metrics) Filtered(ctx context.Context, instanceID, stage string) {
	if m == nil {
		return
	}
	m.filtered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instance", instanceID),
		attribute.String("stage", stage),
	))
}

// Checkpoint records a persisted cursor.
func (m *Metrics) Checkpoint(ctx context.Context, instanceID string) {
	if m == nil {
		return
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("instance", instanceID)))
}

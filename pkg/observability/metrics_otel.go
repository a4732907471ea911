package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the registry metrics as OpenTelemetry instruments so
// they reach the OTLP collector alongside traces
type OTelMetrics struct {
	registrations        metric.Int64Counter
	registrationDuration metric.Float64Histogram
	compatibilityChecks  metric.Int64Counter
	storeConflicts       metric.Int64Counter
	httpRequests         metric.Int64Counter
	httpDuration         metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/tether")

	m := &OTelMetrics{}
	var err error

	if m.registrations, err = meter.Int64Counter(
		"tether.registrations",
		metric.WithDescription("Schema registrations by result"),
		metric.WithUnit("{registration}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create registrations counter: %w", err)
	}

	if m.registrationDuration, err = meter.Float64Histogram(
		"tether.registration.duration",
		metric.WithDescription("Schema registration duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create registration duration histogram: %w", err)
	}

	if m.compatibilityChecks, err = meter.Int64Counter(
		"tether.compatibility.checks",
		metric.WithDescription("Compatibility evaluations by format and result"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create compatibility checks counter: %w", err)
	}

	if m.storeConflicts, err = meter.Int64Counter(
		"tether.store.conflicts",
		metric.WithDescription("Conditional appends that lost a race"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store conflicts counter: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// RecordRegistration records one AddSchema outcome
func (m *OTelMetrics) RecordRegistration(ctx context.Context, group, result string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tether.group", group),
		attribute.String("tether.result", result),
	)
	m.registrations.Add(ctx, 1, attrs)
	m.registrationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompatibilityCheck records one evaluation
func (m *OTelMetrics) RecordCompatibilityCheck(ctx context.Context, format, result string) {
	m.compatibilityChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tether.format", format),
		attribute.String("tether.result", result),
	))
}

// RecordStoreConflict records a lost conditional append
func (m *OTelMetrics) RecordStoreConflict(ctx context.Context, group string) {
	m.storeConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("tether.group", group)))
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

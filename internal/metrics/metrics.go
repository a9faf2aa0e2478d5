// Package metrics defines the OpenTelemetry instruments recorded by the
// orchestrator.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "portalwatch"

// Metrics implements the metric sinks of the scheduler and the monitor
// loops.
type Metrics struct {
	// Scheduler metrics
	ticks        metric.Int64Counter
	tickFailures metric.Int64Counter
	overruns     metric.Int64Counter
	skipped      metric.Int64Counter
	tickDuration metric.Float64Histogram

	// Scan metrics
	jobsSeen        metric.Int64Counter
	accepted        metric.Int64Counter
	rejected        metric.Int64Counter
	transportErrors metric.Int64Counter

	// Session and config metrics
	loginFailures metric.Int64Counter
	configReloads metric.Int64Counter
}

// New registers every instrument on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.ticks, err = meter.Int64Counter(
		"task_ticks_total",
		metric.WithDescription("Total number of task runs"),
	); err != nil {
		return nil, err
	}

	if m.tickFailures, err = meter.Int64Counter(
		"task_failures_total",
		metric.WithDescription("Total number of task runs that returned an error"),
	); err != nil {
		return nil, err
	}

	if m.overruns, err = meter.Int64Counter(
		"task_overruns_total",
		metric.WithDescription("Total number of ticks dropped or timed out waiting for the session gate"),
	); err != nil {
		return nil, err
	}

	if m.skipped, err = meter.Int64Counter(
		"task_skipped_total",
		metric.WithDescription("Total number of ticks skipped while the session was unavailable"),
	); err != nil {
		return nil, err
	}

	if m.tickDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Duration of a task run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.jobsSeen, err = meter.Int64Counter(
		"jobs_listed_total",
		metric.WithDescription("Total number of open jobs listed by the portal"),
	); err != nil {
		return nil, err
	}

	if m.accepted, err = meter.Int64Counter(
		"jobs_accepted_total",
		metric.WithDescription("Total number of jobs accepted"),
	); err != nil {
		return nil, err
	}

	if m.rejected, err = meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Total number of accepts refused by the portal"),
	); err != nil {
		return nil, err
	}

	if m.transportErrors, err = meter.Int64Counter(
		"portal_transport_errors_total",
		metric.WithDescription("Total number of transient portal call failures"),
	); err != nil {
		return nil, err
	}

	if m.loginFailures, err = meter.Int64Counter(
		"portal_login_failures_total",
		metric.WithDescription("Total number of failed portal logins"),
	); err != nil {
		return nil, err
	}

	if m.configReloads, err = meter.Int64Counter(
		"config_reloads_total",
		metric.WithDescription("Total number of policy file reloads"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNoop returns Metrics that record nothing.
func NewNoop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func (m *Metrics) ObserveTick(ctx context.Context, task string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("task", task))
	m.ticks.Add(ctx, 1, attrs)
	m.tickDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.tickFailures.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) IncOverrun(ctx context.Context, task string) {
	m.overruns.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (m *Metrics) IncSkipped(ctx context.Context, task string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (m *Metrics) IncJobsSeen(ctx context.Context, task string, n int) {
	m.jobsSeen.Add(ctx, int64(n), metric.WithAttributes(attribute.String("task", task)))
}

func (m *Metrics) IncAccepted(ctx context.Context) {
	m.accepted.Add(ctx, 1)
}

// IncRejected counts a refusal. The reason is not used as an attribute; it
// is free text from the portal.
func (m *Metrics) IncRejected(ctx context.Context, _ string) {
	m.rejected.Add(ctx, 1)
}

func (m *Metrics) IncTransportError(ctx context.Context, op string) {
	m.transportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) IncLoginFailure(ctx context.Context) {
	m.loginFailures.Add(ctx, 1)
}

func (m *Metrics) IncConfigReload(ctx context.Context, ok bool) {
	m.configReloads.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

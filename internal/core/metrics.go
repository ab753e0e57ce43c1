package core

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "GameHelper/internal/core"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

// schedulerMetrics holds the scheduler's instruments. Instruments that fail to
// register stay nil and are skipped.
type schedulerMetrics struct {
	submitted    metric.Int64Counter
	finished     metric.Int64Counter
	duration     metric.Float64Histogram
	triggerFired metric.Int64Counter
}

func newSchedulerMetrics(logger *slog.Logger) *schedulerMetrics {
	m := &schedulerMetrics{}
	var err error

	if m.submitted, err = meter.Int64Counter("scheduler_tasks_submitted",
		metric.WithDescription("Number of tasks submitted to the scheduler"),
		metric.WithUnit("{task}")); err != nil {
		logger.Warn("[Scheduler] metrics: failed to create counter", "name", "scheduler_tasks_submitted", "err", err)
	}
	if m.finished, err = meter.Int64Counter("scheduler_tasks_finished",
		metric.WithDescription("Number of tasks that reached a terminal state"),
		metric.WithUnit("{task}")); err != nil {
		logger.Warn("[Scheduler] metrics: failed to create counter", "name", "scheduler_tasks_finished", "err", err)
	}
	if m.duration, err = meter.Float64Histogram("scheduler_task_duration_seconds",
		metric.WithDescription("Wall-clock time spent executing a task"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("[Scheduler] metrics: failed to create histogram", "name", "scheduler_task_duration_seconds", "err", err)
	}
	if m.triggerFired, err = meter.Int64Counter("scheduler_trigger_fired",
		metric.WithDescription("Number of resource triggers that fired"),
		metric.WithUnit("{trigger}")); err != nil {
		logger.Warn("[Scheduler] metrics: failed to create counter", "name", "scheduler_trigger_fired", "err", err)
	}
	return m
}

func (m *schedulerMetrics) recordSubmitted(ctx context.Context, p Priority) {
	if m.submitted != nil {
		m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", p.String())))
	}
}

func (m *schedulerMetrics) recordFinished(ctx context.Context, state TaskState, elapsed time.Duration) {
	if m.finished != nil {
		m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("state", string(state))))
	}
}

func (m *schedulerMetrics) recordTrigger(ctx context.Context, cleanupID string) {
	if m.triggerFired != nil {
		m.triggerFired.Add(ctx, 1, metric.WithAttributes(attribute.String("cleanup", cleanupID)))
	}
}

func startTaskSpan(ctx context.Context, t Task) (context.Context, trace.Span) {
	return tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID()),
		attribute.String("task.name", t.Name()),
		attribute.String("task.priority", t.Priority().String()),
	))
}

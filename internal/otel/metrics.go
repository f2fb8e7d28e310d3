package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all lifemap metric instruments.
type Metrics struct {
	TasksEnqueued      metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksDeadLettered  metric.Int64Counter
	TasksRequeued      metric.Int64Counter
	ExtractionDuration metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	CascadeDispatches  metric.Int64Counter
	ActiveWorkers      metric.Int64UpDownCounter
	LeavesCovered      metric.Int64Counter
	LeavesSkipped      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("lifemap.queue.enqueued",
		metric.WithDescription("Extraction tasks enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("lifemap.queue.completed",
		metric.WithDescription("Extraction tasks completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("lifemap.queue.failed",
		metric.WithDescription("Extraction task failures"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("lifemap.queue.dead_letter",
		metric.WithDescription("Tasks left failed after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("lifemap.queue.requeued",
		metric.WithDescription("Failed or stale tasks returned to pending"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtractionDuration, err = meter.Float64Histogram("lifemap.extraction.duration",
		metric.WithDescription("Per-task extraction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("lifemap.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CascadeDispatches, err = meter.Int64Counter("lifemap.cascade.dispatches",
		metric.WithDescription("Knowledge-extraction cascade dispatches"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("lifemap.workers.active",
		metric.WithDescription("Workers currently processing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.LeavesCovered, err = meter.Int64Counter("lifemap.leaves.covered",
		metric.WithDescription("Leaves marked covered"),
	)
	if err != nil {
		return nil, err
	}

	m.LeavesSkipped, err = meter.Int64Counter("lifemap.leaves.skipped",
		metric.WithDescription("Leaves marked skipped"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The Record helpers tolerate a nil receiver so callers built without
// telemetry skip instrumentation without guarding every call site.

func (m *Metrics) RecordTaskEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksEnqueued.Add(ctx, 1)
}

func (m *Metrics) RecordTaskCompleted(ctx context.Context, dur time.Duration) {
	if m == nil {
		return
	}
	m.TasksCompleted.Add(ctx, 1)
	m.ExtractionDuration.Record(ctx, dur.Seconds())
}

func (m *Metrics) RecordTaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDeadLettered(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.TasksDeadLettered.Add(ctx, n)
}

func (m *Metrics) RecordRequeued(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.TasksRequeued.Add(ctx, n)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, dur time.Duration) {
	if m == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, dur.Seconds())
}

func (m *Metrics) RecordCascadeDispatch(ctx context.Context) {
	if m == nil {
		return
	}
	m.CascadeDispatches.Add(ctx, 1)
}

func (m *Metrics) WorkerActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, delta)
}

func (m *Metrics) RecordLeafCovered(ctx context.Context) {
	if m == nil {
		return
	}
	m.LeavesCovered.Add(ctx, 1)
}

func (m *Metrics) RecordLeafSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.LeavesSkipped.Add(ctx, 1)
}

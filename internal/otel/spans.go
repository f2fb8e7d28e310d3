package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for lifemap spans.
var (
	AttrUserID     = attribute.Key("lifemap.user.id")
	AttrTaskID     = attribute.Key("lifemap.task.id")
	AttrLeafID     = attribute.Key("lifemap.leaf.id")
	AttrRootAreaID = attribute.Key("lifemap.root_area.id")
	AttrModel      = attribute.Key("lifemap.llm.model")
	AttrRetryCount = attribute.Key("lifemap.task.retry_count")
	AttrWorkerID   = attribute.Key("lifemap.worker.id")
)

func UserID(id string) attribute.KeyValue     { return AttrUserID.String(id) }
func TaskID(id string) attribute.KeyValue     { return AttrTaskID.String(id) }
func LeafID(id string) attribute.KeyValue     { return AttrLeafID.String(id) }
func RootAreaID(id string) attribute.KeyValue { return AttrRootAreaID.String(id) }
func Model(name string) attribute.KeyValue    { return AttrModel.String(name) }
func TaskRetryCount(n int) attribute.KeyValue { return AttrRetryCount.Int(n) }
func WorkerID(id int) attribute.KeyValue      { return AttrWorkerID.Int(id) }

// StartSpan starts an internal span on the global tracer provider. Before
// Init runs, the global provider is a no-op, so early callers pay nothing.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, embedder).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

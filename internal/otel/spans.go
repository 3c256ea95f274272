package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across taskpipe spans.
const (
	AttrThreadID  = attribute.Key("taskpipe.thread_id")
	AttrTaskID    = attribute.Key("taskpipe.task_id")
	AttrPhase     = attribute.Key("taskpipe.phase")
	AttrModel     = attribute.Key("taskpipe.model")
	AttrMsgType   = attribute.Key("taskpipe.message_type")
	AttrEventType = attribute.Key("taskpipe.event_type")
)

// StartSpan starts a span from the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name, opts...)
}

// StartTaskSpan starts a span for an end-to-end task pipeline run.
func (p *Provider) StartTaskSpan(ctx context.Context, threadID, taskID string) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, "taskpipe.task",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrThreadID.String(threadID),
			AttrTaskID.String(taskID),
		),
	)
}

// StartPhaseSpan starts a span for a single pipeline phase.
func (p *Provider) StartPhaseSpan(ctx context.Context, threadID, taskID, phase string) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, "taskpipe.phase."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrThreadID.String(threadID),
			AttrTaskID.String(taskID),
			AttrPhase.String(phase),
		),
	)
}

// StartMessageSpan starts a span covering the handling of one inbound message.
func (p *Provider) StartMessageSpan(ctx context.Context, threadID, msgType string) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, "taskpipe.message."+msgType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrThreadID.String(threadID),
			AttrMsgType.String(msgType),
		),
	)
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

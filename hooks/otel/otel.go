// Package otel provides OpenTelemetry integration for LeanFlow process hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/leanflow/hooks"
)

const (
	tracerName = "leanflow"
)

// OTelHooks implements WorkflowHooks with OpenTelemetry tracing.
//
// A process span is opened by OnProcessStart and closed by the completion,
// fault or termination hook of the same node. Activity spans are children of
// their process span. Processes finished by another node, and every other
// event, are recorded as short standalone spans.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex

	// instance_id -> active process span
	processSpans map[string]trace.Span

	// instance_id -> context carrying the process span
	processContexts map[string]context.Context

	// activity_instance_id -> active activity span
	activitySpans map[string]trace.Span
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:          tracer,
		processSpans:    make(map[string]trace.Span),
		processContexts: make(map[string]context.Context),
		activitySpans:   make(map[string]trace.Span),
	}
}

// Process lifecycle

// OnProcessStart opens the process span.
func (h *OTelHooks) OnProcessStart(ctx context.Context, info hooks.ProcessStartInfo) {
	spanCtx, span := h.tracer.Start(ctx, fmt.Sprintf("process/%s", info.DefinitionCode),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("leanflow.instance_id", info.InstanceID),
			attribute.String("leanflow.definition_code", info.DefinitionCode),
			attribute.Int("leanflow.definition_version", info.DefinitionVersion),
			attribute.String("leanflow.business_key", info.BusinessKey),
			attribute.String("leanflow.initiator", info.Initiator),
			attribute.String("leanflow.parent_instance_id", info.ParentInstanceID),
		),
	)
	h.mu.Lock()
	h.processSpans[info.InstanceID] = span
	h.processContexts[info.InstanceID] = spanCtx
	h.mu.Unlock()
}

// OnProcessComplete ends the process span with success status.
func (h *OTelHooks) OnProcessComplete(ctx context.Context, info hooks.ProcessCompleteInfo) {
	span := h.takeProcessSpan(ctx, info.InstanceID, info.DefinitionCode)
	span.SetAttributes(attribute.Int64("leanflow.duration_ms", info.Duration.Milliseconds()))
	span.SetStatus(codes.Ok, "process completed")
	span.End()
}

// OnProcessFaulted ends the process span with error status.
func (h *OTelHooks) OnProcessFaulted(ctx context.Context, info hooks.ProcessFaultedInfo) {
	span := h.takeProcessSpan(ctx, info.InstanceID, info.DefinitionCode)
	span.SetAttributes(
		attribute.Int64("leanflow.duration_ms", info.Duration.Milliseconds()),
		attribute.String("leanflow.activity_id", info.ActivityID),
	)
	span.RecordError(fmt.Errorf("%s", info.FaultInfo))
	span.SetStatus(codes.Error, info.FaultInfo)
	span.End()
}

// OnProcessTerminated ends the process span with the termination reason.
func (h *OTelHooks) OnProcessTerminated(ctx context.Context, info hooks.ProcessTerminatedInfo) {
	span := h.takeProcessSpan(ctx, info.InstanceID, info.DefinitionCode)
	span.SetAttributes(
		attribute.Int64("leanflow.duration_ms", info.Duration.Milliseconds()),
		attribute.String("leanflow.operator", info.Operator),
		attribute.String("leanflow.terminate_reason", info.Reason),
	)
	span.SetStatus(codes.Error, "process terminated: "+info.Reason)
	span.End()
}

// OnProcessSuspended records a suspend event on the process span.
func (h *OTelHooks) OnProcessSuspended(ctx context.Context, info hooks.ProcessStateInfo) {
	h.processEvent(ctx, info.InstanceID, "process_suspended", attribute.String("leanflow.operator", info.Operator))
}

// OnProcessResumed records a resume event on the process span.
func (h *OTelHooks) OnProcessResumed(ctx context.Context, info hooks.ProcessStateInfo) {
	h.processEvent(ctx, info.InstanceID, "process_resumed", attribute.String("leanflow.operator", info.Operator))
}

// takeProcessSpan removes the tracked process span, or starts a standalone
// one when the process was started elsewhere.
func (h *OTelHooks) takeProcessSpan(ctx context.Context, instanceID, code string) trace.Span {
	h.mu.Lock()
	span, ok := h.processSpans[instanceID]
	delete(h.processSpans, instanceID)
	delete(h.processContexts, instanceID)
	h.mu.Unlock()
	if ok {
		return span
	}
	_, span = h.tracer.Start(ctx, fmt.Sprintf("process/%s", code),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("leanflow.instance_id", instanceID)),
	)
	return span
}

func (h *OTelHooks) processEvent(ctx context.Context, instanceID, name string, attrs ...attribute.KeyValue) {
	h.mu.Lock()
	span, ok := h.processSpans[instanceID]
	h.mu.Unlock()
	if ok {
		span.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}
	h.point(ctx, name, append(attrs, attribute.String("leanflow.instance_id", instanceID))...)
}

func (h *OTelHooks) parent(ctx context.Context, instanceID string) context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pctx, ok := h.processContexts[instanceID]; ok {
		return pctx
	}
	return ctx
}

// point records a span that starts and ends immediately.
func (h *OTelHooks) point(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	_, span := h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// Activity lifecycle

// OnActivityStart creates an activity span as a child of the process span.
func (h *OTelHooks) OnActivityStart(ctx context.Context, info hooks.ActivityStartInfo) {
	_, span := h.tracer.Start(h.parent(ctx, info.InstanceID), fmt.Sprintf("activity/%s", info.ActivityID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("leanflow.instance_id", info.InstanceID),
			attribute.String("leanflow.definition_code", info.DefinitionCode),
			attribute.String("leanflow.activity_instance_id", info.ActivityInstanceID),
			attribute.String("leanflow.activity_id", info.ActivityID),
			attribute.String("leanflow.activity_type", info.ActivityType),
		),
	)
	h.mu.Lock()
	h.activitySpans[info.ActivityInstanceID] = span
	h.mu.Unlock()
}

// OnActivityComplete ends the activity span with success status.
func (h *OTelHooks) OnActivityComplete(ctx context.Context, info hooks.ActivityCompleteInfo) {
	span, ok := h.takeActivitySpan(info.ActivityInstanceID)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.Int64("leanflow.duration_ms", info.Duration.Milliseconds()),
		attribute.String("leanflow.outcome", info.Outcome),
	)
	span.SetStatus(codes.Ok, "activity completed")
	span.End()
}

// OnActivityFaulted ends the activity span with error status.
func (h *OTelHooks) OnActivityFaulted(ctx context.Context, info hooks.ActivityFaultedInfo) {
	span, ok := h.takeActivitySpan(info.ActivityInstanceID)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("leanflow.duration_ms", info.Duration.Milliseconds()))
	span.RecordError(fmt.Errorf("%s", info.ErrorInfo))
	span.SetStatus(codes.Error, info.ErrorInfo)
	span.End()
}

func (h *OTelHooks) takeActivitySpan(id string) (trace.Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.activitySpans[id]
	delete(h.activitySpans, id)
	return span, ok
}

// Human tasks

// OnTaskCreated records a task creation span.
func (h *OTelHooks) OnTaskCreated(ctx context.Context, info hooks.TaskInfo) {
	h.point(h.parent(ctx, info.InstanceID), fmt.Sprintf("task_created/%s", info.ActivityID),
		attribute.String("leanflow.instance_id", info.InstanceID),
		attribute.String("leanflow.task_id", info.TaskID),
		attribute.String("leanflow.task_kind", info.Kind),
		attribute.String("leanflow.assignee_id", info.AssigneeID),
	)
}

// OnTaskAction records a task action span.
func (h *OTelHooks) OnTaskAction(ctx context.Context, info hooks.TaskActionInfo) {
	h.point(h.parent(ctx, info.InstanceID), fmt.Sprintf("task_%s/%s", info.Action, info.ActivityID),
		attribute.String("leanflow.instance_id", info.InstanceID),
		attribute.String("leanflow.task_id", info.TaskID),
		attribute.String("leanflow.operator", info.Operator),
		attribute.String("leanflow.target_user", info.TargetUser),
	)
}

// OnTaskTimeout records an overdue task.
func (h *OTelHooks) OnTaskTimeout(ctx context.Context, info hooks.TaskInfo) {
	_, span := h.tracer.Start(h.parent(ctx, info.InstanceID), fmt.Sprintf("task_timeout/%s", info.ActivityID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("leanflow.instance_id", info.InstanceID),
			attribute.String("leanflow.task_id", info.TaskID),
			attribute.String("leanflow.assignee_id", info.AssigneeID),
		),
	)
	span.SetStatus(codes.Error, "task overdue")
	span.End()
}

// Bookmarks

// OnBookmarkCreated records a bookmark creation span.
func (h *OTelHooks) OnBookmarkCreated(ctx context.Context, info hooks.BookmarkInfo) {
	h.point(h.parent(ctx, info.InstanceID), "bookmark_created/"+info.Name, bookmarkAttrs(info)...)
}

// OnBookmarkResumed records a bookmark resumption span.
func (h *OTelHooks) OnBookmarkResumed(ctx context.Context, info hooks.BookmarkInfo) {
	_, span := h.tracer.Start(h.parent(ctx, info.InstanceID), "bookmark_resumed/"+info.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(bookmarkAttrs(info)...),
	)
	span.SetStatus(codes.Ok, "bookmark resumed")
	span.End()
}

// OnBookmarkExpired records a bookmark expiry span.
func (h *OTelHooks) OnBookmarkExpired(ctx context.Context, info hooks.BookmarkInfo) {
	_, span := h.tracer.Start(h.parent(ctx, info.InstanceID), "bookmark_expired/"+info.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(bookmarkAttrs(info)...),
	)
	span.SetStatus(codes.Error, "bookmark expired")
	span.End()
}

func bookmarkAttrs(info hooks.BookmarkInfo) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("leanflow.instance_id", info.InstanceID),
		attribute.String("leanflow.activity_id", info.ActivityID),
		attribute.String("leanflow.bookmark", info.Name),
		attribute.String("leanflow.correlation_id", info.CorrelationID),
		attribute.String("leanflow.expire_action", info.ExpireAction),
	}
	if info.ExpireTime != nil {
		attrs = append(attrs, attribute.String("leanflow.expire_time", info.ExpireTime.String()))
	}
	return attrs
}

// Compensation

// OnCompensation records a compensation run; leftovers mark it as an error.
func (h *OTelHooks) OnCompensation(ctx context.Context, info hooks.CompensationInfo) {
	_, span := h.tracer.Start(h.parent(ctx, info.InstanceID), "compensation",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("leanflow.instance_id", info.InstanceID),
			attribute.Bool("leanflow.forced", info.Forced),
			attribute.StringSlice("leanflow.compensated", info.Compensated),
			attribute.StringSlice("leanflow.remaining", info.Remaining),
		),
	)
	if len(info.Remaining) > 0 {
		span.SetStatus(codes.Error, "partial compensation")
	} else {
		span.SetStatus(codes.Ok, "compensated")
	}
	span.End()
}

// OnHistoryDropped records a lost audit entry.
func (h *OTelHooks) OnHistoryDropped(ctx context.Context, info hooks.HistoryDroppedInfo) {
	_, span := h.tracer.Start(ctx, "history_dropped",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("leanflow.instance_id", info.InstanceID),
			attribute.String("leanflow.operation_type", info.OperationType),
		),
	)
	if info.Err != nil {
		span.RecordError(info.Err)
	}
	span.SetStatus(codes.Error, "history dropped")
	span.End()
}

// Ensure OTelHooks implements WorkflowHooks interface
var _ hooks.WorkflowHooks = (*OTelHooks)(nil)

package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/i2y/leanflow/hooks"
)

// setupTest creates a test tracer provider and returns the hooks and span recorder.
func setupTest() (*OTelHooks, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewOTelHooks(tp), sr
}

func TestNewOTelHooks(t *testing.T) {
	h := NewOTelHooks(nil)
	if h == nil || h.tracer == nil {
		t.Fatal("expected hooks with a tracer from the global provider")
	}
}

func TestProcessLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnProcessStart(ctx, hooks.ProcessStartInfo{
		InstanceID:        "inst-1",
		DefinitionCode:    "leave",
		DefinitionVersion: 2,
		BusinessKey:       "LR-1",
		Initiator:         "alice",
		StartTime:         time.Now(),
	})
	h.OnProcessSuspended(ctx, hooks.ProcessStateInfo{InstanceID: "inst-1", Operator: "admin"})
	h.OnProcessComplete(ctx, hooks.ProcessCompleteInfo{
		InstanceID:     "inst-1",
		DefinitionCode: "leave",
		Duration:       100 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "process/leave" {
		t.Errorf("expected span name 'process/leave', got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected status OK, got %v", span.Status().Code)
	}
	if len(span.Events()) != 1 || span.Events()[0].Name != "process_suspended" {
		t.Errorf("expected a process_suspended event, got %v", span.Events())
	}

	attrs := span.Attributes()
	checkAttribute(t, attrs, "leanflow.instance_id", "inst-1")
	checkAttribute(t, attrs, "leanflow.business_key", "LR-1")
	checkAttributeInt(t, attrs, "leanflow.definition_version", 2)
	checkAttributeInt(t, attrs, "leanflow.duration_ms", 100)
}

func TestProcessFaulted(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnProcessStart(ctx, hooks.ProcessStartInfo{InstanceID: "inst-2", DefinitionCode: "order"})
	h.OnProcessFaulted(ctx, hooks.ProcessFaultedInfo{
		InstanceID:     "inst-2",
		DefinitionCode: "order",
		ActivityID:     "charge",
		FaultInfo:      "card declined",
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", spans[0].Status().Code)
	}
	checkAttribute(t, spans[0].Attributes(), "leanflow.activity_id", "charge")
}

func TestProcessTerminatedWithoutStart(t *testing.T) {
	h, sr := setupTest()

	h.OnProcessTerminated(context.Background(), hooks.ProcessTerminatedInfo{
		InstanceID:     "inst-3",
		DefinitionCode: "order",
		Operator:       "admin",
		Reason:         "duplicate order",
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	checkAttribute(t, spans[0].Attributes(), "leanflow.terminate_reason", "duplicate order")
}

func TestActivityIsChildOfProcess(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnProcessStart(ctx, hooks.ProcessStartInfo{InstanceID: "inst-4", DefinitionCode: "order"})
	h.OnActivityStart(ctx, hooks.ActivityStartInfo{
		InstanceID:         "inst-4",
		ActivityInstanceID: "ai-1",
		ActivityID:         "reserve",
		ActivityType:       "service",
	})
	h.OnActivityComplete(ctx, hooks.ActivityCompleteInfo{
		InstanceID:         "inst-4",
		ActivityInstanceID: "ai-1",
		ActivityID:         "reserve",
		Outcome:            "ok",
		Duration:           20 * time.Millisecond,
	})
	h.OnProcessComplete(ctx, hooks.ProcessCompleteInfo{InstanceID: "inst-4", DefinitionCode: "order"})

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	activity, process := spans[0], spans[1]
	if activity.Name() != "activity/reserve" {
		t.Errorf("expected span name 'activity/reserve', got %s", activity.Name())
	}
	if activity.Parent().SpanID() != process.SpanContext().SpanID() {
		t.Error("expected activity span to be a child of the process span")
	}
	checkAttribute(t, activity.Attributes(), "leanflow.outcome", "ok")
}

func TestActivityFaulted(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnActivityStart(ctx, hooks.ActivityStartInfo{InstanceID: "inst-5", ActivityInstanceID: "ai-2", ActivityID: "charge"})
	h.OnActivityFaulted(ctx, hooks.ActivityFaultedInfo{InstanceID: "inst-5", ActivityInstanceID: "ai-2", ErrorInfo: "boom"})
	// Unknown activity instances are ignored.
	h.OnActivityFaulted(ctx, hooks.ActivityFaultedInfo{InstanceID: "inst-5", ActivityInstanceID: "ai-x"})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestPointSpans(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()
	expire := time.Now().Add(time.Hour)

	h.OnTaskCreated(ctx, hooks.TaskInfo{InstanceID: "i", TaskID: "t1", ActivityID: "approve", AssigneeID: "bob"})
	h.OnTaskAction(ctx, hooks.TaskActionInfo{InstanceID: "i", TaskID: "t1", ActivityID: "approve", Action: "transfer", Operator: "bob", TargetUser: "carol"})
	h.OnTaskTimeout(ctx, hooks.TaskInfo{InstanceID: "i", TaskID: "t2", ActivityID: "approve"})
	h.OnBookmarkCreated(ctx, hooks.BookmarkInfo{InstanceID: "i", Name: "receive:pay", CorrelationID: "order-1", ExpireTime: &expire})
	h.OnBookmarkResumed(ctx, hooks.BookmarkInfo{InstanceID: "i", Name: "receive:pay"})
	h.OnBookmarkExpired(ctx, hooks.BookmarkInfo{InstanceID: "i", Name: "timer:wait"})
	h.OnCompensation(ctx, hooks.CompensationInfo{InstanceID: "i", Compensated: []string{"c"}, Remaining: []string{"b"}})
	h.OnHistoryDropped(ctx, hooks.HistoryDroppedInfo{InstanceID: "i", OperationType: "Start"})

	spans := sr.Ended()
	if len(spans) != 8 {
		t.Fatalf("expected 8 spans, got %d", len(spans))
	}

	names := map[string]codes.Code{}
	for _, s := range spans {
		names[s.Name()] = s.Status().Code
	}
	expected := map[string]codes.Code{
		"task_created/approve":         codes.Ok,
		"task_transfer/approve":        codes.Ok,
		"task_timeout/approve":         codes.Error,
		"bookmark_created/receive:pay": codes.Ok,
		"bookmark_resumed/receive:pay": codes.Ok,
		"bookmark_expired/timer:wait":  codes.Error,
		"compensation":                 codes.Error,
		"history_dropped":              codes.Error,
	}
	for name, code := range expected {
		got, ok := names[name]
		if !ok {
			t.Errorf("span %s not recorded", name)
			continue
		}
		if got != code {
			t.Errorf("span %s: expected status %v, got %v", name, code, got)
		}
	}
}

func TestImplementsInterface(t *testing.T) {
	var _ hooks.WorkflowHooks = (*OTelHooks)(nil)
}

// Helper functions

func checkAttribute(t *testing.T, attrs []attribute.KeyValue, key, expected string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expected {
				t.Errorf("expected attribute %s=%s, got %s", key, expected, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func checkAttributeInt(t *testing.T, attrs []attribute.KeyValue, key string, expected int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expected) {
				t.Errorf("expected attribute %s=%d, got %d", key, expected, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

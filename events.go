package leanflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/i2y/leanflow/internal/engine"
)

// CorrelationExtension is the CloudEvents extension attribute naming the
// correlation an inbound event resumes.
const CorrelationExtension = "correlationid"

// EventResult reports what an inbound event did.
type EventResult struct {
	// Signalled is the correlation the event resumed, if any.
	Signalled string `json:"signalled,omitempty"`
	// Started lists the instances the event's triggers started.
	Started []*WorkflowInstance `json:"started,omitempty"`
}

// HandleEvent delivers an inbound CloudEvent. An event carrying the
// correlationid extension signals the waiting instance. Otherwise every
// definition with a trigger for the event type starts an instance whose
// business key is read from the trigger's correlation path, so a redelivered
// event does not start a second instance.
func (a *App) HandleEvent(ctx context.Context, event cloudevents.Event) (*EventResult, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: "invalid CloudEvent: " + err.Error(), Err: err}
	}

	data := map[string]any{}
	if len(event.Data()) > 0 {
		if err := event.DataAs(&data); err != nil {
			return nil, &Error{Code: CodeInvalidArgument, Message: "event data must be a JSON object", Err: err}
		}
	}

	if corr, ok := event.Extensions()[CorrelationExtension]; ok {
		correlationID := fmt.Sprint(corr)
		if err := a.Signal(ctx, correlationID, data); err != nil {
			return nil, err
		}
		return &EventResult{Signalled: correlationID}, nil
	}

	triggered, err := e.FindTriggered(ctx, event.Type())
	if err != nil {
		return nil, err
	}
	if len(triggered) == 0 {
		return nil, engine.Errorf(CodeDefinitionNotFound, "no definition is triggered by %s", event.Type())
	}

	result := &EventResult{}
	for _, t := range triggered {
		inst, err := a.StartProcess(ctx, StartRequest{
			DefinitionID: t.Definition.ID,
			BusinessKey:  lookupString(data, t.Trigger.CorrelationPath),
			BusinessType: event.Type(),
			Title:        event.Subject(),
			Initiator:    event.Source(),
			Variables:    data,
		})
		if errors.Is(err, ErrDuplicateBusinessKey) {
			a.logger.Info("event already started an instance",
				"event_id", event.ID(), "definition_code", t.Definition.Code)
			continue
		}
		if err != nil {
			return result, err
		}
		result.Started = append(result.Started, inst)
	}
	return result, nil
}

// lookupString resolves a dotted path in nested maps.
func lookupString(data map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	if cur == nil {
		return ""
	}
	return fmt.Sprint(cur)
}

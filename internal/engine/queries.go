package engine

import (
	"context"
	"errors"

	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/internal/storage"
)

// PublishDefinition validates doc and stores it as the newest version of its code.
func (e *Engine) PublishDefinition(ctx context.Context, doc *definition.Document, operator string) (*storage.WorkflowDefinition, error) {
	if doc == nil {
		return nil, Errorf(CodeInvalidArgument, "definition document is required")
	}
	if operator == "" {
		return nil, Errorf(CodeInvalidArgument, "operator is required")
	}
	if err := doc.Validate(e.registry.Known); err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: err.Error(), Err: err}
	}
	if err := e.eval.CheckDocument(doc); err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: err.Error(), Err: err}
	}
	data, err := doc.Encode()
	if err != nil {
		return nil, systemError(err, "failed to encode definition %s", doc.Code)
	}

	def := &storage.WorkflowDefinition{
		ID:        newID(),
		Code:      doc.Code,
		Name:      doc.Name,
		Document:  data,
		CreatedBy: operator,
		CreatedAt: e.now(),
	}
	if err := e.run(ctx, func(ctx context.Context) error {
		if err := e.store.PublishDefinition(ctx, def); err != nil {
			return systemError(err, "failed to publish definition %s", doc.Code)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	e.defs.Add(def.ID, doc)
	e.logger.Info("definition published", "code", def.Code, "version", def.Version, "definition_id", def.ID)
	return def, nil
}

// GetDefinition returns a definition version by ID.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*storage.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, wrapStorage(err, CodeDefinitionNotFound, "definition %s", id)
	}
	return def, nil
}

// GetLatestDefinition returns the latest version of code.
func (e *Engine) GetLatestDefinition(ctx context.Context, code string) (*storage.WorkflowDefinition, error) {
	def, err := e.store.GetLatestDefinition(ctx, code)
	if err != nil {
		return nil, wrapStorage(err, CodeDefinitionNotFound, "definition %s", code)
	}
	return def, nil
}

// ListDefinitionVersions returns every version of code, newest first.
func (e *Engine) ListDefinitionVersions(ctx context.Context, code string) ([]*storage.WorkflowDefinition, error) {
	defs, err := e.store.ListDefinitionVersions(ctx, code)
	if err != nil {
		return nil, systemError(err, "failed to list versions of %s", code)
	}
	if len(defs) == 0 {
		return nil, Errorf(CodeDefinitionNotFound, "definition %s", code)
	}
	return defs, nil
}

// ListDefinitions returns the latest published version of every code.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*storage.WorkflowDefinition, error) {
	defs, err := e.store.ListLatestDefinitions(ctx)
	if err != nil {
		return nil, systemError(err, "failed to list definitions")
	}
	return defs, nil
}

// RetireDefinition stops new instances of a version; running ones continue.
func (e *Engine) RetireDefinition(ctx context.Context, id string) error {
	return e.run(ctx, func(ctx context.Context) error {
		if err := e.store.SetDefinitionStatus(ctx, id, storage.DefinitionRetired); err != nil {
			return wrapStorage(err, CodeDefinitionNotFound, "definition %s", id)
		}
		return nil
	})
}

// Triggered pairs a definition with the trigger that matched an event.
type Triggered struct {
	Definition *storage.WorkflowDefinition
	Trigger    definition.Trigger
}

// FindTriggered returns the latest published definitions with a trigger for eventType.
func (e *Engine) FindTriggered(ctx context.Context, eventType string) ([]Triggered, error) {
	defs, err := e.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Triggered
	for _, def := range defs {
		doc, err := e.document(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range doc.TriggersFor(eventType) {
			out = append(out, Triggered{Definition: def, Trigger: t})
		}
	}
	return out, nil
}

// document returns the parsed document of a definition version. Versions
// are immutable, so parsed documents are cached by ID.
func (e *Engine) document(ctx context.Context, definitionID string) (*definition.Document, error) {
	if doc, ok := e.defs.Get(definitionID); ok {
		return doc, nil
	}
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, wrapStorage(err, CodeDefinitionNotFound, "definition %s", definitionID)
	}
	doc, err := definition.ParseJSON(def.Document)
	if err != nil {
		return nil, systemError(err, "stored definition %s is unreadable", definitionID)
	}
	e.defs.Add(definitionID, doc)
	return doc, nil
}

// Document returns the parsed document of a definition version.
func (e *Engine) Document(ctx context.Context, definitionID string) (*definition.Document, error) {
	return e.document(ctx, definitionID)
}

// GetProcessStatus returns an instance.
func (e *Engine) GetProcessStatus(ctx context.Context, instanceID string) (*storage.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, wrapStorage(err, CodeInstanceNotFound, "instance %s", instanceID)
	}
	return inst, nil
}

// GetNodeStatus returns an activity instance.
func (e *Engine) GetNodeStatus(ctx context.Context, activityInstanceID string) (*storage.ActivityInstance, error) {
	ai, err := e.store.GetActivityInstance(ctx, activityInstanceID)
	if err != nil {
		return nil, wrapStorage(err, CodeInstanceNotFound, "activity instance %s", activityInstanceID)
	}
	return ai, nil
}

// GetCurrentActivities returns the Pending and Running activity instances of an instance.
func (e *Engine) GetCurrentActivities(ctx context.Context, instanceID string) ([]*storage.ActivityInstance, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	ais, err := e.store.ListActivityInstances(ctx, instanceID, storage.ActivityPending, storage.ActivityRunning)
	if err != nil {
		return nil, systemError(err, "failed to list activities of %s", instanceID)
	}
	return ais, nil
}

// GetActivities returns every activity instance of an instance in execution order.
func (e *Engine) GetActivities(ctx context.Context, instanceID string) ([]*storage.ActivityInstance, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	ais, err := e.store.ListActivityInstances(ctx, instanceID)
	if err != nil {
		return nil, systemError(err, "failed to list activities of %s", instanceID)
	}
	return ais, nil
}

// GetCurrentTasks returns the open tasks of an instance.
func (e *Engine) GetCurrentTasks(ctx context.Context, instanceID string) ([]*storage.WorkflowTask, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.ListTasks(ctx, storage.TaskFilter{
		InstanceID: instanceID,
		Statuses:   []storage.TaskStatus{storage.TaskPending, storage.TaskClaimed},
	})
}

// GetTask returns a task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*storage.WorkflowTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, wrapStorage(err, CodeTaskNotFound, "task %s", taskID)
	}
	return task, nil
}

// ListTasks returns tasks matching filter. Without explicit statuses only
// open tasks are listed.
func (e *Engine) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*storage.WorkflowTask, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []storage.TaskStatus{storage.TaskPending, storage.TaskClaimed}
	}
	tasks, err := e.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, systemError(err, "failed to list tasks")
	}
	return tasks, nil
}

// ListInstances returns instances matching filter, newest first.
func (e *Engine) ListInstances(ctx context.Context, filter storage.InstanceFilter) ([]*storage.WorkflowInstance, error) {
	instances, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, systemError(err, "failed to list instances")
	}
	return instances, nil
}

// GetHistory returns the audit trail of an instance, oldest first.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]*storage.HistoryEntry, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListHistory(ctx, instanceID)
	if err != nil {
		return nil, systemError(err, "failed to list history of %s", instanceID)
	}
	return entries, nil
}

// GetProcessVariables returns the latest value of every variable.
func (e *Engine) GetProcessVariables(ctx context.Context, instanceID string) (map[string]any, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.loadVariables(ctx, instanceID)
}

// GetProcessVariable returns one version of a variable; version 0 is the latest.
func (e *Engine) GetProcessVariable(ctx context.Context, instanceID, name string, version int) (*storage.VariableData, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	v, err := e.store.GetVariableVersion(ctx, instanceID, name, version)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeInvalidArgument, "variable %s version %d does not exist", name, version)
	}
	if err != nil {
		return nil, systemError(err, "failed to load variable %s", name)
	}
	return v, nil
}

// GetVariableHistory returns every version of a variable, oldest first.
func (e *Engine) GetVariableHistory(ctx context.Context, instanceID, name string) ([]*storage.VariableData, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	versions, err := e.store.ListVariableVersions(ctx, instanceID, name)
	if err != nil {
		return nil, systemError(err, "failed to list versions of %s", name)
	}
	return versions, nil
}

// GetFormData returns the latest snapshot of every form, optionally for one task.
func (e *Engine) GetFormData(ctx context.Context, instanceID, taskID string) ([]*storage.FormData, error) {
	if _, err := e.GetProcessStatus(ctx, instanceID); err != nil {
		return nil, err
	}
	forms, err := e.store.LatestFormData(ctx, instanceID, taskID)
	if err != nil {
		return nil, systemError(err, "failed to load forms of %s", instanceID)
	}
	return forms, nil
}

// DecodeValue decodes a stored variable or form value.
func DecodeValue(v *storage.VariableData) any {
	return decodeJSON(v.Value)
}

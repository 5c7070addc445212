package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/i2y/leanflow/compensation"
	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// instanceOp claims an instance and runs fn in one transaction.
func (e *Engine) instanceOp(ctx context.Context, instanceID, operator string, fn func(ctx context.Context, x *execution) error) error {
	if instanceID == "" {
		return Errorf(CodeInvalidArgument, "instanceId is required")
	}
	if operator == "" {
		return Errorf(CodeInvalidArgument, "operator is required")
	}
	return e.run(ctx, func(ctx context.Context) error {
		x, err := e.claim(ctx, instanceID, operator)
		if err != nil {
			return err
		}
		return fn(ctx, x)
	})
}

func (x *execution) stateInfo() hooks.ProcessStateInfo {
	return hooks.ProcessStateInfo{InstanceID: x.inst.ID, DefinitionCode: x.inst.DefinitionCode, Operator: x.operator}
}

// SuspendProcess moves a Running instance to Suspended. Tasks stay open but
// cannot be completed until the instance is resumed.
func (e *Engine) SuspendProcess(ctx context.Context, instanceID, operator string) error {
	return e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		if err := fireInstance(ctx, x.inst, triggerSuspend); err != nil {
			return err
		}
		if err := e.store.UpdateInstance(ctx, x.inst); err != nil {
			return systemError(err, "failed to suspend instance %s", x.inst.ID)
		}
		e.record(ctx, historyEntry(x.inst.ID, storage.OpSuspend, operator))
		info := x.stateInfo()
		e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessSuspended(ctx, info) })
		return nil
	})
}

// ResumeProcess moves a Suspended instance back to Running and delivers the
// results of sub-processes that finished while it was suspended.
func (e *Engine) ResumeProcess(ctx context.Context, instanceID, operator string) error {
	return e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		if err := fireInstance(ctx, x.inst, triggerResume); err != nil {
			return err
		}
		if err := e.store.UpdateInstance(ctx, x.inst); err != nil {
			return systemError(err, "failed to resume instance %s", x.inst.ID)
		}
		e.record(ctx, historyEntry(x.inst.ID, storage.OpResume, operator))
		info := x.stateInfo()
		e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessResumed(ctx, info) })
		return x.collectFinishedChildren(ctx)
	})
}

func (x *execution) collectFinishedChildren(ctx context.Context) error {
	bookmarks, err := x.e.store.ListBookmarks(ctx, x.inst.ID, true)
	if err != nil {
		return systemError(err, "failed to list bookmarks")
	}
	for _, b := range bookmarks {
		if x.inst.Status != storage.InstanceRunning {
			return nil
		}
		if !strings.HasPrefix(b.Name, "subprocess:") {
			continue
		}
		var data struct {
			ChildInstanceID string `json:"childInstanceId"`
		}
		if err := json.Unmarshal(b.Data, &data); err != nil || data.ChildInstanceID == "" {
			continue
		}
		child, err := x.e.store.GetInstance(ctx, data.ChildInstanceID)
		if err != nil {
			return wrapStorage(err, CodeInstanceNotFound, "child instance %s", data.ChildInstanceID)
		}
		if !child.Status.IsTerminal() && child.Status != storage.InstanceFaulted {
			continue
		}
		signal, err := x.e.childSignal(ctx, child)
		if err != nil {
			return err
		}
		if err := x.resume(ctx, b, signal); err != nil {
			return err
		}
	}
	return nil
}

// TerminateProcess ends a non-terminal instance: open activities and tasks
// are cancelled, bookmarks deactivated and running children terminated.
func (e *Engine) TerminateProcess(ctx context.Context, instanceID, operator, reason string) error {
	return e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		return x.terminate(ctx, reason)
	})
}

func (x *execution) terminate(ctx context.Context, reason string) error {
	if err := fireInstance(ctx, x.inst, triggerTerminate); err != nil {
		return err
	}
	now := x.e.now()
	x.inst.EndTime = &now
	x.inst.TerminateReason = reason
	x.inst.CurrentNodeID = nil
	if err := x.e.store.UpdateInstance(ctx, x.inst); err != nil {
		return systemError(err, "failed to terminate instance %s", x.inst.ID)
	}

	open, err := x.e.store.ListActivityInstances(ctx, x.inst.ID, storage.ActivityPending, storage.ActivityRunning)
	if err != nil {
		return systemError(err, "failed to list open activities")
	}
	for _, ai := range open {
		if err := fireActivity(ctx, ai, triggerCancel); err != nil {
			return err
		}
		ai.EndTime = &now
		if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
			return systemError(err, "failed to cancel activity %s", ai.ActivityID)
		}
	}
	tasks, err := x.e.store.ListTasks(ctx, storage.TaskFilter{
		InstanceID: x.inst.ID,
		Statuses:   []storage.TaskStatus{storage.TaskPending, storage.TaskClaimed},
	})
	if err != nil {
		return systemError(err, "failed to list tasks")
	}
	for _, t := range tasks {
		if err := x.closeTask(ctx, t, triggerCancel, reason); err != nil {
			return err
		}
	}
	if err := x.e.store.DeactivateInstanceBookmarks(ctx, x.inst.ID); err != nil {
		return systemError(err, "failed to deactivate bookmarks")
	}

	entry := historyEntry(x.inst.ID, storage.OpTerminate, x.operator)
	entry.Comment = reason
	x.e.record(ctx, entry)
	info := hooks.ProcessTerminatedInfo{
		InstanceID:     x.inst.ID,
		DefinitionCode: x.inst.DefinitionCode,
		Operator:       x.operator,
		Reason:         reason,
		Duration:       now.Sub(x.inst.StartTime),
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessTerminated(ctx, info) })
	x.e.logger.Info("instance terminated", "instance_id", x.inst.ID, "operator", x.operator, "reason", reason)

	children, err := x.e.store.ListChildInstances(ctx, x.inst.ID)
	if err != nil {
		return systemError(err, "failed to list children of %s", x.inst.ID)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		cx, err := x.e.claim(ctx, child.ID, x.operator)
		if err != nil {
			return err
		}
		if err := cx.terminate(ctx, "parent terminated: "+reason); err != nil {
			return err
		}
	}

	if x.inst.ParentInstanceID != nil {
		return x.e.onChildFinished(ctx, x.inst, x.operator)
	}
	return nil
}

// SetProcessVariables appends a new version of each variable.
func (e *Engine) SetProcessVariables(ctx context.Context, instanceID, operator string, vars map[string]any) error {
	if len(vars) == 0 {
		return Errorf(CodeInvalidArgument, "no variables given")
	}
	return e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		if x.inst.Status.IsTerminal() {
			return Errorf(CodeInstanceTerminal, "instance %s is %s", x.inst.ID, x.inst.Status)
		}
		if err := x.setVariables(ctx, vars, nil, operator); err != nil {
			return err
		}
		entry := historyEntry(x.inst.ID, storage.OpSetVariables, operator)
		entry.Data, _ = marshalJSON(map[string]any{"names": sortedKeys(vars)})
		e.record(ctx, entry)
		return nil
	})
}

// Compensate undoes the completed activities of a non-terminal instance in
// reverse completion order. When some activity could not be compensated the
// report is returned together with a CompensationPartialFailure error whose
// Data lists the remaining activity IDs.
func (e *Engine) Compensate(ctx context.Context, instanceID, operator string, force bool) (*compensation.Report, error) {
	var report *compensation.Report
	err := e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		if x.inst.Status.IsTerminal() {
			return Errorf(CodeInstanceTerminal, "instance %s is %s", x.inst.ID, x.inst.Status)
		}
		r, err := x.compensate(ctx, force)
		if err != nil {
			return err
		}
		report = r
		entry := historyEntry(x.inst.ID, storage.OpCompensate, operator)
		entry.Data, _ = marshalJSON(r)
		e.record(ctx, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.Partial() {
		return report, &Error{
			Code:    CodeCompensationPartialFailure,
			Message: "some activities could not be compensated",
			Data:    map[string]any{"remaining": report.Remaining, "compensated": report.Compensated},
		}
	}
	return report, nil
}

func (x *execution) compensate(ctx context.Context, force bool) (*compensation.Report, error) {
	report, err := x.e.compensator.Compensate(ctx, x.inst.ID, force)
	if err != nil {
		return nil, systemError(err, "compensation of %s failed", x.inst.ID)
	}
	info := hooks.CompensationInfo{
		InstanceID:  x.inst.ID,
		Operator:    x.operator,
		Forced:      force,
		Compensated: report.Compensated,
		Remaining:   report.Remaining,
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnCompensation(ctx, info) })
	if report.Partial() {
		x.e.logger.Warn("compensation incomplete", "instance_id", x.inst.ID, "remaining", report.Remaining)
	}
	return report, nil
}

// PurgeInstance deletes a terminal instance and every row it owns.
func (e *Engine) PurgeInstance(ctx context.Context, instanceID, operator string) error {
	return e.instanceOp(ctx, instanceID, operator, func(ctx context.Context, x *execution) error {
		if !x.inst.Status.IsTerminal() {
			return Errorf(CodeInvalidStateTransition, "instance %s is %s; only completed or terminated instances can be purged", x.inst.ID, x.inst.Status)
		}
		if err := e.store.DeleteInstance(ctx, x.inst.ID); err != nil {
			return systemError(err, "failed to purge instance %s", x.inst.ID)
		}
		e.logger.Info("instance purged", "instance_id", x.inst.ID, "operator", operator)
		return nil
	})
}

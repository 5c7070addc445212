package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// DefaultOutcome is the outcome of a completed task whose variables do not
// carry one.
const DefaultOutcome = "approved"

// createTask creates a Pending task for ai. assignee overrides the
// activity's assignee expression.
func (x *execution) createTask(ctx context.Context, ai *storage.ActivityInstance, act *definition.Activity, kind string, assignee *string) (*storage.WorkflowTask, error) {
	if assignee == nil && act.Assignee != "" {
		vars, err := x.variables(ctx)
		if err != nil {
			return nil, err
		}
		resolved, err := x.e.eval.Resolve(act.Assignee, vars)
		if err != nil {
			x.e.logger.Warn("assignee not resolved, task left unassigned",
				"instance_id", x.inst.ID, "activity_id", act.ID, "error", err)
		} else if resolved != "" {
			assignee = &resolved
		}
	}

	now := x.e.now()
	name := act.Name
	if name == "" {
		name = act.ID
	}
	task := &storage.WorkflowTask{
		ID:                 newID(),
		InstanceID:         x.inst.ID,
		ActivityInstanceID: ai.ID,
		ActivityID:         act.ID,
		Name:               name,
		Kind:               kind,
		AssigneeID:         assignee,
		OriginalAssigneeID: assignee,
		Status:             storage.TaskPending,
		CreatedAt:          now,
	}
	if act.DueIn > 0 {
		due := now.Add(act.DueIn.Std())
		task.DueTime = &due
	}
	if err := x.insertTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// insertTask stores a new task and announces it after commit.
func (x *execution) insertTask(ctx context.Context, task *storage.WorkflowTask) error {
	if err := x.e.store.CreateTask(ctx, task); err != nil {
		return systemError(err, "failed to create task for %s", task.ActivityID)
	}
	if task.DueTime != nil {
		x.e.wake(ctx, storage.ChannelDeadline, task.ID)
	}

	info := hooks.TaskInfo{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		ActivityID: task.ActivityID,
		Name:       task.Name,
		Kind:       task.Kind,
		AssigneeID: deref(recipient(task)),
		DueTime:    task.DueTime,
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnTaskCreated(ctx, info) })
	x.e.notify(ctx, Notification{
		Type:       NotifyTaskAssigned,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		Recipient:  deref(recipient(task)),
		Data:       map[string]any{"activityId": task.ActivityID, "name": task.Name, "kind": task.Kind},
	})
	return nil
}

// recipient is the user expected to act on a task.
func recipient(task *storage.WorkflowTask) *string {
	if task.DelegateUserID != nil {
		return task.DelegateUserID
	}
	return task.AssigneeID
}

// canAct reports whether user may act on task: anyone for an unassigned
// task, otherwise the assignee or the delegate.
func canAct(task *storage.WorkflowTask, user string) bool {
	if task.AssigneeID == nil && task.DelegateUserID == nil {
		return true
	}
	return deref(task.AssigneeID) == user || deref(task.DelegateUserID) == user
}

// requireRunning fails unless the instance accepts progress.
func (x *execution) requireRunning() error {
	switch {
	case x.inst.Status.IsTerminal():
		return Errorf(CodeInstanceTerminal, "instance %s is %s", x.inst.ID, x.inst.Status)
	case x.inst.Status != storage.InstanceRunning:
		return Errorf(CodeInvalidStateTransition, "instance %s is %s", x.inst.ID, x.inst.Status)
	}
	return nil
}

// taskOp loads an open task, claims its instance and runs fn.
func (e *Engine) taskOp(ctx context.Context, taskID, operator string, fn func(ctx context.Context, x *execution, task *storage.WorkflowTask) error) (bool, error) {
	if taskID == "" {
		return false, Errorf(CodeInvalidArgument, "taskId is required")
	}
	if operator == "" {
		return false, Errorf(CodeInvalidArgument, "operator is required")
	}
	err := e.run(ctx, func(ctx context.Context) error {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return wrapStorage(err, CodeTaskNotFound, "task %s", taskID)
		}
		// A task someone already acted on stays TaskNotPending even after
		// its instance ended; tasks cancelled by termination report the
		// instance state instead.
		if !task.Status.IsOpen() && task.Status != storage.TaskCancelled {
			return Errorf(CodeTaskNotPending, "task %s is %s", task.ID, task.Status)
		}
		x, err := e.claim(ctx, task.InstanceID, operator)
		if err != nil {
			return err
		}
		if err := x.requireRunning(); err != nil {
			return err
		}
		if !task.Status.IsOpen() {
			return Errorf(CodeTaskNotPending, "task %s is %s", task.ID, task.Status)
		}
		return fn(ctx, x, task)
	})
	return err == nil, err
}

// closeTask moves task along t and stamps who did it.
func (x *execution) closeTask(ctx context.Context, task *storage.WorkflowTask, t trigger, comment string) error {
	if err := fireTask(ctx, task, t); err != nil {
		return err
	}
	now := x.e.now()
	task.CompletedAt = &now
	task.Comment = comment
	task.Operator = x.operator
	if err := x.e.store.UpdateTask(ctx, task); err != nil {
		return systemError(err, "failed to update task %s", task.ID)
	}
	return nil
}

// taskAction records the history entry and hook of a task action.
func (x *execution) taskAction(ctx context.Context, task *storage.WorkflowTask, op storage.OperationType, comment, target string) {
	entry := historyEntry(x.inst.ID, op, x.operator)
	entry.TaskID = &task.ID
	entry.ActivityInstanceID = &task.ActivityInstanceID
	entry.Comment = comment
	if target != "" {
		entry.Data, _ = marshalJSON(map[string]any{"targetUser": target})
	}
	x.e.record(ctx, entry)

	info := hooks.TaskActionInfo{
		InstanceID: x.inst.ID,
		TaskID:     task.ID,
		ActivityID: task.ActivityID,
		Action:     strings.ToLower(string(op)),
		Operator:   x.operator,
		TargetUser: target,
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnTaskAction(ctx, info) })
}

// taskActivity loads the activity instance and definition activity of a task.
func (x *execution) taskActivity(ctx context.Context, task *storage.WorkflowTask) (*storage.ActivityInstance, *definition.Activity, error) {
	ai, err := x.e.store.GetActivityInstance(ctx, task.ActivityInstanceID)
	if err != nil {
		return nil, nil, systemError(err, "failed to load activity of task %s", task.ID)
	}
	act, ok := x.doc.Activity(ai.ActivityID)
	if !ok {
		return nil, nil, Errorf(CodeSystemError, "activity %s not in definition %s", ai.ActivityID, x.inst.DefinitionCode)
	}
	return ai, act, nil
}

// CompleteTask completes a task, storing variables and form data tagged with
// it, and completes its activity with the outcome carried by the "outcome"
// variable (DefaultOutcome otherwise).
func (e *Engine) CompleteTask(ctx context.Context, taskID, operator, comment string, variables, formData map[string]any) (bool, error) {
	return e.taskOp(ctx, taskID, operator, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if !canAct(task, operator) {
			return Errorf(CodeOperationNotPermitted, "%s cannot complete task %s", operator, task.ID)
		}
		ai, act, err := x.taskActivity(ctx, task)
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(formData) {
			if err := x.appendForm(ctx, key, formData[key], &task.ID, operator); err != nil {
				return err
			}
		}
		if err := x.setVariables(ctx, variables, &task.ID, operator); err != nil {
			return err
		}
		if err := x.closeTask(ctx, task, triggerComplete, comment); err != nil {
			return err
		}
		if err := x.cancelSiblingTasks(ctx, task); err != nil {
			return err
		}
		x.taskAction(ctx, task, storage.OpComplete, comment, "")

		outcome := DefaultOutcome
		if o, ok := variables["outcome"].(string); ok && o != "" {
			outcome = o
		}
		outputs := map[string]any{"taskId": task.ID, "completedBy": operator}
		if task.DelegateUserID != nil && task.AssigneeID != nil {
			outputs["onBehalfOf"] = *task.AssigneeID
		}
		if comment != "" {
			outputs["comment"] = comment
		}
		return x.complete(ctx, act, ai, Completed(outcome, outputs))
	})
}

// RejectTask rejects a task, cancels its activity and reopens
// targetActivityID (the previous activity when empty), bypassing connection
// conditions.
func (e *Engine) RejectTask(ctx context.Context, taskID, operator, comment, targetActivityID string) (bool, error) {
	return e.taskOp(ctx, taskID, operator, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if !canAct(task, operator) {
			return Errorf(CodeOperationNotPermitted, "%s cannot reject task %s", operator, task.ID)
		}
		ai, _, err := x.taskActivity(ctx, task)
		if err != nil {
			return err
		}
		if targetActivityID == "" {
			if ai.PreviousActivityID == nil {
				return Errorf(CodeInvalidArgument, "task %s has no previous activity to return to", task.ID)
			}
			targetActivityID = *ai.PreviousActivityID
		}
		target, ok := x.doc.Activity(targetActivityID)
		if !ok {
			return Errorf(CodeInvalidArgument, "activity %s not in definition %s", targetActivityID, x.inst.DefinitionCode)
		}
		if err := x.reopenable(target); err != nil {
			return err
		}
		if err := x.closeTask(ctx, task, triggerReject, comment); err != nil {
			return err
		}
		if err := x.cancelActivity(ctx, ai); err != nil {
			return err
		}
		x.taskAction(ctx, task, storage.OpReject, comment, "")
		return x.reopen(ctx, target, &ai.ActivityID)
	})
}

// TransferTask hands a task to targetUser through a new Pending task that
// keeps the original assignee.
func (e *Engine) TransferTask(ctx context.Context, taskID, operator, targetUser, comment string) (bool, error) {
	return e.taskOp(ctx, taskID, operator, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if targetUser == "" {
			return Errorf(CodeInvalidArgument, "targetUser is required")
		}
		if !canAct(task, operator) {
			return Errorf(CodeOperationNotPermitted, "%s cannot transfer task %s", operator, task.ID)
		}
		if err := x.closeTask(ctx, task, triggerTransfer, comment); err != nil {
			return err
		}
		next := x.successor(task)
		next.AssigneeID = &targetUser
		if err := x.insertTask(ctx, next); err != nil {
			return err
		}
		x.taskAction(ctx, task, storage.OpTransfer, comment, targetUser)
		return nil
	})
}

// DelegateTask asks targetUser to act on a task on the assignee's behalf.
func (e *Engine) DelegateTask(ctx context.Context, taskID, operator, targetUser, comment string) (bool, error) {
	return e.taskOp(ctx, taskID, operator, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if targetUser == "" {
			return Errorf(CodeInvalidArgument, "targetUser is required")
		}
		if !canAct(task, operator) {
			return Errorf(CodeOperationNotPermitted, "%s cannot delegate task %s", operator, task.ID)
		}
		if err := x.closeTask(ctx, task, triggerDelegate, comment); err != nil {
			return err
		}
		next := x.successor(task)
		next.DelegateUserID = &targetUser
		if err := x.insertTask(ctx, next); err != nil {
			return err
		}
		x.taskAction(ctx, task, storage.OpDelegate, comment, targetUser)
		return nil
	})
}

// WithdrawTask lets the initiator pull back a Pending task: the task is
// Withdrawn, its activity cancelled and the previous activity reopened.
func (e *Engine) WithdrawTask(ctx context.Context, taskID, operator, comment string) (bool, error) {
	return e.taskOp(ctx, taskID, operator, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if operator != x.inst.Initiator {
			return Errorf(CodeOperationNotPermitted, "only the initiator can withdraw task %s", task.ID)
		}
		ai, _, err := x.taskActivity(ctx, task)
		if err != nil {
			return err
		}
		if ai.PreviousActivityID == nil {
			return Errorf(CodeInvalidArgument, "task %s has no previous activity to return to", task.ID)
		}
		target, ok := x.doc.Activity(*ai.PreviousActivityID)
		if !ok {
			return Errorf(CodeInvalidArgument, "activity %s not in definition %s", *ai.PreviousActivityID, x.inst.DefinitionCode)
		}
		if err := x.reopenable(target); err != nil {
			return err
		}
		if err := x.closeTask(ctx, task, triggerWithdraw, comment); err != nil {
			return err
		}
		if err := x.cancelActivity(ctx, ai); err != nil {
			return err
		}
		x.taskAction(ctx, task, storage.OpWithdraw, comment, "")
		return x.reopen(ctx, target, &ai.ActivityID)
	})
}

// ClaimTask assigns an unassigned Pending task to user.
func (e *Engine) ClaimTask(ctx context.Context, taskID, user string) (bool, error) {
	return e.taskOp(ctx, taskID, user, func(ctx context.Context, x *execution, task *storage.WorkflowTask) error {
		if task.AssigneeID != nil && *task.AssigneeID != user {
			return Errorf(CodeOperationNotPermitted, "task %s is assigned to %s", task.ID, *task.AssigneeID)
		}
		if err := fireTask(ctx, task, triggerClaim); err != nil {
			return err
		}
		task.AssigneeID = &user
		if task.OriginalAssigneeID == nil {
			task.OriginalAssigneeID = &user
		}
		task.Operator = user
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return systemError(err, "failed to claim task %s", task.ID)
		}
		x.taskAction(ctx, task, storage.OpClaim, "", "")
		return nil
	})
}

// successor copies task into a new Pending task linked to it.
func (x *execution) successor(task *storage.WorkflowTask) *storage.WorkflowTask {
	original := task.OriginalAssigneeID
	if original == nil {
		original = task.AssigneeID
	}
	return &storage.WorkflowTask{
		ID:                 newID(),
		InstanceID:         task.InstanceID,
		ActivityInstanceID: task.ActivityInstanceID,
		ActivityID:         task.ActivityID,
		Name:               task.Name,
		Kind:               task.Kind,
		AssigneeID:         task.AssigneeID,
		OriginalAssigneeID: original,
		ParentTaskID:       &task.ID,
		Status:             storage.TaskPending,
		DueTime:            task.DueTime,
		CreatedAt:          x.e.now(),
	}
}

// reopenable refuses targets that cannot carry a resubmission: gateways,
// joins and end activities.
func (x *execution) reopenable(act *definition.Activity) error {
	if act.Type == definition.TypeEnd || act.Type == definition.TypeParallel {
		return Errorf(CodeInvalidArgument, "activity %s (%s) cannot be reopened", act.ID, act.Type)
	}
	if b, ok := x.e.registry.Lookup(act.Type); ok && b.Kind() == KindJoin {
		return Errorf(CodeInvalidArgument, "activity %s (%s) cannot be reopened", act.ID, act.Type)
	}
	return nil
}

// reopen restarts act after a rejection or withdrawal. A human task starts
// normally; any other activity is reopened as a Running instance holding a
// resubmission task for the initiator.
func (x *execution) reopen(ctx context.Context, act *definition.Activity, prev *string) error {
	input := map[string]any{"reopened": true}
	if b, ok := x.e.registry.Lookup(act.Type); ok && b.Kind() == KindHumanTask {
		return x.start(ctx, act, prev, input)
	}

	ai, err := x.open(ctx, act, prev, input)
	if err != nil {
		return err
	}
	if err := fireActivity(ctx, ai, triggerRun); err != nil {
		return err
	}
	if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
		return systemError(err, "failed to reopen activity %s", act.ID)
	}
	x.inst.CurrentNodeID = &act.ID
	if err := x.e.store.UpdateInstance(ctx, x.inst); err != nil {
		return systemError(err, "failed to update instance %s", x.inst.ID)
	}
	x.activityStarted(ctx, ai)

	initiator := x.inst.Initiator
	_, err = x.createTask(ctx, ai, act, storage.TaskKindResubmit, &initiator)
	return err
}

// cancelActivity cancels ai together with its open tasks and bookmarks.
func (x *execution) cancelActivity(ctx context.Context, ai *storage.ActivityInstance) error {
	if ai.Status.IsOpen() {
		if err := fireActivity(ctx, ai, triggerCancel); err != nil {
			return err
		}
		end := x.e.now()
		ai.EndTime = &end
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
		if t.ActivityInstanceID != ai.ID {
			continue
		}
		if err := x.closeTask(ctx, t, triggerCancel, ""); err != nil {
			return err
		}
	}
	bookmarks, err := x.e.store.ListBookmarks(ctx, x.inst.ID, true)
	if err != nil {
		return systemError(err, "failed to list bookmarks")
	}
	for _, b := range bookmarks {
		if b.ActivityInstanceID != ai.ID {
			continue
		}
		if err := x.e.store.DeactivateBookmark(ctx, b.ID, x.e.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return systemError(err, "failed to deactivate bookmark %s", b.Name)
		}
	}
	return nil
}

// cancelSiblingTasks cancels other open tasks of the same activity instance.
func (x *execution) cancelSiblingTasks(ctx context.Context, task *storage.WorkflowTask) error {
	tasks, err := x.e.store.ListTasks(ctx, storage.TaskFilter{
		InstanceID: x.inst.ID,
		Statuses:   []storage.TaskStatus{storage.TaskPending, storage.TaskClaimed},
	})
	if err != nil {
		return systemError(err, "failed to list tasks")
	}
	for _, t := range tasks {
		if t.ID == task.ID || t.ActivityInstanceID != task.ActivityInstanceID {
			continue
		}
		if err := x.closeTask(ctx, t, triggerCancel, ""); err != nil {
			return err
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

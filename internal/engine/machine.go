package engine

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/i2y/leanflow/internal/storage"
)

type trigger string

const (
	triggerRun       trigger = "run"
	triggerComplete  trigger = "complete"
	triggerFault     trigger = "fault"
	triggerCancel    trigger = "cancel"
	triggerClaim     trigger = "claim"
	triggerReject    trigger = "reject"
	triggerTransfer  trigger = "transfer"
	triggerDelegate  trigger = "delegate"
	triggerWithdraw  trigger = "withdraw"
	triggerSuspend   trigger = "suspend"
	triggerResume    trigger = "resume"
	triggerTerminate trigger = "terminate"
)

// The machines keep no state of their own: they read and write the status
// field of the row they guard, so a fired trigger is persisted by the next
// Update of that row.

func activityMachine(ai *storage.ActivityInstance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return ai.Status, nil },
		func(_ context.Context, s stateless.State) error {
			ai.Status = s.(storage.ActivityStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(storage.ActivityPending).
		Permit(triggerRun, storage.ActivityRunning).
		Permit(triggerCancel, storage.ActivityCancelled)
	sm.Configure(storage.ActivityRunning).
		Permit(triggerComplete, storage.ActivityCompleted).
		Permit(triggerFault, storage.ActivityFaulted).
		Permit(triggerCancel, storage.ActivityCancelled)
	return sm
}

func taskMachine(task *storage.WorkflowTask) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return task.Status, nil },
		func(_ context.Context, s stateless.State) error {
			task.Status = s.(storage.TaskStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(storage.TaskPending).
		Permit(triggerClaim, storage.TaskClaimed).
		Permit(triggerComplete, storage.TaskCompleted).
		Permit(triggerReject, storage.TaskRejected).
		Permit(triggerTransfer, storage.TaskTransferred).
		Permit(triggerDelegate, storage.TaskDelegated).
		Permit(triggerWithdraw, storage.TaskWithdrawn).
		Permit(triggerCancel, storage.TaskCancelled)
	sm.Configure(storage.TaskClaimed).
		Permit(triggerComplete, storage.TaskCompleted).
		Permit(triggerReject, storage.TaskRejected).
		Permit(triggerTransfer, storage.TaskTransferred).
		Permit(triggerDelegate, storage.TaskDelegated).
		Permit(triggerCancel, storage.TaskCancelled)
	return sm
}

func instanceMachine(inst *storage.WorkflowInstance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return inst.Status, nil },
		func(_ context.Context, s stateless.State) error {
			inst.Status = s.(storage.InstanceStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(storage.InstanceRunning).
		Permit(triggerSuspend, storage.InstanceSuspended).
		Permit(triggerComplete, storage.InstanceCompleted).
		Permit(triggerFault, storage.InstanceFaulted).
		Permit(triggerTerminate, storage.InstanceTerminated)
	sm.Configure(storage.InstanceSuspended).
		Permit(triggerResume, storage.InstanceRunning).
		Permit(triggerTerminate, storage.InstanceTerminated)
	sm.Configure(storage.InstanceFaulted).
		Permit(triggerTerminate, storage.InstanceTerminated)
	return sm
}

// fireActivity moves ai along t or fails with InvalidStateTransition.
func fireActivity(ctx context.Context, ai *storage.ActivityInstance, t trigger) error {
	from := ai.Status
	if err := activityMachine(ai).FireCtx(ctx, t); err != nil {
		return &Error{
			Code:    CodeInvalidStateTransition,
			Message: "activity " + ai.ActivityID + " is " + string(from) + ", cannot " + string(t),
			Err:     err,
		}
	}
	return nil
}

// fireTask moves task along t or fails with TaskNotPending.
func fireTask(ctx context.Context, task *storage.WorkflowTask, t trigger) error {
	from := task.Status
	if err := taskMachine(task).FireCtx(ctx, t); err != nil {
		return &Error{
			Code:    CodeTaskNotPending,
			Message: "task " + task.ID + " is " + string(from) + ", cannot " + string(t),
			Err:     err,
		}
	}
	return nil
}

// fireInstance moves inst along t. Terminal instances fail with
// InstanceTerminal, any other refusal with InvalidStateTransition.
func fireInstance(ctx context.Context, inst *storage.WorkflowInstance, t trigger) error {
	from := inst.Status
	if from.IsTerminal() {
		return Errorf(CodeInstanceTerminal, "instance %s is %s", inst.ID, from)
	}
	if err := instanceMachine(inst).FireCtx(ctx, t); err != nil {
		return &Error{
			Code:    CodeInvalidStateTransition,
			Message: "instance " + inst.ID + " is " + string(from) + ", cannot " + string(t),
			Err:     err,
		}
	}
	return nil
}

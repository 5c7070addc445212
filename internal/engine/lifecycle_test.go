package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow/internal/storage"
)

const bookingDoc = `
code: booking
activities:
  - {id: start, type: start}
  - {id: flight, type: service, compensation: cancel, properties: {handler: reserve}}
  - {id: hotel, type: service, compensation: cancel, properties: {handler: reserve}}
  - {id: car, type: service, compensation: cancel, properties: {handler: reserve}}
  - {id: confirm, type: userTask, assignee: bob}
  - {id: end, type: end}
connections:
  - {source: start, target: flight}
  - {source: flight, target: hotel}
  - {source: hotel, target: car}
  - {source: car, target: confirm}
  - {source: confirm, target: end}
`

// bookingHarness registers a reserve service that snapshots its activity ID
// and a cancel handler that records the IDs it undoes.
type bookingHarness struct {
	*harness
	mu        sync.Mutex
	cancelled []string
	failOn    map[string]bool
}

func newBookingHarness(t *testing.T) *bookingHarness {
	b := &bookingHarness{harness: newHarness(t), failOn: map[string]bool{}}
	b.engine.RegisterService("reserve", func(_ context.Context, call ServiceCall) (*ServiceResult, error) {
		if b.failOn["reserve:"+call.ActivityID] {
			return nil, errors.New("no availability")
		}
		return &ServiceResult{CompensationData: call.ActivityID}, nil
	})
	b.engine.Compensations().Register("cancel", func(_ context.Context, arg []byte) error {
		var id string
		if err := json.Unmarshal(arg, &id); err != nil {
			return err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cancelled = append(b.cancelled, id)
		if b.failOn["cancel:"+id] {
			return errors.New("cancellation refused")
		}
		return nil
	})
	b.publish(bookingDoc)
	return b
}

func TestCompensateReverseOrder(t *testing.T) {
	b := newBookingHarness(t)
	inst := b.start("booking", "alice", nil)
	require.Equal(t, storage.InstanceRunning, inst.Status)

	report, err := b.engine.Compensate(b.ctx, inst.ID, "admin", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"car", "hotel", "flight"}, b.cancelled)
	assert.Equal(t, []string{"car", "hotel", "flight", "start"}, report.Compensated)
	assert.Empty(t, report.Remaining)

	for _, ai := range b.activities(inst.ID) {
		if ai.ActivityID == "confirm" {
			continue
		}
		assert.Equal(t, storage.ActivityCompensated, ai.Status, ai.ActivityID)
	}
	assert.Contains(t, b.history(inst.ID), storage.OpCompensate)
}

func TestCompensatePartialFailure(t *testing.T) {
	b := newBookingHarness(t)
	b.failOn["cancel:hotel"] = true
	inst := b.start("booking", "alice", nil)

	report, err := b.engine.Compensate(b.ctx, inst.ID, "admin", false)
	requireCode(t, err, CodeCompensationPartialFailure)
	require.NotNil(t, report)
	assert.Equal(t, []string{"car"}, report.Compensated)
	assert.Equal(t, []string{"hotel", "flight", "start"}, report.Remaining)
	assert.Contains(t, report.Failures["hotel"], "cancellation refused")

	var engineErr *Error
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, []string{"hotel", "flight", "start"}, engineErr.Data["remaining"])

	// Forcing skips the stuck activity and undoes the rest.
	report, err = b.engine.Compensate(b.ctx, inst.ID, "admin", true)
	requireCode(t, err, CodeCompensationPartialFailure)
	assert.Equal(t, []string{"flight", "start"}, report.Compensated)
	assert.Equal(t, []string{"hotel"}, report.Remaining)
}

func TestFaultCompensatesCompletedActivities(t *testing.T) {
	b := newBookingHarness(t)
	b.failOn["reserve:car"] = true
	inst := b.start("booking", "alice", nil)

	assert.Equal(t, storage.InstanceFaulted, inst.Status)
	assert.Contains(t, inst.FaultInfo, "no availability")
	assert.Equal(t, []string{"hotel", "flight"}, b.cancelled)
}

func TestCompensateTerminalInstance(t *testing.T) {
	b := newBookingHarness(t)
	inst := b.start("booking", "alice", nil)
	require.NoError(t, b.engine.TerminateProcess(b.ctx, inst.ID, "admin", "cancelled"))

	_, err := b.engine.Compensate(b.ctx, inst.ID, "admin", false)
	requireCode(t, err, CodeInstanceTerminal)
}

func TestSuspendResumeTransitions(t *testing.T) {
	h := newHarness(t)
	h.publish(approvalDoc)
	inst := h.start("approval", "alice", nil)

	requireCode(t, h.engine.ResumeProcess(h.ctx, inst.ID, "admin"), CodeInvalidStateTransition)

	require.NoError(t, h.engine.SuspendProcess(h.ctx, inst.ID, "admin"))
	assert.Equal(t, storage.InstanceSuspended, h.instance(inst.ID).Status)
	requireCode(t, h.engine.SuspendProcess(h.ctx, inst.ID, "admin"), CodeInvalidStateTransition)

	// Tasks stay open while suspended.
	assert.Equal(t, storage.TaskPending, h.openTask(inst.ID).Status)

	require.NoError(t, h.engine.ResumeProcess(h.ctx, inst.ID, "admin"))
	assert.Equal(t, storage.InstanceRunning, h.instance(inst.ID).Status)

	requireCode(t, h.engine.SuspendProcess(h.ctx, "missing", "admin"), CodeInstanceNotFound)
	requireCode(t, h.engine.SuspendProcess(h.ctx, inst.ID, ""), CodeInvalidArgument)

	assert.Equal(t, []storage.OperationType{storage.OpStart, storage.OpSuspend, storage.OpResume}, h.history(inst.ID))
}

func TestTerminateIsFinal(t *testing.T) {
	h := newHarness(t)
	h.publish(approvalDoc)
	inst := h.start("approval", "alice", nil)
	task := h.openTask(inst.ID)

	require.NoError(t, h.engine.TerminateProcess(h.ctx, inst.ID, "admin", "duplicate request"))

	done := h.instance(inst.ID)
	assert.Equal(t, storage.InstanceTerminated, done.Status)
	assert.Equal(t, "duplicate request", done.TerminateReason)
	assert.NotNil(t, done.EndTime)
	assert.Nil(t, done.CurrentNodeID)

	cancelled, err := h.engine.GetTask(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, cancelled.Status)

	current, err := h.engine.GetCurrentActivities(h.ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, current)

	_, err = h.engine.CompleteTask(h.ctx, task.ID, "bob", "", nil, nil)
	requireCode(t, err, CodeInstanceTerminal)
	requireCode(t, h.engine.SuspendProcess(h.ctx, inst.ID, "admin"), CodeInstanceTerminal)
	requireCode(t, h.engine.ResumeProcess(h.ctx, inst.ID, "admin"), CodeInstanceTerminal)
	requireCode(t, h.engine.TerminateProcess(h.ctx, inst.ID, "admin", "again"), CodeInstanceTerminal)
	requireCode(t, h.engine.SetProcessVariables(h.ctx, inst.ID, "admin", map[string]any{"x": 1}), CodeInstanceTerminal)
}

func TestTerminateFaultedInstance(t *testing.T) {
	b := newBookingHarness(t)
	b.failOn["reserve:flight"] = true
	inst := b.start("booking", "alice", nil)
	require.Equal(t, storage.InstanceFaulted, inst.Status)

	require.NoError(t, b.engine.TerminateProcess(b.ctx, inst.ID, "admin", "given up"))
	assert.Equal(t, storage.InstanceTerminated, b.instance(inst.ID).Status)
}

func TestPurgeInstance(t *testing.T) {
	h := newHarness(t)
	h.publish(approvalDoc)
	inst := h.start("approval", "alice", nil)

	requireCode(t, h.engine.PurgeInstance(h.ctx, inst.ID, "admin"), CodeInvalidStateTransition)

	h.complete(h.openTask(inst.ID).ID, "bob", nil)
	require.NoError(t, h.engine.FlushHistory(h.ctx))
	require.NoError(t, h.engine.PurgeInstance(h.ctx, inst.ID, "admin"))

	_, err := h.engine.GetProcessStatus(h.ctx, inst.ID)
	requireCode(t, err, CodeInstanceNotFound)
	tasks, err := h.store.ListTasks(h.ctx, storage.TaskFilter{InstanceID: inst.ID, Statuses: []storage.TaskStatus{storage.TaskCompleted}})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCleanupHistory(t *testing.T) {
	h := newHarness(t)
	h.publish(approvalDoc)
	done := h.start("approval", "alice", nil)
	h.complete(h.openTask(done.ID).ID, "bob", nil)
	running := h.start("approval", "alice", nil)
	require.NoError(t, h.engine.FlushHistory(h.ctx))

	h.clock.Advance(48 * time.Hour)
	n, err := h.engine.CleanupHistory(h.ctx, 0)
	require.NoError(t, err)
	assert.Positive(t, n)

	assert.Empty(t, h.history(done.ID))
	assert.NotEmpty(t, h.history(running.ID))
}

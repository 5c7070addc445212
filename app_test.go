package leanflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsBeforeStart(t *testing.T) {
	app := NewApp(WithDatabase(":memory:"))
	ctx := context.Background()

	_, err := app.GetProcessStatus(ctx, "x")
	assert.ErrorIs(t, err, ErrSystemError)
	_, err = app.StartProcess(ctx, StartRequest{DefinitionCode: "leave", Initiator: "alice"})
	assert.ErrorIs(t, err, ErrSystemError)
	assert.False(t, app.Ready())
	assert.Nil(t, app.Storage())
	assert.NoError(t, app.Shutdown(ctx))
}

func TestStartTwice(t *testing.T) {
	app := createTestApp(t)
	assert.True(t, app.Ready())
	assert.Error(t, app.Start(context.Background()))
	assert.NotEmpty(t, app.WorkerID())
}

func TestApprovalThroughApp(t *testing.T) {
	ctx := context.Background()
	app := createTestApp(t)
	def := publishApproval(t, app)
	assert.Equal(t, 1, def.Version)

	inst, err := app.StartProcess(ctx, StartRequest{
		DefinitionCode: "leave",
		BusinessKey:    "LR-1",
		Initiator:      "alice",
		Variables:      map[string]any{"reason": "holiday"},
	})
	require.NoError(t, err)
	assert.Equal(t, InstanceRunning, inst.Status)

	tasks, err := app.ListTasks(ctx, TaskFilter{AssigneeID: "bob"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	ok, err := app.CompleteTask(ctx, tasks[0].ID, "bob", "enjoy", map[string]any{"approved": true}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = app.CompleteTask(ctx, tasks[0].ID, "bob", "", nil, nil)
	assert.ErrorIs(t, err, ErrTaskNotPending)

	done, err := app.GetProcessStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, done.Status)

	vars, err := app.GetProcessVariables(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, true, vars["approved"])
	assert.EqualValues(t, 1, vars["days"])

	first, err := app.GetProcessVariable(ctx, inst.ID, "reason", 1)
	require.NoError(t, err)
	assert.Equal(t, "holiday", DecodeValue(first))

	require.NoError(t, app.FlushHistory(ctx))
	history, err := app.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestRegisterServiceBeforeStart(t *testing.T) {
	ctx := context.Background()
	app := NewApp(WithDatabase(t.TempDir()+"/svc.db"), WithBackground(false))
	app.RegisterService("greet", func(_ context.Context, call ServiceCall) (*ServiceResult, error) {
		return &ServiceResult{Variables: map[string]any{"greeting": "hello " + call.BusinessKey}}, nil
	})
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Shutdown(ctx) }()

	_, err := app.PublishDefinitionSource(ctx, []byte(`
code: greet
activities:
  - {id: start, type: start}
  - {id: hello, type: service, properties: {handler: greet}}
  - {id: end, type: end}
connections:
  - {source: start, target: hello}
  - {source: hello, target: end}
`), "admin")
	require.NoError(t, err)

	inst, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "greet", BusinessKey: "world", Initiator: "alice"})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, inst.Status)

	vars, err := app.GetProcessVariables(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", vars["greeting"])
}

func TestCompensationHandlersThroughApp(t *testing.T) {
	ctx := context.Background()
	var undone []string
	app := NewApp(WithDatabase(t.TempDir()+"/comp.db"), WithBackground(false))
	app.RegisterService("book", func(_ context.Context, call ServiceCall) (*ServiceResult, error) {
		return &ServiceResult{CompensationData: call.ActivityID}, nil
	})
	app.RegisterCompensation("unbook", func(_ context.Context, arg []byte) error {
		undone = append(undone, string(arg))
		return nil
	})
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Shutdown(ctx) }()

	_, err := app.PublishDefinitionSource(ctx, []byte(`
code: trip
activities:
  - {id: start, type: start}
  - {id: flight, type: service, compensation: unbook, properties: {handler: book}}
  - {id: hold, type: userTask, assignee: bob}
  - {id: end, type: end}
connections:
  - {source: start, target: flight}
  - {source: flight, target: hold}
  - {source: hold, target: end}
`), "admin")
	require.NoError(t, err)
	inst, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "trip", Initiator: "alice"})
	require.NoError(t, err)

	report, err := app.Compensate(ctx, inst.ID, "admin", false)
	require.NoError(t, err)
	assert.Contains(t, report.Compensated, "flight")
	assert.Equal(t, []string{`"flight"`}, undone)
}

func TestBackgroundSweepFiresTimer(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	app := createTestApp(t,
		WithBackground(true),
		WithClock(clock.Now),
		WithSweepInterval(20*time.Millisecond),
	)
	_, err := app.PublishDefinitionSource(ctx, []byte(`
code: wait
activities:
  - {id: start, type: start}
  - {id: pause, type: timer, properties: {duration: 1h}}
  - {id: end, type: end}
connections:
  - {source: start, target: pause}
  - {source: pause, target: end}
`), "admin")
	require.NoError(t, err)

	inst, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "wait", Initiator: "alice"})
	require.NoError(t, err)
	require.Equal(t, InstanceRunning, inst.Status)

	clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool {
		got, err := app.GetProcessStatus(ctx, inst.ID)
		return err == nil && got.Status == InstanceCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOutboxDeliversNotifications(t *testing.T) {
	var mu sync.Mutex
	var types []string
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		types = append(types, r.Header.Get("Ce-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer broker.Close()

	ctx := context.Background()
	app := createTestApp(t,
		WithOutbox(true),
		WithBrokerURL(broker.URL),
		WithOutboxInterval(20*time.Millisecond),
	)
	publishApproval(t, app)
	_, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "leave", Initiator: "alice"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range types {
			if typ == "io.leanflow.task.assigned" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func TestCustomNotifier(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	app := createTestApp(t, WithNotifier(notifier))
	publishApproval(t, app)

	_, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "leave", Initiator: "alice"})
	require.NoError(t, err)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.NotEmpty(t, notifier.notes)
	assert.Equal(t, "task.assigned", notifier.notes[0].Type)
	assert.Equal(t, "bob", notifier.notes[0].Recipient)
}

func TestHousekeepingAppliesHistoryRetention(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	app := createTestApp(t, WithClock(clock.Now), WithHistoryRetention(time.Hour))
	publishApproval(t, app)

	inst, err := app.StartProcess(ctx, StartRequest{DefinitionCode: "leave", Initiator: "alice"})
	require.NoError(t, err)
	tasks, err := app.GetCurrentTasks(ctx, inst.ID)
	require.NoError(t, err)
	_, err = app.CompleteTask(ctx, tasks[0].ID, "bob", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, app.FlushHistory(ctx))

	clock.Advance(2 * time.Hour)
	require.NoError(t, app.runHousekeeping(ctx))

	history, err := app.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConflictRetryPolicy(t *testing.T) {
	app := NewApp(WithConflictRetry(3))
	p := app.config.conflictRetry
	require.NotNil(t, p)
	assert.True(t, p.ShouldRetry(1, &Error{Code: CodeConcurrentModification}))
	assert.False(t, p.ShouldRetry(1, &Error{Code: CodeTaskNotPending}))
	assert.False(t, p.ShouldRetry(3, &Error{Code: CodeConcurrentModification}))
	assert.False(t, p.ShouldRetry(1, errors.New("plain")))
}

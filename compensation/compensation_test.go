package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow/internal/storage"
	"github.com/i2y/leanflow/internal/storage/storagetest"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	called := false
	r.Register("test_func", func(ctx context.Context, arg []byte) error {
		called = true
		return nil
	})

	fn, ok := r.Get("test_func")
	require.True(t, ok)
	require.NoError(t, fn(context.Background(), nil))
	assert.True(t, called)

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestTypedCompensation(t *testing.T) {
	type refund struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	r := NewRegistry()
	var received refund
	NewTypedCompensation("refund", func(ctx context.Context, arg refund) error {
		received = arg
		return nil
	}).Register(r)

	fn, ok := r.Get("refund")
	require.True(t, ok)
	data, _ := json.Marshal(refund{OrderID: "ORD-123", Amount: 100})
	require.NoError(t, fn(context.Background(), data))
	assert.Equal(t, refund{OrderID: "ORD-123", Amount: 100}, received)

	assert.Error(t, fn(context.Background(), []byte("not valid json")))
}

func TestTypedCompensation_Error(t *testing.T) {
	expected := errors.New("compensation failed")
	fn := NewTypedCompensation("f", func(ctx context.Context, arg struct{}) error {
		return expected
	}).AsFunc()

	assert.ErrorIs(t, fn(context.Background(), []byte("{}")), expected)
}

func TestCompensationError(t *testing.T) {
	orig := errors.New("original error")
	err := &CompensationError{ActivityID: "reserve", FuncName: "release", Err: orig}

	assert.Equal(t, "compensation failed for activity reserve (release): original error", err.Error())
	assert.ErrorIs(t, err, orig)
}

// fixture builds completed activity instances with strictly increasing end times.
type fixture struct {
	t     *testing.T
	store *storage.SQLStorage
	inst  *storage.WorkflowInstance
	end   time.Time
}

func newFixture(t *testing.T) *fixture {
	s := storagetest.NewSQLite(t)
	return &fixture{t: t, store: s, inst: storagetest.SeedInstance(t, s), end: storage.Now()}
}

func (f *fixture) completed(activityID, activityType, handler string, data string) *storage.ActivityInstance {
	f.t.Helper()
	ctx := context.Background()
	f.end = f.end.Add(time.Second)
	end := f.end
	ai := &storage.ActivityInstance{
		ID:           uuid.NewString(),
		InstanceID:   f.inst.ID,
		ActivityID:   activityID,
		ActivityType: activityType,
		Status:       storage.ActivityCompleted,
		EndTime:      &end,
	}
	require.NoError(f.t, f.store.CreateActivityInstance(ctx, ai))
	if handler != "" {
		require.NoError(f.t, f.store.AddCompensation(ctx, &storage.CompensationRecord{
			ID:                 uuid.NewString(),
			InstanceID:         f.inst.ID,
			ActivityInstanceID: ai.ID,
			ActivityID:         activityID,
			Handler:            handler,
			CompensationData:   []byte(data),
		}))
	}
	return ai
}

var byType = ClassifierFunc(func(ai *storage.ActivityInstance) Mode {
	switch ai.ActivityType {
	case "userTask", "subprocess", "service":
		return ModeNone
	}
	return ModeNoop
})

func TestManager_ReverseCompletionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completed("A", "service", "undoA", `{"n":"A"}`)
	f.completed("B", "script", "", "")
	f.completed("C", "service", "undoC", `{"n":"C"}`)

	var calls []string
	reg := NewRegistry()
	record := func(ctx context.Context, arg []byte) error {
		var v struct{ N string }
		require.NoError(t, json.Unmarshal(arg, &v))
		calls = append(calls, v.N)
		return nil
	}
	reg.Register("undoA", record)
	reg.Register("undoC", record)

	report, err := NewManager(f.store, reg, byType).Compensate(ctx, f.inst.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, report.Compensated)
	assert.Empty(t, report.Remaining)
	assert.False(t, report.Partial())
	assert.Equal(t, []string{"C", "A"}, calls)

	ais, err := f.store.ListActivityInstances(ctx, f.inst.ID)
	require.NoError(t, err)
	for _, ai := range ais {
		assert.Equal(t, storage.ActivityCompensated, ai.Status, ai.ActivityID)
		rec, err := f.store.GetCompensationByActivityInstance(ctx, ai.ID)
		if ai.ActivityID == "B" {
			assert.ErrorIs(t, err, storage.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, storage.CompensationCompensated, rec.Status)
		assert.NotNil(t, rec.ExecutedAt)
	}

	// Nothing left on a second run.
	report, err = NewManager(f.store, reg, byType).Compensate(ctx, f.inst.ID, false)
	require.NoError(t, err)
	assert.Empty(t, report.Compensated)
}

func TestManager_StopsAtNonCompensable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completed("A", "script", "", "")
	f.completed("B", "userTask", "", "")
	f.completed("C", "end", "", "")

	report, err := NewManager(f.store, NewRegistry(), byType).Compensate(ctx, f.inst.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, report.Compensated)
	assert.Equal(t, []string{"B", "A"}, report.Remaining)
	assert.True(t, report.Partial())
}

func TestManager_ForceSkipsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completed("A", "script", "", "")
	f.completed("B", "service", "broken", `{}`)
	f.completed("C", "service", "missing", `{}`)

	reg := NewRegistry()
	reg.Register("broken", func(ctx context.Context, arg []byte) error {
		return errors.New("downstream unavailable")
	})

	report, err := NewManager(f.store, reg, byType).Compensate(ctx, f.inst.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.Compensated)
	assert.Equal(t, []string{"C", "B"}, report.Remaining)
	assert.Contains(t, report.Failures["B"], "downstream unavailable")
	assert.Contains(t, report.Failures["C"], "handler not registered")
}

func TestManager_HandlerPanicIsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ai := f.completed("A", "service", "panics", `{}`)
	reg := NewRegistry()
	reg.Register("panics", func(ctx context.Context, arg []byte) error {
		panic("boom")
	})

	report, err := NewManager(f.store, reg, byType).Compensate(ctx, f.inst.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.Remaining)

	rec, err := f.store.GetCompensationByActivityInstance(ctx, ai.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CompensationFailed, rec.Status)
	assert.Contains(t, rec.CompensationResult, "panic: boom")
}

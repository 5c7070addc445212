package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises every storage operation against s. It is shared
// by the SQLite unit tests and the PostgreSQL/MySQL integration tests.
func runStorageSuite(t *testing.T, s *SQLStorage) {
	ctx := context.Background()

	publish := func(t *testing.T, code string) *WorkflowDefinition {
		t.Helper()
		def := &WorkflowDefinition{
			ID:        uuid.New().String(),
			Code:      code,
			Name:      "Leave request",
			Document:  types.JSONText(`{"activities":[]}`),
			CreatedBy: "admin",
		}
		require.NoError(t, s.PublishDefinition(ctx, def))
		return def
	}

	newInstance := func(t *testing.T, businessKey string) *WorkflowInstance {
		t.Helper()
		def := publish(t, "code-"+uuid.New().String()[:8])
		node := "start"
		inst := &WorkflowInstance{
			ID:                uuid.New().String(),
			DefinitionID:      def.ID,
			DefinitionCode:    def.Code,
			DefinitionVersion: def.Version,
			BusinessKey:       businessKey,
			Initiator:         "alice",
			CurrentNodeID:     &node,
			Status:            InstanceRunning,
		}
		require.NoError(t, s.CreateInstance(ctx, inst))
		return inst
	}

	t.Run("PublishDefinitionFlipsLatest", func(t *testing.T) {
		code := "leave-" + uuid.New().String()[:8]
		v1 := publish(t, code)
		v2 := publish(t, code)
		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, 2, v2.Version)

		latest, err := s.GetLatestDefinition(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, latest.ID)
		assert.True(t, latest.IsLatest)

		old, err := s.GetDefinition(ctx, v1.ID)
		require.NoError(t, err)
		assert.False(t, old.IsLatest)
		assert.JSONEq(t, `{"activities":[]}`, string(old.Document))

		versions, err := s.ListDefinitionVersions(ctx, code)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].Version)

		latestAll, err := s.ListLatestDefinitions(ctx)
		require.NoError(t, err)
		var found bool
		for _, d := range latestAll {
			if d.Code == code {
				found = true
				assert.Equal(t, v2.ID, d.ID)
			}
		}
		assert.True(t, found)

		require.NoError(t, s.SetDefinitionStatus(ctx, v2.ID, DefinitionRetired))
		retired, err := s.GetDefinition(ctx, v2.ID)
		require.NoError(t, err)
		assert.Equal(t, DefinitionRetired, retired.Status)

		_, err = s.GetDefinition(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InstanceLifecycle", func(t *testing.T) {
		inst := newInstance(t, "")
		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, InstanceRunning, got.Status)
		assert.Equal(t, "start", *got.CurrentNodeID)
		assert.Equal(t, 0, got.Version)

		require.NoError(t, s.ClaimInstance(ctx, inst.ID, 0))
		assert.ErrorIs(t, s.ClaimInstance(ctx, inst.ID, 0), ErrVersionConflict)

		end := Now()
		got.Status = InstanceCompleted
		got.CurrentNodeID = nil
		got.EndTime = &end
		require.NoError(t, s.UpdateInstance(ctx, got))

		got, err = s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Nil(t, got.CurrentNodeID)
		require.NotNil(t, got.EndTime)
		assert.True(t, end.Equal(*got.EndTime))
	})

	t.Run("BusinessKeyUniqueWhileActive", func(t *testing.T) {
		key := "BK-" + uuid.New().String()
		first := newInstance(t, key)

		found, err := s.FindActiveInstanceByBusinessKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		dup := *first
		dup.ID = uuid.New().String()
		assert.ErrorIs(t, s.CreateInstance(ctx, &dup), ErrDuplicate)

		first.Status = InstanceTerminated
		require.NoError(t, s.UpdateInstance(ctx, first))
		_, err = s.FindActiveInstanceByBusinessKey(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		dup.ID = uuid.New().String()
		assert.NoError(t, s.CreateInstance(ctx, &dup))
	})

	t.Run("ListInstances", func(t *testing.T) {
		inst := newInstance(t, "")
		items, err := s.ListInstances(ctx, InstanceFilter{DefinitionCode: inst.DefinitionCode})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, inst.ID, items[0].ID)

		items, err = s.ListInstances(ctx, InstanceFilter{Status: InstanceSuspended, DefinitionCode: inst.DefinitionCode})
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("ActivityInstances", func(t *testing.T) {
		inst := newInstance(t, "")
		base := Now()
		var ids []string
		for i, activity := range []string{"A", "B", "C"} {
			ai := &ActivityInstance{
				ID:           uuid.New().String(),
				InstanceID:   inst.ID,
				ActivityID:   activity,
				ActivityType: "service",
				Status:       ActivityRunning,
				StartTime:    base,
			}
			require.NoError(t, s.CreateActivityInstance(ctx, ai))
			assert.Equal(t, i+1, ai.Seq)
			ids = append(ids, ai.ID)
		}

		// A and B complete at the same instant; sequence breaks the tie.
		for i, id := range ids {
			ai, err := s.GetActivityInstance(ctx, id)
			require.NoError(t, err)
			end := base.Add(time.Duration(i/2) * time.Second)
			ai.Status = ActivityCompleted
			ai.EndTime = &end
			ai.Outcome = "done"
			ai.OutputParameters = types.JSONText(`{"n":1}`)
			require.NoError(t, s.UpdateActivityInstance(ctx, ai))
		}

		completed, err := s.ListCompletedForCompensation(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, completed, 3)
		assert.Equal(t, []string{"C", "B", "A"},
			[]string{completed[0].ActivityID, completed[1].ActivityID, completed[2].ActivityID})

		open, err := s.ListActivityInstances(ctx, inst.ID, ActivityPending, ActivityRunning)
		require.NoError(t, err)
		assert.Empty(t, open)

		all, err := s.ListActivityInstances(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Tasks", func(t *testing.T) {
		inst := newInstance(t, "")
		bob := "bob"
		carol := "carol"
		past := Now().Add(-time.Minute)
		task := &WorkflowTask{
			ID:                 uuid.New().String(),
			InstanceID:         inst.ID,
			ActivityInstanceID: uuid.New().String(),
			ActivityID:         "approve",
			Name:               "Approve",
			AssigneeID:         &bob,
			Status:             TaskPending,
			DueTime:            &past,
		}
		require.NoError(t, s.CreateTask(ctx, task))

		delegated := &WorkflowTask{
			ID:                 uuid.New().String(),
			InstanceID:         inst.ID,
			ActivityInstanceID: task.ActivityInstanceID,
			ActivityID:         "approve",
			AssigneeID:         &bob,
			DelegateUserID:     &carol,
			Status:             TaskPending,
		}
		require.NoError(t, s.CreateTask(ctx, delegated))

		worklist, err := s.ListTasks(ctx, TaskFilter{AssigneeID: "carol", Statuses: []TaskStatus{TaskPending, TaskClaimed}})
		require.NoError(t, err)
		require.Len(t, worklist, 1)
		assert.Equal(t, delegated.ID, worklist[0].ID)

		overdue, err := s.FindOverdueTasks(ctx, Now(), 10)
		require.NoError(t, err)
		var found bool
		for _, o := range overdue {
			found = found || o.ID == task.ID
		}
		assert.True(t, found)

		task.IsTimeout = true
		require.NoError(t, s.UpdateTask(ctx, task))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, got.IsTimeout)
		assert.Equal(t, TaskKindApproval, got.Kind)

		_, err = s.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("VariablesAreVersioned", func(t *testing.T) {
		inst := newInstance(t, "")
		for _, v := range []string{`100`, `200`} {
			require.NoError(t, s.AppendVariable(ctx, &VariableData{
				ID: uuid.New().String(), InstanceID: inst.ID, Name: "amount", Value: types.JSONText(v), CreatedBy: "alice",
			}))
		}
		require.NoError(t, s.AppendVariable(ctx, &VariableData{
			ID: uuid.New().String(), InstanceID: inst.ID, Name: "reason", Value: types.JSONText(`"trip"`),
		}))

		latest, err := s.LatestVariables(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "amount", latest[0].Name)
		assert.Equal(t, 2, latest[0].Version)
		assert.JSONEq(t, `200`, string(latest[0].Value))

		v1, err := s.GetVariableVersion(ctx, inst.ID, "amount", 1)
		require.NoError(t, err)
		assert.JSONEq(t, `100`, string(v1.Value))

		v0, err := s.GetVariableVersion(ctx, inst.ID, "amount", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, v0.Version)

		history, err := s.ListVariableVersions(ctx, inst.ID, "amount")
		require.NoError(t, err)
		assert.Len(t, history, 2)

		_, err = s.GetVariableVersion(ctx, inst.ID, "amount", 9)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FormData", func(t *testing.T) {
		inst := newInstance(t, "")
		taskID := uuid.New().String()
		require.NoError(t, s.AppendFormData(ctx, &FormData{
			ID: uuid.New().String(), InstanceID: inst.ID, FormKey: "leave", Value: types.JSONText(`{"days":1}`),
		}))
		require.NoError(t, s.AppendFormData(ctx, &FormData{
			ID: uuid.New().String(), InstanceID: inst.ID, TaskID: &taskID, FormKey: "leave", Value: types.JSONText(`{"days":2}`),
		}))

		all, err := s.LatestFormData(ctx, inst.ID, "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 2, all[0].Version)

		byTask, err := s.LatestFormData(ctx, inst.ID, taskID)
		require.NoError(t, err)
		require.Len(t, byTask, 1)
		assert.JSONEq(t, `{"days":2}`, string(byTask[0].Value))
	})

	t.Run("Bookmarks", func(t *testing.T) {
		inst := newInstance(t, "")
		corr := "order-" + uuid.New().String()
		past := Now().Add(-time.Second)
		b := &Bookmark{
			ID:                 uuid.New().String(),
			InstanceID:         inst.ID,
			ActivityInstanceID: uuid.New().String(),
			ActivityID:         "wait",
			Name:               "wait",
			CorrelationID:      &corr,
			ExpireTime:         &past,
		}
		require.NoError(t, s.CreateBookmark(ctx, b))
		require.NoError(t, s.CreateCorrelation(ctx, &Correlation{CorrelationID: corr, InstanceID: inst.ID, BookmarkName: "wait"}))

		again := *b
		again.ID = uuid.New().String()
		assert.ErrorIs(t, s.CreateBookmark(ctx, &again), ErrDuplicate)
		assert.ErrorIs(t, s.CreateCorrelation(ctx, &Correlation{CorrelationID: corr, InstanceID: inst.ID, BookmarkName: "x"}), ErrDuplicate)

		c, err := s.FindCorrelation(ctx, corr)
		require.NoError(t, err)
		assert.Equal(t, inst.ID, c.InstanceID)

		expired, err := s.FindExpiredBookmarks(ctx, Now(), 10)
		require.NoError(t, err)
		var found bool
		for _, e := range expired {
			found = found || e.ID == b.ID
		}
		assert.True(t, found)

		require.NoError(t, s.DeactivateBookmark(ctx, b.ID, Now()))
		_, err = s.FindCorrelation(ctx, corr)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetActiveBookmark(ctx, inst.ID, "wait")
		assert.ErrorIs(t, err, ErrNotFound)

		latest, err := s.GetLatestBookmarkByCorrelation(ctx, corr)
		require.NoError(t, err)
		assert.False(t, latest.Active)
		assert.NotNil(t, latest.ResumedAt)

		// The name is free again once the previous bookmark is inactive.
		again.ID = uuid.New().String()
		require.NoError(t, s.CreateBookmark(ctx, &again))
		require.NoError(t, s.DeactivateInstanceBookmarks(ctx, inst.ID))
		active, err := s.ListBookmarks(ctx, inst.ID, true)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("Compensations", func(t *testing.T) {
		inst := newInstance(t, "")
		aiID := uuid.New().String()
		rec := &CompensationRecord{
			ID:                 uuid.New().String(),
			InstanceID:         inst.ID,
			ActivityInstanceID: aiID,
			ActivityID:         "reserve",
			Handler:            "release",
			CompensationData:   types.JSONText(`{"room":1}`),
		}
		require.NoError(t, s.AddCompensation(ctx, rec))

		got, err := s.GetCompensationByActivityInstance(ctx, aiID)
		require.NoError(t, err)
		assert.Equal(t, CompensationPending, got.Status)

		now := Now()
		got.Status = CompensationCompensated
		got.CompensationResult = "ok"
		got.ExecutedAt = &now
		require.NoError(t, s.UpdateCompensation(ctx, got))

		got, err = s.GetCompensationByActivityInstance(ctx, aiID)
		require.NoError(t, err)
		assert.Equal(t, "ok", got.CompensationResult)
	})

	t.Run("History", func(t *testing.T) {
		inst := newInstance(t, "")
		for _, op := range []OperationType{OpStart, OpComplete, OpTerminate} {
			require.NoError(t, s.AppendHistory(ctx, &HistoryEntry{InstanceID: inst.ID, OperationType: op, Operator: "alice"}))
		}
		entries, err := s.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, OpStart, entries[0].OperationType)
		assert.Equal(t, OpTerminate, entries[2].OperationType)
	})

	t.Run("Outbox", func(t *testing.T) {
		eventID := uuid.New().String()
		require.NoError(t, s.AddOutboxEvent(ctx, &OutboxEvent{
			EventID: eventID, EventType: "task.assigned", EventSource: "leanflow", EventData: types.JSONText(`{"a":1}`),
		}))
		require.NoError(t, s.IncrementOutboxAttempts(ctx, eventID, "connection refused"))

		pending, err := s.GetPendingOutboxEvents(ctx, 100)
		require.NoError(t, err)
		var got *OutboxEvent
		for _, e := range pending {
			if e.EventID == eventID {
				got = e
			}
		}
		require.NotNil(t, got)
		assert.Equal(t, 1, got.Attempts)

		require.NoError(t, s.MarkOutboxEventSent(ctx, eventID))
		n, err := s.CleanupOldOutboxEvents(ctx, Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})

	t.Run("SystemLocks", func(t *testing.T) {
		name := "lock-" + uuid.New().String()
		ok, err := s.TryAcquireSystemLock(ctx, name, "w1", 60)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquireSystemLock(ctx, name, "w2", 60)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TryAcquireSystemLock(ctx, name, "w1", 60)
		require.NoError(t, err)
		assert.True(t, ok, "owner renews")

		require.NoError(t, s.ReleaseSystemLock(ctx, name, "w1"))
		ok, err = s.TryAcquireSystemLock(ctx, name, "w2", 60)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		def := publish(t, "tx-"+uuid.New().String()[:8])
		id := uuid.New().String()
		boom := errors.New("boom")
		err := WithTransaction(ctx, s, func(ctx context.Context) error {
			require.NoError(t, s.CreateInstance(ctx, &WorkflowInstance{
				ID: id, DefinitionID: def.ID, DefinitionCode: def.Code, DefinitionVersion: 1,
				Initiator: "alice", Status: InstanceRunning,
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = s.GetInstance(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PostCommitCallbacks", func(t *testing.T) {
		var ran bool
		err := WithTransaction(ctx, s, func(ctx context.Context) error {
			return s.RegisterPostCommitCallback(ctx, func() error { ran = true; return nil })
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Error(t, s.RegisterPostCommitCallback(ctx, func() error { return nil }))
	})

	t.Run("DeleteInstance", func(t *testing.T) {
		inst := newInstance(t, "")
		require.NoError(t, s.AppendHistory(ctx, &HistoryEntry{InstanceID: inst.ID, OperationType: OpStart}))
		require.NoError(t, s.AppendVariable(ctx, &VariableData{
			ID: uuid.New().String(), InstanceID: inst.ID, Name: "x", Value: types.JSONText(`1`),
		}))
		require.NoError(t, s.DeleteInstance(ctx, inst.ID))
		_, err := s.GetInstance(ctx, inst.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		entries, err := s.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

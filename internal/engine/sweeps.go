package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// sweepOperator is recorded as the operator of sweep-driven changes.
const sweepOperator = "system"

// SweepOverdueTasks flags open tasks past their due time, records a Timeout
// history entry and sends a task.timeout escalation. Task status is not
// changed. It returns the number of tasks flagged.
func (e *Engine) SweepOverdueTasks(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.FindOverdueTasks(ctx, e.now(), limit)
	if err != nil {
		return 0, systemError(err, "failed to find overdue tasks")
	}
	return e.fanOut(ctx, len(tasks), func(i int) error {
		return e.flagOverdue(ctx, tasks[i])
	}, func(i int, err error) {
		e.logSweepError("task timeout", tasks[i].InstanceID, "task_id", tasks[i].ID, err)
	})
}

func (e *Engine) flagOverdue(ctx context.Context, candidate *storage.WorkflowTask) error {
	flagged := false
	err := e.instanceOp(ctx, candidate.InstanceID, sweepOperator, func(ctx context.Context, x *execution) error {
		if x.inst.Status != storage.InstanceRunning {
			return nil
		}
		task, err := e.store.GetTask(ctx, candidate.ID)
		if err != nil {
			return wrapStorage(err, CodeTaskNotFound, "task %s", candidate.ID)
		}
		if !task.Status.IsOpen() || task.IsTimeout {
			return nil
		}
		task.IsTimeout = true
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return systemError(err, "failed to flag task %s", task.ID)
		}
		flagged = true

		entry := historyEntry(x.inst.ID, storage.OpTimeout, sweepOperator)
		entry.TaskID = &task.ID
		entry.ActivityInstanceID = &task.ActivityInstanceID
		e.record(ctx, entry)
		info := hooks.TaskInfo{
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			ActivityID: task.ActivityID,
			Name:       task.Name,
			Kind:       task.Kind,
			AssigneeID: deref(recipient(task)),
			DueTime:    task.DueTime,
		}
		e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnTaskTimeout(ctx, info) })
		e.notify(ctx, Notification{
			Type:       NotifyTaskTimeout,
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			Recipient:  deref(recipient(task)),
			Data:       map[string]any{"activityId": task.ActivityID, "name": task.Name, "dueTime": task.DueTime},
		})
		return nil
	})
	if err == nil && !flagged {
		return errSkipped
	}
	return err
}

// SweepExpiredBookmarks handles active bookmarks past their expiry: timers
// complete their activity, other bookmarks fault it. It returns the number
// of bookmarks handled.
func (e *Engine) SweepExpiredBookmarks(ctx context.Context, limit int) (int, error) {
	bookmarks, err := e.store.FindExpiredBookmarks(ctx, e.now(), limit)
	if err != nil {
		return 0, systemError(err, "failed to find expired bookmarks")
	}
	return e.fanOut(ctx, len(bookmarks), func(i int) error {
		return e.expireBookmark(ctx, bookmarks[i])
	}, func(i int, err error) {
		e.logSweepError("bookmark expiry", bookmarks[i].InstanceID, "bookmark", bookmarks[i].Name, err)
	})
}

func (e *Engine) expireBookmark(ctx context.Context, candidate *storage.Bookmark) error {
	handled := false
	err := e.instanceOp(ctx, candidate.InstanceID, sweepOperator, func(ctx context.Context, x *execution) error {
		if x.inst.Status != storage.InstanceRunning {
			return nil
		}
		b, err := e.store.GetBookmark(ctx, candidate.ID)
		if err != nil {
			return systemError(err, "failed to load bookmark %s", candidate.ID)
		}
		if !b.Active || !e.lapsed(b) {
			return nil
		}
		handled = true
		return x.expire(ctx, b)
	})
	if err == nil && !handled {
		return errSkipped
	}
	return err
}

// CleanupHistory deletes history of terminal instances older than retention.
func (e *Engine) CleanupHistory(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.store.CleanupHistory(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, systemError(err, "failed to clean up history")
	}
	return n, nil
}

var errSkipped = &Error{Code: CodeInvalidStateTransition, Message: "skipped"}

// fanOut runs fn for n items bounded by the sweep semaphore and counts
// successes. Skipped items are not counted and not reported.
func (e *Engine) fanOut(ctx context.Context, n int, fn func(i int) error, onErr func(i int, err error)) (int, error) {
	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := e.sweepSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer e.sweepSem.Release(1)
			switch err := fn(i); {
			case err == nil:
				done.Add(1)
			case err == errSkipped:
			default:
				onErr(i, err)
			}
		}(i)
	}
	wg.Wait()
	return int(done.Load()), ctx.Err()
}

func (e *Engine) logSweepError(sweep, instanceID, key, value string, err error) {
	if CodeOf(err) == CodeConcurrentModification {
		e.logger.Debug(sweep+" deferred by concurrent change", "instance_id", instanceID, key, value)
		return
	}
	e.logger.Error(sweep+" failed", "instance_id", instanceID, key, value, "error", err)
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// bookmarkSpec describes a suspension point created by a blocking behavior.
type bookmarkSpec struct {
	ai            *storage.ActivityInstance
	name          string
	data          map[string]any
	correlationID *string
	expire        *time.Time
	action        storage.ExpireAction
}

// createBookmark stores an active bookmark and, when correlated, its
// correlation row.
func (x *execution) createBookmark(ctx context.Context, spec bookmarkSpec) (*storage.Bookmark, error) {
	data, err := marshalJSON(spec.data)
	if err != nil {
		return nil, systemError(err, "failed to encode bookmark data")
	}
	b := &storage.Bookmark{
		ID:                 newID(),
		InstanceID:         x.inst.ID,
		ActivityInstanceID: spec.ai.ID,
		ActivityID:         spec.ai.ActivityID,
		Name:               spec.name,
		Data:               data,
		CorrelationID:      spec.correlationID,
		ExpireTime:         spec.expire,
		ExpireAction:       spec.action,
		CreatedAt:          x.e.now(),
	}
	if err := x.e.store.CreateBookmark(ctx, b); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &Error{Code: CodeDuplicateBookmark, Message: "bookmark " + spec.name + " is already active", Err: err}
		}
		return nil, systemError(err, "failed to create bookmark %s", spec.name)
	}
	if spec.correlationID != nil {
		if err := x.e.store.CreateCorrelation(ctx, &storage.Correlation{
			CorrelationID: *spec.correlationID,
			InstanceID:    x.inst.ID,
			BookmarkName:  spec.name,
			CreatedAt:     b.CreatedAt,
		}); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return nil, &Error{Code: CodeDuplicateBookmark, Message: "correlation " + *spec.correlationID + " is already active", Err: err}
			}
			return nil, systemError(err, "failed to create correlation %s", *spec.correlationID)
		}
	}
	if spec.expire != nil {
		x.e.wake(ctx, storage.ChannelDeadline, b.ID)
	}

	info := bookmarkInfo(b)
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnBookmarkCreated(ctx, info) })
	return b, nil
}

func bookmarkInfo(b *storage.Bookmark) hooks.BookmarkInfo {
	return hooks.BookmarkInfo{
		InstanceID:    b.InstanceID,
		ActivityID:    b.ActivityID,
		Name:          b.Name,
		CorrelationID: deref(b.CorrelationID),
		ExpireAction:  string(b.ExpireAction),
		ExpireTime:    b.ExpireTime,
	}
}

// Signal resumes the instance waiting on correlationID with data as the
// signal. An unknown correlation fails with InstanceNotFound, one whose
// bookmark lapsed with BookmarkExpired.
func (e *Engine) Signal(ctx context.Context, correlationID string, data map[string]any) error {
	if correlationID == "" {
		return Errorf(CodeInvalidArgument, "correlationId is required")
	}
	return e.run(ctx, func(ctx context.Context) error {
		corr, err := e.store.FindCorrelation(ctx, correlationID)
		if errors.Is(err, storage.ErrNotFound) {
			if b, err := e.store.GetLatestBookmarkByCorrelation(ctx, correlationID); err == nil && e.lapsed(b) {
				return Errorf(CodeBookmarkExpired, "bookmark %s expired at %s", b.Name, b.ExpireTime.Format(time.RFC3339))
			}
			return Errorf(CodeInstanceNotFound, "no instance waits on correlation %s", correlationID)
		}
		if err != nil {
			return systemError(err, "failed to find correlation %s", correlationID)
		}
		return e.resumeCorrelation(ctx, corr, data, "signal")
	})
}

// lapsed reports whether b's expiry has passed.
func (e *Engine) lapsed(b *storage.Bookmark) bool {
	return b.ExpireTime != nil && !e.now().Before(*b.ExpireTime)
}

// resumeCorrelation claims the correlated instance and resumes its bookmark.
func (e *Engine) resumeCorrelation(ctx context.Context, corr *storage.Correlation, signal map[string]any, operator string) error {
	x, err := e.claim(ctx, corr.InstanceID, operator)
	if err != nil {
		return err
	}
	if err := x.requireRunning(); err != nil {
		return err
	}
	b, err := e.store.GetActiveBookmark(ctx, corr.InstanceID, corr.BookmarkName)
	if err != nil {
		return wrapStorage(err, CodeInstanceNotFound, "no active bookmark %s on %s", corr.BookmarkName, corr.InstanceID)
	}
	if e.lapsed(b) {
		return Errorf(CodeBookmarkExpired, "bookmark %s expired at %s", b.Name, b.ExpireTime.Format(time.RFC3339))
	}
	return x.resume(ctx, b, signal)
}

// resume deactivates b and re-enters the waiting behavior with signal.
func (x *execution) resume(ctx context.Context, b *storage.Bookmark, signal map[string]any) error {
	if err := x.e.store.DeactivateBookmark(ctx, b.ID, x.e.now()); err != nil {
		return systemError(err, "failed to deactivate bookmark %s", b.Name)
	}
	ai, err := x.e.store.GetActivityInstance(ctx, b.ActivityInstanceID)
	if err != nil {
		return systemError(err, "failed to load activity of bookmark %s", b.Name)
	}
	act, ok := x.doc.Activity(ai.ActivityID)
	if !ok {
		return Errorf(CodeSystemError, "activity %s not in definition %s", ai.ActivityID, x.inst.DefinitionCode)
	}
	behavior, ok := x.e.registry.Lookup(ai.ActivityType)
	if !ok {
		return x.fault(ctx, act, ai, "activity type "+ai.ActivityType+" is not registered")
	}
	r, ok := behavior.(Resumer)
	if !ok {
		return x.fault(ctx, act, ai, "activity type "+ai.ActivityType+" cannot be resumed")
	}

	entry := historyEntry(x.inst.ID, storage.OpSignal, x.operator)
	entry.ActivityInstanceID = &ai.ID
	entry.Comment = b.Name
	entry.Data, _ = marshalJSON(signal)
	x.e.record(ctx, entry)
	info := bookmarkInfo(b)
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnBookmarkResumed(ctx, info) })

	if signal == nil {
		signal = map[string]any{}
	}
	res, err := r.Resume(&ExecContext{ctx: ctx, x: x, Activity: act, ActivityInstance: ai, Input: signal}, signal)
	if err != nil {
		return err
	}
	return x.apply(ctx, act, ai, res)
}

// expire handles a lapsed bookmark: timers complete, everything else faults.
func (x *execution) expire(ctx context.Context, b *storage.Bookmark) error {
	info := bookmarkInfo(b)
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnBookmarkExpired(ctx, info) })

	if b.ExpireAction == storage.ExpireResume {
		return x.resume(ctx, b, map[string]any{"expired": true})
	}

	if err := x.e.store.DeactivateBookmark(ctx, b.ID, x.e.now()); err != nil {
		return systemError(err, "failed to deactivate bookmark %s", b.Name)
	}
	ai, err := x.e.store.GetActivityInstance(ctx, b.ActivityInstanceID)
	if err != nil {
		return systemError(err, "failed to load activity of bookmark %s", b.Name)
	}
	act, _ := x.doc.Activity(ai.ActivityID)
	entry := historyEntry(x.inst.ID, storage.OpTimeout, x.operator)
	entry.ActivityInstanceID = &ai.ID
	entry.Comment = b.Name
	x.e.record(ctx, entry)
	return x.fault(ctx, act, ai, string(CodeBookmarkExpired))
}

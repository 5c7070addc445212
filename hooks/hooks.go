// Package hooks provides lifecycle hooks for process observability.
package hooks

import (
	"context"
	"time"
)

// WorkflowHooks defines callbacks for process lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
//
// Hooks run after the operation's transaction has committed, so they only
// ever observe durable state. They must not block.
type WorkflowHooks interface {
	// Process lifecycle
	OnProcessStart(ctx context.Context, info ProcessStartInfo)
	OnProcessComplete(ctx context.Context, info ProcessCompleteInfo)
	OnProcessFaulted(ctx context.Context, info ProcessFaultedInfo)
	OnProcessTerminated(ctx context.Context, info ProcessTerminatedInfo)
	OnProcessSuspended(ctx context.Context, info ProcessStateInfo)
	OnProcessResumed(ctx context.Context, info ProcessStateInfo)

	// Activity lifecycle
	OnActivityStart(ctx context.Context, info ActivityStartInfo)
	OnActivityComplete(ctx context.Context, info ActivityCompleteInfo)
	OnActivityFaulted(ctx context.Context, info ActivityFaultedInfo)

	// Human tasks
	OnTaskCreated(ctx context.Context, info TaskInfo)
	OnTaskAction(ctx context.Context, info TaskActionInfo)
	OnTaskTimeout(ctx context.Context, info TaskInfo)

	// Bookmarks
	OnBookmarkCreated(ctx context.Context, info BookmarkInfo)
	OnBookmarkResumed(ctx context.Context, info BookmarkInfo)
	OnBookmarkExpired(ctx context.Context, info BookmarkInfo)

	// Compensation
	OnCompensation(ctx context.Context, info CompensationInfo)

	// OnHistoryDropped reports an audit entry that could not be written.
	OnHistoryDropped(ctx context.Context, info HistoryDroppedInfo)
}

// ProcessStartInfo contains information about a process start.
type ProcessStartInfo struct {
	InstanceID        string
	DefinitionCode    string
	DefinitionVersion int
	BusinessKey       string
	Initiator         string
	ParentInstanceID  string
	StartTime         time.Time
}

// ProcessCompleteInfo contains information about a process completion.
type ProcessCompleteInfo struct {
	InstanceID     string
	DefinitionCode string
	Duration       time.Duration
}

// ProcessFaultedInfo contains information about a process fault.
type ProcessFaultedInfo struct {
	InstanceID     string
	DefinitionCode string
	ActivityID     string
	FaultInfo      string
	Duration       time.Duration
}

// ProcessTerminatedInfo contains information about a termination.
type ProcessTerminatedInfo struct {
	InstanceID     string
	DefinitionCode string
	Operator       string
	Reason         string
	Duration       time.Duration
}

// ProcessStateInfo describes a suspend or resume.
type ProcessStateInfo struct {
	InstanceID     string
	DefinitionCode string
	Operator       string
}

// ActivityStartInfo contains information about an activity start.
type ActivityStartInfo struct {
	InstanceID         string
	DefinitionCode     string
	ActivityInstanceID string
	ActivityID         string
	ActivityType       string
}

// ActivityCompleteInfo contains information about an activity completion.
type ActivityCompleteInfo struct {
	InstanceID         string
	DefinitionCode     string
	ActivityInstanceID string
	ActivityID         string
	ActivityType       string
	Outcome            string
	Duration           time.Duration
}

// ActivityFaultedInfo contains information about an activity fault.
type ActivityFaultedInfo struct {
	InstanceID         string
	DefinitionCode     string
	ActivityInstanceID string
	ActivityID         string
	ActivityType       string
	ErrorInfo          string
	Duration           time.Duration
}

// TaskInfo describes a human task.
type TaskInfo struct {
	InstanceID string
	TaskID     string
	ActivityID string
	Name       string
	Kind       string
	AssigneeID string
	DueTime    *time.Time
}

// TaskActionInfo describes an action taken on a task.
type TaskActionInfo struct {
	InstanceID string
	TaskID     string
	ActivityID string
	Action     string // complete, reject, transfer, delegate, withdraw, claim
	Operator   string
	TargetUser string
}

// BookmarkInfo describes a bookmark event.
type BookmarkInfo struct {
	InstanceID    string
	ActivityID    string
	Name          string
	CorrelationID string
	ExpireAction  string
	ExpireTime    *time.Time
}

// CompensationInfo summarizes a compensation run.
type CompensationInfo struct {
	InstanceID  string
	Operator    string
	Forced      bool
	Compensated []string
	Remaining   []string
}

// HistoryDroppedInfo describes an audit entry that was lost.
type HistoryDroppedInfo struct {
	InstanceID    string
	OperationType string
	Err           error
}

// NoOpHooks is a no-op implementation of WorkflowHooks.
// Embed this in your custom hooks to only implement the methods you need.
type NoOpHooks struct{}

var _ WorkflowHooks = NoOpHooks{}

func (NoOpHooks) OnProcessStart(ctx context.Context, info ProcessStartInfo)           {}
func (NoOpHooks) OnProcessComplete(ctx context.Context, info ProcessCompleteInfo)     {}
func (NoOpHooks) OnProcessFaulted(ctx context.Context, info ProcessFaultedInfo)       {}
func (NoOpHooks) OnProcessTerminated(ctx context.Context, info ProcessTerminatedInfo) {}
func (NoOpHooks) OnProcessSuspended(ctx context.Context, info ProcessStateInfo)       {}
func (NoOpHooks) OnProcessResumed(ctx context.Context, info ProcessStateInfo)         {}
func (NoOpHooks) OnActivityStart(ctx context.Context, info ActivityStartInfo)         {}
func (NoOpHooks) OnActivityComplete(ctx context.Context, info ActivityCompleteInfo)   {}
func (NoOpHooks) OnActivityFaulted(ctx context.Context, info ActivityFaultedInfo)     {}
func (NoOpHooks) OnTaskCreated(ctx context.Context, info TaskInfo)                    {}
func (NoOpHooks) OnTaskAction(ctx context.Context, info TaskActionInfo)               {}
func (NoOpHooks) OnTaskTimeout(ctx context.Context, info TaskInfo)                    {}
func (NoOpHooks) OnBookmarkCreated(ctx context.Context, info BookmarkInfo)            {}
func (NoOpHooks) OnBookmarkResumed(ctx context.Context, info BookmarkInfo)            {}
func (NoOpHooks) OnBookmarkExpired(ctx context.Context, info BookmarkInfo)            {}
func (NoOpHooks) OnCompensation(ctx context.Context, info CompensationInfo)           {}
func (NoOpHooks) OnHistoryDropped(ctx context.Context, info HistoryDroppedInfo)       {}

// Multi fans every event out to each of hooks in order.
type Multi []WorkflowHooks

var _ WorkflowHooks = Multi(nil)

func (m Multi) OnProcessStart(ctx context.Context, info ProcessStartInfo) {
	for _, h := range m {
		h.OnProcessStart(ctx, info)
	}
}

func (m Multi) OnProcessComplete(ctx context.Context, info ProcessCompleteInfo) {
	for _, h := range m {
		h.OnProcessComplete(ctx, info)
	}
}

func (m Multi) OnProcessFaulted(ctx context.Context, info ProcessFaultedInfo) {
	for _, h := range m {
		h.OnProcessFaulted(ctx, info)
	}
}

func (m Multi) OnProcessTerminated(ctx context.Context, info ProcessTerminatedInfo) {
	for _, h := range m {
		h.OnProcessTerminated(ctx, info)
	}
}

func (m Multi) OnProcessSuspended(ctx context.Context, info ProcessStateInfo) {
	for _, h := range m {
		h.OnProcessSuspended(ctx, info)
	}
}

func (m Multi) OnProcessResumed(ctx context.Context, info ProcessStateInfo) {
	for _, h := range m {
		h.OnProcessResumed(ctx, info)
	}
}

func (m Multi) OnActivityStart(ctx context.Context, info ActivityStartInfo) {
	for _, h := range m {
		h.OnActivityStart(ctx, info)
	}
}

func (m Multi) OnActivityComplete(ctx context.Context, info ActivityCompleteInfo) {
	for _, h := range m {
		h.OnActivityComplete(ctx, info)
	}
}

func (m Multi) OnActivityFaulted(ctx context.Context, info ActivityFaultedInfo) {
	for _, h := range m {
		h.OnActivityFaulted(ctx, info)
	}
}

func (m Multi) OnTaskCreated(ctx context.Context, info TaskInfo) {
	for _, h := range m {
		h.OnTaskCreated(ctx, info)
	}
}

func (m Multi) OnTaskAction(ctx context.Context, info TaskActionInfo) {
	for _, h := range m {
		h.OnTaskAction(ctx, info)
	}
}

func (m Multi) OnTaskTimeout(ctx context.Context, info TaskInfo) {
	for _, h := range m {
		h.OnTaskTimeout(ctx, info)
	}
}

func (m Multi) OnBookmarkCreated(ctx context.Context, info BookmarkInfo) {
	for _, h := range m {
		h.OnBookmarkCreated(ctx, info)
	}
}

func (m Multi) OnBookmarkResumed(ctx context.Context, info BookmarkInfo) {
	for _, h := range m {
		h.OnBookmarkResumed(ctx, info)
	}
}

func (m Multi) OnBookmarkExpired(ctx context.Context, info BookmarkInfo) {
	for _, h := range m {
		h.OnBookmarkExpired(ctx, info)
	}
}

func (m Multi) OnCompensation(ctx context.Context, info CompensationInfo) {
	for _, h := range m {
		h.OnCompensation(ctx, info)
	}
}

func (m Multi) OnHistoryDropped(ctx context.Context, info HistoryDroppedInfo) {
	for _, h := range m {
		h.OnHistoryDropped(ctx, info)
	}
}

package leanflow

import (
	"github.com/i2y/leanflow/compensation"
	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/internal/engine"
	"github.com/i2y/leanflow/internal/storage"
)

// Records returned by the App.
type (
	WorkflowDefinition = storage.WorkflowDefinition
	WorkflowInstance   = storage.WorkflowInstance
	ActivityInstance   = storage.ActivityInstance
	WorkflowTask       = storage.WorkflowTask
	VariableData       = storage.VariableData
	FormData           = storage.FormData
	HistoryEntry       = storage.HistoryEntry
	InstanceStatus     = storage.InstanceStatus
	TaskStatus         = storage.TaskStatus
	InstanceFilter     = storage.InstanceFilter
	TaskFilter         = storage.TaskFilter
)

// Instance statuses.
const (
	InstanceRunning    = storage.InstanceRunning
	InstanceSuspended  = storage.InstanceSuspended
	InstanceCompleted  = storage.InstanceCompleted
	InstanceTerminated = storage.InstanceTerminated
	InstanceFaulted    = storage.InstanceFaulted
)

// Task statuses.
const (
	TaskPending     = storage.TaskPending
	TaskClaimed     = storage.TaskClaimed
	TaskCompleted   = storage.TaskCompleted
	TaskRejected    = storage.TaskRejected
	TaskTransferred = storage.TaskTransferred
	TaskDelegated   = storage.TaskDelegated
	TaskWithdrawn   = storage.TaskWithdrawn
	TaskTimeout     = storage.TaskTimeout
	TaskCancelled   = storage.TaskCancelled
)

// Engine-facing types.
type (
	Document           = definition.Document
	StartRequest       = engine.StartRequest
	ServiceFunc        = engine.ServiceFunc
	ServiceCall        = engine.ServiceCall
	ServiceResult      = engine.ServiceResult
	Notification       = engine.Notification
	Notifier           = engine.Notifier
	CompensationFunc   = compensation.CompensationFunc
	CompensationReport = compensation.Report
)

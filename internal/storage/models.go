// Package storage provides the storage layer for LeanFlow.
package storage

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// DefinitionStatus represents the lifecycle of a published definition.
type DefinitionStatus string

const (
	DefinitionPublished DefinitionStatus = "published"
	DefinitionRetired   DefinitionStatus = "retired"
)

// WorkflowDefinition is an immutable, versioned process template.
type WorkflowDefinition struct {
	ID        string           `db:"id" json:"id"`
	Code      string           `db:"code" json:"code"`
	Version   int              `db:"version" json:"version"`
	IsLatest  bool             `db:"is_latest" json:"isLatest"`
	Name      string           `db:"name" json:"name"`
	Status    DefinitionStatus `db:"status" json:"status"`
	Document  types.JSONText   `db:"document" json:"document"`
	CreatedBy string           `db:"created_by" json:"createdBy"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

// InstanceStatus represents the current state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning    InstanceStatus = "Running"
	InstanceSuspended  InstanceStatus = "Suspended"
	InstanceCompleted  InstanceStatus = "Completed"
	InstanceTerminated InstanceStatus = "Terminated"
	InstanceFaulted    InstanceStatus = "Faulted"
)

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceTerminated
}

// WorkflowInstance represents a single execution of a definition.
type WorkflowInstance struct {
	ID                string         `db:"id" json:"id"`
	DefinitionID      string         `db:"definition_id" json:"definitionId"`
	DefinitionCode    string         `db:"definition_code" json:"definitionCode"`
	DefinitionVersion int            `db:"definition_version" json:"definitionVersion"`
	BusinessKey       string         `db:"business_key" json:"businessKey"`
	BusinessType      string         `db:"business_type" json:"businessType"`
	Title             string         `db:"title" json:"title"`
	Initiator         string         `db:"initiator" json:"initiator"`
	CurrentNodeID     *string        `db:"current_node_id" json:"currentNodeId"`
	Status            InstanceStatus `db:"status" json:"status"`
	ParentInstanceID  *string        `db:"parent_instance_id" json:"parentInstanceId,omitempty"`
	Version           int            `db:"version" json:"version"`
	FaultInfo         string         `db:"fault_info" json:"faultInfo,omitempty"`
	TerminateReason   string         `db:"terminate_reason" json:"terminateReason,omitempty"`
	StartTime         time.Time      `db:"start_time" json:"startTime"`
	EndTime           *time.Time     `db:"end_time" json:"endTime,omitempty"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updatedAt"`
}

// ActivityStatus represents the state of an activity instance.
type ActivityStatus string

const (
	ActivityPending     ActivityStatus = "Pending"
	ActivityRunning     ActivityStatus = "Running"
	ActivityCompleted   ActivityStatus = "Completed"
	ActivityFaulted     ActivityStatus = "Faulted"
	ActivityCompensated ActivityStatus = "Compensated"
	ActivityCancelled   ActivityStatus = "Cancelled"
)

// IsOpen reports whether the activity instance still participates in execution.
func (s ActivityStatus) IsOpen() bool {
	return s == ActivityPending || s == ActivityRunning
}

// ActivityInstance is one execution of a definition activity within an instance.
type ActivityInstance struct {
	ID                 string         `db:"id" json:"id"`
	InstanceID         string         `db:"instance_id" json:"instanceId"`
	ActivityID         string         `db:"activity_id" json:"activityId"`
	ActivityType       string         `db:"activity_type" json:"activityType"`
	Status             ActivityStatus `db:"status" json:"status"`
	PreviousActivityID *string        `db:"previous_activity_id" json:"previousActivityId,omitempty"`
	Seq                int            `db:"seq" json:"seq"`
	StartTime          time.Time      `db:"start_time" json:"startTime"`
	EndTime            *time.Time     `db:"end_time" json:"endTime,omitempty"`
	InputParameters    types.JSONText `db:"input_parameters" json:"inputParameters"`
	OutputParameters   types.JSONText `db:"output_parameters" json:"outputParameters"`
	Outcome            string         `db:"outcome" json:"outcome,omitempty"`
	ErrorInfo          string         `db:"error_info" json:"errorInfo,omitempty"`
}

// TaskStatus represents the state of a human task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "Pending"
	TaskClaimed     TaskStatus = "Claimed"
	TaskCompleted   TaskStatus = "Completed"
	TaskRejected    TaskStatus = "Rejected"
	TaskTransferred TaskStatus = "Transferred"
	TaskDelegated   TaskStatus = "Delegated"
	TaskWithdrawn   TaskStatus = "Withdrawn"
	TaskTimeout     TaskStatus = "Timeout"
	TaskCancelled   TaskStatus = "Cancelled"
)

// IsOpen reports whether the task can still be acted on.
func (s TaskStatus) IsOpen() bool {
	return s == TaskPending || s == TaskClaimed
}

// Task kinds.
const (
	TaskKindApproval = "approval"
	TaskKindResubmit = "resubmit"
)

// WorkflowTask is a unit of human work created by a user task activity.
type WorkflowTask struct {
	ID                 string     `db:"id" json:"id"`
	InstanceID         string     `db:"instance_id" json:"instanceId"`
	ActivityInstanceID string     `db:"activity_instance_id" json:"activityInstanceId"`
	ActivityID         string     `db:"activity_id" json:"activityId"`
	Name               string     `db:"name" json:"name"`
	Kind               string     `db:"kind" json:"kind"`
	AssigneeID         *string    `db:"assignee_id" json:"assigneeId"`
	OriginalAssigneeID *string    `db:"original_assignee_id" json:"originalAssigneeId,omitempty"`
	DelegateUserID     *string    `db:"delegate_user_id" json:"delegateUserId,omitempty"`
	ParentTaskID       *string    `db:"parent_task_id" json:"parentTaskId,omitempty"`
	Status             TaskStatus `db:"status" json:"status"`
	IsTimeout          bool       `db:"is_timeout" json:"isTimeout"`
	DueTime            *time.Time `db:"due_time" json:"dueTime,omitempty"`
	Comment            string     `db:"comment" json:"comment,omitempty"`
	Operator           string     `db:"operator" json:"operator,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	CompletedAt        *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// VariableData is one appended version of a process variable.
type VariableData struct {
	ID         string         `db:"id" json:"id"`
	InstanceID string         `db:"instance_id" json:"instanceId"`
	TaskID     *string        `db:"task_id" json:"taskId,omitempty"`
	Name       string         `db:"name" json:"name"`
	Version    int            `db:"version" json:"version"`
	Value      types.JSONText `db:"value" json:"value"`
	CreatedBy  string         `db:"created_by" json:"createdBy"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

// FormData is one appended snapshot of a form submission.
type FormData struct {
	ID         string         `db:"id" json:"id"`
	InstanceID string         `db:"instance_id" json:"instanceId"`
	TaskID     *string        `db:"task_id" json:"taskId,omitempty"`
	FormKey    string         `db:"form_key" json:"formKey"`
	Version    int            `db:"version" json:"version"`
	Value      types.JSONText `db:"value" json:"value"`
	CreatedBy  string         `db:"created_by" json:"createdBy"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

// ExpireAction tells the expiry sweep what to do with an expired bookmark.
type ExpireAction string

const (
	ExpireFault  ExpireAction = "fault"
	ExpireResume ExpireAction = "resume"
)

// Bookmark is a named suspension point awaiting external input.
type Bookmark struct {
	ID                 string         `db:"id" json:"id"`
	InstanceID         string         `db:"instance_id" json:"instanceId"`
	ActivityInstanceID string         `db:"activity_instance_id" json:"activityInstanceId"`
	ActivityID         string         `db:"activity_id" json:"activityId"`
	Name               string         `db:"name" json:"name"`
	Data               types.JSONText `db:"data" json:"data"`
	CorrelationID      *string        `db:"correlation_id" json:"correlationId,omitempty"`
	ExpireTime         *time.Time     `db:"expire_time" json:"expireTime,omitempty"`
	ExpireAction       ExpireAction   `db:"expire_action" json:"expireAction"`
	Active             bool           `db:"active" json:"active"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	ResumedAt          *time.Time     `db:"resumed_at" json:"resumedAt,omitempty"`
}

// Correlation maps an external correlation key to a waiting instance.
type Correlation struct {
	CorrelationID string    `db:"correlation_id" json:"correlationId"`
	InstanceID    string    `db:"instance_id" json:"instanceId"`
	BookmarkName  string    `db:"bookmark_name" json:"bookmarkName"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// CompensationStatus represents the state of a compensation record.
type CompensationStatus string

const (
	CompensationPending     CompensationStatus = "pending"
	CompensationCompensated CompensationStatus = "compensated"
	CompensationFailed      CompensationStatus = "failed"
)

// CompensationRecord is the snapshot a handler needs to undo a completed activity.
type CompensationRecord struct {
	ID                 string             `db:"id" json:"id"`
	InstanceID         string             `db:"instance_id" json:"instanceId"`
	ActivityInstanceID string             `db:"activity_instance_id" json:"activityInstanceId"`
	ActivityID         string             `db:"activity_id" json:"activityId"`
	Handler            string             `db:"handler" json:"handler"`
	CompensationData   types.JSONText     `db:"compensation_data" json:"compensationData"`
	Status             CompensationStatus `db:"status" json:"status"`
	CompensationResult string             `db:"compensation_result" json:"compensationResult,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"createdAt"`
	ExecutedAt         *time.Time         `db:"executed_at" json:"executedAt,omitempty"`
}

// OperationType classifies a history entry.
type OperationType string

const (
	OpStart        OperationType = "Start"
	OpComplete     OperationType = "Complete"
	OpReject       OperationType = "Reject"
	OpTransfer     OperationType = "Transfer"
	OpDelegate     OperationType = "Delegate"
	OpWithdraw     OperationType = "Withdraw"
	OpSuspend      OperationType = "Suspend"
	OpResume       OperationType = "Resume"
	OpTerminate    OperationType = "Terminate"
	OpClaim        OperationType = "Claim"
	OpSignal       OperationType = "Signal"
	OpFault        OperationType = "Fault"
	OpCompensate   OperationType = "Compensate"
	OpTimeout      OperationType = "Timeout"
	OpSetVariables OperationType = "SetVariables"
)

// HistoryEntry is an append-only audit record.
type HistoryEntry struct {
	ID                 int64          `db:"id" json:"id"`
	InstanceID         string         `db:"instance_id" json:"instanceId"`
	TaskID             *string        `db:"task_id" json:"taskId,omitempty"`
	ActivityInstanceID *string        `db:"activity_instance_id" json:"activityInstanceId,omitempty"`
	OperationType      OperationType  `db:"operation_type" json:"operationType"`
	Operator           string         `db:"operator" json:"operator"`
	Comment            string         `db:"comment" json:"comment,omitempty"`
	Data               types.JSONText `db:"data" json:"data,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
}

// OutboxEvent represents an event in the transactional outbox.
type OutboxEvent struct {
	ID          int64          `db:"id" json:"id"`
	EventID     string         `db:"event_id" json:"eventId"`
	EventType   string         `db:"event_type" json:"eventType"`
	EventSource string         `db:"event_source" json:"eventSource"`
	EventData   types.JSONText `db:"event_data" json:"eventData"`
	ContentType string         `db:"content_type" json:"contentType"`
	Status      string         `db:"status" json:"status"` // "pending", "sent", "failed"
	Attempts    int            `db:"attempts" json:"attempts"`
	LastError   string         `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
}

// Outbox statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// SystemLock represents a system-level lock for background tasks.
type SystemLock struct {
	LockName  string    `db:"lock_name" json:"lockName"`
	LockedBy  string    `db:"locked_by" json:"lockedBy"`
	LockedAt  time.Time `db:"locked_at" json:"lockedAt"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Status         InstanceStatus
	DefinitionCode string
	BusinessKey    string
	Initiator      string
	Limit          int
	Offset         int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	InstanceID string
	AssigneeID string // matches assignee or delegate
	Statuses   []TaskStatus
	Limit      int
	Offset     int
}

// Now returns the storage clock: UTC truncated to microseconds so every
// dialect round-trips the value unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

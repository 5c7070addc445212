package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Storage sentinels. The engine translates them into coded errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic version check failed.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("duplicate")
)

// Executor is a database executor interface that can be either *sqlx.DB or *sqlx.Tx.
// Custom SQL issued through it runs in the same transaction as the engine operation.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

// Storage defines the interface for workflow persistence.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection
	Close() error

	// DB returns the underlying database connection.
	// This is primarily used for migrations.
	DB() *sql.DB

	// Driver returns the dialect driver.
	Driver() Driver

	// Notify publishes a wakeup on channel. PostgreSQL delivers it to
	// LISTEN sessions when the surrounding transaction commits; other
	// dialects ignore it.
	Notify(ctx context.Context, channel, payload string) error

	TransactionManager
	DefinitionManager
	InstanceManager
	ActivityManager
	TaskManager
	DataManager
	BookmarkManager
	CompensationManager
	HistoryManager
	OutboxManager
	SystemLockManager
}

// TransactionManager handles transaction operations.
type TransactionManager interface {
	// BeginTransaction starts a new transaction.
	// Returns a context with the transaction attached.
	BeginTransaction(ctx context.Context) (context.Context, error)

	// CommitTransaction commits the current transaction and runs post-commit callbacks.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the current transaction.
	RollbackTransaction(ctx context.Context) error

	// InTransaction returns true if there is an active transaction.
	InTransaction(ctx context.Context) bool

	// Conn returns the database executor for the current context.
	Conn(ctx context.Context) Executor

	// RegisterPostCommitCallback registers a callback to be executed after a successful commit.
	// Returns an error if not currently in a transaction.
	RegisterPostCommitCallback(ctx context.Context, cb func() error) error
}

// DefinitionManager persists versioned definitions.
type DefinitionManager interface {
	// PublishDefinition assigns the next version for def.Code, clears the
	// previous latest flag and inserts def as latest.
	PublishDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetLatestDefinition(ctx context.Context, code string) (*WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, code string) ([]*WorkflowDefinition, error)
	SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error

	// ListLatestDefinitions returns the latest published version of every code.
	ListLatestDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}

// InstanceManager handles workflow instance operations.
type InstanceManager interface {
	// CreateInstance inserts a new instance. Returns ErrDuplicate when another
	// non-terminal instance owns the business key.
	CreateInstance(ctx context.Context, instance *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	FindActiveInstanceByBusinessKey(ctx context.Context, businessKey string) (*WorkflowInstance, error)

	// ClaimInstance bumps the version if it still equals expectedVersion.
	// Returns ErrVersionConflict otherwise.
	ClaimInstance(ctx context.Context, id string, expectedVersion int) error

	// UpdateInstance writes status, node, fault and end fields.
	UpdateInstance(ctx context.Context, instance *WorkflowInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	ListChildInstances(ctx context.Context, parentID string) ([]*WorkflowInstance, error)

	// DeleteInstance removes the instance and every row it owns.
	DeleteInstance(ctx context.Context, id string) error
}

// ActivityManager handles activity instance rows.
type ActivityManager interface {
	// CreateActivityInstance assigns the next per-instance sequence number.
	CreateActivityInstance(ctx context.Context, ai *ActivityInstance) error
	GetActivityInstance(ctx context.Context, id string) (*ActivityInstance, error)
	UpdateActivityInstance(ctx context.Context, ai *ActivityInstance) error

	// ListActivityInstances returns rows in execution order, optionally filtered by status.
	ListActivityInstances(ctx context.Context, instanceID string, statuses ...ActivityStatus) ([]*ActivityInstance, error)

	// ListCompletedForCompensation returns Completed rows newest first.
	ListCompletedForCompensation(ctx context.Context, instanceID string) ([]*ActivityInstance, error)
}

// TaskManager handles human task rows.
type TaskManager interface {
	CreateTask(ctx context.Context, task *WorkflowTask) error
	GetTask(ctx context.Context, id string) (*WorkflowTask, error)
	UpdateTask(ctx context.Context, task *WorkflowTask) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*WorkflowTask, error)

	// FindOverdueTasks returns open, not yet flagged tasks of Running instances past their due time.
	FindOverdueTasks(ctx context.Context, now time.Time, limit int) ([]*WorkflowTask, error)
}

// DataManager handles the append-only variable and form logs.
type DataManager interface {
	// AppendVariable stores v with Version = latest + 1.
	AppendVariable(ctx context.Context, v *VariableData) error
	LatestVariables(ctx context.Context, instanceID string) ([]*VariableData, error)

	// GetVariableVersion returns a specific version; version 0 means latest.
	GetVariableVersion(ctx context.Context, instanceID, name string, version int) (*VariableData, error)
	ListVariableVersions(ctx context.Context, instanceID, name string) ([]*VariableData, error)

	AppendFormData(ctx context.Context, f *FormData) error

	// LatestFormData returns the newest snapshot per form key, optionally for one task.
	LatestFormData(ctx context.Context, instanceID string, taskID string) ([]*FormData, error)
}

// BookmarkManager handles bookmarks and correlations.
type BookmarkManager interface {
	// CreateBookmark returns ErrDuplicate when an active bookmark with the same name exists.
	CreateBookmark(ctx context.Context, b *Bookmark) error

	// CreateCorrelation returns ErrDuplicate when the correlation ID is active.
	CreateCorrelation(ctx context.Context, c *Correlation) error
	FindCorrelation(ctx context.Context, correlationID string) (*Correlation, error)
	GetBookmark(ctx context.Context, id string) (*Bookmark, error)
	GetActiveBookmark(ctx context.Context, instanceID, name string) (*Bookmark, error)

	// GetLatestBookmarkByCorrelation returns the newest bookmark carrying the correlation ID, active or not.
	GetLatestBookmarkByCorrelation(ctx context.Context, correlationID string) (*Bookmark, error)

	// DeactivateBookmark deactivates the bookmark and its correlation.
	DeactivateBookmark(ctx context.Context, id string, resumedAt time.Time) error
	DeactivateInstanceBookmarks(ctx context.Context, instanceID string) error
	FindExpiredBookmarks(ctx context.Context, now time.Time, limit int) ([]*Bookmark, error)
	ListBookmarks(ctx context.Context, instanceID string, activeOnly bool) ([]*Bookmark, error)
}

// CompensationManager handles compensation snapshots.
type CompensationManager interface {
	AddCompensation(ctx context.Context, c *CompensationRecord) error
	GetCompensationByActivityInstance(ctx context.Context, activityInstanceID string) (*CompensationRecord, error)
	UpdateCompensation(ctx context.Context, c *CompensationRecord) error
}

// HistoryManager handles the audit log.
type HistoryManager interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error)

	// CleanupHistory deletes entries of terminal instances older than the cutoff.
	CleanupHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutboxManager handles transactional outbox operations.
type OutboxManager interface {
	// AddOutboxEvent adds an event to the outbox.
	AddOutboxEvent(ctx context.Context, event *OutboxEvent) error

	// GetPendingOutboxEvents retrieves pending events for sending.
	// Rows are locked with SKIP LOCKED where the dialect supports it.
	GetPendingOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkOutboxEventSent marks an event as sent.
	MarkOutboxEventSent(ctx context.Context, eventID string) error

	// MarkOutboxEventFailed marks an event as permanently failed.
	MarkOutboxEventFailed(ctx context.Context, eventID string, lastError string) error

	// IncrementOutboxAttempts increments the attempt counter.
	IncrementOutboxAttempts(ctx context.Context, eventID string, lastError string) error

	// CleanupOldOutboxEvents removes sent events older than the cutoff.
	CleanupOldOutboxEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// SystemLockManager handles system-level locks for background tasks.
type SystemLockManager interface {
	// TryAcquireSystemLock attempts to acquire or renew a lock.
	// Returns true if the lock was acquired, false if held by another worker.
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)

	// ReleaseSystemLock releases a lock held by the worker.
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error

	// CleanupExpiredSystemLocks removes expired locks.
	CleanupExpiredSystemLocks(ctx context.Context) error
}

package leanflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/leanflow/compensation"
	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/i18n"
	"github.com/i2y/leanflow/internal/coordination"
	"github.com/i2y/leanflow/internal/engine"
	"github.com/i2y/leanflow/internal/migrations"
	"github.com/i2y/leanflow/internal/notify"
	"github.com/i2y/leanflow/internal/storage"
	"github.com/i2y/leanflow/outbox"
	"github.com/i2y/leanflow/retry"
)

// App is the entry point of LeanFlow. It owns the storage, the engine and
// the background sweeps, and exposes every workflow operation.
type App struct {
	config        *appConfig
	logger        *slog.Logger
	localizer     i18n.Localizer
	compensations *compensation.Registry

	store  *storage.SQLStorage
	engine *engine.Engine

	relayer      *outbox.Relayer
	listener     *notify.Listener
	deadlineWake chan struct{}
	outboxWake   chan struct{}

	servicesMu sync.Mutex
	services   map[string]ServiceFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

// NewApp creates an App. Call Start before using it.
func NewApp(opts ...Option) *App {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.workerID == "" {
		config.workerID = uuid.NewString()
	}
	if config.logger == nil {
		config.logger = slog.Default()
	}
	if config.localizer == nil {
		config.localizer = i18n.Default()
	}
	if config.hooks == nil {
		config.hooks = hooks.NoOpHooks{}
	}

	return &App{
		config:        config,
		logger:        config.logger.With("service", config.serviceName),
		localizer:     config.localizer,
		compensations: compensation.NewRegistry(),
		deadlineWake:  make(chan struct{}, 1),
		outboxWake:    make(chan struct{}, 1),
		services:      make(map[string]ServiceFunc),
	}
}

// Start opens the database, applies migrations and starts background work.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("app already running")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.initStorage(); err != nil {
		a.cancel()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.initEngine(); err != nil {
		a.cancel()
		_ = a.store.Close()
		return err
	}
	a.startBackgroundTasks()

	a.running = true
	a.logger.Info("leanflow started", "worker_id", a.config.workerID, "database", a.store.Driver().DBType())
	return nil
}

// Shutdown stops background work, drains the audit queue and closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.relayer != nil {
		a.relayer.Stop()
	}
	if a.listener != nil {
		if err := a.listener.Stop(ctx); err != nil {
			a.logger.Debug("error stopping LISTEN/NOTIFY listener", "error", err)
		}
	}
	a.cancel()

	ctx, cancel := context.WithTimeout(ctx, a.config.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain history: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) initStorage() error {
	url := a.config.databaseURL
	store, err := storage.New(url)
	if err != nil {
		return err
	}
	a.store = store

	if a.config.autoMigrate {
		applied, err := migrations.NewMigrator(store.DB(), store.Driver().DBType(), EmbeddedMigrationsFS()).Up(a.ctx)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		if len(applied) > 0 {
			a.logger.Info("migrations applied", "versions", applied)
		}
	}

	if a.shouldEnableListenNotify(strings.HasPrefix(url, "postgres")) {
		a.listener = notify.NewListener(url,
			notify.WithReconnectDelay(a.config.notifyReconnectDelay),
			notify.WithLogger(a.logger))
		a.listener.On(storage.ChannelDeadline, notify.Wake(a.deadlineWake))
		a.listener.On(storage.ChannelOutbox, notify.Wake(a.outboxWake))
	}
	return nil
}

// shouldEnableListenNotify honours WithListenNotify and otherwise enables
// LISTEN/NOTIFY for PostgreSQL.
func (a *App) shouldEnableListenNotify(isPostgres bool) bool {
	if a.config.useListenNotify != nil {
		return *a.config.useListenNotify && isPostgres
	}
	return isPostgres
}

func (a *App) initEngine() error {
	notifier := a.config.notifier
	if a.config.outboxEnabled {
		notifier = outbox.NewNotifier(a.store, a.config.eventSource)
	}
	e, err := engine.New(engine.Config{
		Storage:             a.store,
		Hooks:               a.config.hooks,
		Notifier:            notifier,
		Compensations:       a.compensations,
		Logger:              a.logger,
		HistoryQueueSize:    a.config.historyQueueSize,
		DefinitionCacheSize: a.config.definitionCacheSize,
		StepLimit:           a.config.stepLimit,
		SweepConcurrency:    a.config.sweepConcurrency,
		Clock:               a.config.clock,
	})
	if err != nil {
		return err
	}

	a.servicesMu.Lock()
	for name, fn := range a.services {
		e.RegisterService(name, fn)
	}
	a.engine = e
	a.servicesMu.Unlock()
	return nil
}

func (a *App) startBackgroundTasks() {
	if a.listener != nil {
		a.listener.Start(a.ctx)
	}

	if a.config.outboxEnabled {
		a.relayer = outbox.NewRelayer(a.store, outbox.RelayerConfig{
			TargetURL:    a.config.brokerURL,
			PollInterval: a.config.outboxInterval,
			BatchSize:    a.config.outboxBatchSize,
			WakeEvent:    a.outboxWake,
			Logger:       a.logger,
		})
		a.relayer.Start(a.ctx)
	}

	if !a.config.background {
		return
	}

	sweeps := coordination.NewSingleton(a.store, a.config.workerID, "leanflow_sweeps",
		max(time.Minute, 2*a.config.sweepInterval), a.logger)
	a.goBackground(func() {
		sweeps.Every(a.ctx, a.config.sweepInterval, a.config.sweepInterval/4, a.deadlineWake, a.runSweeps)
	})

	housekeeping := coordination.NewSingleton(a.store, a.config.workerID, "leanflow_housekeeping",
		10*time.Minute, a.logger)
	a.goBackground(func() {
		housekeeping.Every(a.ctx, a.config.housekeepingInterval, a.config.housekeepingInterval/4, nil, a.runHousekeeping)
	})
}

func (a *App) goBackground(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// runSweeps escalates overdue tasks and expires lapsed bookmarks.
func (a *App) runSweeps(ctx context.Context) error {
	tasks, taskErr := a.engine.SweepOverdueTasks(ctx, a.config.sweepBatchSize)
	bookmarks, bookmarkErr := a.engine.SweepExpiredBookmarks(ctx, a.config.sweepBatchSize)
	if tasks+bookmarks > 0 {
		a.logger.Debug("sweep finished", "overdue_tasks", tasks, "expired_bookmarks", bookmarks)
	}
	return errors.Join(taskErr, bookmarkErr)
}

// runHousekeeping applies history and outbox retention and removes expired leases.
func (a *App) runHousekeeping(ctx context.Context) error {
	var errs []error
	if a.config.historyRetention > 0 {
		n, err := a.engine.CleanupHistory(ctx, a.config.historyRetention)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			a.logger.Info("history cleaned up", "entries", n)
		}
	}
	if a.relayer != nil && a.config.outboxRetention > 0 {
		if _, err := a.relayer.CleanupOldEvents(ctx, a.config.outboxRetention); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.CleanupExpiredSystemLocks(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var errNotStarted = engine.Errorf(engine.CodeSystemError, "app is not started")

func (a *App) ready() (*engine.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil, errNotStarted
	}
	return a.engine, nil
}

// mutate runs a write operation under the conflict retry policy.
func (a *App) mutate(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	e, err := a.ready()
	if err != nil {
		return err
	}
	return retry.Do(ctx, a.config.conflictRetry, func(ctx context.Context) error {
		return fn(ctx, e)
	})
}

// Storage returns the storage for advanced usage, or nil before Start.
func (a *App) Storage() storage.Storage {
	if a.store == nil {
		return nil
	}
	return a.store
}

// WorkerID returns the worker ID.
func (a *App) WorkerID() string {
	return a.config.workerID
}

// Ready reports whether the App is started.
func (a *App) Ready() bool {
	_, err := a.ready()
	return err == nil
}

// Localizer returns the localizer of error messages.
func (a *App) Localizer() i18n.Localizer {
	return a.localizer
}

// RegisterService binds a handler name used by service activities.
func (a *App) RegisterService(name string, fn ServiceFunc) {
	a.servicesMu.Lock()
	defer a.servicesMu.Unlock()
	a.services[name] = fn
	if a.engine != nil {
		a.engine.RegisterService(name, fn)
	}
}

// RegisterCompensation binds a compensation handler name used by activities.
func (a *App) RegisterCompensation(name string, fn CompensationFunc) {
	a.compensations.Register(name, fn)
}

// Compensations returns the compensation registry, for typed registration
// with compensation.NewTypedCompensation.
func (a *App) Compensations() *compensation.Registry {
	return a.compensations
}

// FlushHistory waits until queued audit entries are written.
func (a *App) FlushHistory(ctx context.Context) error {
	e, err := a.ready()
	if err != nil {
		return err
	}
	return e.FlushHistory(ctx)
}

// Definitions

// PublishDefinition validates doc and stores it as the newest version of its code.
func (a *App) PublishDefinition(ctx context.Context, doc *Document, operator string) (*WorkflowDefinition, error) {
	var def *WorkflowDefinition
	err := a.mutate(ctx, func(ctx context.Context, e *engine.Engine) (err error) {
		def, err = e.PublishDefinition(ctx, doc, operator)
		return err
	})
	return def, err
}

// PublishDefinitionSource parses a JSON or YAML document and publishes it.
func (a *App) PublishDefinitionSource(ctx context.Context, source []byte, operator string) (*WorkflowDefinition, error) {
	doc, err := definition.Parse(source)
	if err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: err.Error(), Err: err}
	}
	return a.PublishDefinition(ctx, doc, operator)
}

// GetDefinition returns a definition version by ID.
func (a *App) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetDefinition(ctx, id)
}

// GetLatestDefinition returns the latest version of code.
func (a *App) GetLatestDefinition(ctx context.Context, code string) (*WorkflowDefinition, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetLatestDefinition(ctx, code)
}

// GetDefinitionDocument returns the parsed document of a definition version.
func (a *App) GetDefinitionDocument(ctx context.Context, id string) (*Document, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.Document(ctx, id)
}

// ListDefinitionVersions returns every version of code, newest first.
func (a *App) ListDefinitionVersions(ctx context.Context, code string) ([]*WorkflowDefinition, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.ListDefinitionVersions(ctx, code)
}

// ListDefinitions returns the latest version of every definition code.
func (a *App) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.ListDefinitions(ctx)
}

// RetireDefinition stops new instances of a version; running ones continue.
func (a *App) RetireDefinition(ctx context.Context, id string) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.RetireDefinition(ctx, id)
	})
}

// Instance lifecycle

// StartProcess creates and runs an instance of the requested definition.
func (a *App) StartProcess(ctx context.Context, req StartRequest) (*WorkflowInstance, error) {
	var inst *WorkflowInstance
	err := a.mutate(ctx, func(ctx context.Context, e *engine.Engine) (err error) {
		inst, err = e.StartProcess(ctx, req)
		return err
	})
	return inst, err
}

// SuspendProcess moves a Running instance to Suspended.
func (a *App) SuspendProcess(ctx context.Context, instanceID, operator string) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.SuspendProcess(ctx, instanceID, operator)
	})
}

// ResumeProcess moves a Suspended instance back to Running.
func (a *App) ResumeProcess(ctx context.Context, instanceID, operator string) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.ResumeProcess(ctx, instanceID, operator)
	})
}

// TerminateProcess ends a non-terminal instance and cancels its open work.
func (a *App) TerminateProcess(ctx context.Context, instanceID, operator, reason string) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.TerminateProcess(ctx, instanceID, operator, reason)
	})
}

// Compensate undoes the completed activities of an instance in reverse order.
func (a *App) Compensate(ctx context.Context, instanceID, operator string, force bool) (*CompensationReport, error) {
	var report *CompensationReport
	err := a.mutate(ctx, func(ctx context.Context, e *engine.Engine) (err error) {
		report, err = e.Compensate(ctx, instanceID, operator, force)
		return err
	})
	return report, err
}

// PurgeInstance deletes a terminal instance and everything it owns.
func (a *App) PurgeInstance(ctx context.Context, instanceID, operator string) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.PurgeInstance(ctx, instanceID, operator)
	})
}

// Signal resumes the instance waiting on correlationID.
func (a *App) Signal(ctx context.Context, correlationID string, data map[string]any) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.Signal(ctx, correlationID, data)
	})
}

// Tasks

func (a *App) taskOp(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) (bool, error)) (bool, error) {
	var ok bool
	err := a.mutate(ctx, func(ctx context.Context, e *engine.Engine) (err error) {
		ok, err = fn(ctx, e)
		return err
	})
	return ok, err
}

// CompleteTask completes a task and advances the instance.
func (a *App) CompleteTask(ctx context.Context, taskID, operator, comment string, variables, formData map[string]any) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.CompleteTask(ctx, taskID, operator, comment, variables, formData)
	})
}

// RejectTask sends the work back to targetActivityID, or to the activity
// before the task when it is empty.
func (a *App) RejectTask(ctx context.Context, taskID, operator, comment, targetActivityID string) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.RejectTask(ctx, taskID, operator, comment, targetActivityID)
	})
}

// TransferTask hands a task over to targetUser.
func (a *App) TransferTask(ctx context.Context, taskID, operator, targetUser, comment string) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.TransferTask(ctx, taskID, operator, targetUser, comment)
	})
}

// DelegateTask lets targetUser act on the assignee's behalf.
func (a *App) DelegateTask(ctx context.Context, taskID, operator, targetUser, comment string) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.DelegateTask(ctx, taskID, operator, targetUser, comment)
	})
}

// WithdrawTask lets the initiator pull back a task nobody has acted on.
func (a *App) WithdrawTask(ctx context.Context, taskID, operator, comment string) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.WithdrawTask(ctx, taskID, operator, comment)
	})
}

// ClaimTask assigns an unassigned Pending task to user.
func (a *App) ClaimTask(ctx context.Context, taskID, user string) (bool, error) {
	return a.taskOp(ctx, func(ctx context.Context, e *engine.Engine) (bool, error) {
		return e.ClaimTask(ctx, taskID, user)
	})
}

// Variables and forms

// SetProcessVariables appends new versions of the given variables.
func (a *App) SetProcessVariables(ctx context.Context, instanceID, operator string, vars map[string]any) error {
	return a.mutate(ctx, func(ctx context.Context, e *engine.Engine) error {
		return e.SetProcessVariables(ctx, instanceID, operator, vars)
	})
}

// GetProcessVariables returns the latest value of every variable.
func (a *App) GetProcessVariables(ctx context.Context, instanceID string) (map[string]any, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetProcessVariables(ctx, instanceID)
}

// GetProcessVariable returns one version of a variable; version 0 is the latest.
func (a *App) GetProcessVariable(ctx context.Context, instanceID, name string, version int) (*VariableData, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetProcessVariable(ctx, instanceID, name, version)
}

// GetVariableHistory returns every version of a variable, oldest first.
func (a *App) GetVariableHistory(ctx context.Context, instanceID, name string) ([]*VariableData, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetVariableHistory(ctx, instanceID, name)
}

// GetFormData returns the latest form snapshots, optionally for one task.
func (a *App) GetFormData(ctx context.Context, instanceID, taskID string) ([]*FormData, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetFormData(ctx, instanceID, taskID)
}

// DecodeValue decodes the JSON value of a variable or form entry.
func DecodeValue(v *VariableData) any {
	return engine.DecodeValue(v)
}

// Reads

// GetProcessStatus returns an instance.
func (a *App) GetProcessStatus(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetProcessStatus(ctx, instanceID)
}

// GetNodeStatus returns an activity instance.
func (a *App) GetNodeStatus(ctx context.Context, activityInstanceID string) (*ActivityInstance, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetNodeStatus(ctx, activityInstanceID)
}

// GetCurrentActivities returns the open activity instances of an instance.
func (a *App) GetCurrentActivities(ctx context.Context, instanceID string) ([]*ActivityInstance, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetCurrentActivities(ctx, instanceID)
}

// GetActivities returns every activity instance of an instance in execution order.
func (a *App) GetActivities(ctx context.Context, instanceID string) ([]*ActivityInstance, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetActivities(ctx, instanceID)
}

// GetCurrentTasks returns the open tasks of an instance.
func (a *App) GetCurrentTasks(ctx context.Context, instanceID string) ([]*WorkflowTask, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetCurrentTasks(ctx, instanceID)
}

// GetTask returns a task.
func (a *App) GetTask(ctx context.Context, taskID string) (*WorkflowTask, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetTask(ctx, taskID)
}

// ListTasks returns the tasks matching filter; open tasks by default.
func (a *App) ListTasks(ctx context.Context, filter TaskFilter) ([]*WorkflowTask, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.ListTasks(ctx, filter)
}

// ListInstances returns instances matching filter, newest first.
func (a *App) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.ListInstances(ctx, filter)
}

// GetHistory returns the audit trail of an instance, oldest first.
func (a *App) GetHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	e, err := a.ready()
	if err != nil {
		return nil, err
	}
	return e.GetHistory(ctx, instanceID)
}

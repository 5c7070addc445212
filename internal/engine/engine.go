package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/i2y/leanflow/compensation"
	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// Notification types handed to the Notifier.
const (
	NotifyTaskAssigned     = "task.assigned"
	NotifyTaskTimeout      = "task.timeout"
	NotifyProcessCompleted = "process.completed"
	NotifyProcessFaulted   = "process.faulted"
)

// Notification is an asynchronous message about a committed change.
type Notification struct {
	Type       string
	InstanceID string
	TaskID     string
	Recipient  string
	Data       map[string]any
}

// Notifier delivers notifications. It is called after commit; failures are
// logged and never affect the operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config configures an Engine.
type Config struct {
	Storage storage.Storage

	// Hooks receives lifecycle events after commit. Nil disables them.
	Hooks hooks.WorkflowHooks

	// Notifier receives notifications after commit. Nil disables them.
	Notifier Notifier

	// Compensations holds compensation handlers. Nil creates an empty registry.
	Compensations *compensation.Registry

	// Registry maps activity types to behaviors. Nil uses NewRegistry().
	Registry *Registry

	Logger *slog.Logger

	// HistoryQueueSize bounds the audit queue; entries beyond it are dropped.
	HistoryQueueSize int

	// DefinitionCacheSize bounds the parsed definition cache.
	DefinitionCacheSize int

	// StepLimit bounds the activities one operation may start, so that a
	// cycle of automatic activities faults instead of spinning.
	StepLimit int

	// SweepConcurrency bounds the instances a sweep handles at once.
	SweepConcurrency int

	// Clock overrides the engine clock (tests).
	Clock func() time.Time
}

// Engine executes process instances.
type Engine struct {
	store       storage.Storage
	registry    *Registry
	eval        *Evaluator
	defs        *lru.Cache[string, *definition.Document]
	compensator *compensation.Manager
	hooks       hooks.WorkflowHooks
	history     *HistoryLogger
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	stepLimit   int
	sweepSem    *semaphore.Weighted

	servicesMu sync.RWMutex
	services   map[string]ServiceFunc
}

// New creates an Engine and starts its history writer.
func New(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hooks.NoOpHooks{}
	}
	if cfg.Compensations == nil {
		cfg.Compensations = compensation.NewRegistry()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryQueueSize <= 0 {
		cfg.HistoryQueueSize = 1024
	}
	if cfg.DefinitionCacheSize <= 0 {
		cfg.DefinitionCacheSize = 256
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = 1000
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = storage.Now
	}

	defs, err := lru.New[string, *definition.Document](cfg.DefinitionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create definition cache: %w", err)
	}

	e := &Engine{
		store:     cfg.Storage,
		registry:  cfg.Registry,
		eval:      NewEvaluator(),
		defs:      defs,
		hooks:     cfg.Hooks,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		stepLimit: cfg.StepLimit,
		sweepSem:  semaphore.NewWeighted(int64(cfg.SweepConcurrency)),
		services:  make(map[string]ServiceFunc),
	}
	e.compensator = compensation.NewManager(cfg.Storage, cfg.Compensations, e)
	e.history = NewHistoryLogger(cfg.Storage, cfg.HistoryQueueSize, cfg.Logger, e.historyDropped)
	e.history.Start()
	return e, nil
}

// Close drains the history queue and stops its writer.
func (e *Engine) Close(ctx context.Context) error {
	return e.history.Close(ctx)
}

// Storage returns the engine's storage.
func (e *Engine) Storage() storage.Storage { return e.store }

// Registry returns the activity type registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Compensations returns the compensation handler registry.
func (e *Engine) Compensations() *compensation.Registry { return e.compensator.Registry() }

// FlushHistory waits until queued audit entries are written.
func (e *Engine) FlushHistory(ctx context.Context) error { return e.history.Flush(ctx) }

// RegisterService binds a ServiceFunc to a handler name used by service activities.
func (e *Engine) RegisterService(name string, fn ServiceFunc) {
	e.servicesMu.Lock()
	defer e.servicesMu.Unlock()
	e.services[name] = fn
}

func (e *Engine) service(name string) (ServiceFunc, bool) {
	e.servicesMu.RLock()
	defer e.servicesMu.RUnlock()
	fn, ok := e.services[name]
	return fn, ok
}

// Classify implements compensation.Classifier: passthrough activities are
// compensable no-ops, human tasks, sub-processes and services without a
// stored snapshot are not compensable.
func (e *Engine) Classify(ai *storage.ActivityInstance) compensation.Mode {
	b, ok := e.registry.Lookup(ai.ActivityType)
	if !ok {
		return compensation.ModeNone
	}
	if _, isService := b.(serviceBehavior); isService {
		return compensation.ModeNone
	}
	switch b.Kind() {
	case KindHumanTask, KindContainer:
		return compensation.ModeNone
	}
	return compensation.ModeNoop
}

// run executes fn in one transaction. Errors that are not *Error become SystemError.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := storage.WithTransaction(ctx, e.store, fn)
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return systemError(err, "operation failed")
}

// claim loads an instance and applies the version compare-and-swap, which
// is the first write of every mutating operation.
func (e *Engine) claim(ctx context.Context, instanceID, operator string) (*execution, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, wrapStorage(err, CodeInstanceNotFound, "instance %s", instanceID)
	}
	if err := e.store.ClaimInstance(ctx, inst.ID, inst.Version); err != nil {
		return nil, wrapStorage(err, CodeInstanceNotFound, "instance %s was modified concurrently", inst.ID)
	}
	inst.Version++
	doc, err := e.document(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	return e.newExecution(inst, doc, operator), nil
}

// afterCommit runs fn once the surrounding transaction commits.
func (e *Engine) afterCommit(ctx context.Context, fn func()) {
	if err := e.store.RegisterPostCommitCallback(ctx, func() error {
		fn()
		return nil
	}); err != nil {
		fn()
	}
}

// detached returns a context for post-commit work. It carries no
// transaction and is bounded by its own timeout.
func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// record queues an audit entry for after the commit.
func (e *Engine) record(ctx context.Context, entry *storage.HistoryEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	e.afterCommit(ctx, func() { e.history.Enqueue(entry) })
}

// notify hands a notification to the Notifier after the commit.
func (e *Engine) notify(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	e.afterCommit(ctx, func() {
		nctx, cancel := detached()
		defer cancel()
		if err := e.notifier.Notify(nctx, n); err != nil {
			e.logger.Warn("notification failed",
				"type", n.Type, "instance_id", n.InstanceID, "task_id", n.TaskID, "error", err)
		}
	})
}

// wake publishes a storage notification inside the transaction.
func (e *Engine) wake(ctx context.Context, channel, payload string) {
	if err := e.store.Notify(ctx, channel, payload); err != nil {
		e.logger.Debug("wakeup notification failed", "channel", channel, "error", err)
	}
}

func (e *Engine) historyDropped(entry *storage.HistoryEntry, err error) {
	ctx, cancel := detached()
	defer cancel()
	e.hooks.OnHistoryDropped(ctx, hooks.HistoryDroppedInfo{
		InstanceID:    entry.InstanceID,
		OperationType: string(entry.OperationType),
		Err:           err,
	})
}

func historyEntry(instanceID string, op storage.OperationType, operator string) *storage.HistoryEntry {
	return &storage.HistoryEntry{InstanceID: instanceID, OperationType: op, Operator: operator}
}

func newID() string {
	return uuid.NewString()
}

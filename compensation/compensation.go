// Package compensation runs saga-style compensation over the completed
// activity instances of a process instance.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i2y/leanflow/internal/storage"
)

// CompensationFunc undoes the effect of one completed activity.
// The argument is the JSON snapshot stored when the activity completed.
type CompensationFunc func(ctx context.Context, arg []byte) error

// Registry holds registered compensation functions by name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]CompensationFunc
}

// NewRegistry creates a new compensation function registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]CompensationFunc),
	}
}

// Register adds a compensation function to the registry.
func (r *Registry) Register(name string, fn CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get retrieves a compensation function by name.
func (r *Registry) Get(name string) (CompensationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Mode tells the Manager how an activity instance without a stored snapshot
// is compensated.
type Mode int

const (
	// ModeNone marks activities that cannot be undone (human tasks,
	// sub-processes, services without a handler).
	ModeNone Mode = iota
	// ModeNoop marks passthrough activities; compensating them is a no-op.
	ModeNoop
)

// Classifier decides the compensation mode of an activity instance.
type Classifier interface {
	Classify(ai *storage.ActivityInstance) Mode
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ai *storage.ActivityInstance) Mode

func (f ClassifierFunc) Classify(ai *storage.ActivityInstance) Mode { return f(ai) }

// Store is the persistence the Manager needs.
type Store interface {
	ListCompletedForCompensation(ctx context.Context, instanceID string) ([]*storage.ActivityInstance, error)
	UpdateActivityInstance(ctx context.Context, ai *storage.ActivityInstance) error
	GetCompensationByActivityInstance(ctx context.Context, activityInstanceID string) (*storage.CompensationRecord, error)
	UpdateCompensation(ctx context.Context, c *storage.CompensationRecord) error
}

// Report lists activity IDs in the order they were visited.
type Report struct {
	Compensated []string          `json:"compensated"`
	Remaining   []string          `json:"remaining"`
	Failures    map[string]string `json:"failures,omitempty"`
}

// Partial reports whether some activity was left un-compensated.
func (r *Report) Partial() bool {
	return len(r.Remaining) > 0
}

// Manager walks completed activity instances newest first and compensates them.
type Manager struct {
	store      Store
	registry   *Registry
	classifier Classifier
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, registry *Registry, classifier Classifier) *Manager {
	return &Manager{
		store:      store,
		registry:   registry,
		classifier: classifier,
		now:        storage.Now,
	}
}

// Registry returns the handler registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Compensate runs over the Completed activity instances of instanceID in
// reverse completion order. An activity with a stored snapshot runs its
// handler; otherwise the Classifier decides. Without force the walk stops at
// the first activity that cannot be compensated or whose handler fails, and
// every activity from there on is reported as remaining. With force those
// activities are reported as remaining and the walk continues.
//
// Handler failures are recorded on the snapshot and in the report; only
// storage failures are returned as errors. The caller owns the transaction.
func (m *Manager) Compensate(ctx context.Context, instanceID string, force bool) (*Report, error) {
	ais, err := m.store.ListCompletedForCompensation(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed activities: %w", err)
	}

	report := &Report{Compensated: []string{}, Remaining: []string{}}
	for i, ai := range ais {
		ok, err := m.compensateOne(ctx, ai, report)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		report.Remaining = append(report.Remaining, ai.ActivityID)
		if !force {
			for _, rest := range ais[i+1:] {
				report.Remaining = append(report.Remaining, rest.ActivityID)
			}
			break
		}
	}
	return report, nil
}

func (m *Manager) compensateOne(ctx context.Context, ai *storage.ActivityInstance, report *Report) (bool, error) {
	rec, err := m.store.GetCompensationByActivityInstance(ctx, ai.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if m.classifier.Classify(ai) != ModeNoop {
			return false, nil
		}
		return true, m.markCompensated(ctx, ai, report)
	case err != nil:
		return false, fmt.Errorf("failed to load compensation for %s: %w", ai.ID, err)
	}

	execErr := m.execute(ctx, rec)
	executedAt := m.now()
	rec.ExecutedAt = &executedAt
	if execErr != nil {
		rec.Status = storage.CompensationFailed
		rec.CompensationResult = execErr.Error()
	} else {
		rec.Status = storage.CompensationCompensated
		rec.CompensationResult = "ok"
	}
	if err := m.store.UpdateCompensation(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to record compensation result: %w", err)
	}
	if execErr != nil {
		if report.Failures == nil {
			report.Failures = make(map[string]string)
		}
		report.Failures[ai.ActivityID] = execErr.Error()
		return false, nil
	}
	return true, m.markCompensated(ctx, ai, report)
}

func (m *Manager) markCompensated(ctx context.Context, ai *storage.ActivityInstance, report *Report) error {
	ai.Status = storage.ActivityCompensated
	if err := m.store.UpdateActivityInstance(ctx, ai); err != nil {
		return fmt.Errorf("failed to mark %s compensated: %w", ai.ID, err)
	}
	report.Compensated = append(report.Compensated, ai.ActivityID)
	return nil
}

// execute runs a single handler, converting a panic into a failure.
func (m *Manager) execute(ctx context.Context, rec *storage.CompensationRecord) (err error) {
	fn, ok := m.registry.Get(rec.Handler)
	if !ok {
		return &CompensationError{ActivityID: rec.ActivityID, FuncName: rec.Handler, Err: errors.New("handler not registered")}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &CompensationError{ActivityID: rec.ActivityID, FuncName: rec.Handler, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(ctx, rec.CompensationData); err != nil {
		return &CompensationError{ActivityID: rec.ActivityID, FuncName: rec.Handler, Err: err}
	}
	return nil
}

// CompensationError wraps an error that occurred during compensation execution.
type CompensationError struct {
	ActivityID string
	FuncName   string
	Err        error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for activity %s (%s): %v", e.ActivityID, e.FuncName, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// Helper type for typed compensation functions

// TypedCompensation wraps a typed compensation function for registry.
type TypedCompensation[T any] struct {
	Name string
	Fn   func(ctx context.Context, arg T) error
}

// NewTypedCompensation creates a typed compensation wrapper.
func NewTypedCompensation[T any](name string, fn func(ctx context.Context, arg T) error) *TypedCompensation[T] {
	return &TypedCompensation[T]{
		Name: name,
		Fn:   fn,
	}
}

// Register registers the typed compensation function in the registry.
func (tc *TypedCompensation[T]) Register(r *Registry) {
	r.Register(tc.Name, tc.AsFunc())
}

// AsFunc returns the raw compensation function for direct use.
func (tc *TypedCompensation[T]) AsFunc() CompensationFunc {
	return func(ctx context.Context, arg []byte) error {
		var typedArg T
		if err := json.Unmarshal(arg, &typedArg); err != nil {
			return fmt.Errorf("failed to unmarshal compensation argument: %w", err)
		}
		return tc.Fn(ctx, typedArg)
	}
}

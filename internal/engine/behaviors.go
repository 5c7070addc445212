package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/internal/storage"
)

// Kind groups activity behaviors by how they interact with the executor.
type Kind int

const (
	// KindAutomatic runs to completion inside the operation that started it.
	KindAutomatic Kind = iota
	// KindHumanTask waits for a task to be completed.
	KindHumanTask
	// KindBlocking waits on a bookmark (signal or expiry).
	KindBlocking
	// KindContainer waits on a child instance.
	KindContainer
	// KindJoin waits for the other branches of a split.
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindAutomatic:
		return "automatic"
	case KindHumanTask:
		return "humanTask"
	case KindBlocking:
		return "blocking"
	case KindContainer:
		return "container"
	case KindJoin:
		return "join"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ResultStatus is what a behavior asks the executor to do with its activity.
type ResultStatus int

const (
	ResultCompleted ResultStatus = iota
	ResultWaiting
	ResultFaulted
)

// Result is returned by Execute and Resume.
type Result struct {
	Status  ResultStatus
	Outcome string
	Outputs map[string]any
	// CompensationData is snapshotted when the activity declares a
	// compensation handler. Nil snapshots Outputs.
	CompensationData any
	ErrorInfo        string
}

// Completed completes the activity.
func Completed(outcome string, outputs map[string]any) Result {
	return Result{Status: ResultCompleted, Outcome: outcome, Outputs: outputs}
}

// Waiting leaves the activity Running.
func Waiting() Result {
	return Result{Status: ResultWaiting}
}

// Faulted faults the activity and its instance.
func Faulted(format string, args ...any) Result {
	return Result{Status: ResultFaulted, ErrorInfo: fmt.Sprintf(format, args...)}
}

// Behavior executes one activity type. A returned error aborts the whole
// operation; business failures are reported with a Faulted result.
type Behavior interface {
	Kind() Kind
	Execute(c *ExecContext) (Result, error)
}

// Resumer is implemented by behaviors that wait on a bookmark.
type Resumer interface {
	Resume(c *ExecContext, signal map[string]any) (Result, error)
}

// Splitter is implemented by behaviors that follow every matching connection.
type Splitter interface {
	SplitsAll() bool
}

// Registry maps activity types to behaviors.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]Behavior
}

// NewRegistry returns a registry holding the built-in activity types.
func NewRegistry() *Registry {
	r := &Registry{behaviors: make(map[string]Behavior)}
	r.Register(definition.TypeStart, passthrough{})
	r.Register(definition.TypeEnd, passthrough{})
	r.Register(definition.TypeExclusive, passthrough{})
	r.Register(definition.TypeParallel, passthrough{split: true})
	r.Register(definition.TypeScript, scriptBehavior{})
	r.Register(definition.TypeService, serviceBehavior{})
	r.Register(definition.TypeUserTask, userTaskBehavior{})
	r.Register(definition.TypeTimer, timerBehavior{})
	r.Register(definition.TypeReceive, receiveBehavior{})
	r.Register(definition.TypeSubprocess, subprocessBehavior{})
	r.Register(definition.TypeJoin, joinBehavior{})
	return r
}

// Register binds an activity type to a behavior, replacing any previous binding.
func (r *Registry) Register(activityType string, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[activityType] = b
}

// Lookup returns the behavior of an activity type.
func (r *Registry) Lookup(activityType string) (Behavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[activityType]
	return b, ok
}

// Known reports whether an activity type is registered.
func (r *Registry) Known(activityType string) bool {
	_, ok := r.Lookup(activityType)
	return ok
}

// ServiceCall is the input of a ServiceFunc.
type ServiceCall struct {
	InstanceID  string
	BusinessKey string
	ActivityID  string
	Properties  definition.Properties
	Variables   map[string]any
}

// ServiceResult is the output of a ServiceFunc.
type ServiceResult struct {
	Outcome string
	Outputs map[string]any
	// Variables are appended to the instance's variables.
	Variables map[string]any
	// CompensationData is handed to the compensation handler if the
	// activity is ever compensated.
	CompensationData any
}

// ServiceFunc implements a service activity. A returned error faults the activity.
type ServiceFunc func(ctx context.Context, call ServiceCall) (*ServiceResult, error)

// ExecContext is what a behavior sees of the running operation.
type ExecContext struct {
	ctx              context.Context
	x                *execution
	Activity         *definition.Activity
	ActivityInstance *storage.ActivityInstance
	Input            map[string]any
}

// Context returns the operation's context; storage calls through it join
// the operation's transaction.
func (c *ExecContext) Context() context.Context { return c.ctx }

// Instance returns the instance being executed.
func (c *ExecContext) Instance() *storage.WorkflowInstance { return c.x.inst }

// Now returns the engine clock.
func (c *ExecContext) Now() time.Time { return c.x.e.now() }

// Variables returns the latest value of every variable.
func (c *ExecContext) Variables() (map[string]any, error) {
	vars, err := c.x.variables(c.ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out, nil
}

// SetVariables appends a new version of every given variable.
func (c *ExecContext) SetVariables(vars map[string]any) error {
	return c.x.setVariables(c.ctx, vars, nil, c.x.operator)
}

// Eval evaluates an expression over the variables and the activity input.
func (c *ExecContext) Eval(expression string) (any, error) {
	env, err := c.env()
	if err != nil {
		return nil, err
	}
	return c.x.e.eval.Value(expression, env)
}

func (c *ExecContext) env() (map[string]any, error) {
	env, err := c.Variables()
	if err != nil {
		return nil, err
	}
	for k, v := range c.Input {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	return env, nil
}

// Decode decodes the activity properties into v.
func (c *ExecContext) Decode(v any) error {
	if err := c.Activity.Properties.Decode(v); err != nil {
		return fmt.Errorf("activity %s: invalid properties: %w", c.Activity.ID, err)
	}
	return nil
}

// passthrough completes immediately, handing the incoming outcome on so that
// a gateway can route on the decision of the activity before it.
type passthrough struct {
	split bool
}

func (passthrough) Kind() Kind { return KindAutomatic }

func (p passthrough) SplitsAll() bool { return p.split }

func (passthrough) Execute(c *ExecContext) (Result, error) {
	outcome, _ := c.Input["outcome"].(string)
	return Completed(outcome, nil), nil
}

// scriptBehavior assigns variables from expressions:
//
//	properties:
//	  assignments:
//	    total: price * quantity
type scriptBehavior struct{}

func (scriptBehavior) Kind() Kind { return KindAutomatic }

func (scriptBehavior) Execute(c *ExecContext) (Result, error) {
	var props struct {
		Assignments map[string]string `json:"assignments"`
	}
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	env, err := c.env()
	if err != nil {
		return Result{}, err
	}
	assigned := make(map[string]any, len(props.Assignments))
	for _, name := range sortedKeys(props.Assignments) {
		v, err := c.x.e.eval.Value(props.Assignments[name], env)
		if err != nil {
			return Faulted("%v", err), nil
		}
		assigned[name] = v
	}
	if len(assigned) > 0 {
		if err := c.SetVariables(assigned); err != nil {
			return Result{}, err
		}
	}
	return Completed("", assigned), nil
}

// serviceBehavior calls a registered ServiceFunc named by the "handler" property.
type serviceBehavior struct{}

func (serviceBehavior) Kind() Kind { return KindAutomatic }

func (serviceBehavior) Execute(c *ExecContext) (Result, error) {
	var props struct {
		Handler string `json:"handler"`
	}
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	fn, ok := c.x.e.service(props.Handler)
	if !ok {
		return Faulted("service handler %q not registered", props.Handler), nil
	}
	vars, err := c.Variables()
	if err != nil {
		return Result{}, err
	}

	res, err := callService(c.ctx, fn, ServiceCall{
		InstanceID:  c.x.inst.ID,
		BusinessKey: c.x.inst.BusinessKey,
		ActivityID:  c.Activity.ID,
		Properties:  c.Activity.Properties,
		Variables:   vars,
	})
	if err != nil {
		return Faulted("%v", err), nil
	}
	if res == nil {
		res = &ServiceResult{}
	}
	if len(res.Variables) > 0 {
		if err := c.SetVariables(res.Variables); err != nil {
			return Result{}, err
		}
	}
	result := Completed(res.Outcome, res.Outputs)
	result.CompensationData = res.CompensationData
	return result, nil
}

func callService(ctx context.Context, fn ServiceFunc, call ServiceCall) (res *ServiceResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service panicked: %v", r)
		}
	}()
	return fn(ctx, call)
}

// userTaskBehavior creates an approval task and waits for it.
type userTaskBehavior struct{}

func (userTaskBehavior) Kind() Kind { return KindHumanTask }

func (userTaskBehavior) Execute(c *ExecContext) (Result, error) {
	if _, err := c.x.createTask(c.ctx, c.ActivityInstance, c.Activity, storage.TaskKindApproval, nil); err != nil {
		return Result{}, err
	}
	return Waiting(), nil
}

// timerBehavior waits for "duration" and completes on expiry.
type timerBehavior struct{}

func (timerBehavior) Kind() Kind { return KindBlocking }

func (timerBehavior) Execute(c *ExecContext) (Result, error) {
	var props struct {
		Duration definition.Duration `json:"duration"`
	}
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	if props.Duration <= 0 {
		return Completed("", nil), nil
	}
	expire := c.Now().Add(props.Duration.Std())
	_, err := c.x.createBookmark(c.ctx, bookmarkSpec{
		ai:     c.ActivityInstance,
		name:   "timer:" + c.Activity.ID,
		expire: &expire,
		action: storage.ExpireResume,
	})
	if err != nil {
		return Result{}, err
	}
	return Waiting(), nil
}

func (timerBehavior) Resume(c *ExecContext, signal map[string]any) (Result, error) {
	return Completed("", signal), nil
}

// receiveBehavior waits for a message correlated by an expression over the
// variables, optionally bounded by "timeout".
type receiveBehavior struct{}

type receiveProps struct {
	Message        string              `json:"message"`
	Correlation    string              `json:"correlation"`
	Timeout        definition.Duration `json:"timeout"`
	ResultVariable string              `json:"resultVariable"`
}

func (receiveBehavior) Kind() Kind { return KindBlocking }

func (receiveBehavior) Execute(c *ExecContext) (Result, error) {
	var props receiveProps
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	if props.Correlation == "" {
		return Faulted("activity %s: correlation expression is required", c.Activity.ID), nil
	}
	key, err := c.Eval(props.Correlation)
	if err != nil {
		return Faulted("%v", err), nil
	}
	if key == nil || fmt.Sprint(key) == "" {
		return Faulted("activity %s: correlation key is empty", c.Activity.ID), nil
	}
	correlationID := fmt.Sprint(key)

	spec := bookmarkSpec{
		ai:            c.ActivityInstance,
		name:          "receive:" + c.Activity.ID,
		data:          map[string]any{"message": props.Message},
		correlationID: &correlationID,
		action:        storage.ExpireFault,
	}
	if props.Timeout > 0 {
		expire := c.Now().Add(props.Timeout.Std())
		spec.expire = &expire
	}
	if _, err := c.x.createBookmark(c.ctx, spec); err != nil {
		return Result{}, err
	}
	return Waiting(), nil
}

func (receiveBehavior) Resume(c *ExecContext, signal map[string]any) (Result, error) {
	var props receiveProps
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	if props.ResultVariable != "" {
		if err := c.SetVariables(map[string]any{props.ResultVariable: signal}); err != nil {
			return Result{}, err
		}
	}
	outcome, _ := signal["outcome"].(string)
	return Completed(outcome, signal), nil
}

// subprocessBehavior starts a child instance of "definitionCode" and waits
// for it to finish.
type subprocessBehavior struct{}

type subprocessProps struct {
	DefinitionCode string            `json:"definitionCode"`
	Inputs         map[string]string `json:"inputs"`
	ResultVariable string            `json:"resultVariable"`
}

func (subprocessBehavior) Kind() Kind { return KindContainer }

func (b subprocessBehavior) Execute(c *ExecContext) (Result, error) {
	var props subprocessProps
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	if props.DefinitionCode == "" {
		return Faulted("activity %s: definitionCode is required", c.Activity.ID), nil
	}

	var vars map[string]any
	if len(props.Inputs) == 0 {
		v, err := c.Variables()
		if err != nil {
			return Result{}, err
		}
		vars = v
	} else {
		env, err := c.env()
		if err != nil {
			return Result{}, err
		}
		vars = make(map[string]any, len(props.Inputs))
		for _, name := range sortedKeys(props.Inputs) {
			v, err := c.x.e.eval.Value(props.Inputs[name], env)
			if err != nil {
				return Faulted("%v", err), nil
			}
			vars[name] = v
		}
	}

	child, err := c.x.startChild(c.ctx, props.DefinitionCode, vars)
	if err != nil {
		if CodeOf(err) == CodeDefinitionNotFound {
			return Faulted("%v", err), nil
		}
		return Result{}, err
	}

	// The child may have run to completion synchronously.
	switch child.Status {
	case storage.InstanceCompleted, storage.InstanceFaulted, storage.InstanceTerminated:
		signal, err := c.x.e.childSignal(c.ctx, child)
		if err != nil {
			return Result{}, err
		}
		return b.Resume(c, signal)
	}

	correlationID := childCorrelation(child.ID)
	_, err = c.x.createBookmark(c.ctx, bookmarkSpec{
		ai:            c.ActivityInstance,
		name:          "subprocess:" + c.Activity.ID,
		data:          map[string]any{"childInstanceId": child.ID},
		correlationID: &correlationID,
		action:        storage.ExpireFault,
	})
	if err != nil {
		return Result{}, err
	}
	return Waiting(), nil
}

func (subprocessBehavior) Resume(c *ExecContext, signal map[string]any) (Result, error) {
	status, _ := signal["status"].(string)
	childID, _ := signal["childInstanceId"].(string)
	if status != string(storage.InstanceCompleted) {
		info, _ := signal["info"].(string)
		return Faulted("subprocess %s %s: %s", childID, status, info), nil
	}
	var props subprocessProps
	if err := c.Decode(&props); err != nil {
		return Faulted("%v", err), nil
	}
	outputs, _ := signal["variables"].(map[string]any)
	if props.ResultVariable != "" {
		if err := c.SetVariables(map[string]any{props.ResultVariable: outputs}); err != nil {
			return Result{}, err
		}
	}
	return Completed("", outputs), nil
}

func childCorrelation(childID string) string {
	return "subprocess:" + childID
}

// joinBehavior completes once no open activity can still reach it; earlier
// arrivals stay Running until then and are merged into the last one.
type joinBehavior struct{}

func (joinBehavior) Kind() Kind { return KindJoin }

func (joinBehavior) Execute(c *ExecContext) (Result, error) {
	open, err := c.x.e.store.ListActivityInstances(c.ctx, c.x.inst.ID, storage.ActivityPending, storage.ActivityRunning)
	if err != nil {
		return Result{}, systemError(err, "failed to list open activities")
	}
	if c.x.awaited(c.ActivityInstance, open) {
		return Waiting(), nil
	}
	if err := c.x.mergeJoin(c.ctx, c.ActivityInstance, open); err != nil {
		return Result{}, err
	}
	return Completed("", nil), nil
}

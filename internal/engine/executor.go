package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx/types"

	"github.com/i2y/leanflow/definition"
	"github.com/i2y/leanflow/hooks"
	"github.com/i2y/leanflow/internal/storage"
)

// execution is the state of one mutating operation on one instance. It is
// created after the version compare-and-swap and lives for one transaction.
type execution struct {
	e        *Engine
	inst     *storage.WorkflowInstance
	doc      *definition.Document
	operator string
	vars     map[string]any
	steps    int
}

func (e *Engine) newExecution(inst *storage.WorkflowInstance, doc *definition.Document, operator string) *execution {
	return &execution{e: e, inst: inst, doc: doc, operator: operator}
}

// hook runs fn against the hooks after commit.
func (e *Engine) hook(ctx context.Context, fn func(ctx context.Context, h hooks.WorkflowHooks)) {
	e.afterCommit(ctx, func() {
		hctx, cancel := detached()
		defer cancel()
		fn(hctx, e.hooks)
	})
}

// StartRequest describes a new instance.
type StartRequest struct {
	DefinitionID   string         `json:"definitionId,omitempty"`
	DefinitionCode string         `json:"definitionCode,omitempty"`
	BusinessKey    string         `json:"businessKey,omitempty"`
	BusinessType   string         `json:"businessType,omitempty"`
	Title          string         `json:"title,omitempty"`
	Initiator      string         `json:"initiator"`
	Variables      map[string]any `json:"variables,omitempty"`
	FormData       map[string]any `json:"formData,omitempty"`
}

// StartProcess creates an instance of the requested definition version and
// runs it until every branch waits or ends.
func (e *Engine) StartProcess(ctx context.Context, req StartRequest) (*storage.WorkflowInstance, error) {
	if req.Initiator == "" {
		return nil, Errorf(CodeInvalidArgument, "initiator is required")
	}
	if req.DefinitionID == "" && req.DefinitionCode == "" {
		return nil, Errorf(CodeInvalidArgument, "definitionId or definitionCode is required")
	}

	var inst *storage.WorkflowInstance
	err := e.run(ctx, func(ctx context.Context) error {
		def, err := e.resolveDefinition(ctx, req.DefinitionID, req.DefinitionCode)
		if err != nil {
			return err
		}
		if req.BusinessKey != "" {
			existing, err := e.store.FindActiveInstanceByBusinessKey(ctx, req.BusinessKey)
			switch {
			case err == nil:
				return Errorf(CodeDuplicateBusinessKey, "business key %s is owned by instance %s", req.BusinessKey, existing.ID)
			case !errors.Is(err, storage.ErrNotFound):
				return systemError(err, "failed to check business key")
			}
		}
		x, err := e.startInstance(ctx, def, req, nil)
		if err != nil {
			return err
		}
		inst = x.inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// resolveDefinition pins a definition by ID, or the latest version of code.
// Retired versions cannot be started.
func (e *Engine) resolveDefinition(ctx context.Context, id, code string) (*storage.WorkflowDefinition, error) {
	var (
		def *storage.WorkflowDefinition
		err error
	)
	if id != "" {
		def, err = e.store.GetDefinition(ctx, id)
	} else {
		def, err = e.store.GetLatestDefinition(ctx, code)
	}
	if err != nil {
		return nil, wrapStorage(err, CodeDefinitionNotFound, "definition %s%s", id, code)
	}
	if def.Status == storage.DefinitionRetired {
		return nil, Errorf(CodeDefinitionNotFound, "definition %s v%d is retired", def.Code, def.Version)
	}
	return def, nil
}

// startInstance creates the instance row, seeds variables and form data and
// starts the entry activity. parent is set for sub-process children.
func (e *Engine) startInstance(ctx context.Context, def *storage.WorkflowDefinition, req StartRequest, parent *execution) (*execution, error) {
	doc, err := e.document(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	entry, ok := doc.EntryActivity()
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "definition %s has no start activity", def.Code)
	}

	inst := &storage.WorkflowInstance{
		ID:                newID(),
		DefinitionID:      def.ID,
		DefinitionCode:    def.Code,
		DefinitionVersion: def.Version,
		BusinessKey:       req.BusinessKey,
		BusinessType:      req.BusinessType,
		Title:             req.Title,
		Initiator:         req.Initiator,
		Status:            storage.InstanceRunning,
		StartTime:         e.now(),
	}
	if parent != nil {
		inst.ParentInstanceID = &parent.inst.ID
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &Error{Code: CodeDuplicateBusinessKey, Message: "business key " + req.BusinessKey + " is in use", Err: err}
		}
		return nil, systemError(err, "failed to create instance")
	}

	x := e.newExecution(inst, doc, req.Initiator)
	if parent != nil {
		x.steps = parent.steps
	}

	vars := doc.Defaults()
	for k, v := range req.Variables {
		vars[k] = v
	}
	x.vars = map[string]any{}
	if err := x.setVariables(ctx, vars, nil, req.Initiator); err != nil {
		return nil, err
	}
	for _, key := range sortedKeys(req.FormData) {
		if err := x.appendForm(ctx, key, req.FormData[key], nil, req.Initiator); err != nil {
			return nil, err
		}
	}

	e.record(ctx, historyEntry(inst.ID, storage.OpStart, req.Initiator))
	info := hooks.ProcessStartInfo{
		InstanceID:        inst.ID,
		DefinitionCode:    inst.DefinitionCode,
		DefinitionVersion: inst.DefinitionVersion,
		BusinessKey:       inst.BusinessKey,
		Initiator:         inst.Initiator,
		StartTime:         inst.StartTime,
	}
	if parent != nil {
		info.ParentInstanceID = parent.inst.ID
	}
	e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessStart(ctx, info) })
	e.logger.Debug("instance started", "instance_id", inst.ID, "definition", inst.DefinitionCode, "version", inst.DefinitionVersion)

	err = x.start(ctx, entry, nil, nil)
	if parent != nil {
		parent.steps = x.steps
	}
	if err != nil {
		return nil, err
	}
	return x, nil
}

// startChild starts a sub-process instance of the latest version of code.
func (x *execution) startChild(ctx context.Context, code string, vars map[string]any) (*storage.WorkflowInstance, error) {
	def, err := x.e.resolveDefinition(ctx, "", code)
	if err != nil {
		return nil, err
	}
	child, err := x.e.startInstance(ctx, def, StartRequest{
		DefinitionCode: code,
		BusinessType:   x.inst.BusinessType,
		Title:          x.inst.Title,
		Initiator:      x.inst.Initiator,
		Variables:      vars,
	}, x)
	if err != nil {
		return nil, err
	}
	return child.inst, nil
}

// childSignal builds the signal a finished child hands to its parent.
func (e *Engine) childSignal(ctx context.Context, child *storage.WorkflowInstance) (map[string]any, error) {
	vars, err := e.loadVariables(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	info := child.FaultInfo
	if child.Status == storage.InstanceTerminated {
		info = child.TerminateReason
	}
	return map[string]any{
		"status":          string(child.Status),
		"childInstanceId": child.ID,
		"variables":       vars,
		"info":            info,
	}, nil
}

// onChildFinished resumes the parent activity waiting on child, if any.
// A parent that is not Running keeps its bookmark; ResumeProcess catches up.
func (e *Engine) onChildFinished(ctx context.Context, child *storage.WorkflowInstance, operator string) error {
	corr, err := e.store.FindCorrelation(ctx, childCorrelation(child.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return systemError(err, "failed to find parent of %s", child.ID)
	}
	parent, err := e.store.GetInstance(ctx, corr.InstanceID)
	if err != nil {
		return wrapStorage(err, CodeInstanceNotFound, "parent instance %s", corr.InstanceID)
	}
	if parent.Status != storage.InstanceRunning {
		e.logger.Debug("parent not running, child result deferred",
			"instance_id", parent.ID, "child_instance_id", child.ID, "status", parent.Status)
		return nil
	}
	signal, err := e.childSignal(ctx, child)
	if err != nil {
		return err
	}
	return e.resumeCorrelation(ctx, corr, signal, operator)
}

// start creates an activity instance for act and runs it.
func (x *execution) start(ctx context.Context, act *definition.Activity, prev *string, input map[string]any) error {
	ai, err := x.open(ctx, act, prev, input)
	if err != nil {
		return err
	}
	return x.run(ctx, act, ai, input)
}

// open creates a Pending activity instance.
func (x *execution) open(ctx context.Context, act *definition.Activity, prev *string, input map[string]any) (*storage.ActivityInstance, error) {
	in, err := marshalJSON(input)
	if err != nil {
		return nil, systemError(err, "failed to encode input of %s", act.ID)
	}
	ai := &storage.ActivityInstance{
		ID:                 newID(),
		InstanceID:         x.inst.ID,
		ActivityID:         act.ID,
		ActivityType:       act.Type,
		Status:             storage.ActivityPending,
		PreviousActivityID: prev,
		StartTime:          x.e.now(),
		InputParameters:    in,
	}
	if err := x.e.store.CreateActivityInstance(ctx, ai); err != nil {
		return nil, systemError(err, "failed to create activity instance for %s", act.ID)
	}
	return ai, nil
}

// run moves a Pending activity instance to Running and executes its behavior.
func (x *execution) run(ctx context.Context, act *definition.Activity, ai *storage.ActivityInstance, input map[string]any) error {
	x.steps++
	if x.steps > x.e.stepLimit {
		return x.fault(ctx, act, ai, fmt.Sprintf("step limit %d exceeded at activity %s", x.e.stepLimit, act.ID))
	}
	b, ok := x.e.registry.Lookup(act.Type)
	if !ok {
		return x.fault(ctx, act, ai, fmt.Sprintf("activity %s has unknown type %q", act.ID, act.Type))
	}
	if err := fireActivity(ctx, ai, triggerRun); err != nil {
		return err
	}
	if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
		return systemError(err, "failed to start activity %s", act.ID)
	}
	x.inst.CurrentNodeID = &act.ID
	if err := x.e.store.UpdateInstance(ctx, x.inst); err != nil {
		return systemError(err, "failed to update instance %s", x.inst.ID)
	}
	x.activityStarted(ctx, ai)

	res, err := b.Execute(&ExecContext{ctx: ctx, x: x, Activity: act, ActivityInstance: ai, Input: input})
	if err != nil {
		return err
	}
	return x.apply(ctx, act, ai, res)
}

// apply acts on a behavior result.
func (x *execution) apply(ctx context.Context, act *definition.Activity, ai *storage.ActivityInstance, res Result) error {
	switch res.Status {
	case ResultWaiting:
		// The branch that parked here may have been the last one another
		// join was waiting for.
		if x.isJoin(ai) {
			return x.releaseJoins(ctx)
		}
		return nil
	case ResultFaulted:
		return x.fault(ctx, act, ai, res.ErrorInfo)
	}
	return x.complete(ctx, act, ai, res)
}

// complete records the result of a Running activity instance and advances.
// On a terminal instance the outputs are discarded and nothing advances.
func (x *execution) complete(ctx context.Context, act *definition.Activity, ai *storage.ActivityInstance, res Result) error {
	if err := fireActivity(ctx, ai, triggerComplete); err != nil {
		return err
	}
	end := x.e.now()
	ai.EndTime = &end
	if x.inst.Status.IsTerminal() {
		if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
			return systemError(err, "failed to complete activity %s", act.ID)
		}
		return nil
	}

	out, err := marshalJSON(res.Outputs)
	if err != nil {
		return systemError(err, "failed to encode outputs of %s", act.ID)
	}
	ai.Outcome = res.Outcome
	ai.OutputParameters = out
	if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
		return systemError(err, "failed to complete activity %s", act.ID)
	}

	if act.Compensation != "" {
		snapshot := res.CompensationData
		if snapshot == nil {
			snapshot = res.Outputs
		}
		data, err := marshalJSON(snapshot)
		if err != nil {
			return systemError(err, "failed to encode compensation data of %s", act.ID)
		}
		if err := x.e.store.AddCompensation(ctx, &storage.CompensationRecord{
			ID:                 newID(),
			InstanceID:         x.inst.ID,
			ActivityInstanceID: ai.ID,
			ActivityID:         act.ID,
			Handler:            act.Compensation,
			CompensationData:   data,
			Status:             storage.CompensationPending,
			CreatedAt:          end,
		}); err != nil {
			return systemError(err, "failed to store compensation data of %s", act.ID)
		}
	}

	info := hooks.ActivityCompleteInfo{
		InstanceID:         x.inst.ID,
		DefinitionCode:     x.inst.DefinitionCode,
		ActivityInstanceID: ai.ID,
		ActivityID:         ai.ActivityID,
		ActivityType:       ai.ActivityType,
		Outcome:            ai.Outcome,
		Duration:           end.Sub(ai.StartTime),
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnActivityComplete(ctx, info) })

	if x.inst.Status != storage.InstanceRunning {
		return nil
	}
	return x.advance(ctx, act, ai)
}

// advance follows the outgoing connections of a completed activity. The
// first matching connection in OrderNum order wins; splitters take every
// matching connection. No match ends the branch.
func (x *execution) advance(ctx context.Context, act *definition.Activity, ai *storage.ActivityInstance) error {
	vars, err := x.variables(ctx)
	if err != nil {
		return err
	}
	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["outcome"] = ai.Outcome

	splitAll := false
	if b, ok := x.e.registry.Lookup(act.Type); ok {
		if s, ok := b.(Splitter); ok {
			splitAll = s.SplitsAll()
		}
	}

	var targets []*definition.Activity
	for _, c := range x.doc.Outgoing(act.ID) {
		ok, err := x.e.eval.Condition(c.Condition, env)
		if err != nil {
			return x.fault(ctx, act, nil, fmt.Sprintf("connection %s: %v", c.ID, err))
		}
		if !ok {
			continue
		}
		target, found := x.doc.Activity(c.Target)
		if !found {
			return x.fault(ctx, act, nil, fmt.Sprintf("connection %s: unknown target %s", c.ID, c.Target))
		}
		targets = append(targets, target)
		if !splitAll {
			break
		}
	}
	if len(targets) == 0 {
		return x.settle(ctx)
	}

	// Every branch is opened before any runs, so a branch that ends early
	// still sees its siblings as active.
	input := map[string]any{"outcome": ai.Outcome}
	opened := make([]*storage.ActivityInstance, len(targets))
	for i, target := range targets {
		next, err := x.open(ctx, target, &act.ID, input)
		if err != nil {
			return err
		}
		opened[i] = next
	}
	for i, target := range targets {
		if x.inst.Status != storage.InstanceRunning {
			break
		}
		if err := x.run(ctx, target, opened[i], input); err != nil {
			return err
		}
	}
	return nil
}

// settle runs when a branch ends. With nothing left open the instance
// completes; otherwise parked joins that nothing can reach any more are
// released.
func (x *execution) settle(ctx context.Context) error {
	if x.inst.Status != storage.InstanceRunning {
		return nil
	}
	open, err := x.e.store.ListActivityInstances(ctx, x.inst.ID, storage.ActivityPending, storage.ActivityRunning)
	if err != nil {
		return systemError(err, "failed to list open activities")
	}
	if len(open) == 0 {
		return x.completeInstance(ctx)
	}
	return x.release(ctx, open)
}

// releaseJoins releases a parked join whose last upstream branch has just
// moved elsewhere.
func (x *execution) releaseJoins(ctx context.Context) error {
	if x.inst.Status != storage.InstanceRunning {
		return nil
	}
	open, err := x.e.store.ListActivityInstances(ctx, x.inst.ID, storage.ActivityPending, storage.ActivityRunning)
	if err != nil {
		return systemError(err, "failed to list open activities")
	}
	return x.release(ctx, open)
}

// release completes the earliest parked join that no open activity can
// still reach. When only parked joins remain and they wait on each other
// around a loop, the earliest is released.
func (x *execution) release(ctx context.Context, open []*storage.ActivityInstance) error {
	var join *storage.ActivityInstance
	onlyJoins := true
	for _, ai := range open {
		if !x.isJoin(ai) || ai.Status != storage.ActivityRunning {
			onlyJoins = false
			continue
		}
		if join == nil && !x.awaited(ai, open) {
			join = ai
		}
	}
	if join == nil {
		if !onlyJoins {
			return nil
		}
		join = open[0]
	}

	act, ok := x.doc.Activity(join.ActivityID)
	if !ok {
		return x.fault(ctx, nil, join, "join activity "+join.ActivityID+" not in definition")
	}
	if err := x.mergeJoin(ctx, join, open); err != nil {
		return err
	}
	return x.complete(ctx, act, join, Completed("", nil))
}

func (x *execution) isJoin(ai *storage.ActivityInstance) bool {
	b, ok := x.e.registry.Lookup(ai.ActivityType)
	return ok && b.Kind() == KindJoin
}

// awaited reports whether an open activity other than the arrivals at
// join's activity can still reach it.
func (x *execution) awaited(join *storage.ActivityInstance, open []*storage.ActivityInstance) bool {
	for _, ai := range open {
		if ai.ActivityID != join.ActivityID && x.doc.Reaches(ai.ActivityID, join.ActivityID) {
			return true
		}
	}
	return false
}

// mergeJoin completes the other arrivals at self's join activity without
// advancing them.
func (x *execution) mergeJoin(ctx context.Context, self *storage.ActivityInstance, open []*storage.ActivityInstance) error {
	for _, ai := range open {
		if ai.ID == self.ID || ai.ActivityID != self.ActivityID {
			continue
		}
		if err := fireActivity(ctx, ai, triggerComplete); err != nil {
			return err
		}
		end := x.e.now()
		ai.EndTime = &end
		ai.Outcome = "merged"
		if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
			return systemError(err, "failed to merge join %s", ai.ID)
		}
	}
	return nil
}

// completeInstance marks the instance Completed and notifies a waiting parent.
func (x *execution) completeInstance(ctx context.Context) error {
	if err := fireInstance(ctx, x.inst, triggerComplete); err != nil {
		return err
	}
	end := x.e.now()
	x.inst.EndTime = &end
	x.inst.CurrentNodeID = nil
	if err := x.e.store.UpdateInstance(ctx, x.inst); err != nil {
		return systemError(err, "failed to complete instance %s", x.inst.ID)
	}

	info := hooks.ProcessCompleteInfo{
		InstanceID:     x.inst.ID,
		DefinitionCode: x.inst.DefinitionCode,
		Duration:       end.Sub(x.inst.StartTime),
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessComplete(ctx, info) })
	x.e.notify(ctx, Notification{
		Type:       NotifyProcessCompleted,
		InstanceID: x.inst.ID,
		Recipient:  x.inst.Initiator,
		Data:       map[string]any{"definitionCode": x.inst.DefinitionCode, "businessKey": x.inst.BusinessKey},
	})
	x.e.logger.Debug("instance completed", "instance_id", x.inst.ID)

	if x.inst.ParentInstanceID != nil {
		return x.e.onChildFinished(ctx, x.inst, x.operator)
	}
	return nil
}

// fault faults ai (when given and open) and the instance, then compensates
// unless the activity opts out. A second fault on a Faulted instance only
// records the activity.
func (x *execution) fault(ctx context.Context, act *definition.Activity, ai *storage.ActivityInstance, info string) error {
	now := x.e.now()
	activityID := ""
	if act != nil {
		activityID = act.ID
	}
	if ai != nil {
		activityID = ai.ActivityID
		if ai.Status == storage.ActivityPending {
			if err := fireActivity(ctx, ai, triggerRun); err != nil {
				return err
			}
		}
		if ai.Status == storage.ActivityRunning {
			if err := fireActivity(ctx, ai, triggerFault); err != nil {
				return err
			}
			ai.EndTime = &now
			ai.ErrorInfo = info
			if err := x.e.store.UpdateActivityInstance(ctx, ai); err != nil {
				return systemError(err, "failed to fault activity %s", ai.ActivityID)
			}
			aInfo := hooks.ActivityFaultedInfo{
				InstanceID:         x.inst.ID,
				DefinitionCode:     x.inst.DefinitionCode,
				ActivityInstanceID: ai.ID,
				ActivityID:         ai.ActivityID,
				ActivityType:       ai.ActivityType,
				ErrorInfo:          info,
				Duration:           now.Sub(ai.StartTime),
			}
			x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnActivityFaulted(ctx, aInfo) })
		}
	}
	if x.inst.Status != storage.InstanceRunning {
		return nil
	}

	if err := fireInstance(ctx, x.inst, triggerFault); err != nil {
		return err
	}
	x.inst.FaultInfo = info
	if err := x.e.store.UpdateInstance(ctx, x.inst); err != nil {
		return systemError(err, "failed to fault instance %s", x.inst.ID)
	}

	entry := historyEntry(x.inst.ID, storage.OpFault, x.operator)
	entry.Comment = info
	if ai != nil {
		entry.ActivityInstanceID = &ai.ID
	}
	x.e.record(ctx, entry)
	pInfo := hooks.ProcessFaultedInfo{
		InstanceID:     x.inst.ID,
		DefinitionCode: x.inst.DefinitionCode,
		ActivityID:     activityID,
		FaultInfo:      info,
		Duration:       now.Sub(x.inst.StartTime),
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnProcessFaulted(ctx, pInfo) })
	x.e.notify(ctx, Notification{
		Type:       NotifyProcessFaulted,
		InstanceID: x.inst.ID,
		Recipient:  x.inst.Initiator,
		Data:       map[string]any{"activityId": activityID, "faultInfo": info},
	})
	x.e.logger.Warn("instance faulted", "instance_id", x.inst.ID, "activity_id", activityID, "fault", info)

	if act == nil || act.ShouldCompensateOnFault() {
		if _, err := x.compensate(ctx, false); err != nil {
			return err
		}
	}

	if x.inst.ParentInstanceID != nil {
		return x.e.onChildFinished(ctx, x.inst, x.operator)
	}
	return nil
}

// activityStarted fires the start hook of ai.
func (x *execution) activityStarted(ctx context.Context, ai *storage.ActivityInstance) {
	info := hooks.ActivityStartInfo{
		InstanceID:         x.inst.ID,
		DefinitionCode:     x.inst.DefinitionCode,
		ActivityInstanceID: ai.ID,
		ActivityID:         ai.ActivityID,
		ActivityType:       ai.ActivityType,
	}
	x.e.hook(ctx, func(ctx context.Context, h hooks.WorkflowHooks) { h.OnActivityStart(ctx, info) })
}

// variables returns the cached latest variables, loading them on first use.
// Callers must not modify the map.
func (x *execution) variables(ctx context.Context) (map[string]any, error) {
	if x.vars != nil {
		return x.vars, nil
	}
	vars, err := x.e.loadVariables(ctx, x.inst.ID)
	if err != nil {
		return nil, err
	}
	x.vars = vars
	return vars, nil
}

// setVariables appends a version of every variable in vars.
func (x *execution) setVariables(ctx context.Context, vars map[string]any, taskID *string, operator string) error {
	for _, name := range sortedKeys(vars) {
		value, err := marshalJSON(vars[name])
		if err != nil {
			return Errorf(CodeInvalidArgument, "variable %s is not JSON encodable: %v", name, err)
		}
		if err := x.e.store.AppendVariable(ctx, &storage.VariableData{
			ID:         newID(),
			InstanceID: x.inst.ID,
			TaskID:     taskID,
			Name:       name,
			Value:      value,
			CreatedBy:  operator,
			CreatedAt:  x.e.now(),
		}); err != nil {
			return systemError(err, "failed to store variable %s", name)
		}
		if x.vars != nil {
			x.vars[name] = decodeJSON(value)
		}
	}
	return nil
}

// appendForm appends a snapshot of one form.
func (x *execution) appendForm(ctx context.Context, key string, value any, taskID *string, operator string) error {
	data, err := marshalJSON(value)
	if err != nil {
		return Errorf(CodeInvalidArgument, "form %s is not JSON encodable: %v", key, err)
	}
	if err := x.e.store.AppendFormData(ctx, &storage.FormData{
		ID:         newID(),
		InstanceID: x.inst.ID,
		TaskID:     taskID,
		FormKey:    key,
		Value:      data,
		CreatedBy:  operator,
		CreatedAt:  x.e.now(),
	}); err != nil {
		return systemError(err, "failed to store form %s", key)
	}
	return nil
}

func (e *Engine) loadVariables(ctx context.Context, instanceID string) (map[string]any, error) {
	rows, err := e.store.LatestVariables(ctx, instanceID)
	if err != nil {
		return nil, systemError(err, "failed to load variables of %s", instanceID)
	}
	vars := make(map[string]any, len(rows))
	for _, v := range rows {
		vars[v.Name] = decodeJSON(v.Value)
	}
	return vars, nil
}

func marshalJSON(v any) (types.JSONText, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return types.JSONText(data), nil
}

func decodeJSON(data types.JSONText) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

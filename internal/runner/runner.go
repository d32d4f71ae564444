package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/condition"
	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/graph"
	"github.com/accessworks/adaptflow/internal/hook"
	"github.com/accessworks/adaptflow/internal/scheduler"
	"github.com/accessworks/adaptflow/model"
)

const systemActor = "system"

// Runner drives workflow instances through their definition's transition
// graph. All mutations of one instance serialize on its lock; the lock is
// held across state persistence and timer (de)registration so a completion
// and an escalation firing can never both apply to the same step activation.
type Runner struct {
	definitions *definition.Service
	store       InstanceStore
	hooks       *hook.Registry
	roles       model.RoleProvider
	timers      *scheduler.Scheduler
	chainLimit  int
	logger      *zap.Logger
	locks       *instanceLocks
}

// New creates a Runner. chainLimit bounds consecutive automatic steps
// executed per external trigger.
func New(
	definitions *definition.Service,
	store InstanceStore,
	hooks *hook.Registry,
	roles model.RoleProvider,
	timers *scheduler.Scheduler,
	chainLimit int,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		definitions: definitions,
		store:       store,
		hooks:       hooks,
		roles:       roles,
		timers:      timers,
		chainLimit:  chainLimit,
		logger:      logger,
		locks:       newInstanceLocks(),
	}
}

// Result is the outcome of a mutating instance operation. AlreadyTerminal is
// set when the operation arrived after the instance had already reached a
// terminal status, such as the loser of a racing cancel and complete.
type Result struct {
	Instance        model.WorkflowInstance
	AlreadyTerminal bool
}

// Start creates a new instance of a published definition at its entry step.
func (r *Runner) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID, version, entityID string,
	initial map[string]any,
) (model.WorkflowInstance, error) {
	def, err := r.definitions.Get(ctx, definitionID, version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if def.Status != model.DefinitionStatusPublished {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("definition %q version %q is %s; only published definitions can start instances", def.ID, def.Version, def.Status),
		)
	}

	g, err := graph.Build(&def)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("runner: published definition failed graph build: %w", err)
	}

	instCtx := make(map[string]any, len(initial))
	for k, v := range initial {
		instCtx[k] = v
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityID:          entityID,
		CurrentStep:       g.Entry,
		Status:            model.InstanceStatusRunning,
		Context:           instCtx,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	lock := r.locks.get(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := r.appendEvent(ctx, inst.ID, g.Entry, model.EventStepEntered, actorOf(rctx), nil, ""); err != nil {
		return model.WorkflowInstance{}, err
	}

	entry := g.Step(g.Entry)
	if entry.Timeout != nil && !entry.IsAuto() {
		if err := r.timers.Schedule(ctx, inst.ID, entry.ID, entry.Timeout.Duration()); err != nil {
			return model.WorkflowInstance{}, err
		}
	}

	r.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("version", def.Version),
		zap.String("entry_step", g.Entry),
	)

	if entry.IsAuto() {
		return r.runAutoChain(ctx, rctx, inst, &def, 0)
	}
	return inst, nil
}

// CompleteStep records an external completion of the instance's active step
// and advances the instance. The submitted data is merged into the instance
// context and the outcome, if any, is stored under the "outcome" key before
// transition conditions are evaluated.
func (r *Runner) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, outcome string,
	submitted map[string]any,
	comment string,
) (Result, error) {
	lock := r.locks.get(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := r.store.Get(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}

	if inst.Terminal() {
		if inst.Status == model.InstanceStatusFailed {
			return Result{}, model.NewInstanceNotActiveError(
				fmt.Sprintf("instance %q has failed (%s)", instanceID, inst.FailureReason),
			)
		}
		return Result{Instance: inst, AlreadyTerminal: true}, nil
	}
	if inst.CurrentStep != stepID {
		return Result{}, model.NewStepNotActiveError(
			fmt.Sprintf("step %q is not active; instance %q is at %q", stepID, instanceID, inst.CurrentStep),
		)
	}

	def, err := r.definitions.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return Result{}, err
	}
	step := def.FindStep(stepID)
	if step == nil {
		return Result{}, fmt.Errorf("runner: active step %q missing from definition %s@%s", stepID, def.ID, def.Version)
	}

	if step.Type == model.StepTypeTask || step.Type == model.StepTypeApproval {
		if err := r.authorize(ctx, rctx, &inst, step); err != nil {
			return Result{}, err
		}
	}

	if err := r.timers.Cancel(ctx, instanceID, stepID); err != nil {
		r.logger.Warn("cancelling step timer", zap.String("instance_id", instanceID), zap.Error(err))
	}

	if inst.Context == nil {
		inst.Context = make(map[string]any)
	}
	for k, v := range submitted {
		inst.Context[k] = v
	}
	if outcome != "" {
		inst.Context["outcome"] = outcome
	}

	var data map[string]any
	if outcome != "" {
		data = map[string]any{"outcome": outcome}
	}
	if err := r.appendEvent(ctx, inst.ID, stepID, model.EventStepCompleted, actorOf(rctx), data, comment); err != nil {
		return Result{}, err
	}

	inst, err = r.advance(ctx, rctx, inst, &def, step, 0)
	return Result{Instance: inst}, err
}

// Cancel terminates a running instance. Cancelling an already-terminal
// instance reports AlreadyTerminal without error.
func (r *Runner) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (Result, error) {
	lock := r.locks.get(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := r.store.Get(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}
	if inst.Terminal() {
		return Result{Instance: inst, AlreadyTerminal: true}, nil
	}

	if err := r.timers.Cancel(ctx, instanceID, inst.CurrentStep); err != nil {
		r.logger.Warn("cancelling step timer", zap.String("instance_id", instanceID), zap.Error(err))
	}

	if err := r.appendEvent(ctx, inst.ID, inst.CurrentStep, model.EventInstanceCancelled, actorOf(rctx), nil, reason); err != nil {
		return Result{}, err
	}

	inst.Status = model.InstanceStatusCancelled
	if err := r.store.Update(ctx, inst); err != nil {
		return Result{}, err
	}
	inst, err = r.store.Get(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}

	r.logger.Info("instance cancelled", zap.String("instance_id", instanceID), zap.String("reason", reason))
	return Result{Instance: inst}, nil
}

// Escalate widens the active step's completion authority to its escalation
// roles. Called by the scheduler when a step deadline fires; firing against
// an exited step, a terminal instance, or an already-escalated activation is
// a discarded no-op, reported as applied == false. The step is never
// auto-advanced.
func (r *Runner) Escalate(ctx context.Context, instanceID, stepID string) (bool, error) {
	lock := r.locks.get(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := r.store.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Terminal() || inst.CurrentStep != stepID || inst.Escalated {
		return false, nil
	}

	if err := r.appendEvent(ctx, inst.ID, stepID, model.EventStepEscalated, systemActor, nil, ""); err != nil {
		return false, err
	}

	inst.Escalated = true
	if err := r.store.Update(ctx, inst); err != nil {
		return false, err
	}

	r.logger.Info("step escalated",
		zap.String("instance_id", instanceID),
		zap.String("step_id", stepID),
	)
	return true, nil
}

// Get retrieves an instance.
func (r *Runner) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return r.store.Get(ctx, instanceID)
}

// List returns instances matching the filters.
func (r *Runner) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return r.store.List(ctx, filters)
}

// History composes the step-activation history of an instance from its event
// trail.
func (r *Runner) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	events, err := r.store.GetEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var history []model.HistoryEntry
	for _, evt := range events {
		last := len(history) - 1
		switch evt.Event {
		case model.EventStepEntered:
			if last >= 0 && history[last].ExitedAt == nil {
				t := evt.Timestamp
				history[last].ExitedAt = &t
			}
			if last >= 0 {
				if tr, ok := evt.Data["transition"].(string); ok {
					history[last].TransitionTaken = tr
				}
			}
			history = append(history, model.HistoryEntry{StepID: evt.StepID, EnteredAt: evt.Timestamp})
		case model.EventStepCompleted:
			if last >= 0 {
				t := evt.Timestamp
				history[last].ExitedAt = &t
				history[last].ActorID = evt.ActorID
			}
		case model.EventStepEscalated:
			if last >= 0 {
				history[last].Escalated = true
			}
		case model.EventInstanceCompleted, model.EventInstanceCancelled, model.EventInstanceFailed:
			if last >= 0 && history[last].ExitedAt == nil {
				t := evt.Timestamp
				history[last].ExitedAt = &t
			}
		}
	}
	return history, nil
}

// advance selects the outgoing transition for the just-completed step and
// moves the instance. Terminal step: instance completes. No matching
// transition: instance fails. Automatic target steps execute immediately,
// chained up to the chain limit. Caller holds the instance lock.
func (r *Runner) advance(
	ctx context.Context,
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	def *model.WorkflowDefinition,
	step *model.Step,
	depth int,
) (model.WorkflowInstance, error) {
	if step.IsTerminal() {
		if err := r.appendEvent(ctx, inst.ID, step.ID, model.EventInstanceCompleted, systemActor, nil, ""); err != nil {
			return inst, err
		}
		inst.Status = model.InstanceStatusCompleted
		if err := r.store.Update(ctx, inst); err != nil {
			return inst, err
		}
		r.logger.Info("instance completed", zap.String("instance_id", inst.ID))
		return r.store.Get(ctx, inst.ID)
	}

	transition := r.selectTransition(inst.ID, step, inst.Context)
	if transition == nil {
		failed, ferr := r.fail(ctx, inst, step.ID, model.FailureNoMatchingTransition,
			fmt.Sprintf("no transition from step %q matched the instance context", step.ID))
		if ferr != nil {
			return failed, ferr
		}
		return failed, model.NewNoMatchingTransitionError(
			fmt.Sprintf("no transition from step %q matched the instance context", step.ID),
		)
	}

	target := def.FindStep(transition.TargetStepID)
	if target == nil {
		return inst, fmt.Errorf("runner: transition %q targets missing step %q", transition.ID, transition.TargetStepID)
	}

	inst.CurrentStep = target.ID
	inst.Escalated = false
	if err := r.appendEvent(ctx, inst.ID, target.ID, model.EventStepEntered, systemActor,
		map[string]any{"transition": transition.ID}, ""); err != nil {
		return inst, err
	}
	if target.Timeout != nil && !target.IsAuto() {
		if err := r.timers.Schedule(ctx, inst.ID, target.ID, target.Timeout.Duration()); err != nil {
			return inst, err
		}
	}
	if err := r.store.Update(ctx, inst); err != nil {
		return inst, err
	}
	inst, err := r.store.Get(ctx, inst.ID)
	if err != nil {
		return inst, err
	}

	if target.IsAuto() {
		return r.runAutoChain(ctx, rctx, inst, def, depth)
	}
	return inst, nil
}

// runAutoChain executes the instance's current automatic step: performs its
// side effect, records its completion, and advances. Caller holds the
// instance lock.
func (r *Runner) runAutoChain(
	ctx context.Context,
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	def *model.WorkflowDefinition,
	depth int,
) (model.WorkflowInstance, error) {
	if depth >= r.chainLimit {
		return r.fail(ctx, inst, inst.CurrentStep, model.FailureChainLimitExceeded,
			fmt.Sprintf("automatic step chain exceeded %d steps", r.chainLimit))
	}

	step := def.FindStep(inst.CurrentStep)
	if step == nil {
		return inst, fmt.Errorf("runner: active step %q missing from definition %s@%s", inst.CurrentStep, def.ID, def.Version)
	}

	if inst.Context == nil {
		inst.Context = make(map[string]any)
	}

	switch step.Type {
	case model.StepTypeNotification:
		// Notifications are best-effort: a delivery failure is recorded but
		// never blocks the workflow.
		if step.Operation != nil {
			out, err := r.hooks.Invoke(ctx, rctx, *step.Operation, inst.Context)
			if err != nil {
				r.logger.Warn("notification hook failed",
					zap.String("instance_id", inst.ID),
					zap.String("step_id", step.ID),
					zap.Error(err),
				)
				inst.Context["_last_error"] = err.Error()
			}
			for k, v := range out {
				inst.Context[k] = v
			}
		}
	case model.StepTypeIntegration:
		if step.Operation != nil {
			out, err := r.hooks.Invoke(ctx, rctx, *step.Operation, inst.Context)
			if err != nil {
				failed, ferr := r.fail(ctx, inst, step.ID, model.FailureHookFailed, err.Error())
				if ferr != nil {
					return failed, ferr
				}
				return failed, model.NewHookFailedError(
					fmt.Sprintf("integration step %q: %s", step.ID, err.Error()),
				)
			}
			for k, v := range out {
				inst.Context[k] = v
			}
		}
	}

	if err := r.appendEvent(ctx, inst.ID, step.ID, model.EventStepCompleted, systemActor, nil, ""); err != nil {
		return inst, err
	}
	return r.advance(ctx, rctx, inst, def, step, depth+1)
}

// fail flips the instance to failed with the given reason.
func (r *Runner) fail(ctx context.Context, inst model.WorkflowInstance, stepID, reason, detail string) (model.WorkflowInstance, error) {
	if err := r.appendEvent(ctx, inst.ID, stepID, model.EventInstanceFailed, systemActor,
		map[string]any{"reason": reason}, detail); err != nil {
		return inst, err
	}

	inst.Status = model.InstanceStatusFailed
	inst.FailureReason = reason
	if err := r.store.Update(ctx, inst); err != nil {
		return inst, err
	}

	r.logger.Warn("instance failed",
		zap.String("instance_id", inst.ID),
		zap.String("step_id", stepID),
		zap.String("reason", reason),
		zap.String("detail", detail),
	)
	return r.store.Get(ctx, inst.ID)
}

// selectTransition returns the first transition, in declaration order, whose
// condition evaluates true against the instance context. An unguarded
// transition always matches.
func (r *Runner) selectTransition(instanceID string, step *model.Step, instCtx map[string]any) *model.Transition {
	for i := range step.Transitions {
		tr := &step.Transitions[i]
		ok, warnings := condition.Evaluate(tr.Condition, instCtx)
		for _, w := range warnings {
			r.logger.Warn("condition evaluation warning",
				zap.String("instance_id", instanceID),
				zap.String("step_id", step.ID),
				zap.String("transition_id", tr.ID),
				zap.String("field", w.Field),
				zap.String("message", w.Message),
			)
		}
		if ok {
			return tr
		}
	}
	return nil
}

// authorize checks that the caller holds one of the step's assigned roles,
// or one of its escalation roles once the activation has escalated.
func (r *Runner) authorize(ctx context.Context, rctx *model.RequestContext, inst *model.WorkflowInstance, step *model.Step) error {
	if rctx == nil || rctx.ActorID == "" {
		return model.NewUnauthorizedError("step completion requires an authenticated actor")
	}

	allowed := step.AssignedRoles
	if inst.Escalated && step.Timeout != nil {
		allowed = append(append([]string{}, allowed...), step.Timeout.EscalationRoles...)
	}

	for _, role := range allowed {
		ok, err := r.roles.HasRole(ctx, rctx.ActorID, role)
		if err != nil {
			return fmt.Errorf("runner: resolving role %q for actor %q: %w", role, rctx.ActorID, err)
		}
		if ok {
			return nil
		}
	}
	return model.NewUnauthorizedStepCompletionError(
		fmt.Sprintf("actor %q holds none of the roles authorized to complete step %q", rctx.ActorID, step.ID),
	)
}

func (r *Runner) appendEvent(ctx context.Context, instanceID, stepID, event, actorID string, data map[string]any, comment string) error {
	return r.store.AppendEvent(ctx, model.InstanceEvent{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		StepID:     stepID,
		Event:      event,
		ActorID:    actorID,
		Data:       data,
		Comment:    comment,
		Timestamp:  time.Now().UTC(),
	})
}

func actorOf(rctx *model.RequestContext) string {
	if rctx == nil || rctx.ActorID == "" {
		return systemActor
	}
	return rctx.ActorID
}

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/hook"
	"github.com/accessworks/adaptflow/internal/scheduler"
	"github.com/accessworks/adaptflow/model"
)

// roleProvider is a static actor → roles map.
type roleProvider map[string][]string

func (p roleProvider) HasRole(_ context.Context, actorID, role string) (bool, error) {
	for _, r := range p[actorID] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// fakeHook handles "test" operation bindings with a canned result.
type fakeHook struct {
	out   map[string]any
	err   error
	calls int
}

func (f *fakeHook) Supports(b model.OperationBinding) bool { return b.Type == "test" }

func (f *fakeHook) Invoke(context.Context, *model.RequestContext, model.OperationBinding, map[string]any) (map[string]any, error) {
	f.calls++
	return f.out, f.err
}

var testRoles = roleProvider{
	"carol": {"coordinator"},
	"adam":  {"assessor"},
	"sonia": {"supervisor"},
	"alice": {"admin"},
	"priya": {"planner"},
}

func asActor(actorID string) *model.RequestContext {
	return &model.RequestContext{ActorID: actorID}
}

type fixture struct {
	runner *Runner
	defs   *definition.Service
	store  *MemoryInstanceStore
	timers *scheduler.MemoryTimerStore
	hook   *fakeHook
	defID  string
}

func newFixture(t *testing.T, def model.WorkflowDefinition) *fixture {
	t.Helper()
	ctx := context.Background()

	defs := definition.NewService(definition.NewMemoryStore(), zap.NewNop())
	saved, err := defs.Save(ctx, def)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := defs.Publish(ctx, saved.ID, saved.Version); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := &fixture{
		defs:   defs,
		store:  NewMemoryInstanceStore(),
		timers: scheduler.NewMemoryTimerStore(),
		hook:   &fakeHook{},
		defID:  saved.ID,
	}
	sched := scheduler.New(f.timers, scheduler.RealClock(), time.Minute, zap.NewNop())
	f.runner = New(defs, f.store, hook.NewRegistry(f.hook), testRoles, sched, 10, zap.NewNop())
	return f
}

// assessmentDefinition is a condensed home-assessment workflow:
// s1 intake (task) -> s2 assess (task) -> s3 review (approval, 48h timeout
// escalating to admin; Approve -> s4, Reject -> s2) -> s4 plan (task) ->
// s5 notify (notification, auto) -> s6 close (task, terminal).
func assessmentDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:        "Home Assessment",
		Description: "Assessment and planning workflow",
		Version:     "1.0",
		Phases: []model.Phase{
			{ID: "intake", Name: "Intake", Order: 1, Steps: []model.Step{
				{ID: "s1", Name: "Record Request", Type: model.StepTypeTask,
					AssignedRoles: []string{"coordinator"},
					Transitions:   []model.Transition{{ID: "t1", Name: "Submit", TargetStepID: "s2"}}},
			}},
			{ID: "assessment", Name: "Assessment", Order: 2, Steps: []model.Step{
				{ID: "s2", Name: "Assess Home", Type: model.StepTypeTask,
					AssignedRoles: []string{"assessor"},
					Transitions:   []model.Transition{{ID: "t2", Name: "Complete", TargetStepID: "s3"}}},
				{ID: "s3", Name: "Review Assessment", Type: model.StepTypeApproval,
					AssignedRoles: []string{"supervisor"},
					Timeout:       &model.TimeoutPolicy{Minutes: 2880, EscalationRoles: []string{"admin"}},
					Transitions: []model.Transition{
						{ID: "t3a", Name: "Approve", TargetStepID: "s4",
							Condition: &model.Condition{Field: "outcome", Operator: model.OpEquals, Value: "Approve"}},
						{ID: "t3r", Name: "Reject", TargetStepID: "s2",
							Condition: &model.Condition{Field: "outcome", Operator: model.OpEquals, Value: "Reject"}},
					}},
			}},
			{ID: "planning", Name: "Planning", Order: 3, Steps: []model.Step{
				{ID: "s4", Name: "Draft Plan", Type: model.StepTypeTask,
					AssignedRoles: []string{"planner"},
					Transitions:   []model.Transition{{ID: "t4", Name: "Finalize", TargetStepID: "s5"}}},
			}},
			{ID: "closure", Name: "Closure", Order: 4, Steps: []model.Step{
				{ID: "s5", Name: "Notify Client", Type: model.StepTypeNotification,
					Transitions: []model.Transition{{ID: "t5", Name: "Sent", TargetStepID: "s6"}}},
				{ID: "s6", Name: "Close Case", Type: model.StepTypeTask,
					AssignedRoles: []string{"coordinator"}},
			}},
		},
	}
}

func (f *fixture) start(t *testing.T) model.WorkflowInstance {
	t.Helper()
	inst, err := f.runner.Start(context.Background(), asActor("carol"), f.defID, "", "client-1", map[string]any{"clientId": "client-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst
}

func (f *fixture) complete(t *testing.T, actor, instanceID, stepID, outcome string) Result {
	t.Helper()
	res, err := f.runner.CompleteStep(context.Background(), asActor(actor), instanceID, stepID, outcome, nil, "")
	if err != nil {
		t.Fatalf("CompleteStep(%s by %s): %v", stepID, actor, err)
	}
	return res
}

func TestStartEntersEntryStep(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	inst := f.start(t)

	if inst.CurrentStep != "s1" {
		t.Errorf("CurrentStep = %q, want s1", inst.CurrentStep)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Errorf("Status = %q, want running", inst.Status)
	}

	history, err := f.runner.History(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].StepID != "s1" || history[0].ExitedAt != nil {
		t.Errorf("history = %+v", history)
	}
}

func TestStartRejectsUnpublishedDefinition(t *testing.T) {
	defs := definition.NewService(definition.NewMemoryStore(), zap.NewNop())
	saved, err := defs.Save(context.Background(), assessmentDefinition())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	sched := scheduler.New(scheduler.NewMemoryTimerStore(), scheduler.RealClock(), time.Minute, zap.NewNop())
	r := New(defs, NewMemoryInstanceStore(), hook.NewRegistry(), testRoles, sched, 10, zap.NewNop())

	_, err = r.Start(context.Background(), asActor("carol"), saved.ID, "", "", nil)
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrConflict {
		t.Fatalf("want CONFLICT for draft definition, got %v", err)
	}
}

func TestApprovalOutcomeRouting(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	f.complete(t, "carol", inst.ID, "s1", "")
	f.complete(t, "adam", inst.ID, "s2", "")

	// Reject loops back to the assessment step.
	res := f.complete(t, "sonia", inst.ID, "s3", "Reject")
	if res.Instance.CurrentStep != "s2" {
		t.Fatalf("after Reject at s2? CurrentStep = %q", res.Instance.CurrentStep)
	}

	// Around again, this time approved: lands on planning.
	f.complete(t, "adam", inst.ID, "s2", "")
	res = f.complete(t, "sonia", inst.ID, "s3", "Approve")
	if res.Instance.CurrentStep != "s4" {
		t.Fatalf("after Approve CurrentStep = %q, want s4", res.Instance.CurrentStep)
	}

	history, err := f.runner.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// s1, s2, s3, s2, s3, s4.
	if len(history) != 6 {
		t.Fatalf("history length = %d, want 6: %+v", len(history), history)
	}
	if history[2].TransitionTaken != "t3r" || history[4].TransitionTaken != "t3a" {
		t.Errorf("transitions taken = %q, %q", history[2].TransitionTaken, history[4].TransitionTaken)
	}
}

func TestCompletionRunsToTerminal(t *testing.T) {
	f := newFixture(t, assessmentDefinition())

	inst := f.start(t)
	f.complete(t, "carol", inst.ID, "s1", "")
	f.complete(t, "adam", inst.ID, "s2", "")
	f.complete(t, "sonia", inst.ID, "s3", "Approve")

	// Completing s4 crosses the auto notification step s5 straight to s6.
	res := f.complete(t, "priya", inst.ID, "s4", "")
	if res.Instance.CurrentStep != "s6" {
		t.Fatalf("CurrentStep = %q, want s6 past the notification step", res.Instance.CurrentStep)
	}

	res = f.complete(t, "carol", inst.ID, "s6", "")
	if res.Instance.Status != model.InstanceStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Instance.Status)
	}
}

func TestUnauthorizedStepCompletion(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)

	// The assessor cannot complete the coordinator's intake step.
	_, err := f.runner.CompleteStep(ctx, asActor("adam"), inst.ID, "s1", "", nil, "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrUnauthorizedStepCompletion {
		t.Fatalf("want UNAUTHORIZED_STEP_COMPLETION, got %v", err)
	}

	// The step stays active and the right actor still completes it.
	got, _ := f.runner.Get(ctx, inst.ID)
	if got.CurrentStep != "s1" {
		t.Errorf("CurrentStep = %q after rejected completion", got.CurrentStep)
	}
	f.complete(t, "carol", inst.ID, "s1", "")
}

func TestEscalationWidensAuthority(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	f.complete(t, "carol", inst.ID, "s1", "")
	f.complete(t, "adam", inst.ID, "s2", "")

	// Pre-escalation the admin has no authority over s3.
	_, err := f.runner.CompleteStep(ctx, asActor("alice"), inst.ID, "s3", "Approve", nil, "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrUnauthorizedStepCompletion {
		t.Fatalf("want UNAUTHORIZED_STEP_COMPLETION before escalation, got %v", err)
	}

	applied, err := f.runner.Escalate(ctx, inst.ID, "s3")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if !applied {
		t.Error("first escalation of the activation should apply")
	}
	got, _ := f.runner.Get(ctx, inst.ID)
	if !got.Escalated {
		t.Error("instance should be marked escalated")
	}
	if got.CurrentStep != "s3" {
		t.Errorf("escalation must not advance the step, CurrentStep = %q", got.CurrentStep)
	}

	// Escalating the same activation again is a discarded no-op.
	applied, err = f.runner.Escalate(ctx, inst.ID, "s3")
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if applied {
		t.Error("repeat escalation of the same activation should not apply")
	}

	// Post-escalation the admin can complete.
	res := f.complete(t, "alice", inst.ID, "s3", "Approve")
	if res.Instance.CurrentStep != "s4" {
		t.Errorf("CurrentStep = %q, want s4", res.Instance.CurrentStep)
	}
	if res.Instance.Escalated {
		t.Error("escalated flag must reset on entering a new step")
	}
}

func TestEscalateAgainstExitedStepIsNoop(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	f.complete(t, "carol", inst.ID, "s1", "")

	// The timer for s1 fires late, after the step exited.
	applied, err := f.runner.Escalate(ctx, inst.ID, "s1")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if applied {
		t.Error("late firing should be discarded, not applied")
	}
	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Escalated {
		t.Error("late firing must not escalate the current step")
	}
}

func TestTimerLifecycle(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()
	farFuture := time.Now().Add(30 * 24 * time.Hour)

	inst := f.start(t)
	due, _ := f.timers.Due(ctx, farFuture)
	if len(due) != 0 {
		t.Fatalf("s1 has no timeout, yet timers exist: %v", due)
	}

	f.complete(t, "carol", inst.ID, "s1", "")
	f.complete(t, "adam", inst.ID, "s2", "")

	due, _ = f.timers.Due(ctx, farFuture)
	if len(due) != 1 || due[0].StepID != "s3" {
		t.Fatalf("entering s3 should schedule its timer, got %v", due)
	}

	f.complete(t, "sonia", inst.ID, "s3", "Approve")
	due, _ = f.timers.Due(ctx, farFuture)
	if len(due) != 0 {
		t.Fatalf("completing s3 should cancel its timer, got %v", due)
	}
}

func TestCancelAndAlreadyTerminalRace(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	res, err := f.runner.Cancel(ctx, asActor("carol"), inst.ID, "client withdrew")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Instance.Status != model.InstanceStatusCancelled || res.AlreadyTerminal {
		t.Fatalf("Cancel result = %+v", res)
	}

	// The losing side of a cancel/complete race observes terminal status
	// without an error.
	res, err = f.runner.CompleteStep(ctx, asActor("carol"), inst.ID, "s1", "", nil, "")
	if err != nil {
		t.Fatalf("CompleteStep after cancel: %v", err)
	}
	if !res.AlreadyTerminal {
		t.Error("expected AlreadyTerminal for completion of cancelled instance")
	}

	// Cancelling again is likewise non-error.
	res, err = f.runner.Cancel(ctx, asActor("carol"), inst.ID, "again")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !res.AlreadyTerminal {
		t.Error("expected AlreadyTerminal for repeat cancel")
	}
}

func TestWrongStepRejected(t *testing.T) {
	f := newFixture(t, assessmentDefinition())

	inst := f.start(t)
	_, err := f.runner.CompleteStep(context.Background(), asActor("adam"), inst.ID, "s2", "", nil, "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrStepNotActive {
		t.Fatalf("want STEP_NOT_ACTIVE, got %v", err)
	}
}

func TestNoMatchingTransitionFailsInstance(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	f.complete(t, "carol", inst.ID, "s1", "")
	f.complete(t, "adam", inst.ID, "s2", "")

	// s3 only routes Approve and Reject.
	_, err := f.runner.CompleteStep(ctx, asActor("sonia"), inst.ID, "s3", "Defer", nil, "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrNoMatchingTransition {
		t.Fatalf("want NO_MATCHING_TRANSITION, got %v", err)
	}

	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Status != model.InstanceStatusFailed || got.FailureReason != model.FailureNoMatchingTransition {
		t.Errorf("instance = %s/%s, want failed/NoMatchingTransition", got.Status, got.FailureReason)
	}
}

// integrationDefinition: s1 task -> s2 integration (test hook) -> s3 task terminal.
func integrationDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:        "Grant Disbursement",
		Description: "Integration workflow",
		Version:     "1.0",
		Phases: []model.Phase{
			{ID: "p1", Name: "Main", Order: 1, Steps: []model.Step{
				{ID: "s1", Name: "Prepare", Type: model.StepTypeTask,
					AssignedRoles: []string{"coordinator"},
					Transitions:   []model.Transition{{ID: "t1", Name: "Go", TargetStepID: "s2"}}},
				{ID: "s2", Name: "Disburse", Type: model.StepTypeIntegration,
					Operation:   &model.OperationBinding{Type: "test", ServiceID: "grants", OperationID: "disburse"},
					Transitions: []model.Transition{{ID: "t2", Name: "Done", TargetStepID: "s3"}}},
				{ID: "s3", Name: "Confirm", Type: model.StepTypeTask,
					AssignedRoles: []string{"coordinator"}},
			}},
		},
	}
}

func TestIntegrationHookResultMergesIntoContext(t *testing.T) {
	f := newFixture(t, integrationDefinition())
	f.hook.out = map[string]any{"paymentId": "pay-7"}
	ctx := context.Background()

	inst := f.start(t)
	res := f.complete(t, "carol", inst.ID, "s1", "")

	if f.hook.calls != 1 {
		t.Errorf("hook calls = %d, want 1", f.hook.calls)
	}
	if res.Instance.CurrentStep != "s3" {
		t.Errorf("CurrentStep = %q, want s3", res.Instance.CurrentStep)
	}
	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Context["paymentId"] != "pay-7" {
		t.Errorf("hook result not merged: %v", got.Context)
	}
}

func TestIntegrationHookFailureFailsInstance(t *testing.T) {
	f := newFixture(t, integrationDefinition())
	f.hook.err = errors.New("payment service unavailable")
	ctx := context.Background()

	inst := f.start(t)
	_, err := f.runner.CompleteStep(ctx, asActor("carol"), inst.ID, "s1", "", nil, "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrHookFailed {
		t.Fatalf("want HOOK_FAILED, got %v", err)
	}

	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Status != model.InstanceStatusFailed || got.FailureReason != model.FailureHookFailed {
		t.Errorf("instance = %s/%s, want failed/HookFailed", got.Status, got.FailureReason)
	}
}

// loopingDefinition: s0 task -> c1 <-> c2 unguarded condition loop.
func loopingDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:        "Looping",
		Description: "Unbounded automatic loop",
		Version:     "1.0",
		Phases: []model.Phase{
			{ID: "p1", Name: "Main", Order: 1, Steps: []model.Step{
				{ID: "s0", Name: "Kickoff", Type: model.StepTypeTask,
					AssignedRoles: []string{"coordinator"},
					Transitions:   []model.Transition{{ID: "t0", Name: "Go", TargetStepID: "c1"}}},
				{ID: "c1", Name: "Route A", Type: model.StepTypeCondition,
					Transitions: []model.Transition{{ID: "ta", Name: "On", TargetStepID: "c2"}}},
				{ID: "c2", Name: "Route B", Type: model.StepTypeCondition,
					Transitions: []model.Transition{{ID: "tb", Name: "Back", TargetStepID: "c1"}}},
			}},
		},
	}
}

func TestAutoChainLimitFailsInstance(t *testing.T) {
	f := newFixture(t, loopingDefinition())
	ctx := context.Background()

	inst := f.start(t)
	_, _ = f.runner.CompleteStep(ctx, asActor("carol"), inst.ID, "s0", "", nil, "")

	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Status != model.InstanceStatusFailed || got.FailureReason != model.FailureChainLimitExceeded {
		t.Errorf("instance = %s/%s, want failed/ChainLimitExceeded", got.Status, got.FailureReason)
	}
}

func TestSubmittedDataDrivesConditions(t *testing.T) {
	f := newFixture(t, assessmentDefinition())
	ctx := context.Background()

	inst := f.start(t)
	_, err := f.runner.CompleteStep(ctx, asActor("carol"), inst.ID, "s1", "",
		map[string]any{"urgency": "high"}, "wheelchair ramp needed")
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	got, _ := f.runner.Get(ctx, inst.ID)
	if got.Context["urgency"] != "high" {
		t.Errorf("submitted data not merged: %v", got.Context)
	}
	if got.Context["clientId"] != "client-1" {
		t.Errorf("initial context lost: %v", got.Context)
	}
}

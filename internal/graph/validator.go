// Package graph performs static validation of a workflow definition's
// transition graph. Every defect a runner would otherwise hit at runtime is
// caught here at publish time.
package graph

import (
	"fmt"
	"sort"

	"github.com/accessworks/adaptflow/model"
)

// Defect codes.
const (
	DefectDuplicateStepID        = "DUPLICATE_STEP_ID"
	DefectRefNotFound            = "REF_NOT_FOUND"
	DefectSelfLoop               = "SELF_LOOP"
	DefectAmbiguousEntryPoint    = "AMBIGUOUS_ENTRY_POINT"
	DefectEntryOutsideFirstPhase = "ENTRY_OUTSIDE_FIRST_PHASE"
	DefectDeadEndCondition       = "DEAD_END_CONDITION"
	DefectMissingRoles           = "MISSING_ROLES"
	DefectInvalidStepType        = "INVALID_STEP_TYPE"
	DefectInvalidOperator        = "INVALID_OPERATOR"
	DefectNoSteps                = "NO_STEPS"
)

// Defect is one validation finding. Path addresses the offending element in
// phase/step/transition terms.
type Defect struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Graph is the validated, indexed view of a definition. Built only after
// Validate returns no defects.
type Graph struct {
	Entry string
	steps map[string]*model.Step
}

// Step returns the indexed step for an ID, or nil.
func (g *Graph) Step(id string) *model.Step {
	return g.steps[id]
}

// Validate runs every check over the definition and collects all defects;
// it never stops at the first finding. Cycles through multiple steps are
// permitted (rejection loops are a feature), only direct self-loops are not.
func Validate(def *model.WorkflowDefinition) []Defect {
	var defects []Defect

	steps := def.Steps()
	if len(steps) == 0 {
		return []Defect{{Path: "phases", Code: DefectNoSteps, Message: "definition declares no steps"}}
	}

	index := map[string]*model.Step{}
	stepPhase := map[string]string{}
	for pi := range def.Phases {
		phase := &def.Phases[pi]
		for si := range phase.Steps {
			step := &phase.Steps[si]
			path := fmt.Sprintf("phases[%s].steps[%s]", phase.ID, step.ID)
			if _, dup := index[step.ID]; dup {
				defects = append(defects, Defect{
					Path:    path,
					Code:    DefectDuplicateStepID,
					Message: fmt.Sprintf("step id %q declared more than once", step.ID),
				})
				continue
			}
			index[step.ID] = step
			stepPhase[step.ID] = phase.ID

			if !model.ValidStepType(step.Type) {
				defects = append(defects, Defect{
					Path:    path + ".type",
					Code:    DefectInvalidStepType,
					Message: fmt.Sprintf("unknown step type %q", step.Type),
				})
			}
			if (step.Type == model.StepTypeTask || step.Type == model.StepTypeApproval) && len(step.AssignedRoles) == 0 {
				defects = append(defects, Defect{
					Path:    path + ".assignedRoles",
					Code:    DefectMissingRoles,
					Message: fmt.Sprintf("%s step %q has no assigned roles", step.Type, step.ID),
				})
			}
		}
	}

	incoming := map[string]int{}
	for pi := range def.Phases {
		phase := &def.Phases[pi]
		for si := range phase.Steps {
			step := &phase.Steps[si]
			for ti := range step.Transitions {
				tr := &step.Transitions[ti]
				path := fmt.Sprintf("phases[%s].steps[%s].transitions[%s]", phase.ID, step.ID, tr.ID)

				if _, ok := index[tr.TargetStepID]; !ok {
					defects = append(defects, Defect{
						Path:    path + ".targetStepId",
						Code:    DefectRefNotFound,
						Message: fmt.Sprintf("transition targets unknown step %q", tr.TargetStepID),
					})
				} else {
					incoming[tr.TargetStepID]++
				}
				if tr.TargetStepID == step.ID {
					defects = append(defects, Defect{
						Path:    path,
						Code:    DefectSelfLoop,
						Message: fmt.Sprintf("step %q transitions directly to itself", step.ID),
					})
				}
				defects = append(defects, validateConditionChain(tr.Condition, path+".condition")...)
			}

			// A condition step exists only to route; with zero outgoing
			// transitions it silently swallows the instance.
			if step.Type == model.StepTypeCondition && len(step.Transitions) == 0 {
				defects = append(defects, Defect{
					Path:    fmt.Sprintf("phases[%s].steps[%s].transitions", phase.ID, step.ID),
					Code:    DefectDeadEndCondition,
					Message: fmt.Sprintf("condition step %q has no outgoing transitions", step.ID),
				})
			}
		}
	}

	// Entry step: exactly one step with no incoming transition.
	var entries []string
	for _, s := range steps {
		if incoming[s.ID] == 0 {
			entries = append(entries, s.ID)
		}
	}
	sort.Strings(entries)
	switch len(entries) {
	case 1:
		if first := firstPhase(def); first != "" && stepPhase[entries[0]] != first {
			defects = append(defects, Defect{
				Path:    fmt.Sprintf("phases[%s].steps[%s]", stepPhase[entries[0]], entries[0]),
				Code:    DefectEntryOutsideFirstPhase,
				Message: fmt.Sprintf("entry step %q is not in the lowest-order phase %q", entries[0], first),
			})
		}
	default:
		defects = append(defects, Defect{
			Path:    "phases",
			Code:    DefectAmbiguousEntryPoint,
			Message: fmt.Sprintf("expected exactly one step with no incoming transitions, found %d %v", len(entries), entries),
		})
	}

	return defects
}

// Build indexes a definition that already passed Validate. It returns an
// error when called on an unvalidated, defective definition.
func Build(def *model.WorkflowDefinition) (*Graph, error) {
	if defects := Validate(def); len(defects) > 0 {
		return nil, fmt.Errorf("graph: definition %s has %d validation defects", def.ID, len(defects))
	}

	g := &Graph{steps: map[string]*model.Step{}}
	incoming := map[string]bool{}
	for _, s := range def.Steps() {
		for _, tr := range s.Transitions {
			incoming[tr.TargetStepID] = true
		}
	}
	for pi := range def.Phases {
		for si := range def.Phases[pi].Steps {
			step := &def.Phases[pi].Steps[si]
			g.steps[step.ID] = step
			if !incoming[step.ID] {
				g.Entry = step.ID
			}
		}
	}
	return g, nil
}

func validateConditionChain(cond *model.Condition, path string) []Defect {
	var defects []Defect
	for i := 0; cond != nil; i, cond = i+1, cond.Next {
		if !model.ValidOperator(cond.Operator) {
			defects = append(defects, Defect{
				Path:    fmt.Sprintf("%s[%d].operator", path, i),
				Code:    DefectInvalidOperator,
				Message: fmt.Sprintf("unknown condition operator %q", cond.Operator),
			})
		}
	}
	return defects
}

func firstPhase(def *model.WorkflowDefinition) string {
	if len(def.Phases) == 0 {
		return ""
	}
	first := def.Phases[0]
	for _, p := range def.Phases[1:] {
		if p.Order < first.Order {
			first = p
		}
	}
	return first.ID
}

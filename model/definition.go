// Package model contains the plain data types shared by every layer of the
// engine: workflow definitions, running instances, request identity, and the
// error envelope.
package model

import "time"

// Definition lifecycle status constants.
const (
	DefinitionStatusDraft     = "draft"
	DefinitionStatusPublished = "published"
	DefinitionStatusArchived  = "archived"
)

// Step type constants.
const (
	StepTypeTask         = "task"
	StepTypeApproval     = "approval"
	StepTypeNotification = "notification"
	StepTypeCondition    = "condition"
	StepTypeIntegration  = "integration"
)

// Condition operator constants.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpContains    = "contains"
	OpNotContains = "notContains"
)

// Condition connective constants.
const (
	ConnectiveAnd = "and"
	ConnectiveOr  = "or"
)

// WorkflowDefinition is a versioned, author-edited workflow graph. Once
// published the phase/step/transition graph is immutable; edits require a new
// definition record carrying a new version string.
type WorkflowDefinition struct {
	ID          string    `yaml:"id"          json:"id"`
	Name        string    `yaml:"name"        json:"name"`
	Description string    `yaml:"description" json:"description"`
	Version     string    `yaml:"version"     json:"version"`
	ClientType  string    `yaml:"client_type" json:"clientType,omitempty"`
	Status      string    `yaml:"status"      json:"status"`
	Phases      []Phase   `yaml:"phases"      json:"phases"`
	CreatedAt   time.Time `yaml:"-"           json:"createdAt"`
	UpdatedAt   time.Time `yaml:"-"           json:"updatedAt"`

	// Checksum and SourceFile are set by the seed loader; not part of the
	// wire document.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// Phase groups steps for display and logical ordering. It is not itself a
// state-machine node.
type Phase struct {
	ID          string `yaml:"id"          json:"id"`
	Name        string `yaml:"name"        json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Order       int    `yaml:"order"       json:"order"`
	Steps       []Step `yaml:"steps"       json:"steps"`
}

// Step is a unit of work within a definition; the fine-grained state-machine
// node. A step with zero outgoing transitions is terminal.
type Step struct {
	ID            string            `yaml:"id"             json:"id"`
	Name          string            `yaml:"name"           json:"name"`
	Description   string            `yaml:"description"    json:"description,omitempty"`
	Type          string            `yaml:"type"           json:"type"`
	AssignedRoles []string          `yaml:"assigned_roles" json:"assignedRoles,omitempty"`
	Form          *FormBinding      `yaml:"form"           json:"form,omitempty"`
	Timeout       *TimeoutPolicy    `yaml:"timeout"        json:"timeout,omitempty"`
	Operation     *OperationBinding `yaml:"operation"      json:"operation,omitempty"`
	Transitions   []Transition      `yaml:"transitions"    json:"transitions"`
}

// FormBinding attaches an input form to a step. Presence of the binding, not
// an empty string, signals "this step collects a form".
type FormBinding struct {
	FormID string `yaml:"form_id" json:"formId"`
}

// TimeoutPolicy declares a step deadline and the roles whose completion
// authority is added when the deadline passes without completion.
type TimeoutPolicy struct {
	Minutes         int      `yaml:"minutes"          json:"minutes"`
	EscalationRoles []string `yaml:"escalation_roles" json:"escalationRoles,omitempty"`
}

// Duration returns the timeout as a time.Duration.
func (p *TimeoutPolicy) Duration() time.Duration {
	return time.Duration(p.Minutes) * time.Minute
}

// OperationBinding names the external operation an integration or
// notification step invokes.
type OperationBinding struct {
	Type        string `yaml:"type"         json:"type"`
	ServiceID   string `yaml:"service_id"   json:"serviceId,omitempty"`
	OperationID string `yaml:"operation_id" json:"operationId,omitempty"`
	Handler     string `yaml:"handler"      json:"handler,omitempty"`
}

// Transition is a directed, optionally guarded edge between steps.
type Transition struct {
	ID           string     `yaml:"id"             json:"id"`
	Name         string     `yaml:"name"           json:"name"`
	TargetStepID string     `yaml:"target_step_id" json:"targetStepId"`
	Condition    *Condition `yaml:"condition"      json:"condition,omitempty"`
}

// Condition is one node of a singly linked predicate chain, evaluated
// left-to-right with short-circuiting per the declared connective. The chain
// representation is deliberate: it fixes a single evaluation order and avoids
// the operator-precedence ambiguity a tree would introduce.
type Condition struct {
	Field      string     `yaml:"field"      json:"field"`
	Operator   string     `yaml:"operator"   json:"operator"`
	Value      any        `yaml:"value"      json:"value"`
	Connective string     `yaml:"connective" json:"connective,omitempty"`
	Next       *Condition `yaml:"next"       json:"next,omitempty"`
}

// IsTerminal reports whether the step has no outgoing transitions.
func (s *Step) IsTerminal() bool {
	return len(s.Transitions) == 0
}

// IsAuto reports whether the step completes itself on activation rather than
// waiting for a human actor.
func (s *Step) IsAuto() bool {
	switch s.Type {
	case StepTypeNotification, StepTypeCondition, StepTypeIntegration:
		return true
	}
	return false
}

// FindStep returns the step with the given ID, searching all phases.
func (d *WorkflowDefinition) FindStep(stepID string) *Step {
	for pi := range d.Phases {
		for si := range d.Phases[pi].Steps {
			if d.Phases[pi].Steps[si].ID == stepID {
				return &d.Phases[pi].Steps[si]
			}
		}
	}
	return nil
}

// Steps returns all steps of the definition in phase order.
func (d *WorkflowDefinition) Steps() []Step {
	var steps []Step
	for _, p := range d.Phases {
		steps = append(steps, p.Steps...)
	}
	return steps
}

// ValidOperator reports whether op is a recognized condition operator.
func ValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpNotContains:
		return true
	}
	return false
}

// ValidStepType reports whether t is a recognized step type.
func ValidStepType(t string) bool {
	switch t {
	case StepTypeTask, StepTypeApproval, StepTypeNotification, StepTypeCondition, StepTypeIntegration:
		return true
	}
	return false
}

package model

import "time"

// Instance status constants.
const (
	InstanceStatusRunning   = "running"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
	InstanceStatusFailed    = "failed"
)

// Instance failure reasons recorded when status flips to failed.
const (
	FailureNoMatchingTransition = "NoMatchingTransition"
	FailureHookFailed           = "HookFailed"
	FailureChainLimitExceeded   = "ChainLimitExceeded"
)

// WorkflowInstance is one running execution of a definition against a
// specific business entity. Instances are never deleted; terminal statuses
// are kept for audit retention.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion string         `json:"definition_version"`
	EntityID          string         `json:"entity_id,omitempty"`
	CurrentStep       string         `json:"current_step"`
	Status            string         `json:"status"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	Context           map[string]any `json:"context,omitempty"`

	// Escalated marks the current step activation as already escalated.
	// Reset whenever a new step is entered; a step activation escalates at
	// most once.
	Escalated bool `json:"escalated,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-locking counter maintained by the store.
	Version int `json:"version"`
}

// Terminal reports whether the instance has reached a final status.
func (i *WorkflowInstance) Terminal() bool {
	return i.Status != InstanceStatusRunning
}

// Instance event names recorded in the audit trail.
const (
	EventStepEntered       = "step_entered"
	EventStepCompleted     = "step_completed"
	EventStepEscalated     = "step_escalated"
	EventInstanceCompleted = "instance_completed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceFailed    = "instance_failed"
)

// InstanceEvent is one append-only entry in an instance's audit trail.
type InstanceEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// HistoryEntry is one step activation composed from the event trail:
// when the step was entered, when and how it was exited.
type HistoryEntry struct {
	StepID          string     `json:"step_id"`
	EnteredAt       time.Time  `json:"entered_at"`
	ExitedAt        *time.Time `json:"exited_at,omitempty"`
	TransitionTaken string     `json:"transition_taken,omitempty"`
	ActorID         string     `json:"actor_id,omitempty"`
	Escalated       bool       `json:"escalated,omitempty"`
}

// InstanceDetail is the full view of an instance returned by the engine:
// the instance record plus its composed step history.
type InstanceDetail struct {
	Instance WorkflowInstance `json:"instance"`
	History  []HistoryEntry   `json:"history"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	DefinitionID string
	Status       string
	EntityID     string
	Limit        int
	Offset       int
}

// EscalationTimer tracks the deadline for one (instance, step) activation.
// Owned by the scheduler; at most one active timer per pair.
type EscalationTimer struct {
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	DueAt      time.Time `json:"due_at"`
	Escalated  bool      `json:"escalated"`
}

// Package runner executes workflow instances: it owns the instance state
// machine, per-instance mutual exclusion, transition selection, step
// authorization, and escalation handling.
package runner

import (
	"context"

	"github.com/accessworks/adaptflow/model"
)

// InstanceStore persists workflow instances and their append-only event
// trail.
type InstanceStore interface {
	// Create persists a new instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves an instance by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking. The
	// version must match the stored version; CONFLICT otherwise.
	Update(ctx context.Context, instance model.WorkflowInstance) error

	// AppendEvent adds an event to the instance's audit trail.
	AppendEvent(ctx context.Context, event model.InstanceEvent) error

	// GetEvents retrieves all events for an instance in timestamp order.
	GetEvents(ctx context.Context, instanceID string) ([]model.InstanceEvent, error)

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)
}

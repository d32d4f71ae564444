// Package definition manages the lifecycle of versioned workflow definitions:
// draft authoring, publish-time graph validation, archival, JSON
// import/export, and YAML seed loading.
package definition

import (
	"context"

	"github.com/accessworks/adaptflow/model"
)

// Store persists workflow definitions keyed by (id, version). Lifecycle rules
// (immutability after publish, validation) live in Service; stores are plain
// persistence.
type Store interface {
	// Put inserts or replaces the record for (def.ID, def.Version).
	Put(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves one definition version. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id, version string) (model.WorkflowDefinition, error)

	// Latest returns the most recently created non-archived version of a
	// definition. Returns NOT_FOUND if no non-archived version exists.
	Latest(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// Versions returns all versions of a definition, newest first.
	Versions(ctx context.Context, id string) ([]model.WorkflowDefinition, error)

	// List returns definitions matching the filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error)
}

// Filters are optional filters for listing definitions.
type Filters struct {
	Status     string
	ClientType string
	Limit      int
	Offset     int
}

package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/accessworks/adaptflow/model"
)

type versionKey struct {
	id      string
	version string
}

// MemoryStore is an in-memory Store for testing and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[versionKey]model.WorkflowDefinition
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[versionKey]model.WorkflowDefinition)}
}

// Put inserts or replaces the record for (def.ID, def.Version).
func (s *MemoryStore) Put(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs[versionKey{def.ID, def.Version}] = def
	return nil
}

// Get retrieves one definition version.
func (s *MemoryStore) Get(_ context.Context, id, version string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[versionKey{id, version}]
	if !exists {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("definition %q version %q not found", id, version),
		)
	}
	return def, nil
}

// Latest returns the most recently created non-archived version.
func (s *MemoryStore) Latest(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.WorkflowDefinition
	for key, def := range s.defs {
		if key.id != id || def.Status == model.DefinitionStatusArchived {
			continue
		}
		if latest == nil || def.CreatedAt.After(latest.CreatedAt) {
			d := def
			latest = &d
		}
	}
	if latest == nil {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("definition %q not found", id),
		)
	}
	return *latest, nil
}

// Versions returns all versions of a definition, newest first.
func (s *MemoryStore) Versions(_ context.Context, id string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []model.WorkflowDefinition
	for key, def := range s.defs {
		if key.id == id {
			versions = append(versions, def)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// List returns definitions matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []model.WorkflowDefinition
	for _, def := range s.defs {
		if filters.Status != "" && def.Status != filters.Status {
			continue
		}
		if filters.ClientType != "" && def.ClientType != filters.ClientType {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(defs) {
			return nil, nil
		}
		defs = defs[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(defs) {
		defs = defs[:filters.Limit]
	}
	return defs, nil
}

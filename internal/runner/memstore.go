package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/accessworks/adaptflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-node deployments.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
	events    map[string][]model.InstanceEvent
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.InstanceEvent),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = inst
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// AppendEvent adds an event to the instance's audit trail.
func (s *MemoryInstanceStore) AppendEvent(_ context.Context, event model.InstanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// GetEvents retrieves all events for an instance in timestamp order.
func (s *MemoryInstanceStore) GetEvents(_ context.Context, instanceID string) ([]model.InstanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}

	events := make([]model.InstanceEvent, len(s.events[instanceID]))
	copy(events, s.events[instanceID])
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// List returns instances matching the filters, newest first.
func (s *MemoryInstanceStore) List(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var instances []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.EntityID != "" && inst.EntityID != filters.EntityID {
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(instances) {
			return nil, nil
		}
		instances = instances[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(instances) {
		instances = instances[:filters.Limit]
	}
	return instances, nil
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accessworks/adaptflow/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Create persists a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal instance context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, definition_version, entity_id,
			current_step, status, failure_reason, context, escalated,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12
		)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityID,
		inst.CurrentStep, inst.Status, inst.FailureReason, contextJSON, inst.Escalated,
		inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var contextJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, definition_id, definition_version, entity_id,
		       current_step, status, failure_reason, context, escalated,
		       version, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	).Scan(
		&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.EntityID,
		&inst.CurrentStep, &inst.Status, &inst.FailureReason, &contextJSON, &inst.Escalated,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query instance: %w", err)
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal instance context: %w", err)
		}
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal instance context: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			status = $2,
			failure_reason = $3,
			context = $4,
			escalated = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		inst.CurrentStep, inst.Status, inst.FailureReason, contextJSON, inst.Escalated,
		inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the instance's audit trail.
func (s *PgInstanceStore) AppendEvent(ctx context.Context, event model.InstanceEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO instance_events (
			id, instance_id, step_id, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.InstanceID, event.StepID, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert instance event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an instance in timestamp order.
func (s *PgInstanceStore) GetEvents(ctx context.Context, instanceID string) ([]model.InstanceEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, step_id, event, actor_id, data, comment, created_at
		FROM instance_events
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query instance events: %w", err)
	}
	defer rows.Close()

	var events []model.InstanceEvent
	for rows.Next() {
		var evt model.InstanceEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.StepID, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan instance event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns instances matching the filters, newest first.
func (s *PgInstanceStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT id, definition_id, definition_version, entity_id,
	                 current_step, status, failure_reason, context, escalated,
	                 version, created_at, updated_at
	          FROM workflow_instances
	          WHERE 1=1`
	var args []any
	argIdx := 1

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filters.EntityID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var contextJSON []byte
		if err := rows.Scan(
			&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.EntityID,
			&inst.CurrentStep, &inst.Status, &inst.FailureReason, &contextJSON, &inst.Escalated,
			&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if contextJSON != nil {
			_ = json.Unmarshal(contextJSON, &inst.Context)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

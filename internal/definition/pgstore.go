package definition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accessworks/adaptflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The full definition
// document is stored as a JSONB column; indexed columns cover lookup and
// listing.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Put inserts or replaces the record for (def.ID, def.Version).
func (s *PgStore) Put(ctx context.Context, def model.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, version, name, client_type, status, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, version) DO UPDATE SET
			name = EXCLUDED.name,
			client_type = EXCLUDED.client_type,
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.Version, def.Name, def.ClientType, def.Status,
		doc, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}
	return nil
}

// Get retrieves one definition version.
func (s *PgStore) Get(ctx context.Context, id, version string) (model.WorkflowDefinition, error) {
	return s.queryOne(ctx, `
		SELECT document FROM workflow_definitions
		WHERE id = $1 AND version = $2`,
		fmt.Sprintf("definition %q version %q not found", id, version),
		id, version,
	)
}

// Latest returns the most recently created non-archived version.
func (s *PgStore) Latest(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	return s.queryOne(ctx, `
		SELECT document FROM workflow_definitions
		WHERE id = $1 AND status != 'archived'
		ORDER BY created_at DESC
		LIMIT 1`,
		fmt.Sprintf("definition %q not found", id),
		id,
	)
}

// Versions returns all versions of a definition, newest first.
func (s *PgStore) Versions(ctx context.Context, id string) ([]model.WorkflowDefinition, error) {
	return s.queryMany(ctx, `
		SELECT document FROM workflow_definitions
		WHERE id = $1
		ORDER BY created_at DESC`,
		id,
	)
}

// List returns definitions matching the filters, newest first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	query := `SELECT document FROM workflow_definitions WHERE 1=1`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.ClientType != "" {
		query += fmt.Sprintf(" AND client_type = $%d", argIdx)
		args = append(args, filters.ClientType)
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

	return s.queryMany(ctx, query, args...)
}

func (s *PgStore) queryOne(ctx context.Context, query, notFoundMsg string, args ...any) (model.WorkflowDefinition, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if err == pgx.ErrNoRows {
		return model.WorkflowDefinition{}, model.NewNotFoundError(notFoundMsg)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query definition: %w", err)
	}

	var def model.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *PgStore) queryMany(ctx context.Context, query string, args ...any) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def model.WorkflowDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

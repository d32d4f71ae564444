package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/graph"
	"github.com/accessworks/adaptflow/model"
)

// Service enforces definition lifecycle rules over a Store: drafts are
// editable, published definitions are immutable, archival is idempotent, and
// publishing runs full graph validation.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a definition Service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Save creates a new draft or updates an existing one. Editing a published or
// archived version is rejected with IMMUTABLE_DEFINITION; authors must save
// under a new version string instead.
func (s *Service) Save(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	var details []model.FieldError
	if def.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Version == "" {
		details = append(details, model.FieldError{Field: "version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(details) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(details)
	}

	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = uuid.NewString()
		def.CreatedAt = now
	} else if existing, err := s.store.Get(ctx, def.ID, def.Version); err == nil {
		if existing.Status != model.DefinitionStatusDraft {
			return model.WorkflowDefinition{}, model.NewImmutableDefinitionError(
				fmt.Sprintf("definition %q version %q is %s and cannot be edited; save under a new version", def.ID, def.Version, existing.Status),
			)
		}
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}

	def.Status = model.DefinitionStatusDraft
	def.UpdatedAt = now

	if err := s.store.Put(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	s.logger.Info("definition draft saved",
		zap.String("definition_id", def.ID),
		zap.String("version", def.Version),
	)
	return def, nil
}

// Publish validates the draft's transition graph and flips it to published.
// A defective graph is rejected with INVALID_DEFINITION carrying the full
// defect list. Publishing an already-published version is a no-op.
func (s *Service) Publish(ctx context.Context, id, version string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, id, version)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	switch def.Status {
	case model.DefinitionStatusPublished:
		return def, nil
	case model.DefinitionStatusArchived:
		return model.WorkflowDefinition{}, model.NewDefinitionArchivedError(
			fmt.Sprintf("definition %q version %q is archived", id, version),
		)
	}

	if defects := graph.Validate(&def); len(defects) > 0 {
		details := make([]model.FieldError, 0, len(defects))
		for _, d := range defects {
			details = append(details, model.FieldError{Field: d.Path, Code: d.Code, Message: d.Message})
		}
		s.logger.Warn("definition failed publish validation",
			zap.String("definition_id", id),
			zap.String("version", version),
			zap.Int("defects", len(defects)),
		)
		return model.WorkflowDefinition{}, model.NewInvalidDefinitionError(details)
	}

	def.Status = model.DefinitionStatusPublished
	def.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	s.logger.Info("definition published",
		zap.String("definition_id", id),
		zap.String("version", version),
	)
	return def, nil
}

// Archive flips every version of a definition to archived. Idempotent;
// archiving an already-archived definition succeeds silently.
func (s *Service) Archive(ctx context.Context, id string) error {
	versions, err := s.store.Versions(ctx, id)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}

	now := time.Now().UTC()
	for _, def := range versions {
		if def.Status == model.DefinitionStatusArchived {
			continue
		}
		def.Status = model.DefinitionStatusArchived
		def.UpdatedAt = now
		if err := s.store.Put(ctx, def); err != nil {
			return err
		}
	}

	s.logger.Info("definition archived", zap.String("definition_id", id))
	return nil
}

// Get retrieves a definition version; an empty version selects the latest
// non-archived one.
func (s *Service) Get(ctx context.Context, id, version string) (model.WorkflowDefinition, error) {
	if version == "" {
		return s.store.Latest(ctx, id)
	}
	return s.store.Get(ctx, id, version)
}

// List returns definitions matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	return s.store.List(ctx, filters)
}

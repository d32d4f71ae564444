package definition

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/model"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), zap.NewNop())
}

// validDraft builds a minimal definition that passes graph validation:
// intake -> review (terminal).
func validDraft(version string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:        "Home Assessment",
		Description: "Assessment workflow",
		Version:     version,
		ClientType:  "homeowner",
		Phases: []model.Phase{
			{
				ID: "p1", Name: "Intake", Order: 1,
				Steps: []model.Step{
					{
						ID: "intake", Name: "Intake", Type: model.StepTypeTask,
						AssignedRoles: []string{"coordinator"},
						Transitions: []model.Transition{
							{ID: "t1", Name: "Submit", TargetStepID: "review"},
						},
					},
					{
						ID: "review", Name: "Review", Type: model.StepTypeApproval,
						AssignedRoles: []string{"supervisor"},
					},
				},
			},
		},
	}
}

func TestSaveAssignsIDAndForcesDraft(t *testing.T) {
	svc := newTestService()

	def := validDraft("1.0")
	def.Status = model.DefinitionStatusPublished // callers cannot smuggle a status

	saved, err := svc.Save(context.Background(), def)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" {
		t.Error("Save should assign an id")
	}
	if saved.Status != model.DefinitionStatusDraft {
		t.Errorf("Status = %q, want draft", saved.Status)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Error("Save should set timestamps")
	}
}

func TestSaveRequiresNameAndVersion(t *testing.T) {
	svc := newTestService()

	_, err := svc.Save(context.Background(), model.WorkflowDefinition{Description: "x"})
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrValidationError {
		t.Fatalf("want VALIDATION_ERROR, got %v", err)
	}
	if len(envelope.Details) != 2 {
		t.Errorf("want 2 field errors, got %v", envelope.Details)
	}
}

func TestSaveRejectsEditOfPublishedVersion(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	saved, err := svc.Save(ctx, validDraft("1.0"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := svc.Publish(ctx, saved.ID, saved.Version); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	saved.Name = "Renamed"
	_, err = svc.Save(ctx, saved)
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrImmutableDefinition {
		t.Fatalf("want IMMUTABLE_DEFINITION, got %v", err)
	}

	// Same id under a new version string is the sanctioned edit path.
	next := validDraft("2.0")
	next.ID = saved.ID
	if _, err := svc.Save(ctx, next); err != nil {
		t.Fatalf("Save new version: %v", err)
	}
}

func TestPublishRejectsDefectiveGraph(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	def := validDraft("1.0")
	def.Phases[0].Steps[0].Transitions[0].TargetStepID = "missing"
	saved, err := svc.Save(ctx, def)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = svc.Publish(ctx, saved.ID, saved.Version)
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrInvalidDefinition {
		t.Fatalf("want INVALID_DEFINITION, got %v", err)
	}
	if len(envelope.Details) == 0 {
		t.Error("defect list should be carried in the error details")
	}

	// The draft must remain untouched: publish is all-or-nothing.
	got, err := svc.Get(ctx, saved.ID, saved.Version)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.DefinitionStatusDraft {
		t.Errorf("Status after failed publish = %q, want draft", got.Status)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	saved, _ := svc.Save(ctx, validDraft("1.0"))
	if _, err := svc.Publish(ctx, saved.ID, saved.Version); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if _, err := svc.Publish(ctx, saved.ID, saved.Version); err != nil {
		t.Fatalf("second Publish should be a no-op, got %v", err)
	}
}

func TestArchiveAllVersionsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	v1, _ := svc.Save(ctx, validDraft("1.0"))
	v2 := validDraft("2.0")
	v2.ID = v1.ID
	if _, err := svc.Save(ctx, v2); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	if err := svc.Archive(ctx, v1.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := svc.Archive(ctx, v1.ID); err != nil {
		t.Fatalf("Archive twice should be idempotent, got %v", err)
	}

	for _, version := range []string{"1.0", "2.0"} {
		got, err := svc.Get(ctx, v1.ID, version)
		if err != nil {
			t.Fatalf("Get %s: %v", version, err)
		}
		if got.Status != model.DefinitionStatusArchived {
			t.Errorf("version %s status = %q, want archived", version, got.Status)
		}
	}

	// Publishing an archived version is rejected.
	_, err := svc.Publish(ctx, v1.ID, "1.0")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrDefinitionArchived {
		t.Fatalf("want DEFINITION_ARCHIVED, got %v", err)
	}
}

func TestGetEmptyVersionReturnsLatestNonArchived(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	v1, _ := svc.Save(ctx, validDraft("1.0"))
	v2 := validDraft("2.0")
	v2.ID = v1.ID
	if _, err := svc.Save(ctx, v2); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	got, err := svc.Get(ctx, v1.ID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != "2.0" {
		t.Errorf("latest version = %q, want 2.0", got.Version)
	}
}

func TestGetUnknownDefinition(t *testing.T) {
	svc := newTestService()
	_, err := svc.Get(context.Background(), "nope", "")
	envelope, ok := err.(*model.ErrorEnvelope)
	if !ok || envelope.Code != model.ErrNotFound {
		t.Fatalf("want NOT_FOUND, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	a, _ := svc.Save(ctx, validDraft("1.0"))
	other := validDraft("1.0")
	other.Name = "Vehicle Adaptation"
	other.ClientType = "veteran"
	if _, err := svc.Save(ctx, other); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := svc.Publish(ctx, a.ID, a.Version); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published, err := svc.List(ctx, Filters{Status: model.DefinitionStatusPublished})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(published) != 1 || published[0].ID != a.ID {
		t.Errorf("List(published) = %v", published)
	}

	veterans, err := svc.List(ctx, Filters{ClientType: "veteran"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(veterans) != 1 || veterans[0].Name != "Vehicle Adaptation" {
		t.Errorf("List(veteran) = %v", veterans)
	}
}

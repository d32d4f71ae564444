package definition

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/model"
)

// Wire document types for definition import/export. Steps carry flattened
// formId/timeoutMinutes/escalationRoles fields rather than the internal
// nested bindings. Field order is fixed so Export is byte-stable.
type wireDefinition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	ClientType  string      `json:"clientType,omitempty"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Phases      []wirePhase `json:"phases"`
}

type wirePhase struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Order       int        `json:"order"`
	Steps       []wireStep `json:"steps"`
}

type wireStep struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Type            string           `json:"type"`
	AssignedRoles   []string         `json:"assignedRoles,omitempty"`
	FormID          string           `json:"formId,omitempty"`
	TimeoutMinutes  int              `json:"timeoutMinutes,omitempty"`
	EscalationRoles []string         `json:"escalationRoles,omitempty"`
	Operation       *wireOperation   `json:"operation,omitempty"`
	Transitions     []wireTransition `json:"transitions"`
}

type wireOperation struct {
	Type        string `json:"type"`
	ServiceID   string `json:"serviceId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
	Handler     string `json:"handler,omitempty"`
}

type wireTransition struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	TargetStepID string           `json:"targetStepId"`
	Condition    *model.Condition `json:"condition,omitempty"`
}

// Import parses a JSON definition document into a new draft. The imported
// graph is never trusted as pre-published: the draft gets a fresh id, reset
// timestamps, and status draft regardless of what the document claims.
// Documents missing name, description, or version are rejected.
func (s *Service) Import(ctx context.Context, data []byte) (model.WorkflowDefinition, error) {
	var doc wireDefinition
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.WorkflowDefinition{}, model.NewBadRequestError("definition document is not valid JSON: " + err.Error())
	}

	var details []model.FieldError
	if doc.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if doc.Description == "" {
		details = append(details, model.FieldError{Field: "description", Code: "REQUIRED", Message: "description is required"})
	}
	if doc.Version == "" {
		details = append(details, model.FieldError{Field: "version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(details) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(details)
	}

	now := time.Now().UTC()
	def := fromWire(doc)
	def.ID = uuid.NewString()
	def.Status = model.DefinitionStatusDraft
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.store.Put(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	s.logger.Info("definition imported",
		zap.String("definition_id", def.ID),
		zap.String("version", def.Version),
	)
	return def, nil
}

// Export renders a definition version as its JSON wire document. The output
// is byte-stable for a given definition so operators can diff exports.
func (s *Service) Export(ctx context.Context, id, version string) ([]byte, error) {
	def, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(toWire(def), "", "  ")
}

func fromWire(doc wireDefinition) model.WorkflowDefinition {
	def := model.WorkflowDefinition{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		ClientType:  doc.ClientType,
		Status:      doc.Status,
	}
	for _, wp := range doc.Phases {
		phase := model.Phase{
			ID:          wp.ID,
			Name:        wp.Name,
			Description: wp.Description,
			Order:       wp.Order,
		}
		for _, ws := range wp.Steps {
			step := model.Step{
				ID:            ws.ID,
				Name:          ws.Name,
				Description:   ws.Description,
				Type:          ws.Type,
				AssignedRoles: ws.AssignedRoles,
			}
			if ws.FormID != "" {
				step.Form = &model.FormBinding{FormID: ws.FormID}
			}
			if ws.TimeoutMinutes > 0 {
				step.Timeout = &model.TimeoutPolicy{
					Minutes:         ws.TimeoutMinutes,
					EscalationRoles: ws.EscalationRoles,
				}
			}
			if ws.Operation != nil {
				step.Operation = &model.OperationBinding{
					Type:        ws.Operation.Type,
					ServiceID:   ws.Operation.ServiceID,
					OperationID: ws.Operation.OperationID,
					Handler:     ws.Operation.Handler,
				}
			}
			for _, wt := range ws.Transitions {
				step.Transitions = append(step.Transitions, model.Transition{
					ID:           wt.ID,
					Name:         wt.Name,
					TargetStepID: wt.TargetStepID,
					Condition:    wt.Condition,
				})
			}
			phase.Steps = append(phase.Steps, step)
		}
		def.Phases = append(def.Phases, phase)
	}
	return def
}

func toWire(def model.WorkflowDefinition) wireDefinition {
	doc := wireDefinition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		ClientType:  def.ClientType,
		Status:      def.Status,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}
	for _, p := range def.Phases {
		wp := wirePhase{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Order:       p.Order,
		}
		for _, s := range p.Steps {
			ws := wireStep{
				ID:            s.ID,
				Name:          s.Name,
				Description:   s.Description,
				Type:          s.Type,
				AssignedRoles: s.AssignedRoles,
			}
			if s.Form != nil {
				ws.FormID = s.Form.FormID
			}
			if s.Timeout != nil {
				ws.TimeoutMinutes = s.Timeout.Minutes
				ws.EscalationRoles = s.Timeout.EscalationRoles
			}
			if s.Operation != nil {
				ws.Operation = &wireOperation{
					Type:        s.Operation.Type,
					ServiceID:   s.Operation.ServiceID,
					OperationID: s.Operation.OperationID,
					Handler:     s.Operation.Handler,
				}
			}
			for _, t := range s.Transitions {
				ws.Transitions = append(ws.Transitions, wireTransition{
					ID:           t.ID,
					Name:         t.Name,
					TargetStepID: t.TargetStepID,
					Condition:    t.Condition,
				})
			}
			wp.Steps = append(wp.Steps, ws)
		}
		doc.Phases = append(doc.Phases, wp)
	}
	return doc
}

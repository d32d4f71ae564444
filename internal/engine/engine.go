// Package engine composes the definition service, instance runner, and
// escalation scheduler into the single facade the transport layer talks to.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/config"
	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/observability"
	"github.com/accessworks/adaptflow/internal/runner"
	"github.com/accessworks/adaptflow/internal/scheduler"
	"github.com/accessworks/adaptflow/model"
)

// Engine is the composed workflow engine. It owns the scheduler lifecycle
// and delegates operations to the definition service and instance runner.
type Engine struct {
	cfg         *config.Config
	definitions *definition.Service
	runner      *runner.Runner
	scheduler   *scheduler.Scheduler
	metrics     *observability.Metrics
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine from its already-constructed parts. metrics may be
// nil when metrics are disabled.
func New(
	cfg *config.Config,
	definitions *definition.Service,
	rnr *runner.Runner,
	sched *scheduler.Scheduler,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		definitions: definitions,
		runner:      rnr,
		scheduler:   sched,
		metrics:     metrics,
		logger:      logger,
	}
}

// Start wires the scheduler's due-timer callback to the runner, seeds
// definitions from the configured directories, and launches the escalation
// scan loop. Must be called before serving traffic.
func (e *Engine) Start(ctx context.Context) error {
	e.scheduler.SetOnDue(e.onTimerDue)

	if len(e.cfg.Definitions.Directories) > 0 {
		seeded, err := e.definitions.Seed(ctx, e.cfg.Definitions.Directories)
		if err != nil {
			return fmt.Errorf("engine: seeding definitions: %w", err)
		}
		if e.metrics != nil {
			e.metrics.SetDefinitionsSeeded(float64(seeded))
		}
		e.logger.Info("definitions seeded", zap.Int("count", seeded))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.scheduler.Run(runCtx)
	}()

	e.logger.Info("engine started")
	return nil
}

// Stop halts the escalation scan loop and waits for it to drain, or until
// ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	select {
	case <-e.done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether at least one published definition is available.
func (e *Engine) Ready(ctx context.Context) bool {
	defs, err := e.definitions.List(ctx, definition.Filters{Status: model.DefinitionStatusPublished, Limit: 1})
	return err == nil && len(defs) > 0
}

// onTimerDue handles a fired step deadline: it escalates the step on the
// instance, which widens the completion authority without advancing. A late
// firing against an exited step is discarded and leaves the metrics alone.
func (e *Engine) onTimerDue(ctx context.Context, instanceID, stepID string) error {
	inst, err := e.runner.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	applied, err := e.runner.Escalate(ctx, instanceID, stepID)
	if err != nil {
		return err
	}
	if applied && e.metrics != nil {
		e.metrics.RecordStepEscalation(inst.DefinitionID, stepID)
	}
	return nil
}

// --- Definition operations ---

// SaveDefinition creates or updates a draft definition.
func (e *Engine) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	return e.definitions.Save(ctx, def)
}

// GetDefinition retrieves a definition. An empty version means the latest
// non-archived version.
func (e *Engine) GetDefinition(ctx context.Context, id, version string) (model.WorkflowDefinition, error) {
	return e.definitions.Get(ctx, id, version)
}

// ListDefinitions returns definitions matching the filters.
func (e *Engine) ListDefinitions(ctx context.Context, filters definition.Filters) ([]model.WorkflowDefinition, error) {
	return e.definitions.List(ctx, filters)
}

// PublishDefinition validates a draft's transition graph and makes it
// available for new instances.
func (e *Engine) PublishDefinition(ctx context.Context, id, version string) (model.WorkflowDefinition, error) {
	def, err := e.definitions.Publish(ctx, id, version)
	if e.metrics != nil {
		if err != nil {
			e.metrics.RecordDefinitionPublish("invalid")
		} else {
			e.metrics.RecordDefinitionPublish("ok")
		}
	}
	return def, err
}

// ArchiveDefinition retires all versions of a definition from new use.
func (e *Engine) ArchiveDefinition(ctx context.Context, id string) error {
	return e.definitions.Archive(ctx, id)
}

// ImportDefinition ingests an exported definition document as a new draft.
func (e *Engine) ImportDefinition(ctx context.Context, data []byte) (model.WorkflowDefinition, error) {
	return e.definitions.Import(ctx, data)
}

// ExportDefinition renders a definition as a portable JSON document.
func (e *Engine) ExportDefinition(ctx context.Context, id, version string) ([]byte, error) {
	return e.definitions.Export(ctx, id, version)
}

// --- Instance operations ---

// StartInstance creates a new instance of a published definition.
func (e *Engine) StartInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID, version, entityID string,
	initial map[string]any,
) (model.WorkflowInstance, error) {
	inst, err := e.runner.Start(ctx, rctx, definitionID, version, entityID, initial)
	if e.metrics != nil && inst.ID != "" {
		e.metrics.RecordInstanceStart(inst.DefinitionID)
		if inst.Terminal() {
			e.metrics.RecordInstanceCompletion(inst.DefinitionID, inst.Status)
		}
	}
	return inst, err
}

// CompleteStep records an external completion of the instance's active step
// and advances the instance.
func (e *Engine) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, outcome string,
	submitted map[string]any,
	comment string,
) (runner.Result, error) {
	res, err := e.runner.CompleteStep(ctx, rctx, instanceID, stepID, outcome, submitted, comment)
	if e.metrics != nil && !res.AlreadyTerminal && res.Instance.ID != "" {
		e.metrics.RecordStepCompletion(res.Instance.DefinitionID, stepID)
		if res.Instance.Terminal() {
			e.metrics.RecordInstanceCompletion(res.Instance.DefinitionID, res.Instance.Status)
		}
	}
	return res, err
}

// CancelInstance terminates a running instance.
func (e *Engine) CancelInstance(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (runner.Result, error) {
	res, err := e.runner.Cancel(ctx, rctx, instanceID, reason)
	if e.metrics != nil && err == nil && !res.AlreadyTerminal {
		e.metrics.RecordInstanceCompletion(res.Instance.DefinitionID, res.Instance.Status)
	}
	return res, err
}

// GetInstance returns an instance with its composed step history.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.InstanceDetail, error) {
	inst, err := e.runner.Get(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	history, err := e.runner.History(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	return model.InstanceDetail{Instance: inst, History: history}, nil
}

// ListInstances returns instances matching the filters.
func (e *Engine) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return e.runner.List(ctx, filters)
}

// ProcessDueTimers runs one escalation scan pass immediately. Exposed for
// operational tooling; the scheduler loop normally drives this.
func (e *Engine) ProcessDueTimers(ctx context.Context) {
	e.scheduler.ProcessDue(ctx)
}

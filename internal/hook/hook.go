// Package hook dispatches the external side effects of integration and
// notification steps. The runner invokes a hook synchronously and treats its
// result as the step's completion payload.
package hook

import (
	"context"
	"fmt"

	"github.com/accessworks/adaptflow/model"
)

// Hook executes one external operation binding. Implementations must honor
// ctx cancellation; the runner holds the instance lock while a hook runs.
type Hook interface {
	// Supports reports whether this hook handles the binding type.
	Supports(binding model.OperationBinding) bool

	// Invoke executes the operation with the instance context as input and
	// returns data to merge back into the instance context.
	Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input map[string]any) (map[string]any, error)
}

// Registry routes operation bindings to the first registered hook that
// supports them.
type Registry struct {
	hooks []Hook
}

// NewRegistry creates a hook registry.
func NewRegistry(hooks ...Hook) *Registry {
	return &Registry{hooks: hooks}
}

// Register appends a hook to the registry.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Invoke dispatches the binding to its hook. An unroutable binding is a
// definition/wiring error surfaced as HOOK_FAILED.
func (r *Registry) Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input map[string]any) (map[string]any, error) {
	for _, h := range r.hooks {
		if h.Supports(binding) {
			return h.Invoke(ctx, rctx, binding, input)
		}
	}
	return nil, model.NewHookFailedError(
		fmt.Sprintf("no hook registered for operation type %q", binding.Type),
	)
}

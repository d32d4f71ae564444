package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/config"
	"github.com/accessworks/adaptflow/internal/engine"
	"github.com/accessworks/adaptflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *engine.Engine
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Authenticated routes — full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", handleDefinitionList(deps.Engine))
			r.Post("/", handleDefinitionSave(deps.Engine))
			r.Post("/import", handleDefinitionImport(deps.Engine))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Engine))
			r.Put("/{definitionId}", handleDefinitionSave(deps.Engine))
			r.Post("/{definitionId}/publish", handleDefinitionPublish(deps.Engine))
			r.Post("/{definitionId}/archive", handleDefinitionArchive(deps.Engine))
			r.Get("/{definitionId}/export", handleDefinitionExport(deps.Engine))
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", handleInstanceList(deps.Engine))
			r.Post("/", handleInstanceStart(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Post("/{instanceId}/cancel", handleInstanceCancel(deps.Engine))
			r.Post("/{instanceId}/steps/{stepId}/complete", handleStepComplete(deps.Engine))
		})
	})

	return r
}

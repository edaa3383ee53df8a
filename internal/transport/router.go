package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tarebo/maestro/internal/capability"
	"github.com/tarebo/maestro/internal/config"
	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/engine"
	"github.com/tarebo/maestro/internal/nodes"
	"github.com/tarebo/maestro/internal/observability"
	"github.com/tarebo/maestro/internal/workers"
	"github.com/tarebo/maestro/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Nodes may be nil when node management is disabled; Metrics may be nil in
// tests.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Engine       *engine.Engine
	Workers      *workers.Registry
	Definitions  *definition.Registry
	Nodes        *nodes.Manager
	Capabilities model.CapabilityResolver
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Ready        observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication and tracing.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(InjectLogger(deps.Logger))

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(ResolveCapabilities(deps.Capabilities))
		r.Use(RequestLogging)

		// The progress stream stays open for the life of the request, so it
		// mounts outside the handler deadline.
		r.With(RequireCapability(capability.OrchestrateRead)).
			Get("/orchestrate/request/{requestId}/events", handleOrchestrateEvents(deps.Engine))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.With(RequireCapability(capability.OrchestrateSubmit)).
				Post("/orchestrate/request", handleOrchestrateSubmit(deps.Engine))
			r.With(RequireCapability(capability.OrchestrateRead)).
				Get("/orchestrate/request/{requestId}", handleOrchestrateGet(deps.Engine))
			r.With(RequireCapability(capability.OrchestrateSubmit)).
				Post("/orchestrate/request/{requestId}/cancel", handleOrchestrateCancel(deps.Engine))
			r.With(RequireCapability(capability.OrchestrateRead)).
				Get("/orchestrate/requests", handleOrchestrateList(deps.Engine))

			r.With(RequireCapability(capability.OrchestrateRead)).
				Get("/orchestrate/catalog/workflows", handleWorkflowTypes(deps.Definitions))
			r.With(RequireCapability(capability.OrchestrateRead)).
				Get("/orchestrate/catalog/workers", handleWorkerTypes(deps.Definitions))

			r.With(RequireCapability(capability.WorkersRead)).
				Get("/orchestrate/workers", handleWorkersList(deps.Workers))
			r.With(RequireCapability(capability.WorkersManage)).
				Post("/orchestrate/workers", handleWorkerRegister(deps.Workers))
			r.With(RequireCapability(capability.WorkersManage)).
				Delete("/orchestrate/workers/{workerId}", handleWorkerDeregister(deps.Workers))
			r.With(RequireCapability(capability.WorkersRead)).
				Get("/orchestrate/workers/{workerId}/health", handleWorkerHealth(deps.Workers))

			if deps.Nodes != nil {
				h := &nodeHandlers{manager: deps.Nodes, defs: deps.Definitions, metrics: deps.Metrics}
				r.Group(func(r chi.Router) {
					r.Use(RequireCapability(capability.NodesManage))

					r.Post("/nodes/deployments/{name}/scale", h.scaleDeployment)
					r.Post("/nodes/deployments/{name}/restart", h.restartDeployment)
					r.Post("/nodes/workers", h.startNode)
					r.Get("/nodes/workers", h.listNodes)
					r.Delete("/nodes/workers/{name}", h.stopNode)
					r.Get("/nodes/workers/{name}/ready", h.nodeReady)
					r.Get("/nodes/workers/{name}/logs", h.nodeLogs)
					r.Post("/nodes/workers/{name}/exec", h.nodeExec)
				})
			}
		})
	})

	return r
}

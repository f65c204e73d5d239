package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

// NewRouter assembles the full HTTP surface: the worker-facing API behind
// RequireWorkerAuth, the tenant-facing API behind RequireSession, and a
// health endpoint for load balancers.
func NewRouter(
	store workflow.QueueStore,
	orchestrator *workflow.RunOrchestrator,
	authGate workflow.AuthorizationGate,
	workerSharedSecret string,
	workerDefaultLeaseSeconds, workerMaxClaimLimit, workerMaxPartitionCount, statsCacheTTLSeconds int,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthCheckHandler)

	workerHandlers := NewWorkerHandlers(store, orchestrator, workerDefaultLeaseSeconds, workerMaxClaimLimit, workerMaxPartitionCount, statsCacheTTLSeconds)
	r.Route("/internal/worker", func(r chi.Router) {
		r.Use(RequireWorkerAuth(workerSharedSecret))
		r.Post("/jobs/claim", workerHandlers.Claim)
		r.Post("/heartbeat", workerHandlers.Heartbeat)
		r.Get("/jobs/stats", workerHandlers.Stats)
	})

	workflowHandlers := NewWorkflowHandlers(store, orchestrator, authGate)
	r.Group(func(r chi.Router) {
		r.Use(RequireSession)
		r.Get("/workflows", workflowHandlers.ListWorkflows)
		r.Post("/workflows", workflowHandlers.SaveWorkflow)
		r.Post("/workflows/{logical}/execute", workflowHandlers.ExecuteWorkflow)
		r.Get("/workflow-runs", workflowHandlers.ListWorkflowRuns)
		r.Get("/workflow-runs/{runID}/attempts", workflowHandlers.ListRunAttempts)
	})

	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

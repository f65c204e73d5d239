package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

// WorkflowHandlers implements the tenant-facing surface: saving and
// listing definitions, executing workflows, and reading back the
// run/attempt/trace ledger. Every handler resolves its actor and tenant
// from RequireSession's context values and gates the operation through
// the same AuthorizationGate the orchestrator uses internally.
type WorkflowHandlers struct {
	store        workflow.QueueStore
	orchestrator *workflow.RunOrchestrator
	authGate     workflow.AuthorizationGate
}

// NewWorkflowHandlers wires the tenant-facing workflow API.
func NewWorkflowHandlers(store workflow.QueueStore, orchestrator *workflow.RunOrchestrator, authGate workflow.AuthorizationGate) *WorkflowHandlers {
	return &WorkflowHandlers{store: store, orchestrator: orchestrator, authGate: authGate}
}

func (h *WorkflowHandlers) requirePermission(w http.ResponseWriter, r *http.Request, tenantID workflow.TenantID, permission workflow.Permission) bool {
	if h.authGate == nil {
		return true
	}
	if err := h.authGate.RequirePermission(r.Context(), tenantID, actorFromContext(r.Context()), permission); err != nil {
		writeAppError(w, err)
		return false
	}
	return true
}

// ListWorkflows handles GET /workflows.
func (h *WorkflowHandlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}
	if !h.requirePermission(w, r, tenantID, workflow.PermissionWorkflowRead) {
		return
	}
	defs, err := h.store.ListWorkflows(r.Context(), tenantID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

// SaveWorkflow handles POST /workflows.
func (h *WorkflowHandlers) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}
	var def workflow.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed workflow definition body")
		return
	}
	def.TenantID = tenantID
	if def.MaxAttempts == 0 {
		def.MaxAttempts = workflow.DefaultMaxAttempts
	}

	if err := h.orchestrator.SaveWorkflow(r.Context(), actorFromContext(r.Context()), def); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ExecuteWorkflow handles POST /workflows/{logical}/execute.
func (h *WorkflowHandlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}
	logicalName := chi.URLParam(r, "logical")

	var payload workflow.JSONObject
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed trigger payload body")
			return
		}
	}

	run, err := h.orchestrator.ExecuteWorkflow(r.Context(), actorFromContext(r.Context()), tenantID, logicalName, payload)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListWorkflowRuns handles GET /workflow-runs?workflow_logical_name&limit&offset.
// Offset is accepted for API-shape compatibility but only limit is pushed
// down to the ListRuns port; callers paginate by narrowing
// limit/logical_name rather than true cursor offset.
func (h *WorkflowHandlers) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}
	if !h.requirePermission(w, r, tenantID, workflow.PermissionWorkflowRead) {
		return
	}

	logicalName := r.URL.Query().Get("workflow_logical_name")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = v
	}

	runs, err := h.store.ListRuns(r.Context(), tenantID, logicalName, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListRunAttempts handles GET /workflow-runs/{run_id}/attempts.
func (h *WorkflowHandlers) ListRunAttempts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}
	if !h.requirePermission(w, r, tenantID, workflow.PermissionWorkflowRead) {
		return
	}

	runID := chi.URLParam(r, "runID")
	attempts, err := h.store.ListRunAttempts(r.Context(), tenantID, runID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

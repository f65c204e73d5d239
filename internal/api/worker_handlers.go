package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

// WorkerHandlers implements the narrow claim/heartbeat/stats contract
// out-of-process workers use to drive queued execution.
type WorkerHandlers struct {
	store        workflow.QueueStore
	orchestrator *workflow.RunOrchestrator

	defaultLeaseSeconds  int
	maxClaimLimit        int
	maxPartitionCount    int
	statsCacheTTLSeconds int
}

// NewWorkerHandlers wires the worker API over the orchestrator's store and
// configured bounds. Claim limit, lease seconds, and partition count are
// all bounded; a stats TTL of 0 disables caching.
func NewWorkerHandlers(store workflow.QueueStore, orchestrator *workflow.RunOrchestrator, defaultLeaseSeconds, maxClaimLimit, maxPartitionCount, statsCacheTTLSeconds int) *WorkerHandlers {
	return &WorkerHandlers{
		store:                store,
		orchestrator:         orchestrator,
		defaultLeaseSeconds:  defaultLeaseSeconds,
		maxClaimLimit:        maxClaimLimit,
		maxPartitionCount:    maxPartitionCount,
		statsCacheTTLSeconds: statsCacheTTLSeconds,
	}
}

type claimRequest struct {
	Limit          *int `json:"limit,omitempty"`
	LeaseSeconds   *int `json:"lease_seconds,omitempty"`
	PartitionCount *int `json:"partition_count,omitempty"`
	PartitionIndex *int `json:"partition_index,omitempty"`
}

type claimedJobDTO struct {
	JobID                  string             `json:"job_id"`
	LeaseToken             string             `json:"lease_token"`
	TenantID               string             `json:"tenant_id"`
	RunID                  string             `json:"run_id"`
	WorkflowLogicalName    string             `json:"workflow_logical_name"`
	WorkflowDisplayName    string             `json:"workflow_display_name"`
	WorkflowDescription    *string            `json:"workflow_description,omitempty"`
	WorkflowTrigger        workflow.WorkflowTrigger `json:"workflow_trigger"`
	WorkflowAction         workflow.WorkflowAction  `json:"workflow_action"`
	WorkflowSteps          []workflow.WorkflowStep  `json:"workflow_steps,omitempty"`
	WorkflowMaxAttempts    int                `json:"workflow_max_attempts"`
	WorkflowIsEnabled      bool               `json:"workflow_is_enabled"`
	TriggerPayload         workflow.JSONObject `json:"trigger_payload"`
}

func toClaimedJobDTO(job workflow.ClaimedJob) claimedJobDTO {
	return claimedJobDTO{
		JobID:               job.JobID,
		LeaseToken:          job.LeaseToken,
		TenantID:            job.TenantID.String(),
		RunID:               job.RunID,
		WorkflowLogicalName: job.Workflow.LogicalName,
		WorkflowDisplayName: job.Workflow.DisplayName,
		WorkflowDescription: job.Workflow.Description,
		WorkflowTrigger:     job.Workflow.Trigger,
		WorkflowAction:      job.Workflow.Action,
		WorkflowSteps:       job.Workflow.Steps,
		WorkflowMaxAttempts: job.Workflow.MaxAttempts,
		WorkflowIsEnabled:   job.Workflow.IsEnabled,
		TriggerPayload:      job.TriggerPayload,
	}
}

// Claim handles POST /internal/worker/jobs/claim: drains up to limit
// eligible jobs for the calling worker, applying server defaults and
// bounds.
func (h *WorkerHandlers) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed claim request body")
			return
		}
	}

	if (req.PartitionCount == nil) != (req.PartitionIndex == nil) {
		writeError(w, http.StatusBadRequest, "validation", "partition_count and partition_index must both be set or both omitted")
		return
	}

	limit := h.maxClaimLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit < 1 || limit > h.maxClaimLimit {
		writeError(w, http.StatusBadRequest, "validation", "limit must be between 1 and the configured maximum claim limit")
		return
	}

	leaseSeconds := h.defaultLeaseSeconds
	if req.LeaseSeconds != nil {
		leaseSeconds = *req.LeaseSeconds
	}
	if leaseSeconds < 1 {
		writeError(w, http.StatusBadRequest, "validation", "lease_seconds must be at least 1")
		return
	}

	var partition *workflow.ClaimPartition
	if req.PartitionCount != nil {
		count := *req.PartitionCount
		index := *req.PartitionIndex
		if count < 1 || count > h.maxPartitionCount {
			writeError(w, http.StatusBadRequest, "validation", "partition_count out of configured bounds")
			return
		}
		if index < 0 || index >= count {
			writeError(w, http.StatusBadRequest, "validation", "partition_index must be less than partition_count")
			return
		}
		partition = &workflow.ClaimPartition{Count: uint32(count), Index: uint32(index)}
	}

	workerID := workerIDFromContext(r.Context())
	jobs, err := h.store.ClaimJobs(r.Context(), workerID, limit, leaseSeconds, partition)
	if err != nil {
		writeAppError(w, err)
		return
	}

	dtos := make([]claimedJobDTO, len(jobs))
	for i, job := range jobs {
		dtos[i] = toClaimedJobDTO(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": dtos})
}

type heartbeatRequest struct {
	ClaimedJobs    *int64 `json:"claimed_jobs,omitempty"`
	ExecutedJobs   *int64 `json:"executed_jobs,omitempty"`
	FailedJobs     *int64 `json:"failed_jobs,omitempty"`
	PartitionCount *int   `json:"partition_count,omitempty"`
	PartitionIndex *int   `json:"partition_index,omitempty"`
}

// Heartbeat handles POST /internal/worker/heartbeat: an idempotent,
// last-writer-wins upsert.
func (h *WorkerHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed heartbeat request body")
			return
		}
	}
	if (req.PartitionCount == nil) != (req.PartitionIndex == nil) {
		writeError(w, http.StatusBadRequest, "validation", "partition_count and partition_index must both be set or both omitted")
		return
	}

	hb := workflow.WorkerHeartbeat{WorkerID: workerIDFromContext(r.Context())}
	if req.ClaimedJobs != nil {
		hb.ClaimedJobs = *req.ClaimedJobs
	}
	if req.ExecutedJobs != nil {
		hb.ExecutedJobs = *req.ExecutedJobs
	}
	if req.FailedJobs != nil {
		hb.FailedJobs = *req.FailedJobs
	}
	if req.PartitionCount != nil {
		count := uint32(*req.PartitionCount)
		index := uint32(*req.PartitionIndex)
		hb.PartitionCount = &count
		hb.PartitionIndex = &index
	}

	if err := h.store.UpsertWorkerHeartbeat(r.Context(), hb); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /internal/worker/jobs/stats, serving from the stats
// cache when configured.
func (h *WorkerHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	activeWindow := 300
	if raw := q.Get("active_window_seconds"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "validation", "active_window_seconds must be a non-negative integer")
			return
		}
		activeWindow = v
	}

	var partition *workflow.ClaimPartition
	countRaw, indexRaw := q.Get("partition_count"), q.Get("partition_index")
	if (countRaw == "") != (indexRaw == "") {
		writeError(w, http.StatusBadRequest, "validation", "partition_count and partition_index must both be set or both omitted")
		return
	}
	if countRaw != "" {
		count, err1 := strconv.Atoi(countRaw)
		index, err2 := strconv.Atoi(indexRaw)
		if err1 != nil || err2 != nil || count < 1 || index < 0 || index >= count {
			writeError(w, http.StatusBadRequest, "validation", "invalid partition_count/partition_index")
			return
		}
		partition = &workflow.ClaimPartition{Count: uint32(count), Index: uint32(index)}
	}

	query := workflow.QueueStatsQuery{ActiveWindowSeconds: uint32(activeWindow), Partition: partition}

	tenantID, _ := tenantFromContext(r.Context())
	stats, err := h.orchestrator.QueueStats(r.Context(), tenantID, query, h.statsCacheTTLSeconds)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse(stats))
}

func statsResponse(s workflow.QueueStats) map[string]int64 {
	return map[string]int64{
		"pending_jobs":   s.PendingJobs,
		"leased_jobs":    s.LeasedJobs,
		"completed_jobs": s.CompletedJobs,
		"failed_jobs":    s.FailedJobs,
		"expired_leases": s.ExpiredLeases,
		"active_workers": s.ActiveWorkers,
	}
}

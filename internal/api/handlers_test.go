package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

const testWorkerSecret = "test-shared-secret"

func newTestServer(t *testing.T, mode workflow.ExecutionMode) (*httptest.Server, *workflow.InMemoryQueueStore) {
	t.Helper()
	store := workflow.NewInMemoryQueueStore()
	orch := workflow.NewRunOrchestrator(
		store,
		workflow.NewInMemoryLeaseCoordinator(),
		&workflow.RecordingActionDispatcher{},
		workflow.NewTwoTierStatsCache(nil),
		workflow.PermissiveAuthorizationGate{},
		nil,
		nil,
		mode,
	)
	handler := NewRouter(store, orch, workflow.PermissiveAuthorizationGate{}, testWorkerSecret, 30, 10, 16, 5)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, store
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func workerHeaders() map[string]string {
	return map[string]string{"X-Worker-Secret": testWorkerSecret, "X-Worker-Id": "worker-1"}
}

func sessionHeaders(tenantID uuid.UUID) map[string]string {
	return map[string]string{"X-Actor-Subject": "user-1", "X-Tenant-Id": tenantID.String()}
}

func saveTestWorkflow(t *testing.T, server *httptest.Server, tenantID uuid.UUID, logicalName string) {
	t.Helper()
	def := map[string]any{
		"logical_name": logicalName,
		"display_name": "Test Workflow",
		"trigger":      map[string]any{"type": "manual"},
		"action":       map[string]any{"type": "log_message", "message": "hi"},
		"max_attempts": 3,
		"is_enabled":   true,
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/workflows", sessionHeaders(tenantID), def)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerEndpointsRequireSharedSecret(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeQueued)

	resp := doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim",
		map[string]string{"X-Worker-Secret": "wrong", "X-Worker-Id": "worker-1"}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim",
		map[string]string{"X-Worker-Secret": testWorkerSecret}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClaimRejectsMismatchedPartitionFields(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeQueued)

	resp := doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim", workerHeaders(),
		map[string]any{"partition_count": 2})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimRejectsOutOfBoundsLimit(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeQueued)

	resp := doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim", workerHeaders(),
		map[string]any{"limit": 11})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueuedExecuteClaimHeartbeatStatsFlow(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeQueued)
	tenantID := uuid.New()
	saveTestWorkflow(t, server, tenantID, "onboard")

	resp := doJSON(t, http.MethodPost, server.URL+"/workflows/onboard/execute", sessionHeaders(tenantID), map[string]any{"amount": 100})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run workflow.WorkflowRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	require.Equal(t, workflow.RunPending, run.Status)

	resp = doJSON(t, http.MethodPost, server.URL+"/internal/worker/jobs/claim", workerHeaders(), map[string]any{"limit": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimBody struct {
		Jobs []claimedJobDTO `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimBody))
	resp.Body.Close()
	require.Len(t, claimBody.Jobs, 1)
	require.Equal(t, run.RunID, claimBody.Jobs[0].RunID)
	require.NotEmpty(t, claimBody.Jobs[0].LeaseToken)
	require.Equal(t, "onboard", claimBody.Jobs[0].WorkflowLogicalName)
	require.Equal(t, float64(100), claimBody.Jobs[0].TriggerPayload["amount"])

	resp = doJSON(t, http.MethodPost, server.URL+"/internal/worker/heartbeat", workerHeaders(),
		map[string]any{"claimed_jobs": 1, "executed_jobs": 0, "failed_jobs": 0})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, server.URL+"/internal/worker/jobs/stats?active_window_seconds=60", workerHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, int64(1), stats["leased_jobs"])
	require.Equal(t, int64(1), stats["active_workers"])
}

func TestInlineExecuteAndReadBackLedger(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeInline)
	tenantID := uuid.New()
	saveTestWorkflow(t, server, tenantID, "onboard")

	resp := doJSON(t, http.MethodPost, server.URL+"/workflows/onboard/execute", sessionHeaders(tenantID), map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run workflow.WorkflowRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	require.Equal(t, workflow.RunSucceeded, run.Status)
	require.Equal(t, 1, run.Attempts)

	resp = doJSON(t, http.MethodGet, server.URL+"/workflow-runs?workflow_logical_name=onboard", sessionHeaders(tenantID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runsBody struct {
		Runs []workflow.WorkflowRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runsBody))
	resp.Body.Close()
	require.Len(t, runsBody.Runs, 1)

	resp = doJSON(t, http.MethodGet, server.URL+"/workflow-runs/"+run.RunID+"/attempts", sessionHeaders(tenantID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var attemptsBody struct {
		Attempts []workflow.RunAttempt `json:"attempts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&attemptsBody))
	resp.Body.Close()
	require.Len(t, attemptsBody.Attempts, 1)
	require.Len(t, attemptsBody.Attempts[0].StepTraces, 1)
	require.Equal(t, "root.0", attemptsBody.Attempts[0].StepTraces[0].StepPath)
}

func TestTenantEndpointsRequireSession(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeInline)

	resp := doJSON(t, http.MethodGet, server.URL+"/workflows", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExecuteUnknownWorkflowReturnsNotFound(t *testing.T) {
	server, _ := newTestServer(t, workflow.ModeInline)
	tenantID := uuid.New()

	resp := doJSON(t, http.MethodPost, server.URL+"/workflows/ghost/execute", sessionHeaders(tenantID), map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

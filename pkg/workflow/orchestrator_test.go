package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestWorkflow(tenantID TenantID, logicalName string) WorkflowDefinition {
	return WorkflowDefinition{
		TenantID:    tenantID,
		LogicalName: logicalName,
		DisplayName: "Test Workflow",
		Trigger:     WorkflowTrigger{Kind: TriggerManual},
		Steps: []WorkflowStep{
			{Kind: StepLogMessage, Message: "started"},
		},
		MaxAttempts: 3,
		IsEnabled:   true,
	}
}

func TestExecuteWorkflowInlineSucceeds(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), newTestWorkflow(tenantID, "onboard")))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeInline)

	run, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "onboard", JSONObject{"key": "value"})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, run.Status)
	require.Equal(t, 1, run.Attempts)

	attempts, err := store.ListRunAttempts(context.Background(), tenantID, run.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, AttemptSucceeded, attempts[0].Status)
}

func TestExecuteWorkflowQueuedEnqueuesJob(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), newTestWorkflow(tenantID, "onboard")))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	run, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "onboard", nil)
	require.NoError(t, err)
	require.Equal(t, RunPending, run.Status)

	claimed, err := store.ClaimJobs(context.Background(), "worker-1", 10, 60, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, run.RunID, claimed[0].RunID)
	require.NotEmpty(t, claimed[0].LeaseToken)
}

func TestExecuteClaimedJobCompletesOnSuccess(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), newTestWorkflow(tenantID, "onboard")))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	run, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "onboard", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimJobs(context.Background(), "worker-1", 10, 60, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, orch.ExecuteClaimedJob(context.Background(), claimed[0]))

	finalRun, err := store.FindRun(context.Background(), tenantID, run.RunID)
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, finalRun.Status)

	// A worker that no longer holds the lease cannot complete it again.
	err = store.CompleteJob(context.Background(), claimed[0].JobID, claimed[0].LeaseToken)
	require.Error(t, err)
	require.Equal(t, ErrConflict, KindOf(err))
}

func TestExecuteWorkflowDeniedByAuthorizationGate(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), newTestWorkflow(tenantID, "onboard")))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), DenyingAuthorizationGate{}, nil, nil, ModeInline)

	_, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "onboard", nil)
	require.Error(t, err)
	require.Equal(t, ErrForbidden, KindOf(err))
}

func TestExecuteClaimedJobRetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()

	def := newTestWorkflow(tenantID, "webhook-fanout")
	def.Steps = []WorkflowStep{{Kind: StepCreateRuntimeRecord, EntityLogicalName: "webhook_dispatch", Data: JSONObject{"event": "created"}}}
	require.NoError(t, store.SaveWorkflow(ctx, def))

	dispatcher := &RecordingActionDispatcher{Err: WrapInternal("webhook endpoint unreachable", nil)}
	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), dispatcher, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	run, err := orch.ExecuteWorkflow(ctx, "user-1", tenantID, "webhook-fanout", JSONObject{})
	require.NoError(t, err)

	var jobID string
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimJobs(ctx, "worker-1", 1, 60, nil)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		jobID = claimed[0].JobID
		require.Equal(t, attempt, claimed[0].AttemptCount)

		require.Error(t, orch.ExecuteClaimedJob(ctx, claimed[0]))

		store.mu.Lock()
		job := store.jobs[jobID]
		if attempt < 3 {
			require.Equal(t, JobPending, job.Status)
			// backoff(n) = min(60s * 2^(n-1), 15m) with +/-20% jitter
			minDelay := time.Duration(float64(60*time.Second) * float64(int(1)<<(attempt-1)) * 0.79)
			require.GreaterOrEqual(t, time.Until(job.NextAttemptAt), minDelay-time.Second)
			job.NextAttemptAt = time.Now()
		} else {
			require.Equal(t, JobFailed, job.Status)
		}
		store.mu.Unlock()
	}

	finalRun, err := store.FindRun(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	require.Equal(t, RunDeadLettered, finalRun.Status)
	require.Equal(t, 3, finalRun.Attempts)
	require.NotNil(t, finalRun.DeadLetterReason)

	attempts, err := store.ListRunAttempts(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		require.Equal(t, i+1, a.AttemptNumber)
		require.Equal(t, AttemptFailed, a.Status)
	}
}

func TestExecuteClaimedJobNonRetryableFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()

	def := newTestWorkflow(tenantID, "broken")
	def.Steps = []WorkflowStep{{Kind: StepCreateRuntimeRecord, EntityLogicalName: "account"}} // no record service -> validation failure
	require.NoError(t, store.SaveWorkflow(ctx, def))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	run, err := orch.ExecuteWorkflow(ctx, "user-1", tenantID, "broken", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimJobs(ctx, "worker-1", 1, 60, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Error(t, orch.ExecuteClaimedJob(ctx, claimed[0]))

	store.mu.Lock()
	require.Equal(t, JobFailed, store.jobs[claimed[0].JobID].Status)
	store.mu.Unlock()

	finalRun, err := store.FindRun(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	require.Equal(t, RunDeadLettered, finalRun.Status)
}

func TestExecuteClaimedJobSwallowsLostLease(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	require.NoError(t, store.SaveWorkflow(ctx, newTestWorkflow(tenantID, "onboard")))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	_, err := orch.ExecuteWorkflow(ctx, "user-1", tenantID, "onboard", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimJobs(ctx, "worker-1", 1, 60, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Another holder takes over before the first reports back.
	stale := claimed[0]
	stale.LeaseToken = "0123456789abcdef0123456789abcdef"

	require.NoError(t, orch.ExecuteClaimedJob(ctx, stale))
}

func TestExecuteWorkflowInlineFailureWithAttemptsRemaining(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	def := newTestWorkflow(tenantID, "flaky")
	def.MaxAttempts = 3
	def.Steps = []WorkflowStep{{Kind: StepCreateRuntimeRecord, EntityLogicalName: "account"}}
	require.NoError(t, store.SaveWorkflow(context.Background(), def))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeInline)

	_, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "flaky", nil)
	require.Error(t, err)

	runs, listErr := store.ListRuns(context.Background(), tenantID, "flaky", 1)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	require.Equal(t, RunFailed, runs[0].Status)
	require.Nil(t, runs[0].DeadLetterReason)
}

func TestHandleTriggerEventStartsMatchingWorkflows(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()

	recordScoped := func(name, entity string, enabled bool) WorkflowDefinition {
		def := newTestWorkflow(tenantID, name)
		def.Trigger = WorkflowTrigger{Kind: TriggerRecordCreated, Entity: entity}
		def.IsEnabled = enabled
		return def
	}
	require.NoError(t, store.SaveWorkflow(ctx, recordScoped("notify", "contact", true)))
	require.NoError(t, store.SaveWorkflow(ctx, recordScoped("enrich", "contact", true)))
	require.NoError(t, store.SaveWorkflow(ctx, recordScoped("paused", "contact", false)))
	require.NoError(t, store.SaveWorkflow(ctx, recordScoped("other-entity", "invoice", true)))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeInline)

	runs, err := orch.HandleTriggerEvent(ctx, "system", tenantID, TriggerRecordCreated, "contact", JSONObject{"id": "c-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.Equal(t, RunSucceeded, run.Status)
	}
}

func TestQueueStatsReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	seedRunWithJob(t, store, tenantID, "onboard", 3, 0)

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeQueued)

	query := QueueStatsQuery{ActiveWindowSeconds: 300}
	stats, err := orch.QueueStats(ctx, TenantID{}, query, 60)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.PendingJobs)

	// A second pending job lands, but the cached value is still served.
	seedRunWithJob(t, store, tenantID, "second", 3, 0)
	cached, err := orch.QueueStats(ctx, TenantID{}, query, 60)
	require.NoError(t, err)
	require.Equal(t, int64(1), cached.PendingJobs)

	// TTL 0 disables caching entirely.
	fresh, err := orch.QueueStats(ctx, TenantID{}, query, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), fresh.PendingJobs)
}

func TestExecuteWorkflowDeadLettersAfterMaxAttempts(t *testing.T) {
	tenantID := uuid.New()
	store := NewInMemoryQueueStore()
	def := newTestWorkflow(tenantID, "flaky")
	def.MaxAttempts = 1
	def.Steps = []WorkflowStep{{Kind: StepCreateRuntimeRecord, EntityLogicalName: "account"}} // no RuntimeRecordService -> always fails
	require.NoError(t, store.SaveWorkflow(context.Background(), def))

	orch := NewRunOrchestrator(store, NewInMemoryLeaseCoordinator(), &RecordingActionDispatcher{}, NewTwoTierStatsCache(nil), PermissiveAuthorizationGate{}, nil, nil, ModeInline)

	_, err := orch.ExecuteWorkflow(context.Background(), "user-1", tenantID, "flaky", nil)
	require.Error(t, err)

	runs, listErr := store.ListRuns(context.Background(), tenantID, "flaky", 1)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	require.Equal(t, RunDeadLettered, runs[0].Status)
	require.NotNil(t, runs[0].DeadLetterReason)
}

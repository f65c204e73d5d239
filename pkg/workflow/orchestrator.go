package workflow

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// backoffBase/backoffCap/backoffJitter parameterize the retry delay curve:
// min(60s * 2^(n-1), 15m) +/- 20% jitter.
const (
	backoffBase   = 60 * time.Second
	backoffCap    = 15 * time.Minute
	backoffJitter = 0.20
)

// computeBackoff returns the delay before attemptNumber's retry.
func computeBackoff(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	raw := float64(backoffBase) * math.Pow(2, float64(attemptNumber-1))
	capped := math.Min(raw, float64(backoffCap))
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(capped * jitter)
}

// RunOrchestrator drives workflow execution end to end: creating runs,
// choosing inline vs queued dispatch, interpreting a claimed job's step
// tree, and recording the resulting attempt/trace ledger.
type RunOrchestrator struct {
	store          QueueStore
	lease          LeaseCoordinator
	dispatcher     ActionDispatcher
	statsCache     StatsCache
	authGate       AuthorizationGate
	runtimeRecords RuntimeRecordService
	audit          AuditRepository
	mode           ExecutionMode

	interpreter *Interpreter
}

// NewRunOrchestrator wires the orchestrator's collaborators via constructor
// injection. audit may be nil if no audit sink is configured.
func NewRunOrchestrator(
	store QueueStore,
	lease LeaseCoordinator,
	dispatcher ActionDispatcher,
	statsCache StatsCache,
	authGate AuthorizationGate,
	runtimeRecords RuntimeRecordService,
	audit AuditRepository,
	mode ExecutionMode,
) *RunOrchestrator {
	return &RunOrchestrator{
		store:          store,
		lease:          lease,
		dispatcher:     dispatcher,
		statsCache:     statsCache,
		authGate:       authGate,
		runtimeRecords: runtimeRecords,
		audit:          audit,
		mode:           mode,
		interpreter:    NewInterpreter(dispatcher, runtimeRecords),
	}
}

// SaveWorkflow validates and persists a workflow definition, requiring
// manage permission and appending an audit event.
func (o *RunOrchestrator) SaveWorkflow(ctx context.Context, subject string, def WorkflowDefinition) error {
	if o.authGate != nil {
		if err := o.authGate.RequirePermission(ctx, def.TenantID, subject, PermissionWorkflowManage); err != nil {
			return err
		}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if err := o.store.SaveWorkflow(ctx, def); err != nil {
		return err
	}
	o.appendAudit(ctx, def.TenantID, subject, AuditWorkflowSaved, JSONObject{"logical_name": def.LogicalName})
	return nil
}

func (o *RunOrchestrator) appendAudit(ctx context.Context, tenantID TenantID, subject string, action AuditAction, detail JSONObject) {
	if o.audit == nil {
		return
	}
	_ = o.audit.AppendAuditEvent(ctx, AuditEvent{TenantID: tenantID, Subject: subject, Action: action, Detail: detail})
}

// ExecuteWorkflow starts a new run for the named workflow and, depending on
// the orchestrator's ExecutionMode, either executes it inline and returns
// once finished (ModeInline) or enqueues a queue job and returns
// immediately (ModeQueued), leaving completion to the worker pool.
func (o *RunOrchestrator) ExecuteWorkflow(ctx context.Context, subject string, tenantID TenantID, logicalName string, triggerPayload JSONObject) (*WorkflowRun, error) {
	if o.authGate != nil {
		if err := o.authGate.RequirePermission(ctx, tenantID, subject, PermissionWorkflowRead); err != nil {
			return nil, err
		}
	}
	def, err := o.store.FindWorkflow(ctx, tenantID, logicalName)
	if err != nil {
		return nil, err
	}
	if !def.IsEnabled {
		return nil, NewConflictError("workflow is disabled: " + logicalName)
	}

	run := WorkflowRun{
		RunID:               uuid.NewString(),
		TenantID:             tenantID,
		WorkflowLogicalName:  logicalName,
		Trigger:              def.Trigger,
		TriggerPayload:       triggerPayload,
		Status:               RunPending,
		StartedAt:            time.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, tenantID, subject, AuditWorkflowExecuted, JSONObject{"run_id": run.RunID, "logical_name": logicalName})

	switch o.mode {
	case ModeQueued:
		job := QueueJob{
			TenantID:            tenantID,
			RunID:               run.RunID,
			WorkflowLogicalName: logicalName,
			MaxAttempts:         def.MaxAttempts,
			NextAttemptAt:       time.Now(),
			PartitionHash:       partitionHashFor(run.RunID),
		}
		if err := o.store.EnqueueRunJob(ctx, job); err != nil {
			return nil, err
		}
		return &run, nil
	default: // ModeInline
		attemptNumber, runErr := o.executeAttempt(ctx, tenantID, run.RunID, *def, triggerPayload)
		switch {
		case runErr == nil:
			if err := o.store.CompleteRun(ctx, tenantID, run.RunID, RunSucceeded, nil); err != nil {
				return nil, err
			}
		case attemptNumber >= def.MaxAttempts:
			reason := fmt.Sprintf("exhausted %d attempts: %s", def.MaxAttempts, runErr.Error())
			_ = o.store.CompleteRun(ctx, tenantID, run.RunID, RunDeadLettered, &reason)
			return nil, runErr
		default:
			// Inline execution has no queue behind it to reschedule a
			// retry, so an unexhausted failure is still terminal.
			_ = o.store.CompleteRun(ctx, tenantID, run.RunID, RunFailed, nil)
			return nil, runErr
		}
		return o.store.FindRun(ctx, tenantID, run.RunID)
	}
}

// HandleTriggerEvent matches an external event (a record write, or a
// schedule tick already resolved to its key) against the tenant's enabled
// workflow definitions and starts a run for each match. One workflow's
// failure does not block its siblings; the runs that did start are
// returned alongside the first error encountered.
func (o *RunOrchestrator) HandleTriggerEvent(ctx context.Context, subject string, tenantID TenantID, kind TriggerKind, entity string, payload JSONObject) ([]*WorkflowRun, error) {
	defs, err := o.store.ListEnabledWorkflowsForTrigger(ctx, tenantID, kind, entity)
	if err != nil {
		return nil, err
	}
	var runs []*WorkflowRun
	var firstErr error
	for _, def := range defs {
		run, err := o.ExecuteWorkflow(ctx, subject, tenantID, def.LogicalName, payload)
		if err != nil {
			log.Printf("trigger %s/%s: workflow %s failed to start: %v", kind, entity, def.LogicalName, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		runs = append(runs, run)
	}
	return runs, firstErr
}

// ExecuteClaimedJob runs the step tree for a job a worker has already
// claimed and reports the outcome back to the queue store with the lease
// token the job was claimed under, so a stale worker can never complete or
// fail a job it no longer holds. A CAS miss on complete/fail means the
// lease was lost to a newer holder: it is logged and discarded, never
// surfaced as a failure.
func (o *RunOrchestrator) ExecuteClaimedJob(ctx context.Context, job ClaimedJob) error {
	if o.mode != ModeQueued {
		return NewValidationError("execute claimed job called while not in queued execution mode")
	}
	if job.LeaseToken == "" {
		return NewValidationError("claimed job is missing its lease token")
	}

	_, runErr := o.executeAttempt(ctx, job.TenantID, job.RunID, job.Workflow, job.TriggerPayload)
	if runErr == nil {
		if err := o.store.CompleteJob(ctx, job.JobID, job.LeaseToken); err != nil {
			if KindOf(err) == ErrConflict {
				log.Printf("run %s: lease lost before complete, another holder is authoritative", job.RunID)
				return nil
			}
			return err
		}
		return o.store.CompleteRun(ctx, job.TenantID, job.RunID, RunSucceeded, nil)
	}

	retryable := KindOf(runErr) == ErrInternal
	nextAttempt := time.Now().Add(computeBackoff(job.AttemptCount))
	if err := o.store.FailJob(ctx, job.JobID, job.LeaseToken, retryable, nextAttempt); err != nil {
		if KindOf(err) == ErrConflict {
			log.Printf("run %s: lease lost before fail, another holder is authoritative", job.RunID)
			return nil
		}
		return WrapInternal("fail job after execution error", err)
	}

	if retryable && job.AttemptCount < job.MaxAttempts {
		_ = o.store.UpdateRunStatus(ctx, job.TenantID, job.RunID, RunPending)
	} else {
		reason := fmt.Sprintf("exhausted %d attempts: %s", job.AttemptCount, runErr.Error())
		if !retryable {
			reason = runErr.Error()
		}
		_ = o.store.CompleteRun(ctx, job.TenantID, job.RunID, RunDeadLettered, &reason)
	}
	return runErr
}

// executeAttempt interprets def's effective step tree against payload and
// appends the resulting attempt. The run's terminal status is the caller's
// decision: inline and queued execution exhaust attempts differently.
func (o *RunOrchestrator) executeAttempt(ctx context.Context, tenantID TenantID, runID string, def WorkflowDefinition, payload JSONObject) (int, error) {
	run, err := o.store.FindRun(ctx, tenantID, runID)
	if err != nil {
		return 0, err
	}
	if err := o.store.UpdateRunStatus(ctx, tenantID, runID, RunRunning); err != nil {
		return 0, err
	}

	traces, runErr := o.interpreter.Run(ctx, tenantID, runID, def.EffectiveSteps(), payload)

	attemptNumber := run.Attempts + 1
	attempt := RunAttempt{
		RunID:         runID,
		AttemptNumber: attemptNumber,
		ExecutedAt:    time.Now(),
		StepTraces:    traces,
	}
	if runErr != nil {
		msg := runErr.Error()
		attempt.Status = AttemptFailed
		attempt.ErrorMessage = &msg
	} else {
		attempt.Status = AttemptSucceeded
	}
	if err := o.store.AppendRunAttempt(ctx, tenantID, attempt); err != nil {
		return attemptNumber, err
	}
	return attemptNumber, runErr
}

// QueueStats answers a stats query through the two-tier cache. On a miss,
// the store query and the cache write are guarded by a short lease on the
// query's scope key so concurrent misses across nodes collapse to one
// writer. A caller that loses the lease race still reads the store
// directly and only skips back-filling the cache; reads never block on
// another key's write.
func (o *RunOrchestrator) QueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery, ttlSeconds int) (QueueStats, error) {
	cacheable := o.statsCache != nil && ttlSeconds > 0
	if cacheable {
		if cached, err := o.statsCache.GetQueueStats(ctx, tenantID, query); err == nil && cached != nil {
			return *cached, nil
		}
	}

	var held *Lease
	if cacheable && o.lease != nil {
		scope := "queue-stats:" + statsCacheKey(tenantID, query)
		held, _ = o.lease.TryAcquireLease(ctx, scope, uuid.NewString(), ttlSeconds)
	}

	stats, err := o.store.QueueStats(ctx, tenantID, query)
	if err != nil {
		if held != nil {
			_ = o.lease.ReleaseLease(ctx, *held)
		}
		return QueueStats{}, err
	}
	if cacheable && (o.lease == nil || held != nil) {
		_ = o.statsCache.SetQueueStats(ctx, tenantID, query, stats, ttlSeconds)
	}
	if held != nil {
		_ = o.lease.ReleaseLease(ctx, *held)
	}
	return stats, nil
}

// partitionHashFor derives a stable shard key for a run id, the same
// fnv-style fold the worker API's partition predicate pushdown relies on.
func partitionHashFor(runID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(runID); i++ {
		h ^= uint32(runID[i])
		h *= 16777619
	}
	return h
}

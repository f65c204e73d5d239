package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// InMemoryQueueStore is a mutex-guarded map implementation of QueueStore,
// used by unit tests and single-process deployments that don't want a
// database behind them.
type InMemoryQueueStore struct {
	mu sync.Mutex

	workflows map[string]WorkflowDefinition // key: tenantID+logicalName
	runs      map[string]WorkflowRun        // key: tenantID+runID
	attempts  map[string][]RunAttempt       // key: tenantID+runID
	jobs      map[string]*QueueJob          // key: jobID
	workers   map[string]WorkerHeartbeat
}

// NewInMemoryQueueStore builds an empty in-memory queue store.
func NewInMemoryQueueStore() *InMemoryQueueStore {
	return &InMemoryQueueStore{
		workflows: make(map[string]WorkflowDefinition),
		runs:      make(map[string]WorkflowRun),
		attempts:  make(map[string][]RunAttempt),
		jobs:      make(map[string]*QueueJob),
		workers:   make(map[string]WorkerHeartbeat),
	}
}

func workflowKey(tenantID TenantID, logicalName string) string {
	return tenantID.String() + "/" + logicalName
}

func runKey(tenantID TenantID, runID string) string {
	return tenantID.String() + "/" + runID
}

func (s *InMemoryQueueStore) SaveWorkflow(ctx context.Context, def WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflowKey(def.TenantID, def.LogicalName)] = def
	return nil
}

func (s *InMemoryQueueStore) FindWorkflow(ctx context.Context, tenantID TenantID, logicalName string) (*WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[workflowKey(tenantID, logicalName)]
	if !ok {
		return nil, NewNotFoundError("workflow not found: " + logicalName)
	}
	return &def, nil
}

func (s *InMemoryQueueStore) ListWorkflows(ctx context.Context, tenantID TenantID) ([]WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkflowDefinition
	for _, def := range s.workflows {
		if def.TenantID == tenantID {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

func (s *InMemoryQueueStore) ListEnabledWorkflowsForTrigger(ctx context.Context, tenantID TenantID, kind TriggerKind, entity string) ([]WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkflowDefinition
	for _, def := range s.workflows {
		if def.TenantID != tenantID || !def.IsEnabled || def.Trigger.Kind != kind {
			continue
		}
		if def.Trigger.IsRecordScoped() && def.Trigger.Entity != entity {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

func (s *InMemoryQueueStore) CreateRun(ctx context.Context, run WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey(run.TenantID, run.RunID)] = run
	return nil
}

func (s *InMemoryQueueStore) FindRun(ctx context.Context, tenantID TenantID, runID string) (*WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, NewNotFoundError("run not found: " + runID)
	}
	return &run, nil
}

func (s *InMemoryQueueStore) ListRuns(ctx context.Context, tenantID TenantID, workflowLogicalName string, limit int) ([]WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkflowRun
	for _, run := range s.runs {
		if run.TenantID != tenantID {
			continue
		}
		if workflowLogicalName != "" && run.WorkflowLogicalName != workflowLogicalName {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryQueueStore) UpdateRunStatus(ctx context.Context, tenantID TenantID, runID string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(tenantID, runID)
	run, ok := s.runs[key]
	if !ok {
		return NewNotFoundError("run not found: " + runID)
	}
	run.Status = status
	s.runs[key] = run
	return nil
}

func (s *InMemoryQueueStore) CompleteRun(ctx context.Context, tenantID TenantID, runID string, status RunStatus, deadLetterReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(tenantID, runID)
	run, ok := s.runs[key]
	if !ok {
		return NewNotFoundError("run not found: " + runID)
	}
	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.DeadLetterReason = deadLetterReason
	s.runs[key] = run
	return nil
}

func (s *InMemoryQueueStore) AppendRunAttempt(ctx context.Context, tenantID TenantID, attempt RunAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(tenantID, attempt.RunID)
	s.attempts[key] = append(s.attempts[key], attempt)

	run, ok := s.runs[key]
	if ok {
		run.Attempts = len(s.attempts[key])
		s.runs[key] = run
	}
	return nil
}

func (s *InMemoryQueueStore) ListRunAttempts(ctx context.Context, tenantID TenantID, runID string) ([]RunAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]RunAttempt{}, s.attempts[runKey(tenantID, runID)]...)
	return out, nil
}

func (s *InMemoryQueueStore) EnqueueRunJob(ctx context.Context, job QueueJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.RunID == job.RunID && (existing.Status == JobPending || existing.Status == JobLeased) {
			return NewConflictError("a non-terminal queue job already exists for run " + job.RunID)
		}
	}
	if job.JobID == "" {
		job.JobID = newRandomID()
	}
	job.Status = JobPending
	s.jobs[job.JobID] = &job
	return nil
}

func (s *InMemoryQueueStore) ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *ClaimPartition) ([]ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []*QueueJob
	for _, job := range s.jobs {
		due := job.Status == JobPending && !job.NextAttemptAt.After(now)
		expired := job.Status == JobLeased && job.LeasedUntil != nil && job.LeasedUntil.Before(now)
		if !due && !expired {
			continue
		}
		if partition != nil && !partition.Matches(job.PartitionHash) {
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].NextAttemptAt.Equal(eligible[j].NextAttemptAt) {
			return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
		}
		return eligible[i].JobID < eligible[j].JobID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]ClaimedJob, 0, len(eligible))
	for _, job := range eligible {
		token := newRandomID()
		deadline := now.Add(time.Duration(leaseSeconds) * time.Second)
		job.Status = JobLeased
		job.LeaseToken = &token
		job.WorkerID = &workerID
		job.LeasedUntil = &deadline
		job.AttemptCount++

		run := s.runs[runKey(job.TenantID, job.RunID)]
		def := s.workflows[workflowKey(job.TenantID, run.WorkflowLogicalName)]
		claimed = append(claimed, ClaimedJob{
			JobID:          job.JobID,
			LeaseToken:     token,
			TenantID:       job.TenantID,
			RunID:          job.RunID,
			AttemptCount:   job.AttemptCount,
			MaxAttempts:    job.MaxAttempts,
			Workflow:       def,
			TriggerPayload: run.TriggerPayload,
		})
	}
	return claimed, nil
}

func (s *InMemoryQueueStore) CompleteJob(ctx context.Context, jobID string, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return NewNotFoundError("job not found: " + jobID)
	}
	if job.LeaseToken == nil || *job.LeaseToken != leaseToken {
		return NewConflictError("lease token mismatch on complete")
	}
	job.Status = JobCompleted
	job.LeaseToken = nil
	job.WorkerID = nil
	job.LeasedUntil = nil
	return nil
}

func (s *InMemoryQueueStore) FailJob(ctx context.Context, jobID string, leaseToken string, retryable bool, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return NewNotFoundError("job not found: " + jobID)
	}
	if job.LeaseToken == nil || *job.LeaseToken != leaseToken {
		return NewConflictError("lease token mismatch on fail")
	}
	job.LeaseToken = nil
	job.WorkerID = nil
	job.LeasedUntil = nil
	if retryable && job.AttemptCount < job.MaxAttempts {
		job.Status = JobPending
		job.NextAttemptAt = nextAttemptAt
	} else {
		job.Status = JobFailed
	}
	return nil
}

func (s *InMemoryQueueStore) UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = time.Now()
	}
	s.workers[hb.WorkerID] = hb
	return nil
}

func (s *InMemoryQueueStore) QueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats QueueStats
	now := time.Now()
	for _, job := range s.jobs {
		if tenantID != (TenantID{}) && job.TenantID != tenantID {
			continue
		}
		if query.Partition != nil && !query.Partition.Matches(job.PartitionHash) {
			continue
		}
		switch job.Status {
		case JobPending:
			stats.PendingJobs++
		case JobLeased:
			if job.LeasedUntil != nil && job.LeasedUntil.Before(now) {
				stats.ExpiredLeases++
			} else {
				stats.LeasedJobs++
			}
		case JobCompleted:
			stats.CompletedJobs++
		case JobFailed:
			stats.FailedJobs++
		}
	}
	window := time.Duration(query.ActiveWindowSeconds) * time.Second
	for _, hb := range s.workers {
		if now.Sub(hb.LastSeenAt) <= window {
			stats.ActiveWorkers++
		}
	}
	return stats, nil
}

// newRandomID returns a cryptographically random 128-bit hex identifier,
// used both as the in-memory store's job id and as its fencing token.
func newRandomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

package workflow

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresQueueStore is the durable QueueStore backed by Postgres. Claims
// run inside a FOR UPDATE SKIP LOCKED transaction so two concurrent callers
// never select the same row, and complete/fail are fencing-token CAS
// updates rather than bare worker-id checks.
type PostgresQueueStore struct {
	db *sql.DB
}

// NewPostgresQueueStore wraps an already-connected, migrated *sql.DB.
func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

// newFencingToken returns a cryptographically random 128-bit hex token,
// stamped on every successful claim.
func newFencingToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", WrapInternal("generate fencing token", err)
	}
	return hex.EncodeToString(buf), nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// breach (SQLSTATE 23505), the signal EnqueueRunJob maps to a Conflict.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, WrapInternal("marshal json column", err)
	}
	return b, nil
}

func (s *PostgresQueueStore) SaveWorkflow(ctx context.Context, def WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	triggerJSON, err := marshalJSON(def.Trigger)
	if err != nil {
		return err
	}
	actionJSON, err := marshalJSON(def.Action)
	if err != nil {
		return err
	}
	stepsJSON, err := marshalJSON(def.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(tenant_id, logical_name, display_name, description, trigger, action, steps, max_attempts, is_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (tenant_id, logical_name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			trigger = EXCLUDED.trigger,
			action = EXCLUDED.action,
			steps = EXCLUDED.steps,
			max_attempts = EXCLUDED.max_attempts,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = NOW()
	`, def.TenantID, def.LogicalName, def.DisplayName, def.Description, triggerJSON, actionJSON, stepsJSON, def.MaxAttempts, def.IsEnabled)
	if err != nil {
		return WrapInternal("save workflow", err)
	}
	return nil
}

func scanWorkflowDefinition(row interface {
	Scan(dest ...any) error
}) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	var triggerJSON, actionJSON, stepsJSON []byte
	err := row.Scan(&def.TenantID, &def.LogicalName, &def.DisplayName, &def.Description,
		&triggerJSON, &actionJSON, &stepsJSON, &def.MaxAttempts, &def.IsEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("workflow not found")
	}
	if err != nil {
		return nil, WrapInternal("scan workflow definition", err)
	}
	if err := json.Unmarshal(triggerJSON, &def.Trigger); err != nil {
		return nil, WrapInternal("decode workflow trigger", err)
	}
	if err := json.Unmarshal(actionJSON, &def.Action); err != nil {
		return nil, WrapInternal("decode workflow action", err)
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, WrapInternal("decode workflow steps", err)
	}
	return &def, nil
}

const selectWorkflowColumns = `tenant_id, logical_name, display_name, description, trigger, action, steps, max_attempts, is_enabled`

func (s *PostgresQueueStore) FindWorkflow(ctx context.Context, tenantID TenantID, logicalName string) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectWorkflowColumns+` FROM workflow_definitions WHERE tenant_id = $1 AND logical_name = $2`, tenantID, logicalName)
	return scanWorkflowDefinition(row)
}

func (s *PostgresQueueStore) ListWorkflows(ctx context.Context, tenantID TenantID) ([]WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectWorkflowColumns+` FROM workflow_definitions WHERE tenant_id = $1 ORDER BY logical_name`, tenantID)
	if err != nil {
		return nil, WrapInternal("list workflows", err)
	}
	defer rows.Close()
	var out []WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) ListEnabledWorkflowsForTrigger(ctx context.Context, tenantID TenantID, kind TriggerKind, entity string) ([]WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectWorkflowColumns+` FROM workflow_definitions
		WHERE tenant_id = $1 AND is_enabled = TRUE AND trigger->>'type' = $2
		  AND (trigger->>'entity' IS NULL OR trigger->>'entity' = $3)
		ORDER BY logical_name
	`, tenantID, string(kind), entity)
	if err != nil {
		return nil, WrapInternal("list enabled workflows for trigger", err)
	}
	defer rows.Close()
	var out []WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) CreateRun(ctx context.Context, run WorkflowRun) error {
	triggerJSON, err := marshalJSON(run.Trigger)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalJSON(run.TriggerPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(run_id, tenant_id, workflow_logical_name, trigger, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.RunID, run.TenantID, run.WorkflowLogicalName, triggerJSON, payloadJSON, run.Status, run.Attempts, run.DeadLetterReason, run.StartedAt, run.FinishedAt)
	if err != nil {
		return WrapInternal("create run", err)
	}
	return nil
}

const selectRunColumns = `run_id, tenant_id, workflow_logical_name, trigger, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at`

func scanRun(row interface{ Scan(dest ...any) error }) (*WorkflowRun, error) {
	var run WorkflowRun
	var triggerJSON, payloadJSON []byte
	err := row.Scan(&run.RunID, &run.TenantID, &run.WorkflowLogicalName, &triggerJSON, &payloadJSON,
		&run.Status, &run.Attempts, &run.DeadLetterReason, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("run not found")
	}
	if err != nil {
		return nil, WrapInternal("scan run", err)
	}
	if err := json.Unmarshal(triggerJSON, &run.Trigger); err != nil {
		return nil, WrapInternal("decode run trigger", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &run.TriggerPayload); err != nil {
			return nil, WrapInternal("decode run trigger payload", err)
		}
	}
	return &run, nil
}

func (s *PostgresQueueStore) FindRun(ctx context.Context, tenantID TenantID, runID string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectRunColumns+` FROM workflow_runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	return scanRun(row)
}

func (s *PostgresQueueStore) ListRuns(ctx context.Context, tenantID TenantID, workflowLogicalName string, limit int) ([]WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectRunColumns+` FROM workflow_runs
		WHERE tenant_id = $1 AND ($2 = '' OR workflow_logical_name = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, tenantID, workflowLogicalName, limit)
	if err != nil {
		return nil, WrapInternal("list runs", err)
	}
	defer rows.Close()
	var out []WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) UpdateRunStatus(ctx context.Context, tenantID TenantID, runID string, status RunStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1 WHERE tenant_id = $2 AND run_id = $3
	`, status, tenantID, runID)
	if err != nil {
		return WrapInternal("update run status", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewNotFoundError("run not found: " + runID)
	}
	return nil
}

func (s *PostgresQueueStore) CompleteRun(ctx context.Context, tenantID TenantID, runID string, status RunStatus, deadLetterReason *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1, dead_letter_reason = $2, finished_at = NOW()
		WHERE tenant_id = $3 AND run_id = $4
	`, status, deadLetterReason, tenantID, runID)
	if err != nil {
		return WrapInternal("complete run", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewNotFoundError("run not found: " + runID)
	}
	return nil
}

func (s *PostgresQueueStore) AppendRunAttempt(ctx context.Context, tenantID TenantID, attempt RunAttempt) error {
	tracesJSON, err := marshalJSON(attempt.StepTraces)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapInternal("begin append attempt transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_run_attempts (run_id, tenant_id, attempt_number, status, error_message, executed_at, step_traces)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.RunID, tenantID, attempt.AttemptNumber, attempt.Status, attempt.ErrorMessage, attempt.ExecutedAt, tracesJSON)
	if err != nil {
		return WrapInternal("append run attempt", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE workflow_runs SET attempts = $1 WHERE tenant_id = $2 AND run_id = $3`,
		attempt.AttemptNumber, tenantID, attempt.RunID)
	if err != nil {
		return WrapInternal("update run attempt count", err)
	}

	return tx.Commit()
}

func (s *PostgresQueueStore) ListRunAttempts(ctx context.Context, tenantID TenantID, runID string) ([]RunAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, attempt_number, status, error_message, executed_at, step_traces
		FROM workflow_run_attempts WHERE tenant_id = $1 AND run_id = $2 ORDER BY attempt_number
	`, tenantID, runID)
	if err != nil {
		return nil, WrapInternal("list run attempts", err)
	}
	defer rows.Close()
	var out []RunAttempt
	for rows.Next() {
		var a RunAttempt
		var tracesJSON []byte
		if err := rows.Scan(&a.RunID, &a.AttemptNumber, &a.Status, &a.ErrorMessage, &a.ExecutedAt, &tracesJSON); err != nil {
			return nil, WrapInternal("scan run attempt", err)
		}
		if len(tracesJSON) > 0 {
			if err := json.Unmarshal(tracesJSON, &a.StepTraces); err != nil {
				return nil, WrapInternal("decode step traces", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) EnqueueRunJob(ctx context.Context, job QueueJob) error {
	if job.JobID == "" {
		token, err := newFencingToken()
		if err != nil {
			return err
		}
		job.JobID = token
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_queue_jobs
			(job_id, tenant_id, run_id, workflow_logical_name, status, attempt_count, max_attempts, next_attempt_at, partition_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.JobID, job.TenantID, job.RunID, job.WorkflowLogicalName, JobPending, job.AttemptCount, job.MaxAttempts, job.NextAttemptAt, job.PartitionHash)
	if isUniqueViolation(err) {
		return NewConflictError("a non-terminal queue job already exists for run " + job.RunID)
	}
	if err != nil {
		return WrapInternal("enqueue run job", err)
	}
	return nil
}

// ClaimJobs claims up to limit due jobs for workerID using
// SELECT ... FOR UPDATE SKIP LOCKED ordered by (next_attempt_at, job_id),
// stamping a fresh fencing token on each claimed row.
func (s *PostgresQueueStore) ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *ClaimPartition) ([]ClaimedJob, error) {
	if limit <= 0 || leaseSeconds <= 0 {
		return nil, NewValidationError("limit and lease_seconds must be greater than zero")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, WrapInternal("begin claim transaction", err)
	}
	defer tx.Rollback()

	// Rows whose lease has lapsed are eligible again alongside pending rows:
	// expiry is recovered here, not by a sweep, and the fresh token fences
	// out the previous holder's complete/fail.
	query := `
		SELECT q.job_id, q.tenant_id, q.run_id, q.workflow_logical_name, q.attempt_count, q.max_attempts,
		       r.trigger_payload, d.tenant_id, d.logical_name, d.display_name, d.description, d.trigger, d.action, d.steps, d.max_attempts, d.is_enabled
		FROM workflow_queue_jobs q
		JOIN workflow_runs r ON r.tenant_id = q.tenant_id AND r.run_id = q.run_id
		JOIN workflow_definitions d ON d.tenant_id = q.tenant_id AND d.logical_name = q.workflow_logical_name
		WHERE ((q.status = 'pending' AND q.next_attempt_at <= NOW())
		    OR (q.status = 'leased' AND q.leased_until < NOW()))
	`
	args := []any{}
	if partition != nil {
		query += fmt.Sprintf(" AND q.partition_hash %% $%d = $%d", len(args)+1, len(args)+2)
		args = append(args, partition.Count, partition.Index)
	}
	query += fmt.Sprintf(" ORDER BY q.next_attempt_at ASC, q.job_id ASC FOR UPDATE OF q SKIP LOCKED LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapInternal("select claimable jobs", err)
	}

	type rawRow struct {
		jobID, tenantID, runID, workflowLogicalName string
		attemptCount, jobMaxAttempts                int
		payloadJSON                                 []byte
		defTenantID                                 TenantID
		logicalName, displayName                    string
		description                                 *string
		triggerJSON, actionJSON, stepsJSON          []byte
		maxAttempts                                 int
		isEnabled                                   bool
	}
	var raws []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.jobID, &r.tenantID, &r.runID, &r.workflowLogicalName, &r.attemptCount, &r.jobMaxAttempts,
			&r.payloadJSON, &r.defTenantID, &r.logicalName, &r.displayName, &r.description,
			&r.triggerJSON, &r.actionJSON, &r.stepsJSON, &r.maxAttempts, &r.isEnabled); err != nil {
			rows.Close()
			return nil, WrapInternal("scan claimable job", err)
		}
		raws = append(raws, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, WrapInternal("iterate claimable jobs", err)
	}
	if len(raws) == 0 {
		return nil, tx.Commit()
	}

	claimed := make([]ClaimedJob, 0, len(raws))
	jobIDs := make([]string, 0, len(raws))
	tokens := make([]string, 0, len(raws))
	leasedUntil := time.Now().Add(time.Duration(leaseSeconds) * time.Second)

	for _, r := range raws {
		token, err := newFencingToken()
		if err != nil {
			return nil, err
		}
		def := WorkflowDefinition{
			TenantID:    r.defTenantID,
			LogicalName: r.logicalName,
			DisplayName: r.displayName,
			Description: r.description,
			MaxAttempts: r.maxAttempts,
			IsEnabled:   r.isEnabled,
		}
		if err := json.Unmarshal(r.triggerJSON, &def.Trigger); err != nil {
			return nil, WrapInternal("decode claimed workflow trigger", err)
		}
		if err := json.Unmarshal(r.actionJSON, &def.Action); err != nil {
			return nil, WrapInternal("decode claimed workflow action", err)
		}
		if err := json.Unmarshal(r.stepsJSON, &def.Steps); err != nil {
			return nil, WrapInternal("decode claimed workflow steps", err)
		}
		var payload JSONObject
		if len(r.payloadJSON) > 0 {
			if err := json.Unmarshal(r.payloadJSON, &payload); err != nil {
				return nil, WrapInternal("decode claimed trigger payload", err)
			}
		}

		claimed = append(claimed, ClaimedJob{
			JobID:          r.jobID,
			LeaseToken:     token,
			TenantID:       def.TenantID,
			RunID:          r.runID,
			AttemptCount:   r.attemptCount + 1,
			MaxAttempts:    r.jobMaxAttempts,
			Workflow:       def,
			TriggerPayload: payload,
		})
		jobIDs = append(jobIDs, r.jobID)
		tokens = append(tokens, token)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_queue_jobs AS q
		SET status = 'leased', worker_id = $1, lease_token = t.token, leased_until = $2, attempt_count = q.attempt_count + 1
		FROM unnest($3::text[], $4::text[]) AS t(job_id, token)
		WHERE q.job_id = t.job_id
	`, workerID, leasedUntil, pq.Array(jobIDs), pq.Array(tokens))
	if err != nil {
		return nil, WrapInternal("stamp claimed jobs", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, WrapInternal("commit claim transaction", err)
	}
	return claimed, nil
}

func (s *PostgresQueueStore) CompleteJob(ctx context.Context, jobID string, leaseToken string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_queue_jobs SET status = 'completed', lease_token = NULL, worker_id = NULL, leased_until = NULL
		WHERE job_id = $1 AND lease_token = $2
	`, jobID, leaseToken)
	if err != nil {
		return WrapInternal("complete job", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewConflictError("lease token mismatch or job not found on complete")
	}
	return nil
}

func (s *PostgresQueueStore) FailJob(ctx context.Context, jobID string, leaseToken string, retryable bool, nextAttemptAt time.Time) error {
	var result sql.Result
	var err error
	if retryable {
		result, err = s.db.ExecContext(ctx, `
			UPDATE workflow_queue_jobs SET
				status = CASE WHEN attempt_count < max_attempts THEN 'pending' ELSE 'failed' END,
				lease_token = NULL, worker_id = NULL, leased_until = NULL, next_attempt_at = $3
			WHERE job_id = $1 AND lease_token = $2
		`, jobID, leaseToken, nextAttemptAt)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE workflow_queue_jobs SET status = 'failed', lease_token = NULL, worker_id = NULL, leased_until = NULL
			WHERE job_id = $1 AND lease_token = $2
		`, jobID, leaseToken)
	}
	if err != nil {
		return WrapInternal("fail job", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewConflictError("lease token mismatch or job not found on fail")
	}
	return nil
}

func (s *PostgresQueueStore) UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_worker_heartbeats
			(worker_id, last_seen_at, claimed_jobs, executed_jobs, failed_jobs, partition_count, partition_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			claimed_jobs = EXCLUDED.claimed_jobs,
			executed_jobs = EXCLUDED.executed_jobs,
			failed_jobs = EXCLUDED.failed_jobs,
			partition_count = EXCLUDED.partition_count,
			partition_index = EXCLUDED.partition_index
	`, hb.WorkerID, hb.LastSeenAt, hb.ClaimedJobs, hb.ExecutedJobs, hb.FailedJobs, hb.PartitionCount, hb.PartitionIndex)
	if err != nil {
		return WrapInternal("upsert worker heartbeat", err)
	}
	return nil
}

// QueueStats reports the six queue-observability counters. The
// worker-facing stats endpoint has no tenant in its request shape, since
// workers claim across every tenant's partition space, so the zero
// TenantID is treated as "no tenant filter" (system-wide aggregate); any
// non-zero tenantID scopes the counters to that tenant for tenant-facing
// dashboards built on top of this same port.
func (s *PostgresQueueStore) QueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (QueueStats, error) {
	var stats QueueStats
	predicate := ""
	args := []any{}
	if tenantID != (TenantID{}) {
		args = append(args, tenantID)
		predicate += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if query.Partition != nil {
		predicate += fmt.Sprintf(" AND partition_hash %% $%d = $%d", len(args)+1, len(args)+2)
		args = append(args, query.Partition.Count, query.Partition.Index)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'leased' AND leased_until >= NOW()),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'leased' AND leased_until < NOW())
		FROM workflow_queue_jobs
		WHERE TRUE`+predicate, args...)
	if err := row.Scan(&stats.PendingJobs, &stats.LeasedJobs, &stats.CompletedJobs, &stats.FailedJobs, &stats.ExpiredLeases); err != nil {
		return stats, WrapInternal("query queue stats", err)
	}

	activeSince := time.Now().Add(-time.Duration(query.ActiveWindowSeconds) * time.Second)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_worker_heartbeats WHERE last_seen_at >= $1`, activeSince).Scan(&stats.ActiveWorkers); err != nil {
		return stats, WrapInternal("query active workers", err)
	}
	return stats, nil
}

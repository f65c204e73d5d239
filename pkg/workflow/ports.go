package workflow

import (
	"context"
	"time"
)

// QueueStore is the durable persistence port for workflow definitions,
// runs, attempts, traces, and the job queue itself.
type QueueStore interface {
	SaveWorkflow(ctx context.Context, def WorkflowDefinition) error
	FindWorkflow(ctx context.Context, tenantID TenantID, logicalName string) (*WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, tenantID TenantID) ([]WorkflowDefinition, error)
	ListEnabledWorkflowsForTrigger(ctx context.Context, tenantID TenantID, kind TriggerKind, entity string) ([]WorkflowDefinition, error)

	CreateRun(ctx context.Context, run WorkflowRun) error
	FindRun(ctx context.Context, tenantID TenantID, runID string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, tenantID TenantID, workflowLogicalName string, limit int) ([]WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, tenantID TenantID, runID string, status RunStatus) error
	CompleteRun(ctx context.Context, tenantID TenantID, runID string, status RunStatus, deadLetterReason *string) error

	AppendRunAttempt(ctx context.Context, tenantID TenantID, attempt RunAttempt) error
	ListRunAttempts(ctx context.Context, tenantID TenantID, runID string) ([]RunAttempt, error)

	EnqueueRunJob(ctx context.Context, job QueueJob) error
	ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *ClaimPartition) ([]ClaimedJob, error)
	CompleteJob(ctx context.Context, jobID string, leaseToken string) error
	FailJob(ctx context.Context, jobID string, leaseToken string, retryable bool, nextAttemptAt time.Time) error

	UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error
	QueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (QueueStats, error)
}

// Lease is a held distributed mutex: a scope key, the fencing token the
// holder was granted, and when it must be renewed or released.
type Lease struct {
	ScopeKey string
	Token    string
	Deadline time.Time
}

// LeaseCoordinator is the optional distributed-mutex port. Implementations
// must make acquire/release/renew atomic compare-and-swap operations keyed
// by Token, never by wall-clock comparison alone.
type LeaseCoordinator interface {
	TryAcquireLease(ctx context.Context, scopeKey, holderID string, leaseSeconds int) (*Lease, error)
	ReleaseLease(ctx context.Context, lease Lease) error
	RenewLease(ctx context.Context, lease Lease, leaseSeconds int) (bool, error)
}

// ActionDispatchKind tags an integration dispatch request's transport.
type ActionDispatchKind string

const (
	DispatchHTTPRequest ActionDispatchKind = "http_request"
	DispatchWebhook     ActionDispatchKind = "webhook"
	DispatchEmail       ActionDispatchKind = "email"
)

// IntegrationDispatchTypeFor maps an action/step's integration type string
// to an ActionDispatchKind, or (("", false)) if the string names no known
// integration.
func IntegrationDispatchTypeFor(name string) (ActionDispatchKind, bool) {
	switch name {
	case "integration_http_request":
		return DispatchHTTPRequest, true
	case "webhook_dispatch":
		return DispatchWebhook, true
	case "email_outbox":
		return DispatchEmail, true
	default:
		return "", false
	}
}

// ActionDispatchRequest is a single outbound integration call shaped by the
// orchestrator and handed to an ActionDispatcher.
type ActionDispatchRequest struct {
	Kind           ActionDispatchKind
	RunID          string
	StepPath       string
	IdempotencyKey string
	Payload        JSONObject
}

// ActionDispatcher is the integration egress port.
type ActionDispatcher interface {
	DispatchAction(ctx context.Context, req ActionDispatchRequest) error
}

// StatsCache is the optional two-tier queue-stats cache port.
type StatsCache interface {
	GetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (*QueueStats, error)
	SetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery, stats QueueStats, ttlSeconds int) error
}

// Permission enumerates the workflow-relevant authorization checks.
type Permission string

const (
	PermissionWorkflowRead   Permission = "workflow:read"
	PermissionWorkflowManage Permission = "workflow:manage"
)

// AuthorizationGate is the external authorization port every public
// orchestrator operation is checked against.
type AuthorizationGate interface {
	RequirePermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) error
	HasPermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) (bool, error)
}

// RuntimeRecordService is the external entity-record port a
// CreateRuntimeRecord step dispatches to for non-integration entities.
type RuntimeRecordService interface {
	CreateRuntimeRecordUnchecked(ctx context.Context, tenantID TenantID, entityLogicalName string, data JSONObject) error
}

// AuditAction tags an AuditRepository entry.
type AuditAction string

const (
	AuditWorkflowSaved    AuditAction = "workflow_saved"
	AuditWorkflowExecuted AuditAction = "workflow_executed"
)

// AuditEvent is a single audit-log entry appended by workflow operations.
type AuditEvent struct {
	TenantID TenantID
	Subject  string
	Action   AuditAction
	Detail   JSONObject
}

// AuditRepository is the external audit-log sink port.
type AuditRepository interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
}

// EmailSender is the pluggable delivery seam email_outbox dispatch shapes
// its request for; actual SMTP/provider delivery is out of scope.
type EmailSender interface {
	SendEmail(ctx context.Context, payload JSONObject) error
}

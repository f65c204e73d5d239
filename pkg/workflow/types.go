// Package workflow implements the durable, partitioned workflow execution
// subsystem: job queue, step interpreter, and run/attempt/trace ledger.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// TenantID is the opaque 128-bit tenant partition key carried by every row.
type TenantID = uuid.UUID

// JSONObject is a semi-structured JSON object. The interpreter never
// assumes more structure than map lookup, array indexing, and value
// equality over this shape.
type JSONObject = map[string]any

// TriggerKind tags the WorkflowTrigger variant.
type TriggerKind string

const (
	TriggerRecordCreated TriggerKind = "record_created"
	TriggerRecordUpdated TriggerKind = "record_updated"
	TriggerRecordDeleted TriggerKind = "record_deleted"
	TriggerSchedule      TriggerKind = "schedule"
	TriggerManual        TriggerKind = "manual"
)

// WorkflowTrigger is the tagged variant describing what fires a workflow.
// Entity is populated iff Kind is one of the record-scoped variants; Key is
// populated iff Kind is TriggerSchedule.
type WorkflowTrigger struct {
	Kind   TriggerKind `json:"type"`
	Entity string      `json:"entity,omitempty"`
	Key    string      `json:"key,omitempty"`
}

// IsRecordScoped reports whether this trigger variant carries a trigger entity.
func (t WorkflowTrigger) IsRecordScoped() bool {
	switch t.Kind {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted:
		return true
	default:
		return false
	}
}

// Validate enforces that a trigger entity is present exactly when the
// trigger is a record-scoped variant.
func (t WorkflowTrigger) Validate() error {
	switch t.Kind {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted:
		if t.Entity == "" {
			return NewValidationError("trigger entity is required for record-scoped triggers")
		}
	case TriggerSchedule:
		if t.Key == "" {
			return NewValidationError("trigger key is required for schedule triggers")
		}
	case TriggerManual:
		// no required fields
	default:
		return NewValidationError("unknown trigger type: " + string(t.Kind))
	}
	if !t.IsRecordScoped() && t.Entity != "" {
		return NewValidationError("trigger entity is only allowed for record-scoped triggers")
	}
	return nil
}

// ActionKind tags the WorkflowAction variant.
type ActionKind string

const (
	ActionLogMessage          ActionKind = "log_message"
	ActionCreateRuntimeRecord ActionKind = "create_runtime_record"
)

// WorkflowAction is the tagged variant describing the workflow's legacy
// single-step action. It supersedes nothing once Steps is non-empty.
type WorkflowAction struct {
	Kind             ActionKind `json:"type"`
	Message          string     `json:"message,omitempty"`
	EntityLogicalName string    `json:"entity_logical_name,omitempty"`
	Data             JSONObject `json:"data,omitempty"`
}

// Validate checks required fields per action kind.
func (a WorkflowAction) Validate() error {
	switch a.Kind {
	case ActionLogMessage:
		return nil
	case ActionCreateRuntimeRecord:
		if a.EntityLogicalName == "" {
			return NewValidationError("create_runtime_record action requires entity_logical_name")
		}
		return nil
	default:
		return NewValidationError("unknown action type: " + string(a.Kind))
	}
}

// ConditionOperator enumerates the comparators a Condition step supports.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "equals"
	OperatorNotEquals ConditionOperator = "not_equals"
	OperatorExists    ConditionOperator = "exists"
)

// StepKind tags the WorkflowStep recursive variant.
type StepKind string

const (
	StepLogMessage          StepKind = "log_message"
	StepCreateRuntimeRecord StepKind = "create_runtime_record"
	StepCondition           StepKind = "condition"
)

// WorkflowStep is the recursive tagged variant that makes up a workflow's
// step tree. Only the fields relevant to Kind are populated; Validate
// enforces that.
type WorkflowStep struct {
	Kind StepKind `json:"type"`

	// LogMessage
	Message string `json:"message,omitempty"`

	// CreateRuntimeRecord
	EntityLogicalName string     `json:"entity_logical_name,omitempty"`
	Data              JSONObject `json:"data,omitempty"`

	// Condition
	FieldPath  string            `json:"field_path,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	ThenLabel  string            `json:"then_label,omitempty"`
	ElseLabel  string            `json:"else_label,omitempty"`
	ThenSteps  []WorkflowStep    `json:"then_steps,omitempty"`
	ElseSteps  []WorkflowStep    `json:"else_steps,omitempty"`
}

// maxStepNestingDepth bounds recursive step trees during validation.
const maxStepNestingDepth = 32

// Validate recursively validates a step tree, bounding nesting depth.
func (s WorkflowStep) Validate() error {
	return s.validateDepth(1)
}

func (s WorkflowStep) validateDepth(depth int) error {
	if depth > maxStepNestingDepth {
		return NewValidationError("workflow step tree exceeds maximum nesting depth")
	}
	switch s.Kind {
	case StepLogMessage:
		return nil
	case StepCreateRuntimeRecord:
		if s.EntityLogicalName == "" {
			return NewValidationError("create_runtime_record step requires entity_logical_name")
		}
		return nil
	case StepCondition:
		if s.FieldPath == "" {
			return NewValidationError("condition step requires field_path")
		}
		switch s.Operator {
		case OperatorEquals, OperatorNotEquals, OperatorExists:
		default:
			return NewValidationError("condition step has unknown operator: " + string(s.Operator))
		}
		for _, child := range s.ThenSteps {
			if err := child.validateDepth(depth + 1); err != nil {
				return err
			}
		}
		for _, child := range s.ElseSteps {
			if err := child.validateDepth(depth + 1); err != nil {
				return err
			}
		}
		return nil
	default:
		return NewValidationError("unknown step type: " + string(s.Kind))
	}
}

// WorkflowDefinition is a saved, tenant-scoped workflow configuration.
type WorkflowDefinition struct {
	TenantID    TenantID `json:"tenant_id"`
	LogicalName string   `json:"logical_name"`
	DisplayName string   `json:"display_name"`
	Description *string  `json:"description,omitempty"`

	Trigger WorkflowTrigger `json:"trigger"`
	Action  WorkflowAction  `json:"action"`
	Steps   []WorkflowStep  `json:"steps,omitempty"`

	MaxAttempts int  `json:"max_attempts"`
	IsEnabled   bool `json:"is_enabled"`
}

const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 32
	DefaultMaxAttempts = 3
)

// EffectiveSteps returns Steps when non-empty, otherwise a single step
// synthesized from Action.
func (w WorkflowDefinition) EffectiveSteps() []WorkflowStep {
	if len(w.Steps) > 0 {
		return w.Steps
	}
	switch w.Action.Kind {
	case ActionLogMessage:
		return []WorkflowStep{{Kind: StepLogMessage, Message: w.Action.Message}}
	case ActionCreateRuntimeRecord:
		return []WorkflowStep{{
			Kind:              StepCreateRuntimeRecord,
			EntityLogicalName: w.Action.EntityLogicalName,
			Data:              w.Action.Data,
		}}
	default:
		return nil
	}
}

// Validate enforces the workflow definition's structural invariants.
func (w WorkflowDefinition) Validate() error {
	if w.LogicalName == "" {
		return NewValidationError("workflow logical_name must not be empty")
	}
	if w.DisplayName == "" {
		return NewValidationError("workflow display_name must not be empty")
	}
	if w.MaxAttempts < MinMaxAttempts || w.MaxAttempts > MaxMaxAttempts {
		return NewValidationError("workflow max_attempts must be between 1 and 32")
	}
	if err := w.Trigger.Validate(); err != nil {
		return err
	}
	if len(w.Steps) == 0 {
		if err := w.Action.Validate(); err != nil {
			return err
		}
	}
	for _, step := range w.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RunStatus is the WorkflowRun state machine:
// Pending -> Running -> (Succeeded | Failed | DeadLettered).
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunDeadLettered RunStatus = "dead_lettered"
)

// WorkflowRun is one execution instance of a WorkflowDefinition.
type WorkflowRun struct {
	RunID               string          `json:"run_id"`
	TenantID            TenantID        `json:"tenant_id"`
	WorkflowLogicalName string          `json:"workflow_logical_name"`
	Trigger             WorkflowTrigger `json:"trigger"`
	TriggerPayload      JSONObject      `json:"trigger_payload,omitempty"`
	Status              RunStatus       `json:"status"`
	Attempts            int             `json:"attempts"`
	DeadLetterReason    *string         `json:"dead_letter_reason,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// AttemptStatus is a RunAttempt's terminal result.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// RunAttempt is one append-only attempt record for a WorkflowRun.
type RunAttempt struct {
	RunID         string        `json:"run_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
	StepTraces    []StepTrace   `json:"step_traces"`
}

// StepStatus is a single StepTrace node's result.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepTrace is one node of the interpreted step tree.
type StepTrace struct {
	StepPath      string     `json:"step_path"`
	StepType      StepKind   `json:"step_type"`
	Status        StepStatus `json:"status"`
	InputPayload  JSONObject `json:"input_payload,omitempty"`
	OutputPayload JSONObject `json:"output_payload,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
}

// JobStatus is the QueueJob state machine:
// Pending -> Leased -> (Completed | Failed), with an expired lease making
// the row claimable again.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// QueueJob is a scheduling record for a WorkflowRun.
type QueueJob struct {
	JobID               string     `json:"job_id"`
	TenantID            TenantID   `json:"tenant_id"`
	RunID               string     `json:"run_id"`
	WorkflowLogicalName string     `json:"workflow_logical_name"`
	Status              JobStatus  `json:"status"`
	LeaseToken          *string    `json:"lease_token,omitempty"`
	WorkerID            *string    `json:"worker_id,omitempty"`
	LeasedUntil         *time.Time `json:"leased_until,omitempty"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	NextAttemptAt       time.Time  `json:"next_attempt_at"`
	PartitionHash       uint32     `json:"partition_hash"`
}

// ClaimPartition bounds a ClaimJobs call to a single shard of the keyspace.
type ClaimPartition struct {
	Count uint32
	Index uint32
}

// Validate checks the partition count/index relationship.
func (p ClaimPartition) Validate() error {
	if p.Count == 0 {
		return NewValidationError("partition count must be greater than zero")
	}
	if p.Index >= p.Count {
		return NewValidationError("partition index must be less than partition count")
	}
	return nil
}

// Matches reports whether hash belongs to this partition.
func (p ClaimPartition) Matches(hash uint32) bool {
	return hash%p.Count == p.Index
}

// ClaimedJob is a QueueJob joined with its workflow definition and trigger
// payload, as returned to workers by ClaimJobs. AttemptCount is the count
// after the claim's own increment, so the holder can schedule backoff and
// decide terminality without re-reading the job.
type ClaimedJob struct {
	JobID          string
	LeaseToken     string
	TenantID       TenantID
	RunID          string
	AttemptCount   int
	MaxAttempts    int
	Workflow       WorkflowDefinition
	TriggerPayload JSONObject
}

// WorkerHeartbeat is the last-writer-wins row for one worker.
type WorkerHeartbeat struct {
	WorkerID       string
	LastSeenAt     time.Time
	ClaimedJobs    int64
	ExecutedJobs   int64
	FailedJobs     int64
	PartitionCount *uint32
	PartitionIndex *uint32
}

// QueueStatsQuery is the cache key for queue-stats reads.
type QueueStatsQuery struct {
	ActiveWindowSeconds uint32
	Partition           *ClaimPartition
}

// cacheKey renders a stable string key for the in-process tier-1 cache map
// (ClaimPartition is a pointer so QueueStatsQuery isn't directly comparable).
func (q QueueStatsQuery) cacheKey() string {
	if q.Partition == nil {
		return formatStatsKey(q.ActiveWindowSeconds, nil)
	}
	return formatStatsKey(q.ActiveWindowSeconds, q.Partition)
}

// QueueStats are the six queue-observability counters.
type QueueStats struct {
	PendingJobs    int64
	LeasedJobs     int64
	CompletedJobs  int64
	FailedJobs     int64
	ExpiredLeases  int64
	ActiveWorkers  int64
}

// ExecutionMode selects inline vs queued workflow execution.
type ExecutionMode string

const (
	ModeInline ExecutionMode = "inline"
	ModeQueued ExecutionMode = "queued"
)

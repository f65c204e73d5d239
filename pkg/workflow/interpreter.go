package workflow

import (
	"context"
	"fmt"
	"time"
)

// stepRuntime carries the collaborators a step tree needs while executing.
// Built once per attempt and threaded through the recursive walk, so each
// recursion level doesn't take every dependency as a bare argument.
type stepRuntime struct {
	dispatcher     ActionDispatcher
	runtimeRecords RuntimeRecordService
	runID          string
	tenantID       TenantID
	payload        JSONObject
}

// Interpreter tree-walks a workflow's effective step list against a run's
// trigger payload, producing an ordered, step-path-addressed StepTrace
// list. Evaluation is depth-first, left-to-right; a step failure halts
// evaluation of its remaining siblings but does not touch ancestors'
// already-recorded traces.
type Interpreter struct {
	dispatcher     ActionDispatcher
	runtimeRecords RuntimeRecordService
}

// NewInterpreter builds an Interpreter over the given egress ports.
func NewInterpreter(dispatcher ActionDispatcher, runtimeRecords RuntimeRecordService) *Interpreter {
	return &Interpreter{dispatcher: dispatcher, runtimeRecords: runtimeRecords}
}

// Run evaluates steps against payload and returns the full ordered trace
// list plus the first error encountered, if any. A non-nil error means the
// attempt as a whole failed; traces already collected (including the
// failing step's own trace) are still returned for the caller to persist.
func (ip *Interpreter) Run(ctx context.Context, tenantID TenantID, runID string, steps []WorkflowStep, payload JSONObject) ([]StepTrace, error) {
	rt := &stepRuntime{
		dispatcher:     ip.dispatcher,
		runtimeRecords: ip.runtimeRecords,
		runID:          runID,
		tenantID:       tenantID,
		payload:        payload,
	}
	var traces []StepTrace
	err := rt.walk(ctx, steps, "root", &traces)
	return traces, err
}

// walk evaluates a sibling list of steps under pathPrefix, appending a
// StepTrace per step to traces and stopping at the first failure.
func (rt *stepRuntime) walk(ctx context.Context, steps []WorkflowStep, pathPrefix string, traces *[]StepTrace) error {
	for i, step := range steps {
		path := fmt.Sprintf("%s.%d", pathPrefix, i)
		if err := rt.evaluateStep(ctx, step, path, traces); err != nil {
			return err
		}
	}
	return nil
}

func (rt *stepRuntime) evaluateStep(ctx context.Context, step WorkflowStep, path string, traces *[]StepTrace) error {
	start := time.Now()
	input := rt.stepInput(path)

	switch step.Kind {
	case StepLogMessage:
		*traces = append(*traces, rt.succeed(step, path, start, input, nil))
		return nil

	case StepCreateRuntimeRecord:
		// Integration entities never reach the record store: they are
		// routed to the dispatcher under the run-and-path idempotency key
		// so retried attempts converge on a single side effect.
		if kind, ok := IntegrationDispatchTypeFor(step.EntityLogicalName); ok {
			if err := rt.dispatch(ctx, kind, path, step.Data); err != nil {
				*traces = append(*traces, rt.fail(step, path, start, input, err))
				return err
			}
			*traces = append(*traces, rt.succeed(step, path, start, input, step.Data))
			return nil
		}
		if rt.runtimeRecords == nil {
			err := NewValidationError("no runtime record service configured")
			*traces = append(*traces, rt.fail(step, path, start, input, err))
			return err
		}
		if err := rt.runtimeRecords.CreateRuntimeRecordUnchecked(ctx, rt.tenantID, step.EntityLogicalName, step.Data); err != nil {
			*traces = append(*traces, rt.fail(step, path, start, input, err))
			return err
		}
		*traces = append(*traces, rt.succeed(step, path, start, input, step.Data))
		return nil

	case StepCondition:
		matched, err := evaluateCondition(rt.payload, step)
		if err != nil {
			*traces = append(*traces, rt.fail(step, path, start, input, err))
			return err
		}
		*traces = append(*traces, rt.succeedCondition(step, path, start, input, matched))

		var branch []WorkflowStep
		var branchPath string
		if matched {
			branch, branchPath = step.ThenSteps, path+".then"
		} else {
			branch, branchPath = step.ElseSteps, path+".else"
		}
		return rt.walk(ctx, branch, branchPath, traces)

	default:
		err := NewValidationError("unknown step type: " + string(step.Kind))
		*traces = append(*traces, rt.fail(step, path, start, input, err))
		return err
	}
}

// dispatch hands one integration call to the configured ActionDispatcher,
// keyed "{run_id}:{step_path}" so a retried attempt presents the same
// idempotency key for the same step.
func (rt *stepRuntime) dispatch(ctx context.Context, kind ActionDispatchKind, path string, payload JSONObject) error {
	if rt.dispatcher == nil {
		return NewValidationError("requires configured integration dispatcher")
	}
	return rt.dispatcher.DispatchAction(ctx, ActionDispatchRequest{
		Kind:           kind,
		RunID:          rt.runID,
		StepPath:       path,
		IdempotencyKey: fmt.Sprintf("%s:%s", rt.runID, path),
		Payload:        payload,
	})
}

// stepInput shallow-merges the run's trigger payload with the step's own
// addressing fields, the addressing fields winning on key collision.
func (rt *stepRuntime) stepInput(path string) JSONObject {
	input := make(JSONObject, len(rt.payload)+2)
	for k, v := range rt.payload {
		input[k] = v
	}
	input["_run_id"] = rt.runID
	input["_step_path"] = path
	return input
}

func (rt *stepRuntime) succeed(step WorkflowStep, path string, start time.Time, input, output JSONObject) StepTrace {
	durationMS := time.Since(start).Milliseconds()
	return StepTrace{
		StepPath:      path,
		StepType:      step.Kind,
		Status:        StepSucceeded,
		InputPayload:  input,
		OutputPayload: output,
		DurationMS:    &durationMS,
	}
}

// succeedCondition traces the condition node itself: always Succeeded,
// with output_payload naming which branch was taken.
func (rt *stepRuntime) succeedCondition(step WorkflowStep, path string, start time.Time, input JSONObject, matched bool) StepTrace {
	durationMS := time.Since(start).Milliseconds()
	branch := "else"
	if matched {
		branch = "then"
	}
	return StepTrace{
		StepPath:      path,
		StepType:      step.Kind,
		Status:        StepSucceeded,
		InputPayload:  input,
		OutputPayload: JSONObject{"branch": branch},
		DurationMS:    &durationMS,
	}
}

func (rt *stepRuntime) fail(step WorkflowStep, path string, start time.Time, input JSONObject, err error) StepTrace {
	durationMS := time.Since(start).Milliseconds()
	msg := err.Error()
	return StepTrace{
		StepPath:     path,
		StepType:     step.Kind,
		Status:       StepFailed,
		InputPayload: input,
		ErrorMessage: &msg,
		DurationMS:   &durationMS,
	}
}

// Package executor runs an execution's steps under the safety kernel.
// Cancellation is polled between steps, secrets resolve just-in-time and are
// zeroised when the adapter returns, per-asset mutexes are held for the
// duration of a step, budgets come from the timeout policy matrix, and all
// output is masked before it is persisted or streamed.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/cancel"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/handler"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/mutex"
	"github.com/marcus-qen/lictor/internal/plan"
	"github.com/marcus-qen/lictor/internal/secrets"
	"github.com/marcus-qen/lictor/internal/store"
	"github.com/marcus-qen/lictor/internal/telemetry"
)

// ErrInterrupted reports that the surrounding process is shutting down.
// The execution is left in running with its in-flight step unfinished;
// ResetStaleSteps puts the step back to pending on the next lease.
var ErrInterrupted = errors.New("execution interrupted by shutdown")

// lockGrace pads the mutex TTL past the step budget so the lease cannot
// expire while the step's deferred release is still pending.
const lockGrace = 2 * time.Second

type Executor struct {
	store   *store.Store
	rec     *events.Recorder
	reg     *handler.Registry
	secrets *secrets.Resolver
	locks   *mutex.Manager
	cancels *cancel.Registry
	logger  *zap.Logger
}

func New(st *store.Store, rec *events.Recorder, reg *handler.Registry, sec *secrets.Resolver, locks *mutex.Manager, cancels *cancel.Registry, logger *zap.Logger) *Executor {
	return &Executor{
		store:   st,
		rec:     rec,
		reg:     reg,
		secrets: sec,
		locks:   locks,
		cancels: cancels,
		logger:  logger,
	}
}

// Run drives ex towards a terminal state. The outcome contract:
//
//   - every step succeeded: execution finished succeeded, nil error
//   - cancellation observed: execution finished cancelled, nil error
//   - execution budget breached: finished failed with timed_out, error returned
//   - non-retryable step failure: finished failed, error returned
//   - retryable step failure: execution LEFT running for a later attempt,
//     error returned; the caller decides between retry and Fail
//   - shutdown: execution left running, ErrInterrupted returned
//
// Run is resume-aware: succeeded steps are skipped with their recorded
// output, failed and stale-running steps re-run.
func (e *Executor) Run(ctx context.Context, ex *store.Execution) (final *store.Execution, err error) {
	if store.IsTerminal(ex.Status) {
		return ex, nil
	}

	ctx, span := telemetry.StartExecutionSpan(ctx, ex.ID, ex.TenantID, ex.Mode, ex.SLAClass)
	defer func() {
		status := ex.Status
		if final != nil {
			status = final.Status
		}
		telemetry.EndExecutionSpan(span, status)
	}()

	p, err := plan.Parse(ex.PlanSnapshot)
	if err != nil {
		// The snapshot was validated at submit; failing to parse it now
		// means the stored record is damaged.
		return e.finishFailed(ex, nil, err, false)
	}

	policy, err := e.store.LookupTimeoutPolicy(ex.SLAClass, ex.ActionClass)
	if err != nil {
		return ex, err
	}

	if ex.Status != store.StatusRunning {
		if err := e.store.UpdateStatus(ex.ID, ex.Status, store.StatusRunning); err != nil {
			return ex, err
		}
		ex.Status = store.StatusRunning
		e.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionStarted, map[string]any{
			"sla_class":    ex.SLAClass,
			"action_class": ex.ActionClass,
			"steps":        len(p.Steps),
		})
	}
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	execCtx, cancelExec := context.WithTimeout(ctx, policy.ExecutionBudget())
	defer cancelExec()

	if _, err := e.store.ResetStaleSteps(ex.ID); err != nil {
		return ex, err
	}
	steps, err := e.store.StepsForExecution(ex.ID)
	if err != nil {
		return ex, err
	}

	outputs := make(map[int]map[string]any, len(steps))
	var firstErr error

	for i := range steps {
		st := &steps[i]
		if st.Status == store.StatusSucceeded {
			// Resume: keep the recorded result.
			if len(st.Output) > 0 {
				var prior map[string]any
				if json.Unmarshal(st.Output, &prior) == nil {
					outputs[st.Ordinal] = prior
				}
			}
			continue
		}

		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return e.finishTimedOut(ex, p, outputs, policy.ExecutionBudget())
		case execCtx.Err() != nil:
			return ex, ErrInterrupted
		}

		if e.cancels.IsCancelled(execCtx, ex.ID) {
			return e.finishCancelled(ex, p, steps[i:], outputs)
		}

		out, stepErr := e.runStep(execCtx, ex, p, st, policy)
		if out != nil {
			outputs[st.Ordinal] = out
		}
		if stepErr == nil {
			continue
		}
		if errors.Is(stepErr, ErrInterrupted) {
			return ex, ErrInterrupted
		}
		if firstErr == nil {
			firstErr = stepErr
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return e.finishTimedOut(ex, p, outputs, policy.ExecutionBudget())
		}
		if !fault.Retryable(stepErr) {
			return e.finishFailed(ex, marshalOutputs(outputs, len(p.Steps)), stepErr, false)
		}
		if p.HaltOnFailure(i) {
			break
		}
	}

	if firstErr != nil {
		// Retryable failure: the execution stays running so a later lease
		// can re-run the failed steps. The caller owns the give-up decision.
		return ex, firstErr
	}

	out := marshalOutputs(outputs, len(p.Steps))
	if err := e.store.FinishExecution(ex.ID, store.StatusRunning, store.StatusSucceeded, out, "", "", false); err != nil {
		return ex, err
	}
	fresh := e.reload(ex)
	e.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionSucceeded, map[string]any{
		"steps":       len(p.Steps),
		"duration_ms": wallDuration(fresh).Milliseconds(),
	})
	metrics.RecordExecutionComplete(store.StatusSucceeded, ex.SLAClass, wallDuration(fresh))
	return fresh, nil
}

// Fail finishes a still-running execution once its caller decides no further
// attempt will happen: immediate mode has no retry loop, and workers call it
// when attempts are exhausted.
func (e *Executor) Fail(ex *store.Execution, cause error) (*store.Execution, error) {
	return e.finishFailed(ex, e.aggregateFromSteps(ex.ID), cause, false)
}

func (e *Executor) runStep(ctx context.Context, ex *store.Execution, p *plan.Plan, st *store.Step, policy *store.TimeoutPolicy) (map[string]any, error) {
	if st.Ordinal >= len(p.Steps) {
		return nil, fault.New(fault.Validation, "plan snapshot does not describe step %d", st.Ordinal)
	}
	if err := e.store.StartStep(st.ID); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "start step %d", st.Ordinal)
	}
	e.rec.Emit(ex.ID, ex.TenantID, events.KindStepStarted, map[string]any{
		"ordinal": st.Ordinal,
		"type":    st.Type,
		"target":  st.Target,
	})

	start := time.Now()
	stepCtx, cancelStep := context.WithTimeout(ctx, policy.StepBudget())
	defer cancelStep()
	stepCtx, span := telemetry.StartStepSpan(stepCtx, st.Ordinal, st.Type, st.Target)

	out, err := e.invokeStep(stepCtx, ex, p.Steps[st.Ordinal], st, policy)
	dur := time.Since(start)
	metrics.RecordStepDuration(st.Type, dur)

	masked := e.maskOutput(out)
	var maskedJSON json.RawMessage
	if masked != nil {
		maskedJSON, _ = json.Marshal(masked)
	}

	if err == nil {
		telemetry.EndStepSpan(span, store.StatusSucceeded, "")
		if cerr := e.store.CompleteStep(st.ID, store.StatusSucceeded, maskedJSON, "", "", false); cerr != nil {
			return masked, fault.Wrap(fault.StoreUnavailable, cerr, "record step %d", st.Ordinal)
		}
		e.rec.Emit(ex.ID, ex.TenantID, events.KindStepCompleted, map[string]any{
			"ordinal":     st.Ordinal,
			"type":        st.Type,
			"duration_ms": dur.Milliseconds(),
		})
		return masked, nil
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown, not a step outcome. Leave the step running so the next
		// lease resets it to pending and re-runs it.
		telemetry.EndStepSpan(span, "interrupted", "")
		return masked, ErrInterrupted
	}

	class := fault.ClassOf(err)
	if class == fault.Unknown {
		class = fault.Adapter
	}
	telemetry.EndStepSpan(span, store.StatusFailed, string(class))
	timedOut := class == fault.Timeout
	msg := e.rec.Masker().ScrubString(err.Error())

	if cerr := e.store.CompleteStep(st.ID, store.StatusFailed, maskedJSON, string(class), msg, timedOut); cerr != nil {
		e.logger.Error("record step failure", zap.String("execution_id", ex.ID), zap.Int("ordinal", st.Ordinal), zap.Error(cerr))
	}
	if timedOut {
		metrics.RecordTimeout("step")
		e.rec.Emit(ex.ID, ex.TenantID, events.KindStepTimeout, map[string]any{
			"ordinal":     st.Ordinal,
			"type":        st.Type,
			"budget_ms":   policy.StepTimeoutMS,
			"duration_ms": dur.Milliseconds(),
		})
	} else {
		e.rec.Emit(ex.ID, ex.TenantID, events.KindStepFailed, map[string]any{
			"ordinal":     st.Ordinal,
			"type":        st.Type,
			"error_class": string(class),
			"error":       msg,
		})
	}
	return masked, err
}

func (e *Executor) invokeStep(ctx context.Context, ex *store.Execution, planStep plan.Step, st *store.Step, policy *store.TimeoutPolicy) (map[string]any, error) {
	h, err := e.reg.ForStep(st.Type)
	if err != nil {
		return nil, err
	}

	var inputs map[string]any
	if len(st.Inputs) > 0 {
		if uerr := json.Unmarshal(st.Inputs, &inputs); uerr != nil {
			return nil, fault.Wrap(fault.Validation, uerr, "step %d inputs are not an object", st.Ordinal)
		}
	}

	resolved, err := e.secrets.Resolve(ctx, ex.ID, ex.TenantID, inputs)
	if err != nil {
		return nil, err
	}
	defer resolved.Zeroise()

	planStep.Inputs = resolved.Inputs
	req := &handler.Request{
		ExecutionID: ex.ID,
		TenantID:    ex.TenantID,
		ActorID:     ex.ActorID,
		Step:        planStep,
		Inputs:      resolved.Inputs,
	}
	if err := h.Resolve(req); err != nil {
		return nil, err
	}

	if st.Target != "" {
		guard, err := e.locks.Acquire(ex.ID, ex.TenantID, st.Target, lockSlot(planStep), policy.StepBudget()+lockGrace)
		if err != nil {
			return nil, err
		}
		defer guard.Release()
	}

	res, err := h.Invoke(ctx, req)
	var out map[string]any
	if res != nil {
		out = res.Output
	}
	return out, err
}

func (e *Executor) finishCancelled(ex *store.Execution, p *plan.Plan, remaining []store.Step, outputs map[int]map[string]any) (*store.Execution, error) {
	for _, st := range remaining {
		if st.Status != store.StatusPending {
			continue
		}
		e.rec.Emit(ex.ID, ex.TenantID, events.KindStepSkipped, map[string]any{
			"ordinal": st.Ordinal,
			"type":    st.Type,
		})
	}
	e.locks.ReleaseAll(ex.ID)

	out := marshalOutputs(outputs, len(p.Steps))
	if err := e.store.FinishExecution(ex.ID, store.StatusRunning, store.StatusCancelled, out, string(fault.Cancelled), "cancelled on request", false); err != nil {
		return ex, err
	}
	fresh := e.reload(ex)
	e.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionCancelled, map[string]any{
		"completed_steps": len(outputs),
		"skipped_steps":   len(remaining),
	})
	metrics.RecordExecutionComplete(store.StatusCancelled, ex.SLAClass, wallDuration(fresh))
	return fresh, nil
}

func (e *Executor) finishTimedOut(ex *store.Execution, p *plan.Plan, outputs map[int]map[string]any, budget time.Duration) (*store.Execution, error) {
	e.locks.ReleaseAll(ex.ID)
	cause := fault.New(fault.Timeout, "execution budget %s exceeded", budget)
	out := marshalOutputs(outputs, len(p.Steps))
	if err := e.store.FinishExecution(ex.ID, store.StatusRunning, store.StatusFailed, out, string(fault.Timeout), cause.Message, true); err != nil {
		return ex, err
	}
	fresh := e.reload(ex)
	e.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionTimeout, map[string]any{
		"budget_ms": budget.Milliseconds(),
	})
	metrics.RecordTimeout("execution")
	metrics.RecordExecutionComplete(store.StatusFailed, ex.SLAClass, wallDuration(fresh))
	return fresh, cause
}

func (e *Executor) finishFailed(ex *store.Execution, output json.RawMessage, cause error, timedOut bool) (*store.Execution, error) {
	e.locks.ReleaseAll(ex.ID)
	class := fault.ClassOf(cause)
	if class == fault.Unknown {
		class = fault.Adapter
	}
	msg := e.rec.Masker().ScrubString(cause.Error())
	if err := e.store.FinishExecution(ex.ID, ex.Status, store.StatusFailed, output, string(class), msg, timedOut); err != nil {
		return ex, err
	}
	fresh := e.reload(ex)
	e.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionFailed, map[string]any{
		"error_class": string(class),
		"error":       msg,
	})
	metrics.RecordExecutionComplete(store.StatusFailed, ex.SLAClass, wallDuration(fresh))
	return fresh, cause
}

// aggregateFromSteps rebuilds the output payload from persisted step rows,
// for finishes that happen outside a Run loop.
func (e *Executor) aggregateFromSteps(executionID string) json.RawMessage {
	steps, err := e.store.StepsForExecution(executionID)
	if err != nil {
		return nil
	}
	outputs := make(map[int]map[string]any)
	for _, st := range steps {
		if st.Status != store.StatusSucceeded || len(st.Output) == 0 {
			continue
		}
		var o map[string]any
		if json.Unmarshal(st.Output, &o) == nil {
			outputs[st.Ordinal] = o
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	return marshalOutputs(outputs, len(steps))
}

func (e *Executor) maskOutput(out map[string]any) map[string]any {
	if out == nil {
		return nil
	}
	masked, ok := e.rec.Masker().MaskValue(out).(map[string]any)
	if !ok {
		return nil
	}
	return masked
}

func (e *Executor) reload(ex *store.Execution) *store.Execution {
	fresh, err := e.store.GetExecution(ex.ID)
	if err != nil {
		return ex
	}
	return fresh
}

// lockSlot picks the action component of the lock key. Steps that change an
// asset all contend on the wildcard slot, so at most one writer runs per
// asset; read steps keep their own names and do not serialise against
// each other.
func lockSlot(s plan.Step) string {
	switch plan.StepActionClass(s) {
	case plan.ActionOperational, plan.ActionProvisioning:
		return "*"
	}
	if s.Action != "" {
		return s.Action
	}
	return s.Type
}

// marshalOutputs flattens the aggregate payload. Single-step plans surface
// the step's output directly; multi-step plans key each output by ordinal.
func marshalOutputs(outputs map[int]map[string]any, totalSteps int) json.RawMessage {
	if len(outputs) == 0 {
		return nil
	}
	if totalSteps == 1 {
		if o, ok := outputs[0]; ok {
			b, _ := json.Marshal(o)
			return b
		}
		return nil
	}
	m := make(map[string]any, len(outputs))
	for ord, o := range outputs {
		m["step_"+strconv.Itoa(ord)] = o
	}
	b, _ := json.Marshal(m)
	return b
}

func wallDuration(ex *store.Execution) time.Duration {
	if ex.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if ex.EndedAt != nil {
		end = *ex.EndedAt
	}
	return end.Sub(*ex.StartedAt)
}

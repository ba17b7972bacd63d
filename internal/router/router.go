// Package router is the synchronous entry point of the engine. Submit
// validates and classifies a plan, enforces idempotency and RBAC, creates
// the durable execution, and either runs it inline (immediate mode) or
// enqueues it for the worker pool. Approval decisions and cancellations
// come back through the same package so every state change on an execution
// passes one choke point.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/cancel"
	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/executor"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/plan"
	"github.com/marcus-qen/lictor/internal/rbac"
	"github.com/marcus-qen/lictor/internal/store"
	"github.com/marcus-qen/lictor/internal/telemetry"
)

// Router routes validated plans to the executor or the queue.
type Router struct {
	store   *store.Store
	checker *rbac.Checker
	exec    *executor.Executor
	cancels *cancel.Registry
	rec     *events.Recorder
	cfg     config.Config
	logger  *zap.Logger
}

func New(st *store.Store, checker *rbac.Checker, exec *executor.Executor, cancels *cancel.Registry, rec *events.Recorder, cfg config.Config, logger *zap.Logger) *Router {
	return &Router{
		store:   st,
		checker: checker,
		exec:    exec,
		cancels: cancels,
		rec:     rec,
		cfg:     cfg,
		logger:  logger,
	}
}

// SubmitRequest carries one plan submission. IdempotencyKey is optional;
// when empty the key is derived from the canonical plan, tenant, and actor.
type SubmitRequest struct {
	TenantID       string
	ActorID        string
	IdempotencyKey string
	Plan           json.RawMessage
}

// SubmitResult is the submission outcome. Deduped means an execution with
// the same (tenant, key) already existed inside the dedup window and is
// returned as-is; nothing new was created and no adapter was called.
type SubmitResult struct {
	Execution *store.Execution `json:"execution"`
	Deduped   bool             `json:"deduped,omitempty"`
}

// Submit validates, classifies, and dispatches a plan.
//
// Order matters: shape validation, SLA and action classification, mode
// selection, timeout-policy lookup, idempotency, RBAC, approval gate,
// create and dispatch. The idempotency check runs before RBAC so a cached
// outcome is returned without any upstream call at all.
//
// An execution that runs and fails is not a submission failure: the result
// carries the failed execution and the error return is nil. Submit returns
// an error only when no dispatchable execution came out of the call.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, span := telemetry.StartSubmitSpan(ctx, req.TenantID)
	defer func() {
		if res != nil && res.Execution != nil {
			telemetry.EndSubmitSpan(span, res.Execution.ID, res.Execution.Mode, res.Deduped)
			return
		}
		telemetry.EndSubmitSpan(span, "", "", false)
	}()

	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fault.New(fault.Validation, "tenant_id required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return nil, fault.New(fault.Validation, "actor_id required")
	}

	p, err := plan.Parse(req.Plan)
	if err != nil {
		return nil, err
	}

	slaClass := p.SLAClassify()
	actionClass := p.ActionClassify()
	mode := store.ModeBackground
	if slaClass == plan.SLAFast && p.TotalEstimateMS() <= r.cfg.ImmediateBudgetMS {
		mode = store.ModeImmediate
	}

	// Reject unknown (sla, action) pairs before anything durable happens.
	if _, err := r.store.LookupTimeoutPolicy(slaClass, actionClass); err != nil {
		return nil, err
	}

	canonical, err := plan.Canonicalize(req.Plan)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = plan.DeriveKey(canonical, req.TenantID, req.ActorID)
	}

	existing, err := r.store.GetByIdempotencyKey(req.TenantID, key, r.cfg.DedupWindow())
	switch {
	case err == nil:
		r.logger.Info("idempotency cache hit",
			zap.String("tenant_id", req.TenantID),
			zap.String("execution_id", existing.ID),
			zap.String("status", existing.Status))
		return &SubmitResult{Execution: existing, Deduped: true}, nil
	case !store.IsNotFound(err):
		return nil, fault.Wrap(fault.StoreUnavailable, err, "idempotency lookup")
	}

	if err := r.checker.AuthorizePlan(ctx, "", req.TenantID, req.ActorID, p); err != nil {
		return nil, err
	}

	ex := store.Execution{
		TenantID:       req.TenantID,
		ActorID:        req.ActorID,
		IdempotencyKey: key,
		// The canonical form is the audit snapshot: re-deriving the key
		// from it reproduces the key.
		PlanSnapshot: canonical,
		Mode:         mode,
		SLAClass:     slaClass,
		ActionClass:  actionClass,
	}
	if p.NeedsApproval() {
		ex.Status = store.StatusAwaitingApproval
	}

	created, err := r.store.CreateExecution(ex, stepRows(p), r.cfg.DedupWindow())
	if err != nil {
		// A concurrent submit with the same key can win the insert race;
		// its execution satisfies this request.
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Class == fault.DuplicateKey && fe.ConflictID != "" {
			if winner, gerr := r.store.GetExecution(fe.ConflictID); gerr == nil {
				return &SubmitResult{Execution: winner, Deduped: true}, nil
			}
		}
		return nil, err
	}

	r.rec.Emit(created.ID, created.TenantID, events.KindExecutionCreated, map[string]any{
		"mode":         created.Mode,
		"sla_class":    created.SLAClass,
		"action_class": created.ActionClass,
		"steps":        len(p.Steps),
	})

	if created.Status == store.StatusAwaitingApproval {
		if _, err := r.store.CreateApproval(created.ID, created.TenantID, p.ApproverRole()); err != nil {
			return nil, err
		}
		r.rec.Emit(created.ID, created.TenantID, events.KindApprovalRequested, map[string]any{
			"required_role": p.ApproverRole(),
			"risk":          p.Risk,
			"action_class":  created.ActionClass,
		})
		r.logger.Info("execution awaiting approval",
			zap.String("execution_id", created.ID),
			zap.String("required_role", p.ApproverRole()))
		return &SubmitResult{Execution: created}, nil
	}

	r.logger.Info("execution created",
		zap.String("execution_id", created.ID),
		zap.String("mode", created.Mode),
		zap.String("sla_class", created.SLAClass),
		zap.String("action_class", created.ActionClass))

	if created.Mode == store.ModeImmediate {
		return r.runImmediate(ctx, created)
	}
	if err := r.enqueue(created); err != nil {
		return nil, err
	}
	return &SubmitResult{Execution: created}, nil
}

// Approve resolves a pending approval gate in favour of running. The actor
// must hold the approver role the plan's action class demands. Dispatch
// follows the mode fixed at submission: immediate plans run inline and the
// approver gets the outcome, background plans are enqueued.
func (r *Router) Approve(ctx context.Context, tenantID, actorID, executionID, reason string) (*store.Execution, error) {
	ex, p, err := r.loadGate(tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if err := r.checker.AuthorizeApprover(ctx, ex.ID, tenantID, actorID, rbac.Role(p.ApproverRole())); err != nil {
		return nil, err
	}

	if _, err := r.store.DecideApproval(ex.ID, store.ApprovalApproved, actorID, reason); err != nil {
		return nil, err
	}
	if err := r.store.UpdateStatus(ex.ID, store.StatusAwaitingApproval, store.StatusApproved); err != nil {
		return nil, err
	}
	metrics.RecordApprovalDecision(store.ApprovalApproved)
	r.rec.Emit(ex.ID, ex.TenantID, events.KindApprovalDecided, map[string]any{
		"decision":   store.ApprovalApproved,
		"decided_by": actorID,
		"reason":     reason,
	})
	r.logger.Info("approval granted",
		zap.String("execution_id", ex.ID),
		zap.String("decided_by", actorID))

	approved, err := r.store.GetExecution(ex.ID)
	if err != nil {
		return nil, err
	}
	if approved.Mode == store.ModeImmediate {
		res, err := r.runImmediate(ctx, approved)
		if err != nil {
			return nil, err
		}
		return res.Execution, nil
	}
	if err := r.enqueue(approved); err != nil {
		return nil, err
	}
	return approved, nil
}

// Reject resolves a pending approval gate against running. The execution
// transitions to cancelled, not failed: nothing ran and nothing broke.
func (r *Router) Reject(ctx context.Context, tenantID, actorID, executionID, reason string) (*store.Execution, error) {
	ex, p, err := r.loadGate(tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if err := r.checker.AuthorizeApprover(ctx, ex.ID, tenantID, actorID, rbac.Role(p.ApproverRole())); err != nil {
		return nil, err
	}

	if _, err := r.store.DecideApproval(ex.ID, store.ApprovalRejected, actorID, reason); err != nil {
		return nil, err
	}
	cancelReason := "approval rejected"
	if reason != "" {
		cancelReason += ": " + reason
	}
	rejected, _, err := r.store.RequestCancel(ex.ID, actorID, cancelReason)
	if err != nil {
		return nil, err
	}
	metrics.RecordApprovalDecision(store.ApprovalRejected)
	r.rec.Emit(ex.ID, ex.TenantID, events.KindApprovalDecided, map[string]any{
		"decision":   store.ApprovalRejected,
		"decided_by": actorID,
		"reason":     reason,
	})
	r.rec.Emit(ex.ID, ex.TenantID, events.KindExecutionCancelled, map[string]any{
		"by":     actorID,
		"reason": cancelReason,
	})
	r.logger.Info("approval rejected",
		zap.String("execution_id", ex.ID),
		zap.String("decided_by", actorID))
	return rejected, nil
}

// Cancel requests cancellation on behalf of an actor. Tenant isolation is
// enforced first; beyond that any enabled member of the tenant may cancel,
// since cancellation only ever stops work.
func (r *Router) Cancel(ctx context.Context, tenantID, actorID, executionID, reason string) (*store.Execution, error) {
	ex, err := r.store.GetExecutionScoped(tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if err := r.checker.Authorize(ctx, ex.ID, tenantID, actorID, nil); err != nil {
		return nil, err
	}
	return r.cancels.Cancel(ctx, ex.ID, actorID, reason)
}

// RequeueDeadLetter puts a dead-lettered execution back on the queue with a
// fresh attempt budget. Stale cancellation tokens are cleared so the re-run
// is not killed at its first poll. The worker revalidates permissions at
// lease time as usual; the check here only keeps the operation tenant-safe.
func (r *Router) RequeueDeadLetter(ctx context.Context, tenantID, actorID, dlqID string) (*store.QueueItem, error) {
	item, err := r.store.GetDLQItem(tenantID, dlqID)
	if err != nil {
		return nil, err
	}
	ex, err := r.store.GetExecutionScoped(tenantID, item.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := r.checker.Authorize(ctx, ex.ID, tenantID, actorID, nil); err != nil {
		return nil, err
	}

	qi, err := r.store.RequeueDLQ(tenantID, dlqID, r.cfg.MaxAttempts(ex.SLAClass), priorityFor(ex.SLAClass))
	if err != nil {
		return nil, err
	}
	r.cancels.Clear(ctx, ex.ID)
	r.rec.Emit(ex.ID, tenantID, events.KindQueueRequeued, map[string]any{
		"dlq_id": dlqID,
		"by":     actorID,
	})
	r.logger.Info("dead-letter requeued",
		zap.String("execution_id", ex.ID),
		zap.String("dlq_id", dlqID),
		zap.String("by", actorID))
	return qi, nil
}

// runImmediate executes inline. Immediate mode has no retry queue, so a
// retryable failure that leaves the execution running is finished here.
func (r *Router) runImmediate(ctx context.Context, ex *store.Execution) (*SubmitResult, error) {
	final, err := r.exec.Run(ctx, ex)
	if err != nil && final != nil && final.Status == store.StatusRunning {
		final, _ = r.exec.Fail(final, err)
	}
	return &SubmitResult{Execution: final}, nil
}

func (r *Router) enqueue(ex *store.Execution) error {
	item, err := r.store.Enqueue(store.QueueItem{
		ExecutionID: ex.ID,
		TenantID:    ex.TenantID,
		SLAClass:    ex.SLAClass,
		Priority:    priorityFor(ex.SLAClass),
		MaxAttempts: r.cfg.MaxAttempts(ex.SLAClass),
	})
	if err != nil {
		// The row exists but nothing will ever pick it up; fail it rather
		// than strand it in pending.
		_, _ = r.exec.Fail(ex, err)
		return err
	}
	r.rec.Emit(ex.ID, ex.TenantID, events.KindQueueEnqueued, map[string]any{
		"priority":     item.Priority,
		"max_attempts": item.MaxAttempts,
		"sla_class":    item.SLAClass,
	})
	return nil
}

// loadGate fetches an execution that must be sitting at its approval gate.
func (r *Router) loadGate(tenantID, executionID string) (*store.Execution, *plan.Plan, error) {
	ex, err := r.store.GetExecutionScoped(tenantID, executionID)
	if err != nil {
		return nil, nil, err
	}
	if ex.Status != store.StatusAwaitingApproval {
		return nil, nil, fault.New(fault.IllegalState,
			"execution %s is %s, not awaiting approval", executionID, ex.Status)
	}
	p, err := plan.Parse(ex.PlanSnapshot)
	if err != nil {
		return nil, nil, err
	}
	return ex, p, nil
}

func stepRows(p *plan.Plan) []store.Step {
	steps := make([]store.Step, len(p.Steps))
	for i, s := range p.Steps {
		row := store.Step{
			Ordinal: i,
			Type:    s.Type,
			Target:  s.Target,
			Action:  s.Action,
		}
		if len(s.Inputs) > 0 {
			row.Inputs, _ = json.Marshal(s.Inputs)
		}
		steps[i] = row
	}
	return steps
}

// priorityFor maps SLA class to queue priority; higher dequeues first.
func priorityFor(slaClass string) int {
	switch slaClass {
	case plan.SLAFast:
		return 3
	case plan.SLALong:
		return 1
	default:
		return 2
	}
}

package rbac

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// Checker authorizes actors against the directory and records every denial
// as an rbac_violation event for SOC pipelines.
type Checker struct {
	dir    Directory
	rec    *events.Recorder
	logger *zap.Logger
}

func NewChecker(dir Directory, rec *events.Recorder, logger *zap.Logger) *Checker {
	return &Checker{dir: dir, rec: rec, logger: logger}
}

// Authorize checks that the actor belongs to the tenant and holds every
// required permission. executionID may be empty when the check runs before
// an execution row exists.
func (c *Checker) Authorize(ctx context.Context, executionID, tenantID, actorID string, perms []Permission) error {
	user, err := c.dir.GetUser(ctx, actorID)
	if err != nil {
		if fault.ClassOf(err) == fault.Permission {
			c.violation(executionID, tenantID, actorID, "critical", "unknown actor", "")
		}
		return err
	}

	// Tenant isolation comes before any permission logic.
	if user.TenantID != tenantID {
		c.violation(executionID, tenantID, actorID, "critical", "tenant mismatch", "")
		return fault.New(fault.TenantMismatch,
			"actor %s belongs to tenant %s, not %s", actorID, user.TenantID, tenantID)
	}

	if user.Disabled {
		c.violation(executionID, tenantID, actorID, "critical", "actor disabled", "")
		return fault.New(fault.Permission, "actor %s is disabled", actorID)
	}

	for _, perm := range perms {
		if !user.Can(perm) {
			c.violation(executionID, tenantID, actorID, "warning", "missing permission", string(perm))
			return fault.New(fault.Permission, "actor %s lacks permission %s", actorID, perm)
		}
	}
	return nil
}

// AuthorizePlan checks every permission the plan's steps require.
func (c *Checker) AuthorizePlan(ctx context.Context, executionID, tenantID, actorID string, p *plan.Plan) error {
	return c.Authorize(ctx, executionID, tenantID, actorID, PermissionsForPlan(p))
}

// AuthorizeApprover checks that the actor may decide an approval requiring
// the given role. Approval decisions are role-gated, not permission-gated.
func (c *Checker) AuthorizeApprover(ctx context.Context, executionID, tenantID, actorID string, required Role) error {
	user, err := c.dir.GetUser(ctx, actorID)
	if err != nil {
		if fault.ClassOf(err) == fault.Permission {
			c.violation(executionID, tenantID, actorID, "critical", "unknown actor", "")
		}
		return err
	}
	if user.TenantID != tenantID {
		c.violation(executionID, tenantID, actorID, "critical", "tenant mismatch", "")
		return fault.New(fault.TenantMismatch,
			"actor %s belongs to tenant %s, not %s", actorID, user.TenantID, tenantID)
	}
	if user.Disabled {
		c.violation(executionID, tenantID, actorID, "critical", "actor disabled", "")
		return fault.New(fault.Permission, "actor %s is disabled", actorID)
	}
	if !user.HasRole(required) {
		c.violation(executionID, tenantID, actorID, "warning", "missing approver role", string(required))
		return fault.New(fault.Permission,
			"approval requires role %s, actor %s does not hold it", required, actorID)
	}
	return nil
}

func (c *Checker) violation(executionID, tenantID, actorID, severity, reason, detail string) {
	c.logger.Warn("rbac violation",
		zap.String("execution_id", executionID),
		zap.String("tenant_id", tenantID),
		zap.String("actor_id", actorID),
		zap.String("severity", severity),
		zap.String("reason", reason),
		zap.String("detail", detail))
	if c.rec == nil {
		return
	}
	payload := map[string]any{
		"actor_id": actorID,
		"severity": severity,
		"reason":   reason,
	}
	if detail != "" {
		payload["detail"] = detail
	}
	c.rec.Emit(executionID, tenantID, events.KindRBACViolation, payload)
}

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/lictor/internal/fault"
)

// CreateApproval opens a pending approval gate for an execution.
func (s *Store) CreateApproval(executionID, tenantID, requiredRole string) (*Approval, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution_id required")
	}
	ap := Approval{
		ID:           uuid.NewString(),
		ExecutionID:  executionID,
		TenantID:     tenantID,
		RequiredRole: requiredRole,
		State:        ApprovalPending,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO approvals (id, execution_id, tenant_id, required_role, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.ExecutionID, ap.TenantID, ap.RequiredRole, ap.State, fmtTime(ap.CreatedAt))
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "insert approval")
	}
	out := ap
	return &out, nil
}

// GetApprovalByExecution returns the approval gate for an execution.
func (s *Store) GetApprovalByExecution(executionID string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT id, execution_id, tenant_id, required_role, state, decided_by, decided_at, reason, created_at
		FROM approvals WHERE execution_id = ? ORDER BY created_at DESC LIMIT 1`, executionID)
	return scanApproval(row)
}

// DecideApproval resolves a pending approval. Compare-and-set on state:
// deciding an already-decided gate fails with IllegalState.
func (s *Store) DecideApproval(executionID, state, decidedBy, reason string) (*Approval, error) {
	if state != ApprovalApproved && state != ApprovalRejected {
		return nil, fmt.Errorf("invalid approval state %q", state)
	}
	res, err := s.db.Exec(`UPDATE approvals SET state = ?, decided_by = ?, decided_at = ?, reason = ?
		WHERE execution_id = ? AND state = ?`,
		state, decidedBy, fmtTime(time.Now().UTC()), reason, executionID, ApprovalPending)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "decide approval")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		existing, err := s.GetApprovalByExecution(executionID)
		if err != nil {
			return nil, err
		}
		return nil, fault.New(fault.IllegalState, "approval already %s by %s", existing.State, existing.DecidedBy)
	}
	return s.GetApprovalByExecution(executionID)
}

// PendingApprovals lists undecided gates for a tenant, oldest first.
func (s *Store) PendingApprovals(tenantID string) ([]Approval, error) {
	rows, err := s.db.Query(`SELECT id, execution_id, tenant_id, required_role, state, decided_by, decided_at, reason, created_at
		FROM approvals WHERE tenant_id = ? AND state = ? ORDER BY created_at ASC`, tenantID, ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Approval, 0)
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			continue
		}
		out = append(out, *ap)
	}
	return out, rows.Err()
}

func scanApproval(sc scanner) (*Approval, error) {
	var (
		ap        Approval
		decidedAt sql.NullString
		createdAt string
	)
	if err := sc.Scan(
		&ap.ID,
		&ap.ExecutionID,
		&ap.TenantID,
		&ap.RequiredRole,
		&ap.State,
		&ap.DecidedBy,
		&decidedAt,
		&ap.Reason,
		&createdAt,
	); err != nil {
		return nil, err
	}
	ap.DecidedAt = parseNullableTime(decidedAt)
	ap.CreatedAt = parseTime(createdAt)
	return &ap, nil
}

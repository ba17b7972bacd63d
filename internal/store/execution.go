package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/lictor/internal/fault"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutionQuery filters execution listings. TenantID is mandatory; a
// missing tenant filter anywhere in this package is a defect.
type ExecutionQuery struct {
	TenantID string
	ActorID  string
	Status   string
	SLAClass string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// CreateExecution inserts an execution and its steps in one transaction,
// enforcing idempotency within the dedup window: if a non-failed,
// non-cancelled execution already holds (tenant, key) inside the window,
// the insert is rejected with a DuplicateKey fault naming it.
func (s *Store) CreateExecution(ex Execution, steps []Step, window time.Duration) (*Execution, error) {
	if strings.TrimSpace(ex.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	if strings.TrimSpace(ex.ActorID) == "" {
		return nil, fmt.Errorf("actor_id required")
	}
	if strings.TrimSpace(ex.IdempotencyKey) == "" {
		return nil, fmt.Errorf("idempotency_key required")
	}
	if len(ex.PlanSnapshot) == 0 {
		return nil, fmt.Errorf("plan_snapshot required")
	}

	now := time.Now().UTC()
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	if ex.Status == "" {
		ex.Status = StatusPending
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := fmtTime(now.Add(-window))
	var existingID string
	err = tx.QueryRow(`SELECT id FROM executions
		WHERE tenant_id = ? AND idempotency_key = ? AND created_at >= ?
		AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		ex.TenantID, ex.IdempotencyKey, cutoff, StatusFailed, StatusCancelled,
	).Scan(&existingID)
	if err == nil {
		return nil, fault.New(fault.DuplicateKey, "plan already submitted as execution %s", existingID).Conflict(existingID)
	}
	if err != sql.ErrNoRows {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "idempotency lookup failed")
	}

	_, err = tx.Exec(`INSERT INTO executions (id, tenant_id, actor_id, idempotency_key, plan_snapshot, status, mode, sla_class, action_class, timed_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ex.ID,
		ex.TenantID,
		ex.ActorID,
		ex.IdempotencyKey,
		string(ex.PlanSnapshot),
		ex.Status,
		ex.Mode,
		ex.SLAClass,
		ex.ActionClass,
		fmtTime(ex.CreatedAt),
	)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "insert execution")
	}

	for i := range steps {
		st := steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.Status == "" {
			st.Status = StatusPending
		}
		inputs := string(st.Inputs)
		if inputs == "" {
			inputs = "{}"
		}
		_, err = tx.Exec(`INSERT INTO steps (id, execution_id, ordinal, step_type, target_ref, action, inputs, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, ex.ID, st.Ordinal, st.Type, st.Target, st.Action, inputs, st.Status,
		)
		if err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "insert step %d", st.Ordinal)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "commit execution create")
	}

	out := ex
	return &out, nil
}

// GetExecution returns one execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(executionSelect+` WHERE id = ?`, id)
	return scanExecution(row)
}

// GetExecutionScoped returns one execution, enforcing tenant isolation.
func (s *Store) GetExecutionScoped(tenantID, id string) (*Execution, error) {
	ex, err := s.GetExecution(id)
	if err != nil {
		return nil, err
	}
	if ex.TenantID != tenantID {
		return nil, fault.New(fault.TenantMismatch, "execution %s belongs to another tenant", id)
	}
	return ex, nil
}

// GetByIdempotencyKey returns the newest execution for (tenant, key) inside
// the window, excluding failed and cancelled ones.
func (s *Store) GetByIdempotencyKey(tenantID, key string, window time.Duration) (*Execution, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-window))
	row := s.db.QueryRow(executionSelect+`
		WHERE tenant_id = ? AND idempotency_key = ? AND created_at >= ?
		AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, key, cutoff, StatusFailed, StatusCancelled)
	return scanExecution(row)
}

// ListExecutions returns executions matching the query, newest first.
func (s *Store) ListExecutions(q ExecutionQuery) ([]Execution, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	clauses := []string{"tenant_id = ?"}
	args := []any{q.TenantID}

	if q.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.SLAClass != "" {
		clauses = append(clauses, "sla_class = ?")
		args = append(args, q.SLAClass)
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, fmtTime(*q.Since))
	}
	if q.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, fmtTime(*q.Until))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	rows, err := s.db.Query(executionSelect+` WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Execution, 0, limit)
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			continue
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

// UpdateStatus performs a compare-and-set FSM transition. Illegal moves and
// lost races surface as IllegalState faults.
func (s *Store) UpdateStatus(id, from, to string) error {
	if !CanTransition(from, to) {
		return fault.New(fault.IllegalState, "transition %s -> %s is not legal", from, to)
	}
	set := "status = ?"
	args := []any{to}
	if to == StatusRunning {
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, fmtTime(time.Now().UTC()))
	}
	if IsTerminal(to) {
		set += ", ended_at = ?"
		args = append(args, fmtTime(time.Now().UTC()))
	}
	args = append(args, id, from)

	res, err := s.db.Exec(`UPDATE executions SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "update status")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		current, err := s.GetExecution(id)
		if err != nil {
			return sql.ErrNoRows
		}
		return fault.New(fault.IllegalState, "execution %s is %s, expected %s", id, current.Status, from)
	}
	return nil
}

// FinishExecution moves an execution to a terminal status in one write,
// recording outcome, error detail and the timed-out flag.
func (s *Store) FinishExecution(id, from, to string, output json.RawMessage, errClass, errMsg string, timedOut bool) error {
	if !IsTerminal(to) {
		return fmt.Errorf("finish requires a terminal status, got %q", to)
	}
	if !CanTransition(from, to) {
		return fault.New(fault.IllegalState, "transition %s -> %s is not legal", from, to)
	}
	timedOutInt := 0
	if timedOut {
		timedOutInt = 1
	}
	res, err := s.db.Exec(`UPDATE executions
		SET status = ?, output = ?, error_class = ?, error_message = ?, timed_out = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		to, string(output), errClass, errMsg, timedOutInt, fmtTime(time.Now().UTC()), id, from)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "finish execution")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		current, err := s.GetExecution(id)
		if err != nil {
			return sql.ErrNoRows
		}
		return fault.New(fault.IllegalState, "execution %s is %s, expected %s", id, current.Status, from)
	}
	return nil
}

// RequestCancel records a cancellation request. Idempotent: repeated calls
// return the original requester and timestamp with requested=false.
// Executions not yet running transition to cancelled immediately; running
// ones keep the marker for the executor to observe between steps.
func (s *Store) RequestCancel(id, by, reason string) (*Execution, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	ex, err := scanExecution(tx.QueryRow(executionSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, false, err
	}

	if ex.CancelledAt != nil {
		return ex, false, nil
	}
	if IsTerminal(ex.Status) {
		return nil, false, fault.New(fault.IllegalState, "execution %s already %s", id, ex.Status)
	}

	now := time.Now().UTC()
	if ex.Status == StatusRunning {
		_, err = tx.Exec(`UPDATE executions
			SET cancel_requested = 1, cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
			WHERE id = ?`,
			by, fmtTime(now), reason, id)
	} else {
		_, err = tx.Exec(`UPDATE executions
			SET cancel_requested = 1, cancelled_by = ?, cancelled_at = ?, cancel_reason = ?, status = ?, ended_at = ?
			WHERE id = ?`,
			by, fmtTime(now), reason, StatusCancelled, fmtTime(now), id)
		ex.Status = StatusCancelled
		ex.EndedAt = &now
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.StoreUnavailable, err, "record cancel")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fault.Wrap(fault.StoreUnavailable, err, "commit cancel")
	}

	ex.CancelRequested = true
	ex.CancelledBy = by
	ex.CancelledAt = &now
	ex.CancelReason = reason
	return ex, true, nil
}

// IsCancelRequested reads the durable cancellation marker. This is the
// fallback path when the fast token store is down.
func (s *Store) IsCancelRequested(id string) (bool, error) {
	var requested int
	err := s.db.QueryRow(`SELECT cancel_requested FROM executions WHERE id = ?`, id).Scan(&requested)
	if err != nil {
		return false, err
	}
	return requested == 1, nil
}

const executionSelect = `SELECT id, tenant_id, actor_id, idempotency_key, plan_snapshot, status, mode, sla_class, action_class, timed_out, cancel_requested, cancelled_by, cancelled_at, cancel_reason, error_class, error_message, output, created_at, started_at, ended_at FROM executions`

func scanExecution(sc scanner) (*Execution, error) {
	var (
		ex                              Execution
		snapshot, output, createdAt     string
		timedOut, cancelRequested       int
		cancelledAt, startedAt, endedAt sql.NullString
	)
	if err := sc.Scan(
		&ex.ID,
		&ex.TenantID,
		&ex.ActorID,
		&ex.IdempotencyKey,
		&snapshot,
		&ex.Status,
		&ex.Mode,
		&ex.SLAClass,
		&ex.ActionClass,
		&timedOut,
		&cancelRequested,
		&ex.CancelledBy,
		&cancelledAt,
		&ex.CancelReason,
		&ex.ErrorClass,
		&ex.ErrorMessage,
		&output,
		&createdAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	ex.PlanSnapshot = json.RawMessage(snapshot)
	if output != "" {
		ex.Output = json.RawMessage(output)
	}
	ex.TimedOut = timedOut == 1
	ex.CancelRequested = cancelRequested == 1
	ex.CreatedAt = parseTime(createdAt)
	ex.CancelledAt = parseNullableTime(cancelledAt)
	ex.StartedAt = parseNullableTime(startedAt)
	ex.EndedAt = parseNullableTime(endedAt)
	return &ex, nil
}

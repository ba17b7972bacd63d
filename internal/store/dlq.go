package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/lictor/internal/fault"
)

// MoveToDLQ deletes a queue item and records it as dead-lettered, in one
// transaction. The queue row may already be gone (immediate-mode failures
// never had one); the DLQ row is written regardless.
func (s *Store) MoveToDLQ(itemID, executionID, tenantID, reason string) (*DLQItem, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution_id required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if itemID != "" {
		if _, err := tx.Exec(`DELETE FROM queue_items WHERE id = ?`, itemID); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "remove queue item")
		}
	}

	item := DLQItem{
		ID:            uuid.NewString(),
		ExecutionID:   executionID,
		TenantID:      tenantID,
		FailureReason: reason,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.Exec(`INSERT INTO dlq_items (id, execution_id, tenant_id, failure_reason, archived, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		item.ID, item.ExecutionID, item.TenantID, item.FailureReason, fmtTime(item.CreatedAt))
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "insert dlq item")
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "commit dlq move")
	}
	return &item, nil
}

// ListDLQ returns dead-lettered items for a tenant, newest first.
func (s *Store) ListDLQ(tenantID string, includeArchived bool, limit int) ([]DLQItem, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	stmt := `SELECT id, execution_id, tenant_id, failure_reason, archived, created_at FROM dlq_items WHERE tenant_id = ?`
	if !includeArchived {
		stmt += ` AND archived = 0`
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(stmt, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DLQItem, 0, limit)
	for rows.Next() {
		var (
			item      DLQItem
			archived  int
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.ExecutionID, &item.TenantID, &item.FailureReason, &archived, &createdAt); err != nil {
			continue
		}
		item.Archived = archived == 1
		item.CreatedAt = parseTime(createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetDLQItem returns one dead-lettered item, tenant-scoped.
func (s *Store) GetDLQItem(tenantID, id string) (*DLQItem, error) {
	var (
		item      DLQItem
		archived  int
		createdAt string
	)
	err := s.db.QueryRow(`SELECT id, execution_id, tenant_id, failure_reason, archived, created_at
		FROM dlq_items WHERE id = ? AND tenant_id = ?`, id, tenantID).
		Scan(&item.ID, &item.ExecutionID, &item.TenantID, &item.FailureReason, &archived, &createdAt)
	if err != nil {
		return nil, err
	}
	item.Archived = archived == 1
	item.CreatedAt = parseTime(createdAt)
	return &item, nil
}

// RequeueDLQ puts a dead-lettered execution back on the queue with a fresh
// attempt budget. The DLQ row is removed, the execution returns to pending
// with its failure detail and cancel markers cleared, and failed steps
// re-pend so the next run re-executes them. Succeeded steps keep their
// recorded output and are skipped on resume.
func (s *Store) RequeueDLQ(tenantID, dlqID string, maxAttempts, priority int) (*QueueItem, error) {
	item, err := s.GetDLQItem(tenantID, dlqID)
	if err != nil {
		return nil, err
	}

	ex, err := s.GetExecution(item.ExecutionID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM dlq_items WHERE id = ? AND tenant_id = ?`, dlqID, tenantID)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "remove dlq item")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}

	// Dead-lettered executions are terminal failed. The requeue is the one
	// administrative override of that finality, so the reset bypasses the
	// transition table on purpose.
	res, err = tx.Exec(`UPDATE executions
		SET status = ?, error_class = '', error_message = '', output = '', timed_out = 0, ended_at = NULL,
			cancel_requested = 0, cancelled_by = '', cancelled_at = NULL, cancel_reason = ''
		WHERE id = ? AND status = ?`,
		StatusPending, ex.ID, StatusFailed)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "reset execution")
	}
	rows, _ = res.RowsAffected()
	if rows == 0 {
		return nil, fault.New(fault.IllegalState, "execution %s is %s, only failed executions requeue", ex.ID, ex.Status)
	}

	if _, err := tx.Exec(`UPDATE steps
		SET status = ?, started_at = NULL, ended_at = NULL, timed_out = 0, error_class = '', error_message = ''
		WHERE execution_id = ? AND status IN (?, ?)`,
		StatusPending, ex.ID, StatusFailed, StatusRunning); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "reset steps")
	}

	now := time.Now().UTC()
	q := QueueItem{
		ID:          uuid.NewString(),
		ExecutionID: item.ExecutionID,
		TenantID:    item.TenantID,
		SLAClass:    ex.SLAClass,
		Priority:    priority,
		AvailableAt: now,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
	}
	_, err = tx.Exec(`INSERT INTO queue_items (id, execution_id, tenant_id, sla_class, priority, available_at, leased_by, lease_expires_at, attempts, max_attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, '', NULL, 0, ?, ?)`,
		q.ID, q.ExecutionID, q.TenantID, q.SLAClass, q.Priority, fmtTime(q.AvailableAt), q.MaxAttempts, fmtTime(q.EnqueuedAt))
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "requeue dlq item")
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "commit requeue")
	}
	return &q, nil
}

// ArchiveDLQ marks one item archived.
func (s *Store) ArchiveDLQ(tenantID, dlqID string) error {
	res, err := s.db.Exec(`UPDATE dlq_items SET archived = 1 WHERE id = ? AND tenant_id = ?`, dlqID, tenantID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ArchiveDLQOlderThan archives unarchived items older than the cutoff.
// Used by the scheduled maintenance pass.
func (s *Store) ArchiveDLQOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE dlq_items SET archived = 1 WHERE archived = 0 AND created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

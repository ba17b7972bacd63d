package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/lictor/internal/fault"
)

// Enqueue inserts a background work unit.
func (s *Store) Enqueue(item QueueItem) (*QueueItem, error) {
	if strings.TrimSpace(item.ExecutionID) == "" {
		return nil, fmt.Errorf("execution_id required")
	}
	if strings.TrimSpace(item.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	if item.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1")
	}

	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = now
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}

	_, err := s.db.Exec(`INSERT INTO queue_items (id, execution_id, tenant_id, sla_class, priority, available_at, leased_by, lease_expires_at, attempts, max_attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, '', NULL, ?, ?, ?)`,
		item.ID,
		item.ExecutionID,
		item.TenantID,
		item.SLAClass,
		item.Priority,
		fmtTime(item.AvailableAt),
		item.Attempts,
		item.MaxAttempts,
		fmtTime(item.EnqueuedAt),
	)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "enqueue")
	}
	out := item
	return &out, nil
}

// DequeueWithLease atomically claims the best available item for owner:
// highest priority first, then earliest availability. Items leased by a
// live owner are skipped. Returns sql.ErrNoRows when nothing is available.
func (s *Store) DequeueWithLease(owner string, lease time.Duration) (*QueueItem, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("owner required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	nowS := fmtTime(now)

	item, err := scanQueueItem(tx.QueryRow(queueSelect+`
		WHERE available_at <= ? AND (leased_by = '' OR lease_expires_at < ?)
		ORDER BY priority DESC, available_at ASC
		LIMIT 1`, nowS, nowS))
	if err != nil {
		return nil, err
	}

	expiry := now.Add(lease)
	// Guarded claim: a parallel process may have taken it between the
	// select and this update.
	res, err := tx.Exec(`UPDATE queue_items SET leased_by = ?, lease_expires_at = ?
		WHERE id = ? AND (leased_by = '' OR lease_expires_at < ?)`,
		owner, fmtTime(expiry), item.ID, nowS)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "claim queue item")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "commit dequeue")
	}

	item.LeasedBy = owner
	item.LeaseExpiresAt = &expiry
	return item, nil
}

// RenewLease extends the caller's lease. Fails with ErrNotOwner when the
// lease was lost (expired and reaped, or re-leased elsewhere).
func (s *Store) RenewLease(itemID, owner string, until time.Time) error {
	res, err := s.db.Exec(`UPDATE queue_items SET lease_expires_at = ?
		WHERE id = ? AND leased_by = ?`,
		fmtTime(until), itemID, owner)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "renew lease")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotOwner
	}
	return nil
}

// Ack deletes a completed queue item. Only the lease holder may ack.
func (s *Store) Ack(itemID, owner string) error {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE id = ? AND leased_by = ?`, itemID, owner)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "ack")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotOwner
	}
	return nil
}

// NackWithBackoff releases the caller's lease and defers the item to
// nextAvailable, counting the failed attempt. Returns the new attempt count
// so the worker can decide on dead-lettering.
func (s *Store) NackWithBackoff(itemID, owner string, nextAvailable time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE queue_items
		SET leased_by = '', lease_expires_at = NULL, available_at = ?, attempts = attempts + 1
		WHERE id = ? AND leased_by = ?`,
		fmtTime(nextAvailable), itemID, owner)
	if err != nil {
		return 0, fault.Wrap(fault.StoreUnavailable, err, "nack")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return 0, ErrNotOwner
	}

	var attempts int
	if err := tx.QueryRow(`SELECT attempts FROM queue_items WHERE id = ?`, itemID).Scan(&attempts); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.StoreUnavailable, err, "commit nack")
	}
	return attempts, nil
}

// ReleaseLease relinquishes the caller's lease without counting an attempt.
// Used by graceful shutdown: the item returns to the pool immediately
// instead of waiting out its lease.
func (s *Store) ReleaseLease(itemID, owner string) error {
	res, err := s.db.Exec(`UPDATE queue_items SET leased_by = '', lease_expires_at = NULL
		WHERE id = ? AND leased_by = ?`, itemID, owner)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "release lease")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotOwner
	}
	return nil
}

// ReapExpiredLeases returns items whose lease lapsed to the available pool.
func (s *Store) ReapExpiredLeases(now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET leased_by = '', lease_expires_at = NULL
		WHERE leased_by != '' AND lease_expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueDepth counts items not currently leased.
func (s *Store) QueueDepth() (int, error) {
	var n int
	nowS := fmtTime(time.Now().UTC())
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE leased_by = '' OR lease_expires_at < ?`, nowS).Scan(&n)
	return n, err
}

// OldestWait reports how long the oldest available item has been queued.
func (s *Store) OldestWait(now time.Time) (time.Duration, error) {
	var enqueued sql.NullString
	err := s.db.QueryRow(`SELECT MIN(enqueued_at) FROM queue_items WHERE leased_by = ''`).Scan(&enqueued)
	if err != nil {
		return 0, err
	}
	if !enqueued.Valid || enqueued.String == "" {
		return 0, nil
	}
	return now.Sub(parseTime(enqueued.String)), nil
}

// GetQueueItemByExecution returns the queue item for an execution, if any.
func (s *Store) GetQueueItemByExecution(executionID string) (*QueueItem, error) {
	return scanQueueItem(s.db.QueryRow(queueSelect+` WHERE execution_id = ?`, executionID))
}

const queueSelect = `SELECT id, execution_id, tenant_id, sla_class, priority, available_at, leased_by, lease_expires_at, attempts, max_attempts, enqueued_at FROM queue_items`

func scanQueueItem(sc scanner) (*QueueItem, error) {
	var (
		item                    QueueItem
		availableAt, enqueuedAt string
		leaseExpiresAt          sql.NullString
	)
	if err := sc.Scan(
		&item.ID,
		&item.ExecutionID,
		&item.TenantID,
		&item.SLAClass,
		&item.Priority,
		&availableAt,
		&item.LeasedBy,
		&leaseExpiresAt,
		&item.Attempts,
		&item.MaxAttempts,
		&enqueuedAt,
	); err != nil {
		return nil, err
	}
	item.AvailableAt = parseTime(availableAt)
	item.EnqueuedAt = parseTime(enqueuedAt)
	item.LeaseExpiresAt = parseNullableTime(leaseExpiresAt)
	return &item, nil
}

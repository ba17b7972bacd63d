package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
)

// TryAcquireLock claims a per-asset mutex for an execution. Expired rows
// under the same key are swept first; an active holder causes a fast
// ResourceBusy failure naming that holder. No spinning.
func (s *Store) TryAcquireLock(key, executionID string, ttl time.Duration) (*Lock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lock key required")
	}
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution id required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.Exec(`DELETE FROM locks WHERE lock_key = ? AND expires_at < ?`, key, fmtTime(now)); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "sweep expired lock")
	}

	lock := Lock{
		Key:         key,
		ExecutionID: executionID,
		OwnerTag:    executionID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	res, err := tx.Exec(`INSERT INTO locks (lock_key, execution_id, owner_tag, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lock_key) DO NOTHING`,
		lock.Key, lock.ExecutionID, lock.OwnerTag, fmtTime(lock.AcquiredAt), fmtTime(lock.ExpiresAt))
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "insert lock")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var holder string
		if err := tx.QueryRow(`SELECT owner_tag FROM locks WHERE lock_key = ?`, key).Scan(&holder); err != nil {
			holder = "unknown"
		}
		if holder == executionID {
			// Re-entrant acquire by the same execution: extend the lease.
			if _, err := tx.Exec(`UPDATE locks SET expires_at = ? WHERE lock_key = ? AND owner_tag = ?`,
				fmtTime(lock.ExpiresAt), key, executionID); err != nil {
				return nil, fault.Wrap(fault.StoreUnavailable, err, "extend lock")
			}
			if err := tx.Commit(); err != nil {
				return nil, fault.Wrap(fault.StoreUnavailable, err, "commit lock extend")
			}
			return &lock, nil
		}
		return nil, fault.New(fault.ResourceBusy, "locked by execution %s", holder).Conflict(holder)
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "commit lock acquire")
	}
	return &lock, nil
}

// ReleaseLock drops a lock held by executionID. Releasing a lock that no
// longer exists is a no-op; releasing someone else's lock is ErrNotOwner.
func (s *Store) ReleaseLock(key, executionID string) error {
	res, err := s.db.Exec(`DELETE FROM locks WHERE lock_key = ? AND owner_tag = ?`, key, executionID)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "release lock")
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM locks WHERE lock_key = ?`, key).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrNotOwner
	}
	return nil
}

// ReleaseLocksForExecution drops every lock an execution still holds.
// Called on cancellation and on terminal cleanup.
func (s *Store) ReleaseLocksForExecution(executionID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM locks WHERE owner_tag = ?`, executionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReapExpiredLocks removes rows past their TTL. Guarantees eventual release
// after worker death.
func (s *Store) ReapExpiredLocks(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM locks WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetLock returns the current holder of a key, if any.
func (s *Store) GetLock(key string) (*Lock, error) {
	var (
		lock                  Lock
		acquiredAt, expiresAt string
	)
	err := s.db.QueryRow(`SELECT lock_key, execution_id, owner_tag, acquired_at, expires_at FROM locks WHERE lock_key = ?`, key).
		Scan(&lock.Key, &lock.ExecutionID, &lock.OwnerTag, &acquiredAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	lock.AcquiredAt = parseTime(acquiredAt)
	lock.ExpiresAt = parseTime(expiresAt)
	return &lock, nil
}

// ActiveLocks lists unexpired locks, optionally filtered by key prefix.
// The prefix filter gives per-tenant views since tenant leads the key.
func (s *Store) ActiveLocks(keyPrefix string) ([]Lock, error) {
	now := fmtTime(time.Now().UTC())
	var (
		rows *sql.Rows
		err  error
	)
	if keyPrefix != "" {
		rows, err = s.db.Query(`SELECT lock_key, execution_id, owner_tag, acquired_at, expires_at FROM locks
			WHERE expires_at >= ? AND lock_key LIKE ? ORDER BY acquired_at ASC`, now, keyPrefix+"%")
	} else {
		rows, err = s.db.Query(`SELECT lock_key, execution_id, owner_tag, acquired_at, expires_at FROM locks
			WHERE expires_at >= ? ORDER BY acquired_at ASC`, now)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lock, 0)
	for rows.Next() {
		var (
			lock                  Lock
			acquiredAt, expiresAt string
		)
		if err := rows.Scan(&lock.Key, &lock.ExecutionID, &lock.OwnerTag, &acquiredAt, &expiresAt); err != nil {
			continue
		}
		lock.AcquiredAt = parseTime(acquiredAt)
		lock.ExpiresAt = parseTime(expiresAt)
		out = append(out, lock)
	}
	return out, rows.Err()
}

package store

import (
	"testing"
	"time"
)

func enqueueTestItem(t *testing.T, s *Store, executionID string, priority int) *QueueItem {
	t.Helper()
	item, err := s.Enqueue(QueueItem{
		ExecutionID: executionID,
		TenantID:    "tenant-1",
		SLAClass:    "medium",
		Priority:    priority,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-low", 1)
	time.Sleep(2 * time.Millisecond)
	enqueueTestItem(t, s, "exec-high", 3)
	time.Sleep(2 * time.Millisecond)
	enqueueTestItem(t, s, "exec-mid", 2)

	order := []string{"exec-high", "exec-mid", "exec-low"}
	for _, want := range order {
		item, err := s.DequeueWithLease("worker-1", time.Minute)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if item.ExecutionID != want {
			t.Fatalf("dequeue order: got %q, want %q", item.ExecutionID, want)
		}
	}
	if _, err := s.DequeueWithLease("worker-1", time.Minute); !IsNotFound(err) {
		t.Fatalf("empty queue should report no rows, got %v", err)
	}
}

func TestLeaseExcludesItemFromOtherWorkers(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	item, err := s.DequeueWithLease("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item.LeasedBy != "worker-1" || item.LeaseExpiresAt == nil {
		t.Fatalf("lease fields missing: %+v", item)
	}

	if _, err := s.DequeueWithLease("worker-2", time.Minute); !IsNotFound(err) {
		t.Fatalf("leased item visible to second worker: %v", err)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	if _, err := s.DequeueWithLease("worker-1", 10*time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// A dead worker's item is picked up without waiting for the reaper.
	item, err := s.DequeueWithLease("worker-2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if item.LeasedBy != "worker-2" {
		t.Fatalf("leased_by = %q, want worker-2", item.LeasedBy)
	}
}

func TestRenewLeaseKeepsOwnership(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	item, err := s.DequeueWithLease("worker-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := s.RenewLease(item.ID, "worker-1", time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("renew: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := s.DequeueWithLease("worker-2", time.Minute); !IsNotFound(err) {
		t.Fatalf("renewed lease lost to second worker: %v", err)
	}

	if err := s.RenewLease(item.ID, "worker-2", time.Now().UTC().Add(time.Minute)); err != ErrNotOwner {
		t.Fatalf("foreign renew = %v, want ErrNotOwner", err)
	}
}

func TestAckDeletesOnlyForOwner(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	item, err := s.DequeueWithLease("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := s.Ack(item.ID, "worker-2"); err != ErrNotOwner {
		t.Fatalf("foreign ack = %v, want ErrNotOwner", err)
	}
	if err := s.Ack(item.ID, "worker-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := s.QueueDepth()
	if err != nil || depth != 0 {
		t.Fatalf("depth after ack = %d (%v), want 0", depth, err)
	}
}

func TestNackBackoffCountsAttemptAndDefers(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	item, err := s.DequeueWithLease("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	attempts, err := s.NackWithBackoff(item.ID, "worker-1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// Deferred item must not come back before its backoff elapses.
	if _, err := s.DequeueWithLease("worker-1", time.Minute); !IsNotFound(err) {
		t.Fatalf("deferred item dequeued early: %v", err)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)

	if _, err := s.DequeueWithLease("worker-1", 5*time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := s.ReapExpiredLeases(time.Now().UTC())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	item, err := s.GetQueueItemByExecution("exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.LeasedBy != "" || item.LeaseExpiresAt != nil {
		t.Fatalf("lease not cleared: %+v", item)
	}
}

func TestOldestWait(t *testing.T) {
	s := newTestStore(t)
	enqueueTestItem(t, s, "exec-1", 2)
	time.Sleep(5 * time.Millisecond)

	wait, err := s.OldestWait(time.Now().UTC())
	if err != nil {
		t.Fatalf("oldest wait: %v", err)
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want positive", wait)
	}
}

package mutex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lictor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, nil, zap.NewNop()), st
}

func TestKeyLayout(t *testing.T) {
	got := Key("t1", "web01", "restart")
	if got != "v1:t1:web01:restart" {
		t.Fatalf("key = %s", got)
	}
	if TenantPrefix("t1") != "v1:t1:" {
		t.Fatalf("prefix = %s", TenantPrefix("t1"))
	}
}

func TestAcquireConflictNamesHolder(t *testing.T) {
	m, _ := newTestManager(t)

	g, err := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer g.Release()

	_, err = m.Acquire("exec-2", "t1", "web01", "restart", time.Minute)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if got := fault.ClassOf(err); got != fault.ResourceBusy {
		t.Fatalf("class = %s, want %s", got, fault.ResourceBusy)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.ConflictID != "exec-1" {
		t.Fatalf("conflict should name exec-1, got %v", err)
	}
}

func TestDifferentActionsDoNotConflict(t *testing.T) {
	m, _ := newTestManager(t)

	g1, err := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("acquire restart: %v", err)
	}
	defer g1.Release()

	g2, err := m.Acquire("exec-2", "t1", "web01", "query", time.Minute)
	if err != nil {
		t.Fatalf("acquire query: %v", err)
	}
	defer g2.Release()
}

func TestReleaseFreesKey(t *testing.T) {
	m, _ := newTestManager(t)

	g, err := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.Release()
	g.Release() // idempotent

	g2, err := m.Acquire("exec-2", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	g2.Release()
}

func TestReentrantAcquireExtends(t *testing.T) {
	m, _ := newTestManager(t)

	g1, err := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g2, err := m.Acquire("exec-1", "t1", "web01", "restart", 2*time.Minute)
	if err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	g1.Release()
	g2.Release()
}

func TestExpiredLockIsSwept(t *testing.T) {
	m, _ := newTestManager(t)

	g, err := m.Acquire("exec-1", "t1", "web01", "restart", -time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = g // already expired, never released

	g2, err := m.Acquire("exec-2", "t1", "web01", "restart", time.Minute)
	if err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
	g2.Release()
}

func TestReleaseAll(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire("exec-1", "t1", "db01", "query", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.ReleaseAll("exec-1")

	locks, err := m.Active("t1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("locks remaining = %d, want 0", len(locks))
	}
}

func TestActiveFiltersByTenant(t *testing.T) {
	m, _ := newTestManager(t)

	g1, _ := m.Acquire("exec-1", "t1", "web01", "restart", time.Minute)
	g2, _ := m.Acquire("exec-2", "t2", "web01", "restart", time.Minute)
	defer g1.Release()
	defer g2.Release()

	locks, err := m.Active("t1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(locks) != 1 || locks[0].ExecutionID != "exec-1" {
		t.Fatalf("t1 locks = %+v", locks)
	}
}

func TestReaperSweepsExpired(t *testing.T) {
	m, st := newTestManager(t)

	if _, err := m.Acquire("exec-1", "t1", "web01", "restart", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartReaper(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		lock, err := st.GetLock(Key("t1", "web01", "restart"))
		if err != nil || lock == nil {
			return // row gone
		}
		select {
		case <-deadline:
			t.Fatal("reaper never swept the expired lock")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

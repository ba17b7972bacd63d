package cancel

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lictor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func createExecution(t *testing.T, st *store.Store, status string) *store.Execution {
	t.Helper()
	ex, err := st.CreateExecution(store.Execution{
		TenantID:       "t1",
		ActorID:        "a1",
		IdempotencyKey: "key-" + status + "-" + time.Now().Format("150405.000000000"),
		PlanSnapshot:   json.RawMessage(`{"steps":[{"type":"validation"}]}`),
		Mode:           store.ModeBackground,
		SLAClass:       "fast",
	}, nil, 24*time.Hour)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if status != store.StatusPending {
		if err := st.UpdateStatus(ex.ID, store.StatusPending, status); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
		ex.Status = status
	}
	return ex
}

func TestCancelPendingFinishesImmediately(t *testing.T) {
	st := newTestStore(t)
	_, client := newTestRedis(t)
	reg := NewRegistry(st, client, nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	ex := createExecution(t, st, store.StatusPending)
	got, err := reg.Cancel(ctx, ex.ID, "operator-1", "wrong window")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, store.StatusCancelled)
	}
	if got.CancelledBy != "operator-1" || got.CancelledAt == nil || got.EndedAt == nil {
		t.Fatalf("cancel bookkeeping incomplete: %+v", got)
	}
	if !reg.IsCancelled(ctx, ex.ID) {
		t.Fatal("IsCancelled should be true")
	}
}

func TestCancelRunningKeepsStatus(t *testing.T) {
	st := newTestStore(t)
	_, client := newTestRedis(t)
	reg := NewRegistry(st, client, nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	ex := createExecution(t, st, store.StatusRunning)
	got, err := reg.Cancel(ctx, ex.ID, "operator-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("status = %s, running executions finish cooperatively", got.Status)
	}
	if !got.CancelRequested {
		t.Fatal("marker not set")
	}
	if !reg.IsCancelled(ctx, ex.ID) {
		t.Fatal("IsCancelled should be true")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	_, client := newTestRedis(t)
	reg := NewRegistry(st, client, nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	ex := createExecution(t, st, store.StatusRunning)
	first, err := reg.Cancel(ctx, ex.ID, "operator-1", "first")
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := reg.Cancel(ctx, ex.ID, "operator-2", "second")
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if second.CancelledBy != "operator-1" {
		t.Fatalf("cancelled_by = %s, want the original requester", second.CancelledBy)
	}
	if !second.CancelledAt.Equal(*first.CancelledAt) {
		t.Fatalf("cancelled_at changed on repeat: %v vs %v", second.CancelledAt, first.CancelledAt)
	}
}

func TestCancelTerminalFails(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st, nil, nil, time.Hour, zap.NewNop())

	ex := createExecution(t, st, store.StatusRunning)
	if err := st.UpdateStatus(ex.ID, store.StatusRunning, store.StatusSucceeded); err != nil {
		t.Fatalf("finish: %v", err)
	}

	_, err := reg.Cancel(context.Background(), ex.ID, "operator-1", "")
	if got := fault.ClassOf(err); got != fault.IllegalState {
		t.Fatalf("class = %s, want %s", got, fault.IllegalState)
	}
}

func TestIsCancelledStoreFallback(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st, nil, nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	ex := createExecution(t, st, store.StatusRunning)
	if reg.IsCancelled(ctx, ex.ID) {
		t.Fatal("not cancelled yet")
	}
	if _, err := reg.Cancel(ctx, ex.ID, "operator-1", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !reg.IsCancelled(ctx, ex.ID) {
		t.Fatal("store fallback should report cancelled")
	}
}

func TestIsCancelledFallsBackWhenRedisDown(t *testing.T) {
	st := newTestStore(t)
	mr, client := newTestRedis(t)
	reg := NewRegistry(st, client, nil, time.Hour, zap.NewNop())
	ctx := context.Background()

	ex := createExecution(t, st, store.StatusRunning)
	if _, err := reg.Cancel(ctx, ex.ID, "operator-1", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	mr.Close()
	if !reg.IsCancelled(ctx, ex.ID) {
		t.Fatal("durable marker should answer when the token store is down")
	}
}

func TestPing(t *testing.T) {
	st := newTestStore(t)
	mr, client := newTestRedis(t)
	ctx := context.Background()

	withRedis := NewRegistry(st, client, nil, time.Hour, zap.NewNop())
	if err := withRedis.Ping(ctx); err != nil {
		t.Fatalf("ping healthy redis: %v", err)
	}
	if !withRedis.HasFastPath() {
		t.Fatal("fast path should be reported")
	}

	without := NewRegistry(st, nil, nil, time.Hour, zap.NewNop())
	if err := without.Ping(ctx); err != nil {
		t.Fatalf("ping without redis should be nil: %v", err)
	}

	mr.Close()
	if err := withRedis.Ping(ctx); err == nil {
		t.Fatal("ping should fail after redis stops")
	}
}

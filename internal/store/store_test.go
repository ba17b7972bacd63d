package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lictor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestExecution(t *testing.T, s *Store, tenant, key string) *Execution {
	t.Helper()
	ex, err := s.CreateExecution(Execution{
		TenantID:       tenant,
		ActorID:        "actor-1",
		IdempotencyKey: key,
		PlanSnapshot:   json.RawMessage(`{"steps":[{"type":"command","target":"server-01","action":"restart_service"}]}`),
		Status:         StatusPending,
		Mode:           ModeBackground,
		SLAClass:       "medium",
		ActionClass:    "operational",
	}, []Step{
		{Ordinal: 0, Type: "command", Target: "server-01", Action: "restart_service", Inputs: json.RawMessage(`{"service":"nginx"}`)},
	}, 24*time.Hour)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return ex
}

func TestOpenSeedsAndPings(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	maxMS, err := s.MaxExecutionBudget()
	if err != nil {
		t.Fatalf("max budget: %v", err)
	}
	if maxMS != 3_600_000 {
		t.Fatalf("max execution budget = %d, want 3600000", maxMS)
	}
}

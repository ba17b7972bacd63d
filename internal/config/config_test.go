package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxAttempts("fast") != 2 || cfg.MaxAttempts("medium") != 3 || cfg.MaxAttempts("long") != 5 {
		t.Fatal("default retry budgets changed")
	}
	if cfg.MaxAttempts("unknown") != 3 {
		t.Fatal("unknown sla class should fall back to medium budget")
	}
}

func TestLoadFileAndEnvPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lictor.json")
	body := `{"listen_addr": ":7001", "data_dir": "/tmp/lictor-test", "queue": {"worker_count": 9, "lease_ms": 60000, "lease_renew_ms": 15000, "max_attempts_fast": 1, "max_attempts_medium": 2, "max_attempts_long": 3}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LICTOR_LISTEN_ADDR", ":7002")
	t.Setenv("LICTOR_WORKER_COUNT", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7002" {
		t.Fatalf("env should override file: listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Queue.WorkerCount != 2 {
		t.Fatalf("env should override file: worker_count = %d", cfg.Queue.WorkerCount)
	}
	if cfg.DataDir != "/tmp/lictor-test" {
		t.Fatalf("file value lost: data_dir = %q", cfg.DataDir)
	}
	if cfg.DedupWindowHours != 24 {
		t.Fatalf("default lost after file load: dedup = %d", cfg.DedupWindowHours)
	}
	if cfg.Lease() != 60*time.Second {
		t.Fatalf("Lease() = %v", cfg.Lease())
	}
}

func TestValidateRejectsBadRelations(t *testing.T) {
	cfg := Default()
	cfg.Queue.LeaseRenewMS = cfg.Queue.LeaseMS
	if err := cfg.Validate(); err == nil {
		t.Fatal("lease_renew_ms >= lease_ms must be rejected")
	}

	cfg = Default()
	cfg.Queue.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero workers must be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// Package config provides configuration loading for the execution engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration. Durations are expressed in
// milliseconds on the wire; use the helper methods for time.Duration values.
type Config struct {
	// Listen address (default ":8090")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/lictor")
	DataDir string `json:"data_dir"`

	// Router
	ImmediateBudgetMS int64 `json:"immediate_budget_ms"`
	DedupWindowHours  int   `json:"dedup_window_hours"`

	// Queue and workers
	Queue QueueConfig `json:"queue,omitempty"`

	// Safety kernel
	LockReaperIntervalMS   int64    `json:"reaper_interval_ms"`
	CancellationTokenTTLMS int64    `json:"cancellation_token_ttl_ms"`
	LogMaskPatterns        []string `json:"log_mask_patterns,omitempty"`
	TimeoutPolicyFile      string   `json:"timeout_policy_file,omitempty"`

	// Upstream services
	Upstream UpstreamConfig `json:"upstream,omitempty"`

	// Fast cancellation-token storage (optional; store fallback when empty)
	Redis RedisConfig `json:"redis,omitempty"`

	// Tracing (optional)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// QueueConfig configures the background queue and worker pool.
type QueueConfig struct {
	WorkerCount           int   `json:"worker_count"`
	LeaseMS               int64 `json:"lease_ms"`
	LeaseRenewMS          int64 `json:"lease_renew_ms"`
	WorkerShutdownGraceMS int64 `json:"worker_shutdown_grace_ms"`
	// Retry budgets per SLA class.
	MaxAttemptsFast   int `json:"max_attempts_fast"`
	MaxAttemptsMedium int `json:"max_attempts_medium"`
	MaxAttemptsLong   int `json:"max_attempts_long"`
	// Cron expression for archiving old DLQ items (empty disables).
	DLQArchiveSchedule string `json:"dlq_archive_schedule,omitempty"`
	DLQArchiveAfterH   int    `json:"dlq_archive_after_hours"`
}

// UpstreamConfig names the services the engine consumes.
type UpstreamConfig struct {
	AssetServiceURL      string `json:"asset_service_url,omitempty"`
	AutomationServiceURL string `json:"automation_service_url,omitempty"`
	SecretStoreURL       string `json:"secret_store_url,omitempty"`
	DirectoryURL         string `json:"directory_url,omitempty"`
}

// RedisConfig configures the fast token store.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8090",
		DataDir:           "/var/lib/lictor",
		ImmediateBudgetMS: 10_000,
		DedupWindowHours:  24,
		Queue: QueueConfig{
			WorkerCount:           4,
			LeaseMS:               120_000,
			LeaseRenewMS:          30_000,
			WorkerShutdownGraceMS: 30_000,
			MaxAttemptsFast:       2,
			MaxAttemptsMedium:     3,
			MaxAttemptsLong:       5,
			DLQArchiveAfterH:      168,
		},
		LockReaperIntervalMS: 60_000,
		// Must exceed the longest execution budget in the timeout matrix.
		CancellationTokenTTLMS: 4 * 3_600_000,
		LogLevel:               "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("LICTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LICTOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LICTOR_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.WorkerCount = n
		}
	}
	if v := os.Getenv("LICTOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LICTOR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LICTOR_ASSET_SERVICE_URL"); v != "" {
		cfg.Upstream.AssetServiceURL = v
	}
	if v := os.Getenv("LICTOR_AUTOMATION_SERVICE_URL"); v != "" {
		cfg.Upstream.AutomationServiceURL = v
	}
	if v := os.Getenv("LICTOR_SECRET_STORE_URL"); v != "" {
		cfg.Upstream.SecretStoreURL = v
	}
	if v := os.Getenv("LICTOR_DIRECTORY_URL"); v != "" {
		cfg.Upstream.DirectoryURL = v
	}
	if v := os.Getenv("LICTOR_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("LICTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely on.
func (c Config) Validate() error {
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.LeaseRenewMS >= c.Queue.LeaseMS {
		return fmt.Errorf("lease_renew_ms (%d) must be below lease_ms (%d)", c.Queue.LeaseRenewMS, c.Queue.LeaseMS)
	}
	if c.DedupWindowHours < 1 {
		return fmt.Errorf("dedup_window_hours must be at least 1, got %d", c.DedupWindowHours)
	}
	if c.ImmediateBudgetMS < 1 {
		return fmt.Errorf("immediate_budget_ms must be positive, got %d", c.ImmediateBudgetMS)
	}
	return nil
}

func (c Config) ImmediateBudget() time.Duration { return ms(c.ImmediateBudgetMS) }
func (c Config) DedupWindow() time.Duration     { return time.Duration(c.DedupWindowHours) * time.Hour }
func (c Config) Lease() time.Duration           { return ms(c.Queue.LeaseMS) }
func (c Config) LeaseRenew() time.Duration      { return ms(c.Queue.LeaseRenewMS) }
func (c Config) ShutdownGrace() time.Duration   { return ms(c.Queue.WorkerShutdownGraceMS) }
func (c Config) ReaperInterval() time.Duration  { return ms(c.LockReaperIntervalMS) }
func (c Config) TokenTTL() time.Duration        { return ms(c.CancellationTokenTTLMS) }

// MaxAttempts returns the retry budget for an SLA class.
func (c Config) MaxAttempts(slaClass string) int {
	switch slaClass {
	case "fast":
		return c.Queue.MaxAttemptsFast
	case "long":
		return c.Queue.MaxAttemptsLong
	default:
		return c.Queue.MaxAttemptsMedium
	}
}

// HasRedis reports whether a fast token store is configured.
func (c Config) HasRedis() bool { return c.Redis.Addr != "" }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Lictor execution engine daemon. Wires the store, the worker pool, the
// remote automation adapters, and the HTTP API into one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/automation"
	"github.com/marcus-qen/lictor/internal/cancel"
	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/executor"
	"github.com/marcus-qen/lictor/internal/handler"
	"github.com/marcus-qen/lictor/internal/health"
	"github.com/marcus-qen/lictor/internal/logmask"
	"github.com/marcus-qen/lictor/internal/mutex"
	"github.com/marcus-qen/lictor/internal/progress"
	"github.com/marcus-qen/lictor/internal/queue"
	"github.com/marcus-qen/lictor/internal/rbac"
	"github.com/marcus-qen/lictor/internal/router"
	"github.com/marcus-qen/lictor/internal/secrets"
	"github.com/marcus-qen/lictor/internal/server"
	"github.com/marcus-qen/lictor/internal/store"
	"github.com/marcus-qen/lictor/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const depthSampleInterval = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to JSON config file (env overrides apply on top)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lictor %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Every sink masks secrets, including anything handlers echo back.
	masker := logmask.New(cfg.LogMaskPatterns...)
	logger = logmask.Wrap(logger, masker)

	server.Version = version
	server.Commit = commit
	server.Date = date

	ctx, cancelSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelSignals()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			logger.Info("tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint))
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("trace flush failed", zap.Error(err))
				}
			}()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	dbPath := filepath.Join(cfg.DataDir, "lictor.db")
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("open store", zap.String("path", dbPath), zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	logger.Info("store opened", zap.String("path", dbPath))

	if cfg.TimeoutPolicyFile != "" {
		if err := st.ApplyPolicyFile(cfg.TimeoutPolicyFile); err != nil {
			logger.Fatal("apply timeout policy file",
				zap.String("path", cfg.TimeoutPolicyFile), zap.Error(err))
		}
		logger.Info("timeout policies loaded", zap.String("path", cfg.TimeoutPolicyFile))
	}

	// Optional fast path for cancellation tokens. The store remains the
	// fallback, so a dead redis only costs latency, never correctness.
	var rdb *redis.Client
	if cfg.HasRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, cancellation uses the store only",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
		}
	}

	bus := events.NewBus(256)
	rec := events.NewRecorder(st, bus, masker, logger.Named("events"))

	var dir rbac.Directory
	if cfg.Upstream.DirectoryURL != "" {
		dir = rbac.NewHTTPDirectory(cfg.Upstream.DirectoryURL, os.Getenv("LICTOR_DIRECTORY_TOKEN"))
	} else {
		logger.Warn("no directory service configured, using a single built-in dev admin")
		dir = rbac.NewStaticDirectory(rbac.User{
			ID:       "dev-admin",
			TenantID: "dev",
			Roles:    []rbac.Role{rbac.RoleAdmin},
		})
	}
	checker := rbac.NewChecker(dir, rec, logger.Named("rbac"))

	var provider secrets.Provider
	if cfg.Upstream.SecretStoreURL != "" {
		provider = secrets.NewHTTPProvider(cfg.Upstream.SecretStoreURL, os.Getenv("LICTOR_SECRET_STORE_TOKEN"))
	} else {
		logger.Warn("no secret store configured, secret references will not resolve")
		provider = secrets.NewStaticProvider(nil)
	}
	resolver := secrets.NewResolver(provider, rec, logger.Named("secrets"))

	if cfg.Upstream.AssetServiceURL == "" {
		logger.Warn("no asset service configured, asset-backed steps will fail")
	}
	assetClient := assets.NewClient(cfg.Upstream.AssetServiceURL, os.Getenv("LICTOR_ASSET_SERVICE_TOKEN"))

	var hostKeys ssh.HostKeyCallback
	if path := os.Getenv("LICTOR_SSH_KNOWN_HOSTS"); path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			logger.Warn("cannot load known_hosts, ssh host keys will not be verified",
				zap.String("path", path), zap.Error(err))
		} else {
			hostKeys = cb
		}
	}
	var svc *automation.ServiceClient
	if cfg.Upstream.AutomationServiceURL != "" {
		svc = automation.NewServiceClient(cfg.Upstream.AutomationServiceURL, os.Getenv("LICTOR_AUTOMATION_SERVICE_TOKEN"))
		logger.Info("automation service configured", zap.String("url", cfg.Upstream.AutomationServiceURL))
	}
	dispatcher := automation.NewDispatcher(svc, automation.NewSSHRunner(hostKeys), logger.Named("automation"))

	reg := handler.NewRegistry()
	reg.Register(handler.NewAssetQueryHandler(assetClient))
	reg.Register(handler.NewCommandHandler(assetClient, dispatcher))
	reg.Register(handler.NewCredentialsHandler(assetClient))
	reg.Register(handler.NewDatabaseHandler())
	reg.Register(handler.NewFileHandler(assetClient, dispatcher))
	reg.Register(handler.NewHTTPHandler())
	reg.Register(handler.NewValidationHandler())

	locks := mutex.NewManager(st, rec, logger.Named("mutex"))
	cancels := cancel.NewRegistry(st, rdb, rec, cfg.TokenTTL(), logger.Named("cancel"))
	exec := executor.New(st, rec, reg, resolver, locks, cancels, logger.Named("executor"))
	rt := router.New(st, checker, exec, cancels, rec, cfg, logger.Named("router"))

	pool := queue.NewPool(st, exec, checker, rec, cfg, logger.Named("queue"))
	pool.Start(ctx)
	pool.StartReaper(ctx, cfg.ReaperInterval())
	pool.StartDepthSampler(ctx, depthSampleInterval)
	locks.StartReaper(ctx, cfg.ReaperInterval())
	if cfg.Queue.DLQArchiveSchedule != "" {
		keep := time.Duration(cfg.Queue.DLQArchiveAfterH) * time.Hour
		if err := pool.StartDLQArchiver(ctx, cfg.Queue.DLQArchiveSchedule, keep); err != nil {
			logger.Warn("dlq archiver not started", zap.Error(err))
		}
	}

	hc := health.NewChecker(st, cancels, pool.Heartbeats, 3*cfg.LeaseRenew())
	rep := progress.NewReporter(st)

	srv := server.New(st, rt, rep, hc, bus, cfg, logger.Named("http"))
	logger.Info("starting execution engine",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr),
		zap.Int("workers", cfg.Queue.WorkerCount))

	if err := srv.Run(ctx); err != nil {
		logger.Error("http server", zap.Error(err))
	}

	logger.Info("draining workers", zap.Duration("grace", cfg.ShutdownGrace()))
	pool.Drain(cfg.ShutdownGrace())
	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

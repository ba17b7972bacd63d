// Package queue runs background executions: a store-backed durable queue,
// a supervised worker pool with lease renewal and graceful drain, jittered
// retry backoff, and a dead-letter queue for work that cannot proceed.
// Delivery is at-least-once; the idempotency key upstream keeps duplicate
// plans from becoming duplicate executions, and per-asset mutexes serialise
// whatever does run twice.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/executor"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/rbac"
	"github.com/marcus-qen/lictor/internal/store"
)

// Pool supervises the worker goroutines: it restarts crashed workers and
// owns the drain sequence on shutdown.
type Pool struct {
	store   *store.Store
	exec    *executor.Executor
	checker *rbac.Checker
	rec     *events.Recorder
	cfg     config.Config
	logger  *zap.Logger

	quit    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	workers []*Worker
}

func NewPool(st *store.Store, exec *executor.Executor, checker *rbac.Checker, rec *events.Recorder, cfg config.Config, logger *zap.Logger) *Pool {
	return &Pool{
		store:   st,
		exec:    exec,
		checker: checker,
		rec:     rec,
		cfg:     cfg,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// Start launches the configured number of workers. ctx is the hard stop:
// cancelling it interrupts in-flight executions, which release their leases
// on the way out. Call Drain first for the soft path.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Queue.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("worker-%d", i+1), p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.supervise(ctx, w)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Queue.WorkerCount))
}

func (p *Pool) supervise(ctx context.Context, w *Worker) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}
		if p.runGuarded(ctx, w) {
			return
		}
		p.logger.Error("worker crashed, restarting", zap.String("worker", w.id))
	}
}

// runGuarded runs the worker loop and absorbs panics. True means a clean
// exit; false means the supervisor should restart.
func (p *Pool) runGuarded(ctx context.Context, w *Worker) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic",
				zap.String("worker", w.id),
				zap.Any("panic", r),
				zap.Stack("stack"))
			clean = false
		}
	}()
	w.run(ctx)
	return true
}

// Drain stops dequeuing and waits up to grace for in-flight executions to
// finish. Work still running afterwards keeps its lease until the hard
// context cancel interrupts it.
func (p *Pool) Drain(grace time.Duration) {
	p.stop.Do(func() { close(p.quit) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(grace):
		p.logger.Warn("drain grace expired with workers still busy")
	}
}

// Heartbeats reports each worker's last activity, for health checks.
func (p *Pool) Heartbeats() []time.Time {
	beats := make([]time.Time, len(p.workers))
	for i, w := range p.workers {
		beats[i] = w.LastBeat()
	}
	return beats
}

// StartReaper returns expired leases to the available pool on a cadence.
// Dequeue already skips dead leases; the reaper clears them so depth and
// wait metrics stay honest and observers see the reclaim.
func (p *Pool) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.store.ReapExpiredLeases(time.Now().UTC())
				if err != nil {
					p.logger.Warn("lease reap failed", zap.Error(err))
					continue
				}
				if n > 0 {
					p.logger.Info("reclaimed expired leases", zap.Int("count", n))
					p.rec.Emit("", "", events.KindQueueReclaimed, map[string]any{"count": n})
				}
			}
		}
	}()
}

// StartDepthSampler keeps the queue depth gauge current.
func (p *Pool) StartDepthSampler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := p.store.QueueDepth(); err == nil {
					metrics.QueueDepth.Set(float64(n))
				}
			}
		}
	}()
}

// StartDLQArchiver archives dead-letter rows older than keep on the given
// cron schedule (standard five-field syntax). Empty schedule disables it.
func (p *Pool) StartDLQArchiver(ctx context.Context, schedule string, keep time.Duration) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("dlq archive schedule: %w", err)
	}
	go func() {
		for {
			timer := time.NewTimer(time.Until(spec.Next(time.Now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			cutoff := time.Now().UTC().Add(-keep)
			n, err := p.store.ArchiveDLQOlderThan(cutoff)
			if err != nil {
				p.logger.Warn("dlq archive sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Info("archived dead-letter items", zap.Int("count", n))
			}
		}
	}()
	return nil
}

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/executor"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/plan"
	"github.com/marcus-qen/lictor/internal/rbac"
	"github.com/marcus-qen/lictor/internal/store"
)

const (
	idleMin = 250 * time.Millisecond
	idleMax = 5 * time.Second
)

// Worker drains the queue: lease, revalidate, run, settle. One goroutine
// per worker; crash recovery is the pool's job.
type Worker struct {
	id      string
	store   *store.Store
	exec    *executor.Executor
	checker *rbac.Checker
	rec     *events.Recorder
	cfg     config.Config
	quit    <-chan struct{}
	logger  *zap.Logger

	lastBeat atomic.Int64
}

func newWorker(id string, p *Pool) *Worker {
	w := &Worker{
		id:      id,
		store:   p.store,
		exec:    p.exec,
		checker: p.checker,
		rec:     p.rec,
		cfg:     p.cfg,
		quit:    p.quit,
		logger:  p.logger.With(zap.String("worker", id)),
	}
	w.beat()
	return w
}

func (w *Worker) beat() { w.lastBeat.Store(time.Now().UnixNano()) }

// LastBeat reports when the worker last made observable progress.
func (w *Worker) LastBeat() time.Time { return time.Unix(0, w.lastBeat.Load()) }

func (w *Worker) run(ctx context.Context) {
	idle := idleMin
	for {
		w.beat()
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		default:
		}

		item, err := w.store.DequeueWithLease(w.id, w.cfg.Lease())
		switch {
		case store.IsNotFound(err):
			idle = w.pause(ctx, idle)
			continue
		case err != nil:
			w.logger.Warn("dequeue failed", zap.Error(err))
			w.pause(ctx, idleMax)
			continue
		}
		idle = idleMin
		w.process(ctx, item)
	}
}

// pause sleeps for d, then returns the next idle interval, doubling up to
// the bound.
func (w *Worker) pause(ctx context.Context, d time.Duration) time.Duration {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.quit:
	case <-timer.C:
	}
	if d *= 2; d > idleMax {
		d = idleMax
	}
	return d
}

// process settles one leased item. The execution's terminal state decides
// the item's fate: succeeded and cancelled ack, failed dead-letters, a
// retryable failure nacks with backoff until attempts run out.
func (w *Worker) process(ctx context.Context, item *store.QueueItem) {
	metrics.RecordQueueWait(time.Since(item.EnqueuedAt))
	w.rec.Emit(item.ExecutionID, item.TenantID, events.KindQueueLeased, map[string]any{
		"worker":  w.id,
		"attempt": item.Attempts + 1,
	})

	ex, err := w.store.GetExecution(item.ExecutionID)
	if err != nil {
		if store.IsNotFound(err) {
			w.logger.Warn("queue item references no execution", zap.String("item_id", item.ID))
			w.ack(item)
			return
		}
		w.release(item)
		return
	}
	if store.IsTerminal(ex.Status) {
		// Finished elsewhere, e.g. cancelled while queued.
		w.ack(item)
		return
	}

	p, err := plan.Parse(ex.PlanSnapshot)
	if err != nil {
		_, _ = w.exec.Fail(ex, err)
		w.deadLetter(item, err)
		return
	}

	// Permissions may have been revoked while the item sat in the queue;
	// the submit-time check does not carry over the wait.
	if err := w.checker.AuthorizePlan(ctx, ex.ID, ex.TenantID, ex.ActorID, p); err != nil {
		_, _ = w.exec.Fail(ex, err)
		w.deadLetter(item, err)
		return
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	go w.renewLease(renewCtx, item)
	final, err := w.exec.Run(ctx, ex)
	stopRenew()
	if final == nil {
		final = ex
	}

	switch {
	case err == nil:
		w.ack(item)
	case errors.Is(err, executor.ErrInterrupted):
		// Shutdown took the execution mid-flight; hand the item back
		// without burning an attempt.
		w.release(item)
	case store.IsTerminal(final.Status):
		if final.Status == store.StatusFailed {
			w.deadLetter(item, err)
		} else {
			w.ack(item)
		}
	default:
		w.retry(item, final, err)
	}
}

func (w *Worker) retry(item *store.QueueItem, ex *store.Execution, cause error) {
	if item.Attempts+1 >= item.MaxAttempts {
		_, _ = w.exec.Fail(ex, cause)
		w.deadLetter(item, cause)
		return
	}

	delay := Backoff(item.Attempts + 1)
	attempts, err := w.store.NackWithBackoff(item.ID, w.id, time.Now().UTC().Add(delay))
	if err != nil {
		w.logger.Warn("nack failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.RecordRetry(item.SLAClass)
	w.rec.Emit(item.ExecutionID, item.TenantID, events.KindQueueRetry, map[string]any{
		"attempt":     attempts,
		"delay_ms":    delay.Milliseconds(),
		"error_class": classLabel(cause),
	})
	w.logger.Info("execution retry scheduled",
		zap.String("execution_id", item.ExecutionID),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
}

// deadLetter parks the item for operator review. The execution itself is
// already terminal by the time this runs.
func (w *Worker) deadLetter(item *store.QueueItem, cause error) {
	reason := w.rec.Masker().ScrubString(cause.Error())
	if _, err := w.store.MoveToDLQ(item.ID, item.ExecutionID, item.TenantID, reason); err != nil {
		w.logger.Error("dead-letter move failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.RecordDeadLetter(classLabel(cause))
	w.rec.Emit(item.ExecutionID, item.TenantID, events.KindQueueDead, map[string]any{
		"reason":      reason,
		"attempts":    item.Attempts,
		"error_class": classLabel(cause),
	})
	w.logger.Warn("execution dead-lettered",
		zap.String("execution_id", item.ExecutionID),
		zap.String("error_class", classLabel(cause)))
}

func (w *Worker) ack(item *store.QueueItem) {
	if err := w.store.Ack(item.ID, w.id); err != nil {
		w.logger.Warn("ack failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (w *Worker) release(item *store.QueueItem) {
	if err := w.store.ReleaseLease(item.ID, w.id); err != nil {
		w.logger.Warn("lease release failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

// renewLease keeps the claim alive while the execution runs. Renewal ticks
// double as liveness beats, so a worker deep in a long step still reads as
// healthy.
func (w *Worker) renewLease(ctx context.Context, item *store.QueueItem) {
	ticker := time.NewTicker(w.cfg.LeaseRenew())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat()
			if err := w.store.RenewLease(item.ID, w.id, time.Now().UTC().Add(w.cfg.Lease())); err != nil {
				w.logger.Warn("lease renewal failed", zap.String("item_id", item.ID), zap.Error(err))
				return
			}
		}
	}
}

func classLabel(err error) string {
	class := fault.ClassOf(err)
	if class == fault.Unknown {
		class = fault.Adapter
	}
	return string(class)
}

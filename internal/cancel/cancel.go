// Package cancel propagates cancellation to running executions. The durable
// marker lives on the execution row; a redis token mirrors it so workers can
// poll between steps without hitting the store. Cancellation is cooperative:
// in-flight steps finish best-effort, subsequent steps are skipped.
package cancel

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/store"
)

const tokenPrefix = "lictor:cancel:"

// Registry records and answers cancellation requests.
type Registry struct {
	store  *store.Store
	redis  *redis.Client
	rec    *events.Recorder
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry builds a registry. rdb may be nil; every read then falls
// through to the durable marker. ttl must exceed the longest execution
// budget so a token cannot expire under a live execution.
func NewRegistry(st *store.Store, rdb *redis.Client, rec *events.Recorder, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{store: st, redis: rdb, rec: rec, ttl: ttl, logger: logger}
}

func tokenKey(executionID string) string { return tokenPrefix + executionID }

// Cancel requests cancellation of an execution. Idempotent: a repeat on an
// already-cancelled execution returns the original cancelled_by/cancelled_at
// without touching anything. Executions that never started running are
// finished immediately and their locks dropped; running ones keep the marker
// for the executor to observe between steps.
func (r *Registry) Cancel(ctx context.Context, executionID, by, reason string) (*store.Execution, error) {
	ex, requested, err := r.store.RequestCancel(executionID, by, reason)
	if err != nil {
		return nil, err
	}
	if !requested {
		return ex, nil
	}

	if r.redis != nil {
		if err := r.redis.Set(ctx, tokenKey(executionID), "1", r.ttl).Err(); err != nil {
			r.logger.Warn("cancel token write failed, durable marker remains",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}

	metrics.RecordCancellation()
	if r.rec != nil {
		r.rec.Emit(executionID, ex.TenantID, events.KindCancelRequest, map[string]any{
			"by":     by,
			"reason": reason,
		})
	}

	// Not-yet-running executions are already terminal at this point.
	if ex.Status == store.StatusCancelled {
		if n, err := r.store.ReleaseLocksForExecution(executionID); err == nil && n > 0 {
			r.logger.Debug("released locks on cancel",
				zap.String("execution_id", executionID), zap.Int("count", n))
		}
		if r.rec != nil {
			r.rec.Emit(executionID, ex.TenantID, events.KindExecutionCancelled, map[string]any{
				"by":     by,
				"reason": reason,
			})
		}
	}

	r.logger.Info("cancellation requested",
		zap.String("execution_id", executionID),
		zap.String("by", by),
		zap.String("status", ex.Status))
	return ex, nil
}

// IsCancelled answers the between-steps poll. A healthy token store answers
// alone; only errors fall through to the durable marker.
func (r *Registry) IsCancelled(ctx context.Context, executionID string) bool {
	if r.redis != nil {
		n, err := r.redis.Exists(ctx, tokenKey(executionID)).Result()
		if err == nil {
			return n > 0
		}
		r.logger.Warn("cancel token read failed, falling back to store",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	requested, err := r.store.IsCancelRequested(executionID)
	if err != nil {
		r.logger.Warn("cancel marker read failed",
			zap.String("execution_id", executionID), zap.Error(err))
		return false
	}
	return requested
}

// Clear removes the fast-path token after an administrative requeue. The
// durable marker is reset by the store in the same operation; a leftover
// token would cancel the re-run at its first between-steps poll.
func (r *Registry) Clear(ctx context.Context, executionID string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Del(ctx, tokenKey(executionID)).Err(); err != nil {
		r.logger.Warn("cancel token delete failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// Ping reports fast-path health. Nil when no token store is configured.
func (r *Registry) Ping(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Ping(ctx).Err()
}

// HasFastPath reports whether a token store is configured.
func (r *Registry) HasFastPath() bool { return r.redis != nil }

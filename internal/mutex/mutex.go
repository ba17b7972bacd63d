// Package mutex serialises concurrent executions against the same asset.
// Locks are store-backed rows keyed by tenant, target and action, owned by
// an execution id, with a TTL at least as long as the step budget. Release
// happens on every exit path: deferred Guard.Release, TTL expiry, and the
// background reaper that sweeps rows left by dead workers.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/metrics"
	"github.com/marcus-qen/lictor/internal/store"
)

// keyVersion prefixes every lock key so the scheme can evolve without
// colliding with rows written by older engines.
const keyVersion = "v1"

// Key builds the lock key for a tenant/target/action triple.
func Key(tenantID, targetRef, action string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyVersion, tenantID, targetRef, action)
}

// TenantPrefix returns the key prefix covering every lock of one tenant.
func TenantPrefix(tenantID string) string {
	return fmt.Sprintf("%s:%s:", keyVersion, tenantID)
}

// Manager acquires and releases per-asset mutexes.
type Manager struct {
	store  *store.Store
	rec    *events.Recorder
	logger *zap.Logger
}

func NewManager(st *store.Store, rec *events.Recorder, logger *zap.Logger) *Manager {
	return &Manager{store: st, rec: rec, logger: logger}
}

// Guard is a held mutex. Release is idempotent and safe under defer.
type Guard struct {
	m           *Manager
	key         string
	executionID string
	once        sync.Once
}

// Key returns the lock key this guard holds.
func (g *Guard) Key() string { return g.key }

// Release drops the lock. Errors are logged, not returned: by the time a
// caller releases, the step outcome is already decided and TTL expiry
// backstops a failed delete.
func (g *Guard) Release() {
	g.once.Do(func() {
		if err := g.m.store.ReleaseLock(g.key, g.executionID); err != nil {
			g.m.logger.Warn("mutex release failed",
				zap.String("key", g.key),
				zap.String("execution_id", g.executionID),
				zap.Error(err))
		}
	})
}

// Acquire claims the mutex for one step. A live holder causes an immediate
// resource_busy failure naming that holder; the caller does not wait.
// Re-acquiring a key the same execution already holds extends the TTL.
func (m *Manager) Acquire(executionID, tenantID, targetRef, action string, ttl time.Duration) (*Guard, error) {
	key := Key(tenantID, targetRef, action)

	lock, err := m.store.TryAcquireLock(key, executionID, ttl)
	if err != nil {
		if fault.ClassOf(err) == fault.ResourceBusy {
			metrics.RecordMutexConflict()
			holder := ""
			var fe *fault.Error
			if errors.As(err, &fe) {
				holder = fe.ConflictID
			}
			m.logger.Info("mutex conflict",
				zap.String("key", key),
				zap.String("execution_id", executionID),
				zap.String("holder", holder))
			if m.rec != nil {
				m.rec.Emit(executionID, tenantID, events.KindMutexConflict, map[string]any{
					"key":    key,
					"holder": holder,
				})
			}
		}
		return nil, err
	}

	m.logger.Debug("mutex acquired",
		zap.String("key", key),
		zap.String("execution_id", executionID),
		zap.Time("expires_at", lock.ExpiresAt))
	return &Guard{m: m, key: key, executionID: executionID}, nil
}

// ReleaseAll drops every lock an execution still holds. Called on
// cancellation and terminal cleanup.
func (m *Manager) ReleaseAll(executionID string) {
	n, err := m.store.ReleaseLocksForExecution(executionID)
	if err != nil {
		m.logger.Warn("release all locks failed",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Debug("released locks",
			zap.String("execution_id", executionID), zap.Int("count", n))
	}
}

// Active lists unexpired locks for a tenant, or all tenants when empty.
func (m *Manager) Active(tenantID string) ([]store.Lock, error) {
	prefix := ""
	if tenantID != "" {
		prefix = TenantPrefix(tenantID)
	}
	return m.store.ActiveLocks(prefix)
}

// StartReaper sweeps expired lock rows on a cadence until ctx is done.
// Guarantees eventual release after worker death.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.ReapExpiredLocks(time.Now().UTC())
				if err != nil {
					m.logger.Warn("lock reap failed", zap.Error(err))
					continue
				}
				if n > 0 {
					m.logger.Info("reaped expired locks", zap.Int("count", n))
				}
			}
		}
	}()
}

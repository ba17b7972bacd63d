package events

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/logmask"
	"github.com/marcus-qen/lictor/internal/store"
)

// Recorder persists events and publishes them to the live bus. All payloads
// pass through the masker first, so neither the durable log nor any stream
// consumer ever sees a raw secret.
type Recorder struct {
	store  *store.Store
	bus    *Bus
	masker *logmask.Masker
	logger *zap.Logger
}

// NewRecorder builds the engine's event write path.
func NewRecorder(st *store.Store, bus *Bus, masker *logmask.Masker, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: st, bus: bus, masker: masker, logger: logger}
}

// Emit masks, persists and publishes one event. ExecutionID may be empty for
// engine-scope events (an RBAC violation rejected before any execution row
// exists); those never appear in per-execution streams but remain queryable
// by kind.
func (r *Recorder) Emit(executionID, tenantID, kind string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		masked := r.masker.MaskValue(payload)
		data, err := json.Marshal(masked)
		if err != nil {
			r.logger.Warn("event payload not serialisable",
				zap.String("kind", kind),
				zap.String("execution_id", executionID),
				zap.Error(err))
			data = []byte(`{}`)
		}
		raw = data
	}

	ev := store.Event{
		ExecutionID: executionID,
		TenantID:    tenantID,
		Kind:        kind,
		Payload:     raw,
	}
	stored, err := r.store.AppendEvent(ev)
	if err != nil {
		// The stream still gets the event; the gap in the durable log is
		// logged for the operator.
		r.logger.Warn("event not persisted",
			zap.String("kind", kind),
			zap.String("execution_id", executionID),
			zap.Error(err))
		stored = &ev
	}

	if r.bus != nil {
		r.bus.Publish(Event{
			Seq:         stored.Seq,
			ID:          stored.ID,
			ExecutionID: stored.ExecutionID,
			TenantID:    stored.TenantID,
			Kind:        stored.Kind,
			Payload:     stored.Payload,
			TS:          stored.TS,
		})
	}

	r.logger.Debug("event",
		zap.String("kind", kind),
		zap.String("execution_id", executionID),
		zap.String("tenant_id", tenantID))
}

// Masker exposes the shared scrubber for callers that persist payloads
// outside the event log (step outputs, execution results).
func (r *Recorder) Masker() *logmask.Masker { return r.masker }

// Package events carries the engine's operational event stream: every state
// transition, mutex conflict, RBAC violation, secret access and approval
// decision is recorded durably and fanned out to live subscribers. The
// Recorder is the single write path; it masks payloads before they reach
// either sink.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event kinds emitted by the engine.
const (
	KindExecutionCreated   = "execution.created"
	KindExecutionStarted   = "execution.started"
	KindExecutionSucceeded = "execution.succeeded"
	KindExecutionFailed    = "execution.failed"
	KindExecutionCancelled = "execution.cancelled"
	KindExecutionTimeout   = "execution.timeout"

	KindStepStarted   = "step.started"
	KindStepCompleted = "step.completed"
	KindStepFailed    = "step.failed"
	KindStepTimeout   = "step.timeout"
	KindStepSkipped   = "step.skipped"

	KindApprovalRequested = "approval.requested"
	KindApprovalDecided   = "approval.decided"

	KindMutexConflict = "mutex.conflict"
	KindRBACViolation = "rbac_violation"
	KindSecretAccess  = "secret.access"
	KindCancelRequest = "cancel.requested"
	KindSLAViolation  = "sla.violation"

	KindQueueEnqueued  = "queue.enqueued"
	KindQueueLeased    = "queue.leased"
	KindQueueRetry     = "queue.retry"
	KindQueueDead      = "queue.dead_lettered"
	KindQueueRequeued  = "queue.requeued"
	KindQueueReclaimed = "queue.lease_reclaimed"
)

// Event is the published form. Seq is assigned by the store on persist and
// carried here so streaming consumers can resume from a known position.
type Event struct {
	Seq         int64           `json:"seq,omitempty"`
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TS          time.Time       `json:"ts"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Filter narrows a subscription. The zero value receives everything.
type Filter struct {
	ExecutionID string
	Kind        string
}

func (f Filter) matches(e Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus is a pub/sub fan-out for live consumers (SSE streams, watchers).
// Non-blocking: slow subscribers drop events; durable history stays in
// the store.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to every subscriber whose filter matches.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.filter.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber: drop. Durable history stays in the store.
		}
	}
}

// Subscribe returns a channel of events matching the filter. Call
// Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string, filter Filter) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = &subscriber{ch: ch, filter: filter}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

package store

import (
	"encoding/json"
	"time"
)

// Execution statuses. Transitions are checked against the FSM below; a
// write that would make an illegal move fails loudly.
const (
	StatusPending          = "pending"
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusRunning          = "running"
	StatusSucceeded        = "succeeded"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// Execution modes.
const (
	ModeImmediate  = "immediate"
	ModeBackground = "background"
)

// Approval states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

var legalTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusAwaitingApproval: true,
		StatusRunning:          true,
		StatusFailed:           true,
		StatusCancelled:        true,
	},
	StatusAwaitingApproval: {
		StatusApproved:  true,
		StatusCancelled: true,
	},
	StatusApproved: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal FSM move.
func CanTransition(from, to string) bool {
	return legalTransitions[from][to]
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// KnownStatus reports whether s names one of the execution statuses.
func KnownStatus(s string) bool {
	switch s {
	case StatusPending, StatusAwaitingApproval, StatusApproved,
		StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is the top-level unit of work. PlanSnapshot is the canonical
// plan JSON captured at creation and never rewritten; it is the audit record.
type Execution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	ActorID         string          `json:"actor_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	PlanSnapshot    json.RawMessage `json:"plan_snapshot"`
	Status          string          `json:"status"`
	Mode            string          `json:"mode"`
	SLAClass        string          `json:"sla_class"`
	ActionClass     string          `json:"action_class"`
	TimedOut        bool            `json:"timed_out"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	ErrorClass      string          `json:"error_class,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// Step is one node of an execution's plan. Inputs hold secret references,
// never values; Output is stored post-masking.
type Step struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Ordinal      int             `json:"ordinal"`
	Type         string          `json:"type"`
	Target       string          `json:"target,omitempty"`
	Action       string          `json:"action,omitempty"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	TimedOut     bool            `json:"timed_out"`
	Attempts     int             `json:"attempts"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorClass   string          `json:"error_class,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Approval gates a risk-elevated execution.
type Approval struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	TenantID     string     `json:"tenant_id"`
	RequiredRole string     `json:"required_role"`
	State        string     `json:"state"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QueueItem is a background work unit. A row is available (no lease),
// leased (unexpired lease), or eligible for reaping (expired lease).
type QueueItem struct {
	ID             string     `json:"id"`
	ExecutionID    string     `json:"execution_id"`
	TenantID       string     `json:"tenant_id"`
	SLAClass       string     `json:"sla_class"`
	Priority       int        `json:"priority"`
	AvailableAt    time.Time  `json:"available_at"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
}

// DLQItem is a queue item that exhausted retries or failed terminally.
type DLQItem struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	TenantID      string    `json:"tenant_id"`
	FailureReason string    `json:"failure_reason"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
}

// Lock is a per-asset mutex record. OwnerTag is the holding execution id.
type Lock struct {
	Key         string    `json:"lock_key"`
	ExecutionID string    `json:"execution_id"`
	OwnerTag    string    `json:"owner_tag"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TimeoutPolicy is one row of the (sla_class, action_class) budget matrix.
type TimeoutPolicy struct {
	SLAClass           string `json:"sla_class" yaml:"sla_class"`
	ActionClass        string `json:"action_class" yaml:"action_class"`
	ExecutionTimeoutMS int64  `json:"execution_timeout_ms" yaml:"execution_timeout_ms"`
	StepTimeoutMS      int64  `json:"step_timeout_ms" yaml:"step_timeout_ms"`
}

func (p TimeoutPolicy) ExecutionBudget() time.Duration {
	return time.Duration(p.ExecutionTimeoutMS) * time.Millisecond
}

func (p TimeoutPolicy) StepBudget() time.Duration {
	return time.Duration(p.StepTimeoutMS) * time.Millisecond
}

// Event is one append-only audit/operational record. Seq orders events
// globally; per-execution order follows from it.
type Event struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TS          time.Time       `json:"ts"`
}

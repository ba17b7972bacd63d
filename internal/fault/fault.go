// Package fault defines the failure taxonomy shared across the execution
// engine. Classes are stable API: they appear in HTTP error envelopes, are
// persisted on executions and steps, and drive queue retry decisions.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class identifies a failure category.
type Class string

const (
	Validation       Class = "validation_error"
	Permission       Class = "permission_error"
	TenantMismatch   Class = "tenant_mismatch"
	DuplicateKey     Class = "duplicate_idempotency_key"
	ResourceBusy     Class = "resource_busy"
	ApprovalRequired Class = "approval_required"
	ApprovalRejected Class = "approval_rejected"
	Cancelled        Class = "cancelled"
	Timeout          Class = "timeout"
	Adapter          Class = "adapter_error"
	SecretResolution Class = "secret_resolution_error"
	StoreUnavailable Class = "store_unavailable"
	IllegalState     Class = "illegal_state_transition"
	QueueFull        Class = "queue_full"
	Unknown          Class = ""
)

// Error carries a classified failure. ConflictID names the other execution
// involved where one exists: the prior submission for DuplicateKey, the lock
// holder for ResourceBusy.
type Error struct {
	Class      Class
	Message    string
	ConflictID string

	wrapped error
}

func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(class Class, err error, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// Conflict attaches the id of the execution this failure collided with.
func (e *Error) Conflict(id string) *Error {
	e.ConflictID = id
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on class alone: errors.Is(err, fault.New(fault.Timeout, "")).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Class == fe.Class
}

// ClassOf extracts the class from anywhere in the chain. Plain errors report
// Unknown and are treated as transient by Retryable.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// neverRetry lists the classes where a retry cannot change the outcome.
var neverRetry = map[Class]bool{
	Validation:       true,
	Permission:       true,
	TenantMismatch:   true,
	DuplicateKey:     true,
	Cancelled:        true,
	ApprovalRejected: true,
	IllegalState:     true,
}

// Retryable reports whether requeueing with backoff is worthwhile. Anything
// unclassified is assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !neverRetry[ClassOf(err)]
}

// HTTPStatus maps a class to the status the API layer responds with.
func HTTPStatus(class Class) int {
	switch class {
	case Validation:
		return http.StatusBadRequest
	case Permission, TenantMismatch, ApprovalRequired:
		return http.StatusForbidden
	case DuplicateKey, ResourceBusy, ApprovalRejected, Cancelled, IllegalState:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Adapter, SecretResolution:
		return http.StatusBadGateway
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	case QueueFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

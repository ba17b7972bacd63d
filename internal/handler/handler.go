// Package handler maps step families to the adapters that run them. Each
// handler validates its inputs at resolve time, invokes the remote side with
// the step's deadline, and translates failures into the shared taxonomy.
// Dispatch is purely registry-driven: new families register themselves and
// no call site switches on step types.
package handler

import (
	"context"
	"sync"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// Request is one step invocation, prepared by the executor: Inputs carries
// materialised values (secret references already resolved), never what the
// store keeps.
type Request struct {
	ExecutionID string
	TenantID    string
	ActorID     string
	Step        plan.Step
	Inputs      map[string]any
}

// Result is a handler's structured output. The executor masks it before
// anything is persisted or streamed.
type Result struct {
	Output map[string]any
}

// Handler runs one step family.
type Handler interface {
	// Family names the step family this handler serves.
	Family() plan.Family

	// Aliases lists the step types that resolve to this handler.
	Aliases() []string

	// Resolve validates and normalises the request before any I/O.
	Resolve(req *Request) error

	// Invoke performs the step. A non-nil Result alongside an error means
	// the step produced output worth recording before it failed.
	Invoke(ctx context.Context, req *Request) (*Result, error)

	// DescribeError renders a user-safe message for a failure of this family.
	DescribeError(err error) string
}

// Registry resolves step types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[plan.Family]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[plan.Family]Handler)}
}

// Register adds a handler for its family, replacing any previous one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Family()] = h
}

// ForStep resolves a step type through its family to a handler.
func (r *Registry) ForStep(stepType string) (Handler, error) {
	family, ok := plan.FamilyOf(stepType)
	if !ok {
		return nil, fault.New(fault.Validation, "unrecognised step type %q", stepType)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[family]
	if !ok {
		return nil, fault.New(fault.Validation, "no handler registered for family %q", family)
	}
	return h, nil
}

// Families lists registered families.
func (r *Registry) Families() []plan.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plan.Family, 0, len(r.handlers))
	for f := range r.handlers {
		out = append(out, f)
	}
	return out
}

// stringInput reads a string field from the materialised inputs.
func stringInput(inputs map[string]any, key string) string {
	v, _ := inputs[key].(string)
	return v
}

// intInput reads a numeric field; JSON decoding yields float64.
func intInput(inputs map[string]any, key string) (int, bool) {
	switch v := inputs[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

package secrets

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/fault"
)

// Resolver walks step inputs and replaces secret references with fetched
// values. The original inputs are never mutated; the store keeps references
// only.
type Resolver struct {
	provider Provider
	rec      *events.Recorder
	logger   *zap.Logger
}

func NewResolver(provider Provider, rec *events.Recorder, logger *zap.Logger) *Resolver {
	return &Resolver{provider: provider, rec: rec, logger: logger}
}

// Resolved is one resolution pass: materialised inputs for the adapter and
// the fetched values to wipe when it returns.
type Resolved struct {
	Inputs  map[string]any
	secrets []*Secret
}

// Zeroise wipes every fetched value and drops the materialised inputs so the
// value strings become unreachable. Safe to call more than once.
func (r *Resolved) Zeroise() {
	for _, s := range r.secrets {
		s.Wipe()
	}
	r.secrets = nil
	r.Inputs = nil
}

// SecretCount reports how many references were materialised.
func (r *Resolved) SecretCount() int { return len(r.secrets) }

// Resolve materialises all secret references in inputs, recursively through
// nested maps and arrays. Each fetch appends a secret_access event with the
// path only.
func (r *Resolver) Resolve(ctx context.Context, executionID, tenantID string, inputs map[string]any) (*Resolved, error) {
	res := &Resolved{}
	out, err := r.walk(ctx, executionID, tenantID, inputs, res)
	if err != nil {
		res.Zeroise()
		return nil, err
	}
	m, _ := out.(map[string]any)
	res.Inputs = m
	return res, nil
}

func (r *Resolver) walk(ctx context.Context, executionID, tenantID string, v any, res *Resolved) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if path, ok := refPath(t); ok {
			value, err := r.fetch(ctx, executionID, tenantID, path)
			if err != nil {
				return nil, err
			}
			res.secrets = append(res.secrets, value)
			return value.Value(), nil
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			resolved, err := r.walk(ctx, executionID, tenantID, child, res)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			resolved, err := r.walk(ctx, executionID, tenantID, child, res)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) fetch(ctx context.Context, executionID, tenantID, path string) (*Secret, error) {
	raw, err := r.provider.Fetch(ctx, path)
	if err != nil {
		r.logger.Warn("secret fetch failed",
			zap.String("execution_id", executionID),
			zap.String("path", path),
			zap.Error(err))
		return nil, fault.Wrap(fault.SecretResolution, err, "resolve secret %s", path)
	}
	if r.rec != nil {
		r.rec.Emit(executionID, tenantID, events.KindSecretAccess, map[string]any{"path": path})
	}
	return &Secret{Path: path, value: raw}, nil
}

// refPath recognises {"type": "secret", "path": "..."}.
func refPath(m map[string]any) (string, bool) {
	if t, _ := m["type"].(string); t != "secret" {
		return "", false
	}
	path, _ := m["path"].(string)
	if path == "" {
		return "", false
	}
	return path, true
}

// Package plan models validated execution plans: the step list, its
// classification into SLA and action classes, and the canonical form used
// for idempotency keys. Plans arrive already authored and validated upstream;
// this package only checks structural shape and classifies.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/lictor/internal/fault"
)

// SLA classes drive the timeout matrix, queue priority and retry counts.
const (
	SLAFast   = "fast"
	SLAMedium = "medium"
	SLALong   = "long"
)

// Action classes order steps by risk, lowest first.
const (
	ActionInformation  = "information"
	ActionDiagnostic   = "diagnostic"
	ActionOperational  = "operational"
	ActionProvisioning = "provisioning"
)

// Family groups step types that share a handler.
type Family string

const (
	FamilyCommand     Family = "command"
	FamilyHTTP        Family = "http"
	FamilyDatabase    Family = "database"
	FamilyFile        Family = "file"
	FamilyValidation  Family = "validation"
	FamilyAssetQuery  Family = "asset-query"
	FamilyCredentials Family = "credentials-read"
)

// familyAliases maps every recognised step type to its family. New aliases
// are added here and picked up by classification and dispatch alike.
var familyAliases = map[string]Family{
	"command":    FamilyCommand,
	"shell":      FamilyCommand,
	"script":     FamilyCommand,
	"powershell": FamilyCommand,

	"api":  FamilyHTTP,
	"http": FamilyHTTP,
	"rest": FamilyHTTP,

	"database": FamilyDatabase,
	"sql":      FamilyDatabase,

	"file":     FamilyFile,
	"copy":     FamilyFile,
	"transfer": FamilyFile,

	"validation": FamilyValidation,
	"check":      FamilyValidation,
	"verify":     FamilyValidation,

	"asset-query": FamilyAssetQuery,
	"asset-list":  FamilyAssetQuery,

	"credentials-read": FamilyCredentials,
}

// FamilyOf resolves a step type to its handler family.
func FamilyOf(stepType string) (Family, bool) {
	f, ok := familyAliases[stepType]
	return f, ok
}

// Step is one node of a plan. Inputs carry secret references, never values.
type Step struct {
	Type       string         `json:"type"`
	Target     string         `json:"target,omitempty"`
	Action     string         `json:"action,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	EstimateMS int64          `json:"estimate_ms,omitempty"`
	OnFailure  string         `json:"on_failure,omitempty"`
	Class      string         `json:"class,omitempty"`
}

// Plan is the unit the router accepts. The wire form is either a JSON object
// or a bare step array; upstream stages emit both.
type Plan struct {
	Name             string `json:"name,omitempty"`
	Steps            []Step `json:"steps"`
	SLAClass         string `json:"sla_class,omitempty"`
	Risk             string `json:"risk,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// UnmarshalJSON accepts both `{"steps": [...]}` and `[...]`.
func (p *Plan) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &p.Steps)
	}
	type alias Plan
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Plan(a)
	return nil
}

// Parse unmarshals and structurally validates a plan.
func Parse(raw []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "plan is not valid JSON")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural shape. Family-specific input requirements are
// checked by the step handlers at resolve time.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fault.New(fault.Validation, "plan has no steps")
	}
	switch p.SLAClass {
	case "", SLAFast, SLAMedium, SLALong:
	default:
		return fault.New(fault.Validation, "unknown sla_class %q", p.SLAClass)
	}
	switch p.Risk {
	case "", "normal", "elevated":
	default:
		return fault.New(fault.Validation, "unknown risk %q", p.Risk)
	}
	for i, s := range p.Steps {
		if s.Type == "" {
			return fault.New(fault.Validation, "step %d has no type", i)
		}
		if _, ok := FamilyOf(s.Type); !ok {
			return fault.New(fault.Validation, "step %d has unrecognised type %q", i, s.Type)
		}
		if s.EstimateMS < 0 {
			return fault.New(fault.Validation, "step %d has negative estimate", i)
		}
		switch s.OnFailure {
		case "", "halt", "continue":
		default:
			return fault.New(fault.Validation, "step %d has unknown on_failure %q", i, s.OnFailure)
		}
		switch s.Class {
		case "", ActionInformation, ActionDiagnostic, ActionOperational, ActionProvisioning:
		default:
			return fault.New(fault.Validation, "step %d has unknown class %q", i, s.Class)
		}
	}
	return nil
}

// TotalEstimateMS sums per-step estimates. Steps without estimates
// contribute nothing; a wholly unestimated plan classifies as fast.
func (p *Plan) TotalEstimateMS() int64 {
	var total int64
	for _, s := range p.Steps {
		total += s.EstimateMS
	}
	return total
}

// HaltOnFailure reports whether a failure of step i stops the plan.
// The default policy is halt.
func (p *Plan) HaltOnFailure(i int) bool {
	if i < 0 || i >= len(p.Steps) {
		return true
	}
	return p.Steps[i].OnFailure != "continue"
}

func (s *Step) String() string {
	if s.Target != "" {
		return fmt.Sprintf("%s %s@%s", s.Type, s.Action, s.Target)
	}
	return s.Type
}

package plan

import "strings"

const (
	fastCeilingMS = 10_000
	longFloorMS   = 300_000
)

var actionRank = map[string]int{
	ActionInformation:  0,
	ActionDiagnostic:   1,
	ActionOperational:  2,
	ActionProvisioning: 3,
}

// provisioningVerbs marks command actions that create or tear down
// infrastructure rather than operate on it.
var provisioningVerbs = []string{
	"deploy", "provision", "install", "bootstrap", "decommission", "terraform",
}

// SLAClassify returns the plan's SLA class: an explicit pin wins, otherwise
// the total estimated duration decides.
func (p *Plan) SLAClassify() string {
	if p.SLAClass != "" {
		return p.SLAClass
	}
	total := p.TotalEstimateMS()
	switch {
	case total < fastCeilingMS:
		return SLAFast
	case total > longFloorMS:
		return SLALong
	default:
		return SLAMedium
	}
}

// StepActionClass classifies a single step. Explicit class wins, then
// action-verb heuristics, then the family default.
func StepActionClass(s Step) string {
	if s.Class != "" {
		return s.Class
	}
	lower := strings.ToLower(s.Action)
	for _, verb := range provisioningVerbs {
		if strings.Contains(lower, verb) {
			return ActionProvisioning
		}
	}
	family, _ := FamilyOf(s.Type)
	switch family {
	case FamilyAssetQuery, FamilyCredentials:
		return ActionInformation
	case FamilyValidation:
		return ActionDiagnostic
	case FamilyHTTP:
		if m, ok := s.Inputs["method"].(string); ok {
			switch strings.ToUpper(m) {
			case "", "GET", "HEAD", "OPTIONS":
				return ActionInformation
			}
			return ActionOperational
		}
		return ActionInformation
	case FamilyDatabase:
		if readOnlyStatement(s.Inputs) {
			return ActionInformation
		}
		return ActionOperational
	default:
		return ActionOperational
	}
}

func readOnlyStatement(inputs map[string]any) bool {
	stmt, _ := inputs["query"].(string)
	if stmt == "" {
		stmt, _ = inputs["statement"].(string)
	}
	head := strings.ToLower(strings.TrimSpace(stmt))
	for _, prefix := range []string{"select", "show", "explain", "describe", "with"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// ActionClassify returns the class of the highest-risk step.
func (p *Plan) ActionClassify() string {
	best := ActionInformation
	for _, s := range p.Steps {
		c := StepActionClass(s)
		if actionRank[c] > actionRank[best] {
			best = c
		}
	}
	return best
}

// NeedsApproval reports whether the plan must park in awaiting_approval.
// Approval is attribute-driven: an explicit flag, an elevated risk marker on
// a changing plan, or any credentials read.
func (p *Plan) NeedsApproval() bool {
	if p.RequiresApproval {
		return true
	}
	if p.Risk == "elevated" && actionRank[p.ActionClassify()] >= actionRank[ActionOperational] {
		return true
	}
	for _, s := range p.Steps {
		if f, _ := FamilyOf(s.Type); f == FamilyCredentials {
			return true
		}
	}
	return false
}

// ApproverRole names the role that may decide an approval for this plan.
func (p *Plan) ApproverRole() string {
	if p.ActionClassify() == ActionProvisioning {
		return "admin"
	}
	return "operator"
}

// RiskierThan reports whether class a outranks class b.
func RiskierThan(a, b string) bool {
	return actionRank[a] > actionRank[b]
}

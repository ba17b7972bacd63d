package plan

import (
	"strings"
	"testing"
)

func TestParseObjectAndArrayForms(t *testing.T) {
	obj := []byte(`{"name":"count","steps":[{"type":"asset-query","inputs":{"mode":"count"}}]}`)
	arr := []byte(`[{"type":"asset-query","inputs":{"mode":"count"}}]`)

	po, err := Parse(obj)
	if err != nil {
		t.Fatalf("Parse(object) failed: %v", err)
	}
	pa, err := Parse(arr)
	if err != nil {
		t.Fatalf("Parse(array) failed: %v", err)
	}
	if len(po.Steps) != 1 || len(pa.Steps) != 1 {
		t.Fatalf("expected one step, got %d and %d", len(po.Steps), len(pa.Steps))
	}
	if pa.Steps[0].Type != "asset-query" {
		t.Fatalf("step type = %q", pa.Steps[0].Type)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", `{"steps":[]}`, "no steps"},
		{"missing type", `[{"target":"server-01"}]`, "no type"},
		{"unknown type", `[{"type":"teleport"}]`, "unrecognised type"},
		{"bad on_failure", `[{"type":"command","on_failure":"retry"}]`, "on_failure"},
		{"bad sla", `{"sla_class":"hyper","steps":[{"type":"command"}]}`, "sla_class"},
		{"negative estimate", `[{"type":"command","estimate_ms":-5}]`, "negative estimate"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.raw))
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestSLAClassify(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
		want string
	}{
		{"unestimated is fast", Plan{Steps: []Step{{Type: "asset-query"}}}, SLAFast},
		{"under ten seconds", Plan{Steps: []Step{{Type: "command", EstimateMS: 9000}}}, SLAFast},
		{"medium", Plan{Steps: []Step{{Type: "command", EstimateMS: 30000}, {Type: "command", EstimateMS: 30000}}}, SLAMedium},
		{"over five minutes", Plan{Steps: []Step{{Type: "command", EstimateMS: 400000}}}, SLALong},
		{"pin wins", Plan{SLAClass: SLALong, Steps: []Step{{Type: "asset-query"}}}, SLALong},
	}
	for _, tc := range cases {
		if got := tc.plan.SLAClassify(); got != tc.want {
			t.Fatalf("%s: SLAClassify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStepActionClass(t *testing.T) {
	cases := []struct {
		name string
		step Step
		want string
	}{
		{"asset query", Step{Type: "asset-query"}, ActionInformation},
		{"validation probe", Step{Type: "check"}, ActionDiagnostic},
		{"restart command", Step{Type: "command", Target: "server-01", Action: "restart_service"}, ActionOperational},
		{"deploy command", Step{Type: "command", Target: "server-01", Action: "deploy"}, ActionProvisioning},
		{"http get", Step{Type: "http", Inputs: map[string]any{"method": "GET"}}, ActionInformation},
		{"http post", Step{Type: "api", Inputs: map[string]any{"method": "POST"}}, ActionOperational},
		{"readonly sql", Step{Type: "sql", Inputs: map[string]any{"query": "SELECT 1"}}, ActionInformation},
		{"mutating sql", Step{Type: "database", Inputs: map[string]any{"query": "DELETE FROM t"}}, ActionOperational},
		{"explicit class", Step{Type: "command", Class: ActionDiagnostic}, ActionDiagnostic},
	}
	for _, tc := range cases {
		if got := StepActionClass(tc.step); got != tc.want {
			t.Fatalf("%s: class = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestActionClassifyTakesHighestRisk(t *testing.T) {
	p := Plan{Steps: []Step{
		{Type: "asset-query"},
		{Type: "check"},
		{Type: "command", Action: "restart_service"},
	}}
	if got := p.ActionClassify(); got != ActionOperational {
		t.Fatalf("ActionClassify = %q, want %q", got, ActionOperational)
	}
	p.Steps = append(p.Steps, Step{Type: "command", Action: "deploy new build"})
	if got := p.ActionClassify(); got != ActionProvisioning {
		t.Fatalf("ActionClassify = %q, want %q", got, ActionProvisioning)
	}
}

func TestNeedsApproval(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
		want bool
	}{
		{"plain operational", Plan{Steps: []Step{{Type: "command", Action: "restart"}}}, false},
		{"elevated operational", Plan{Risk: "elevated", Steps: []Step{{Type: "command", Action: "restart"}}}, true},
		{"elevated read-only", Plan{Risk: "elevated", Steps: []Step{{Type: "asset-query"}}}, false},
		{"explicit flag", Plan{RequiresApproval: true, Steps: []Step{{Type: "asset-query"}}}, true},
		{"credentials read", Plan{Steps: []Step{{Type: "credentials-read", Target: "server-01"}}}, true},
		{"deploy without flags", Plan{Steps: []Step{{Type: "command", Action: "deploy"}}}, false},
	}
	for _, tc := range cases {
		if got := tc.plan.NeedsApproval(); got != tc.want {
			t.Fatalf("%s: NeedsApproval = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestApproverRole(t *testing.T) {
	provisioning := Plan{Steps: []Step{{Type: "command", Action: "deploy"}}}
	if got := provisioning.ApproverRole(); got != "admin" {
		t.Fatalf("provisioning approver = %q, want admin", got)
	}
	operational := Plan{Steps: []Step{{Type: "command", Action: "restart"}}}
	if got := operational.ApproverRole(); got != "operator" {
		t.Fatalf("operational approver = %q, want operator", got)
	}
}

package handler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// ValidationHandler runs post-change checks: an HTTP probe, a TCP reach
// check, or a plain value comparison. A failed check is a failed step, with
// the observed value kept in the output so the report shows what was seen.
type ValidationHandler struct {
	client *http.Client
}

func NewValidationHandler() *ValidationHandler {
	return &ValidationHandler{client: &http.Client{}}
}

func (h *ValidationHandler) Family() plan.Family { return plan.FamilyValidation }

func (h *ValidationHandler) Aliases() []string { return []string{"validation", "check", "verify"} }

func (h *ValidationHandler) Resolve(req *Request) error {
	switch kind := checkKind(req); kind {
	case "http":
		raw := stringInput(req.Inputs, "url")
		if raw == "" {
			return fault.New(fault.Validation, "http check needs a url")
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fault.New(fault.Validation, "http check url must be http(s), got %q", raw)
		}
	case "tcp":
		if stringInput(req.Inputs, "target") == "" && req.Step.Target == "" {
			return fault.New(fault.Validation, "tcp check needs a target")
		}
		if _, ok := intInput(req.Inputs, "port"); !ok {
			return fault.New(fault.Validation, "tcp check needs a port")
		}
	case "equals":
		if _, ok := req.Inputs["expect"]; !ok {
			return fault.New(fault.Validation, "equals check needs an expect value")
		}
	default:
		return fault.New(fault.Validation, "unsupported check kind %q", kind)
	}
	return nil
}

func (h *ValidationHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	var (
		passed bool
		detail string
		err    error
	)
	switch checkKind(req) {
	case "http":
		passed, detail, err = h.checkHTTP(ctx, req)
	case "tcp":
		passed, detail, err = h.checkTCP(ctx, req)
	case "equals":
		passed, detail = checkEquals(req)
	}
	if err != nil {
		return nil, err
	}

	out := &Result{Output: map[string]any{
		"passed":      passed,
		"detail":      detail,
		"duration_ms": time.Since(start).Milliseconds(),
	}}
	if !passed {
		return out, fault.New(fault.Adapter, "check failed: %s", detail)
	}
	return out, nil
}

func (h *ValidationHandler) checkHTTP(ctx context.Context, req *Request) (bool, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, stringInput(req.Inputs, "url"), nil)
	if err != nil {
		return false, "", fault.Wrap(fault.Validation, err, "build check request")
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", fault.Wrap(fault.Timeout, ctx.Err(), "check on %s exceeded its budget", httpReq.URL.Host)
		}
		// Unreachable endpoints are a failed check, not a broken step.
		return false, fmt.Sprintf("endpoint unreachable: %v", err), nil
	}
	resp.Body.Close()

	expect := http.StatusOK
	if v, ok := intInput(req.Inputs, "expect_status"); ok {
		expect = v
	}
	if resp.StatusCode != expect {
		return false, fmt.Sprintf("status %d, expected %d", resp.StatusCode, expect), nil
	}
	return true, fmt.Sprintf("status %d", resp.StatusCode), nil
}

func (h *ValidationHandler) checkTCP(ctx context.Context, req *Request) (bool, string, error) {
	target := stringInput(req.Inputs, "target")
	if target == "" {
		target = req.Step.Target
	}
	port, _ := intInput(req.Inputs, "port")
	addr := net.JoinHostPort(target, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", fault.Wrap(fault.Timeout, ctx.Err(), "check on %s exceeded its budget", addr)
		}
		return false, fmt.Sprintf("%s not reachable: %v", addr, err), nil
	}
	conn.Close()
	return true, fmt.Sprintf("%s reachable", addr), nil
}

func checkEquals(req *Request) (bool, string) {
	expect := fmt.Sprintf("%v", req.Inputs["expect"])
	actual := fmt.Sprintf("%v", req.Inputs["actual"])
	if expect != actual {
		return false, fmt.Sprintf("got %q, expected %q", actual, expect)
	}
	return true, fmt.Sprintf("value is %q", actual)
}

func (h *ValidationHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the check did not finish within its budget"
	case fault.Validation:
		return "the check inputs were invalid"
	default:
		return "the check did not pass"
	}
}

// checkKind picks the check variant from the inputs, defaulting by what is
// present: a url means http, a port means tcp, an expect means equals.
func checkKind(req *Request) string {
	if kind := stringInput(req.Inputs, "kind"); kind != "" {
		if kind == "expression" {
			return "equals"
		}
		return kind
	}
	if stringInput(req.Inputs, "url") != "" {
		return "http"
	}
	if _, ok := intInput(req.Inputs, "port"); ok {
		return "tcp"
	}
	if _, ok := req.Inputs["expect"]; ok {
		return "equals"
	}
	return ""
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// maxHTTPResponseBytes caps captured response bodies.
const maxHTTPResponseBytes = 65536

// HTTPHandler runs api/rest steps against arbitrary endpoints. The step
// deadline rides on the request context; a response status outside the
// expected range fails the step with the body retained as output.
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler() *HTTPHandler {
	// No client timeout: the step context carries the budget.
	return &HTTPHandler{client: &http.Client{}}
}

func (h *HTTPHandler) Family() plan.Family { return plan.FamilyHTTP }

func (h *HTTPHandler) Aliases() []string { return []string{"api", "http", "rest"} }

func (h *HTTPHandler) Resolve(req *Request) error {
	raw := stringInput(req.Inputs, "url")
	if raw == "" {
		return fault.New(fault.Validation, "http step needs a url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fault.New(fault.Validation, "http step url must be http(s), got %q", raw)
	}
	switch m := strings.ToUpper(stringInput(req.Inputs, "method")); m {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return fault.New(fault.Validation, "http step method %q not supported", m)
	}
	return nil
}

func (h *HTTPHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	method := strings.ToUpper(stringInput(req.Inputs, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := req.Inputs["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			payload, err := json.Marshal(v)
			if err != nil {
				return nil, fault.Wrap(fault.Validation, err, "http step body is not serialisable")
			}
			body = bytes.NewReader(payload)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, stringInput(req.Inputs, "url"), body)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "build http request")
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := req.Inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, ctx.Err(), "request to %s exceeded its budget", httpReq.URL.Host)
		}
		return nil, fault.Wrap(fault.Adapter, err, "http request to %s", httpReq.URL.Host)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Adapter, err, "read response from %s", httpReq.URL.Host)
	}

	out := &Result{Output: map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
		"duration_ms": time.Since(start).Milliseconds(),
	}}

	if expect, ok := intInput(req.Inputs, "expect_status"); ok {
		if resp.StatusCode != expect {
			return out, fault.New(fault.Adapter, "endpoint returned status %d, expected %d", resp.StatusCode, expect)
		}
		return out, nil
	}
	if resp.StatusCode >= 400 {
		return out, fault.New(fault.Adapter, "endpoint returned status %d", resp.StatusCode)
	}
	return out, nil
}

func (h *HTTPHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the endpoint did not respond within the budget"
	case fault.Validation:
		return "the request inputs were invalid"
	default:
		return "the endpoint call failed"
	}
}

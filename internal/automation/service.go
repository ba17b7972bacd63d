package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
)

// ServiceClient runs commands through the platform automation service,
// which owns connection pooling and winrm support.
type ServiceClient struct {
	server string
	token  string
	http   *http.Client
}

func NewServiceClient(server, token string) *ServiceClient {
	return &ServiceClient{
		server: strings.TrimRight(server, "/"),
		token:  token,
		// Per-request deadlines come from the step context; the client
		// timeout only guards against a wedged service.
		http: &http.Client{Timeout: 30 * time.Minute},
	}
}

func (c *ServiceClient) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	var out CommandResult
	if err := c.post(ctx, "/api/v1/commands", req.Target, req, &out); err != nil {
		return nil, err
	}
	var cut bool
	out.Stdout, cut = truncate(out.Stdout)
	out.Truncated = out.Truncated || cut
	out.Stderr, cut = truncate(out.Stderr)
	out.Truncated = out.Truncated || cut
	return &out, nil
}

// RunFile performs a remote file operation through the service.
func (c *ServiceClient) RunFile(ctx context.Context, req FileRequest) (*FileResult, error) {
	var out FileResult
	if err := c.post(ctx, "/api/v1/files", req.Target, req, &out); err != nil {
		return nil, err
	}
	var cut bool
	out.Content, cut = truncate(out.Content)
	out.Truncated = out.Truncated || cut
	return &out, nil
}

func (c *ServiceClient) post(ctx context.Context, path, target string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.server+path, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.Timeout, ctx.Err(), "operation on %s exceeded its budget", target)
		}
		return fault.Wrap(fault.Adapter, err, "automation service request")
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.Adapter, err, "read automation service response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(resBody))
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		switch resp.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return fault.New(fault.Permission, "automation service denied access: %s", msg)
		case http.StatusNotFound:
			return fault.New(fault.Adapter, "automation target not found: %s", msg)
		default:
			return fault.New(fault.Adapter, "automation service returned status %d: %s", resp.StatusCode, msg)
		}
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fault.Wrap(fault.Adapter, err, "parse automation service response")
	}
	return nil
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIClient talks to the execution engine. Identity travels in the headers
// the platform gateway would inject; the engine trusts them as-is.
type APIClient struct {
	server string
	tenant string
	actor  string
	http   *http.Client
	// Separate client for the event stream: no request timeout.
	stream *http.Client
}

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

type Step struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Ordinal      int             `json:"ordinal"`
	Type         string          `json:"type"`
	Target       string          `json:"target,omitempty"`
	Action       string          `json:"action,omitempty"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	TimedOut     bool            `json:"timed_out"`
	Attempts     int             `json:"attempts"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorClass   string          `json:"error_class,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

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

type QueueItem struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TenantID    string    `json:"tenant_id"`
	SLAClass    string    `json:"sla_class"`
	Priority    int       `json:"priority"`
	AvailableAt time.Time `json:"available_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

type DLQItem struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	TenantID      string    `json:"tenant_id"`
	FailureReason string    `json:"failure_reason"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
}

type Progress struct {
	ExecutionID         string     `json:"execution_id"`
	Status              string     `json:"status"`
	TotalSteps          int        `json:"total_steps"`
	CompletedSteps      int        `json:"completed_steps"`
	RunningSteps        int        `json:"running_steps"`
	Fraction            float64    `json:"fraction"`
	CurrentStep         string     `json:"current_step,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

type ExecuteResult struct {
	Execution *Execution `json:"execution"`
	Deduped   bool       `json:"deduped,omitempty"`
}

type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Count      int         `json:"count"`
}

type ExecutionDetail struct {
	Execution Execution `json:"execution"`
	Steps     []Step    `json:"steps"`
	Approval  *Approval `json:"approval,omitempty"`
}

type ApprovalList struct {
	Approvals []Approval `json:"approvals"`
	Count     int        `json:"count"`
}

type DLQList struct {
	Items []DLQItem `json:"items"`
	Count int       `json:"count"`
}

type ExecutionStats struct {
	WindowHours      int     `json:"window_hours"`
	Total            int     `json:"total"`
	Succeeded        int     `json:"succeeded"`
	Failed           int     `json:"failed"`
	Cancelled        int     `json:"cancelled"`
	TimedOut         int     `json:"timed_out"`
	SuccessRate      float64 `json:"success_rate"`
	Running          int     `json:"running"`
	Queued           int     `json:"queued"`
	AwaitingApproval int     `json:"awaiting_approval"`
}

type StepDurations struct {
	StepType string  `json:"step_type"`
	Count    int     `json:"count"`
	MeanMS   float64 `json:"mean_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
}

type MetricsSummary struct {
	Executions    ExecutionStats  `json:"executions"`
	StepDurations []StepDurations `json:"step_durations"`
	QueueDepth    int             `json:"queue_depth"`
}

type HealthComponent struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type SLAViolation struct {
	ExecutionID  string `json:"execution_id"`
	TenantID     string `json:"tenant_id"`
	SLAClass     string `json:"sla_class"`
	ActionClass  string `json:"action_class"`
	RunningForMS int64  `json:"running_for_ms"`
	BudgetMS     int64  `json:"budget_ms"`
}

type HealthReport struct {
	OK            bool              `json:"ok"`
	CheckedAt     time.Time         `json:"checked_at"`
	Uptime        string            `json:"uptime"`
	GoVersion     string            `json:"go_version"`
	Goroutines    int               `json:"goroutines"`
	Components    []HealthComponent `json:"components"`
	SLAViolations []SLAViolation    `json:"sla_violations,omitempty"`
}

type APIError struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
}

func NewAPIClient(server, tenant, actor string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		tenant: tenant,
		actor:  actor,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		stream: &http.Client{},
	}
}

func (c *APIClient) Execute(ctx context.Context, plan json.RawMessage, key string) (*ExecuteResult, error) {
	payload := map[string]any{"plan": plan}
	if key != "" {
		payload["idempotency_key"] = key
	}
	var out ExecuteResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/execute", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Executions(ctx context.Context, query url.Values) (*ExecutionList, error) {
	path := "/api/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out ExecutionList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Execution(ctx context.Context, id string) (*ExecutionDetail, error) {
	var out ExecutionDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Progress(ctx context.Context, id string) (*Progress, error) {
	var out Progress
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+id+"/progress", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Cancel(ctx context.Context, id, reason string) (*Execution, error) {
	return c.decide(ctx, id, "cancel", reason)
}

func (c *APIClient) Approve(ctx context.Context, id, reason string) (*Execution, error) {
	return c.decide(ctx, id, "approve", reason)
}

func (c *APIClient) Reject(ctx context.Context, id, reason string) (*Execution, error) {
	return c.decide(ctx, id, "reject", reason)
}

func (c *APIClient) decide(ctx context.Context, id, verb, reason string) (*Execution, error) {
	var payload any
	if reason != "" {
		payload = map[string]string{"reason": reason}
	}
	var out Execution
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/executions/"+id+"/"+verb, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approvals(ctx context.Context) (*ApprovalList, error) {
	var out ApprovalList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DLQ(ctx context.Context, includeArchived bool) (*DLQList, error) {
	path := "/api/v1/dlq"
	if includeArchived {
		path += "?include_archived=true"
	}
	var out DLQList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RequeueDLQ(ctx context.Context, id string) (*QueueItem, error) {
	var out QueueItem
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/dlq/"+id+"/requeue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ArchiveDLQ(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/dlq/"+id+"/archive", nil, nil)
}

func (c *APIClient) Metrics(ctx context.Context, windowHours int) (*MetricsSummary, error) {
	path := "/api/v1/metrics"
	if windowHours > 0 {
		path += "?window_hours=" + strconv.Itoa(windowHours)
	}
	var out MetricsSummary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports the engine's view of itself. A degraded engine answers 503
// with the same body, so that status is not an error here.
func (c *APIClient) Health(ctx context.Context) (*HealthReport, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, apiErrorFrom(status, body)
	}
	var out HealthReport
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// StreamEvents tails the execution's event stream, writing one line per
// event to out. It returns when the stream closes or ctx is cancelled.
func (c *APIClient) StreamEvents(ctx context.Context, id string, afterSeq int64, out io.Writer) error {
	path := "/api/v1/executions/" + id + "/events"
	if afterSeq > 0 {
		path += "?after_seq=" + strconv.FormatInt(afterSeq, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setIdentity(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apiErrorFrom(resp.StatusCode, body)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(out, "%-24s %s\n", event, strings.TrimPrefix(line, "data: "))
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream closed: %w", err)
	}
	return nil
}

func (c *APIClient) setIdentity(req *http.Request) {
	if c.tenant != "" {
		req.Header.Set("X-Lictor-Tenant", c.tenant)
	}
	if c.actor != "" {
		req.Header.Set("X-Lictor-Actor", c.actor)
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resBody, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	status, resBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}

	if status < 200 || status >= 300 {
		return apiErrorFrom(status, resBody)
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func apiErrorFrom(status int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		if apiErr.ConflictID != "" {
			return fmt.Errorf("request failed (status %d, %s): %s (conflicting execution %s)",
				status, apiErr.Code, apiErr.Error, apiErr.ConflictID)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("request failed (status %d, %s): %s", status, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", status, apiErr.Error)
	}
	return fmt.Errorf("request failed (status %d): %s", status, strings.TrimSpace(string(body)))
}

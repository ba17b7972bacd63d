package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/automation"
	"github.com/marcus-qen/lictor/internal/cancel"
	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/executor"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/handler"
	"github.com/marcus-qen/lictor/internal/health"
	"github.com/marcus-qen/lictor/internal/logmask"
	"github.com/marcus-qen/lictor/internal/mutex"
	"github.com/marcus-qen/lictor/internal/progress"
	"github.com/marcus-qen/lictor/internal/rbac"
	"github.com/marcus-qen/lictor/internal/router"
	"github.com/marcus-qen/lictor/internal/secrets"
	"github.com/marcus-qen/lictor/internal/store"
)

type rig struct {
	st  *store.Store
	srv *Server

	listCalls atomic.Int64
	cmdCalls  atomic.Int64
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{}

	st, err := store.Open(filepath.Join(t.TempDir(), "lictor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r.st = st

	inventory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/api/v1/assets":
			r.listCalls.Add(1)
			out := make([]assets.Asset, 4)
			for i := range out {
				out[i] = assets.Asset{
					ID:       fmt.Sprintf("as-%d", i+1),
					TenantID: "t1",
					Hostname: fmt.Sprintf("web%02d", i+1),
					OS:       "linux",
					Status:   "up",
				}
			}
			json.NewEncoder(w).Encode(out)
		case strings.HasPrefix(req.URL.Path, "/api/v1/assets/"):
			name := strings.TrimPrefix(req.URL.Path, "/api/v1/assets/")
			json.NewEncoder(w).Encode(assets.Asset{
				ID:             "as-1",
				TenantID:       "t1",
				Hostname:       name,
				IP:             "10.0.0.11",
				OS:             "linux",
				ConnectionType: automation.ConnSSH,
			})
		default:
			http.NotFound(w, req)
		}
	}))
	t.Cleanup(inventory.Close)

	auto := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v1/commands" {
			http.NotFound(w, req)
			return
		}
		r.cmdCalls.Add(1)
		json.NewEncoder(w).Encode(automation.CommandResult{Stdout: "ok"})
	}))
	t.Cleanup(auto.Close)

	masker := logmask.New()
	bus := events.NewBus(64)
	rec := events.NewRecorder(st, bus, masker, zap.NewNop())

	assetClient := assets.NewClient(inventory.URL, "tok")
	dispatcher := automation.NewDispatcher(automation.NewServiceClient(auto.URL, "tok"), nil, zap.NewNop())

	reg := handler.NewRegistry()
	reg.Register(handler.NewAssetQueryHandler(assetClient))
	reg.Register(handler.NewCommandHandler(assetClient, dispatcher))

	dir := rbac.NewStaticDirectory(
		rbac.User{ID: "op-1", TenantID: "t1", Roles: []rbac.Role{rbac.RoleOperator}},
		rbac.User{ID: "admin-1", TenantID: "t1", Roles: []rbac.Role{rbac.RoleAdmin}},
		rbac.User{ID: "viewer-1", TenantID: "t1", Roles: []rbac.Role{rbac.RoleViewer}},
		rbac.User{ID: "outsider", TenantID: "t2", Roles: []rbac.Role{rbac.RoleAdmin}},
	)
	checker := rbac.NewChecker(dir, rec, zap.NewNop())

	locks := mutex.NewManager(st, rec, zap.NewNop())
	cancels := cancel.NewRegistry(st, nil, rec, time.Hour, zap.NewNop())
	resolver := secrets.NewResolver(secrets.NewStaticProvider(nil), rec, zap.NewNop())
	exec := executor.New(st, rec, reg, resolver, locks, cancels, zap.NewNop())

	rt := router.New(st, checker, exec, cancels, rec, config.Default(), zap.NewNop())
	rep := progress.NewReporter(st)
	hc := health.NewChecker(st, cancels, nil, time.Minute)

	r.srv = New(st, rt, rep, hc, bus, config.Default(), zap.NewNop())
	return r
}

// do issues one request through the full handler chain. Empty tenant and
// actor leave the request unattributed, as if the gateway were bypassed.
func (r *rig) do(t *testing.T, method, path, tenant, actor string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tenant != "" {
		req.Header.Set(headerTenant, tenant)
	}
	if actor != "" {
		req.Header.Set(headerActor, actor)
	}
	rr := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rr, req)
	return rr
}

// submit posts a plan as the given tenant-1 actor.
func (r *rig) submit(t *testing.T, actor, key, planJSON string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"plan":            json.RawMessage(planJSON),
		"idempotency_key": key,
	})
	if err != nil {
		t.Fatalf("marshal submit body: %v", err)
	}
	return r.do(t, "POST", "/api/v1/execute", "t1", actor, body)
}

func decodeSubmit(t *testing.T, rr *httptest.ResponseRecorder) router.SubmitResult {
	t.Helper()
	var res router.SubmitResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if res.Execution == nil {
		t.Fatal("submit response carries no execution")
	}
	return res
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return e
}

func eventKinds(t *testing.T, st *store.Store, executionID string) map[string]int {
	t.Helper()
	evs, err := st.EventsForExecution(executionID, 0, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	kinds := make(map[string]int, len(evs))
	for _, ev := range evs {
		kinds[ev.Kind]++
	}
	return kinds
}

const countPlan = `{"name": "count assets", "steps": [{"type": "asset-query", "inputs": {"mode": "count"}}]}`
const backgroundPlan = `{"steps": [{"type": "command", "target": "web01", "action": "collect_logs", "estimate_ms": 30000}]}`
const gatedPlan = `{"risk": "elevated", "steps": [{"type": "command", "target": "web01", "action": "restart_service"}]}`

func TestOpenEndpointsServeWithoutIdentity(t *testing.T) {
	r := newRig(t)

	rr := r.do(t, "GET", "/healthz", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("healthz body = %q, want ok", got)
	}

	rr = r.do(t, "GET", "/version", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("version status = %d, want %d", rr.Code, http.StatusOK)
	}
	var ver map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&ver); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if ver["version"] == "" {
		t.Fatalf("version body = %v, want version field", ver)
	}

	rr = r.do(t, "GET", "/metrics/prometheus", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "# HELP") {
		t.Fatal("scrape body carries no exposition text")
	}
}

func TestAPIRequiresIdentityHeaders(t *testing.T) {
	r := newRig(t)

	rr := r.do(t, "GET", "/api/v1/executions", "", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if e := decodeError(t, rr); e.Code != "unauthenticated" {
		t.Fatalf("code = %q, want unauthenticated", e.Code)
	}

	// One header alone is not an identity.
	rr = r.do(t, "GET", "/api/v1/executions", "t1", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("tenant-only status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestExecuteImmediatePlanAndDedup(t *testing.T) {
	r := newRig(t)

	rr := r.submit(t, "op-1", "count-1", countPlan)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeSubmit(t, rr)
	if res.Deduped {
		t.Fatal("first submission reported as deduped")
	}
	ex := res.Execution
	if ex.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (%s: %s)", ex.Status, ex.ErrorClass, ex.ErrorMessage)
	}
	if ex.Mode != store.ModeImmediate {
		t.Fatalf("mode = %s, want immediate", ex.Mode)
	}

	// Same key inside the window: the cached outcome, no second upstream call.
	rr = r.submit(t, "op-1", "count-1", countPlan)
	if rr.Code != http.StatusOK {
		t.Fatalf("resubmit status = %d, want %d", rr.Code, http.StatusOK)
	}
	second := decodeSubmit(t, rr)
	if !second.Deduped || second.Execution.ID != ex.ID {
		t.Fatalf("resubmit = (%v, %s), want dedup hit on %s", second.Deduped, second.Execution.ID, ex.ID)
	}
	if n := r.listCalls.Load(); n != 1 {
		t.Fatalf("inventory queried %d times, want 1", n)
	}
}

func TestExecuteBackgroundAccepted(t *testing.T) {
	r := newRig(t)

	rr := r.submit(t, "op-1", "bg-1", backgroundPlan)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	res := decodeSubmit(t, rr)
	if res.Execution.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", res.Execution.Status)
	}
	if res.Execution.Mode != store.ModeBackground {
		t.Fatalf("mode = %s, want background", res.Execution.Mode)
	}

	if _, err := r.st.GetQueueItemByExecution(res.Execution.ID); err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if n := r.cmdCalls.Load(); n != 0 {
		t.Fatalf("automation called %d times before any worker ran", n)
	}
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	r := newRig(t)

	rr := r.do(t, "POST", "/api/v1/execute", "t1", "op-1", []byte(`{"plan": {`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if e := decodeError(t, rr); e.Code != "invalid_request" {
		t.Fatalf("code = %q, want invalid_request", e.Code)
	}

	rr = r.submit(t, "op-1", "", `{"steps": []}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty plan status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if e := decodeError(t, rr); e.Code != string(fault.Validation) {
		t.Fatalf("code = %q, want %s", e.Code, fault.Validation)
	}
}

func TestExecuteMapsDomainFaults(t *testing.T) {
	r := newRig(t)

	// A viewer cannot run operational commands.
	rr := r.submit(t, "viewer-1", "deny-1", backgroundPlan)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	if e := decodeError(t, rr); e.Code != string(fault.Permission) {
		t.Fatalf("code = %q, want %s", e.Code, fault.Permission)
	}

	// A cross-tenant admin is a tenant mismatch, not a permission denial.
	rr = r.submit(t, "outsider", "deny-2", countPlan)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	if e := decodeError(t, rr); e.Code != string(fault.TenantMismatch) {
		t.Fatalf("code = %q, want %s", e.Code, fault.TenantMismatch)
	}
}

func TestGetExecutionDetailScopedToTenant(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "detail-1", countPlan))
	exID := res.Execution.ID

	rr := r.do(t, "GET", "/api/v1/executions/"+exID, "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var detail struct {
		Execution store.Execution `json:"execution"`
		Steps     []store.Step    `json:"steps"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Execution.ID != exID {
		t.Fatalf("execution id = %s, want %s", detail.Execution.ID, exID)
	}
	if len(detail.Steps) != 1 || detail.Steps[0].Status != store.StatusSucceeded {
		t.Fatalf("steps = %+v, want one succeeded step", detail.Steps)
	}

	// Another tenant's caller cannot read it.
	rr = r.do(t, "GET", "/api/v1/executions/"+exID, "t2", "outsider", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	rr = r.do(t, "GET", "/api/v1/executions/no-such-id", "t1", "op-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCancelQueuedExecution(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "bg-2", backgroundPlan))
	exID := res.Execution.ID

	body := []byte(`{"reason": "window closed"}`)
	rr := r.do(t, "POST", "/api/v1/executions/"+exID+"/cancel", "t1", "op-1", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var ex store.Execution
	if err := json.NewDecoder(rr.Body).Decode(&ex); err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	if ex.Status != store.StatusCancelled || ex.CancelledBy != "op-1" {
		t.Fatalf("cancel = %s by %s, want cancelled by op-1", ex.Status, ex.CancelledBy)
	}

	// Idempotent, and the body is optional on a repeat.
	rr = r.do(t, "POST", "/api/v1/executions/"+exID+"/cancel", "t1", "admin-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat status = %d, want %d", rr.Code, http.StatusOK)
	}
	var again store.Execution
	if err := json.NewDecoder(rr.Body).Decode(&again); err != nil {
		t.Fatalf("decode repeat: %v", err)
	}
	if again.CancelledBy != "op-1" {
		t.Fatalf("repeat cancel rewrote stamp to %s", again.CancelledBy)
	}
}

func TestApprovalFlow(t *testing.T) {
	r := newRig(t)

	rr := r.submit(t, "op-1", "gate-1", gatedPlan)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	res := decodeSubmit(t, rr)
	exID := res.Execution.ID
	if res.Execution.Status != store.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", res.Execution.Status)
	}

	rr = r.do(t, "GET", "/api/v1/approvals", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rr.Code, http.StatusOK)
	}
	var pending struct {
		Approvals []store.Approval `json:"approvals"`
		Count     int              `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&pending); err != nil {
		t.Fatalf("decode approvals: %v", err)
	}
	if pending.Count != 1 || pending.Approvals[0].ExecutionID != exID {
		t.Fatalf("pending = %+v, want the gated execution", pending)
	}

	// A viewer does not hold the approver role.
	rr = r.do(t, "POST", "/api/v1/executions/"+exID+"/approve", "t1", "viewer-1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer approve status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	rr = r.do(t, "POST", "/api/v1/executions/"+exID+"/approve", "t1", "admin-1",
		[]byte(`{"reason": "change window open"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var final store.Execution
	if err := json.NewDecoder(rr.Body).Decode(&final); err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if final.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (%s: %s)", final.Status, final.ErrorClass, final.ErrorMessage)
	}
	if n := r.cmdCalls.Load(); n != 1 {
		t.Fatalf("automation called %d times, want 1", n)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "gate-2", gatedPlan))
	exID := res.Execution.ID

	rr := r.do(t, "POST", "/api/v1/executions/"+exID+"/reject", "t1", "op-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty reason status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = r.do(t, "POST", "/api/v1/executions/"+exID+"/reject", "t1", "op-1",
		[]byte(`{"reason": "too risky today"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("reject status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var ex store.Execution
	if err := json.NewDecoder(rr.Body).Decode(&ex); err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if ex.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", ex.Status)
	}
	if n := r.cmdCalls.Load(); n != 0 {
		t.Fatalf("automation called %d times for a rejected plan", n)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	r := newRig(t)
	decodeSubmit(t, r.submit(t, "op-1", "list-1", countPlan))
	decodeSubmit(t, r.submit(t, "op-1", "list-2", backgroundPlan))

	rr := r.do(t, "GET", "/api/v1/executions?status=succeeded", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var list struct {
		Executions []store.Execution `json:"executions"`
		Count      int               `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Executions[0].Status != store.StatusSucceeded {
		t.Fatalf("filtered list = %+v, want one succeeded execution", list)
	}

	rr = r.do(t, "GET", "/api/v1/executions", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unfiltered status = %d, want %d", rr.Code, http.StatusOK)
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode unfiltered: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("unfiltered count = %d, want 2", list.Count)
	}

	// Unknown statuses are rejected, not silently empty.
	rr = r.do(t, "GET", "/api/v1/executions?status=bogus", "t1", "op-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bogus status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	rr = r.do(t, "GET", "/api/v1/executions?limit=0", "t1", "op-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero limit status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestProgressSnapshot(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "prog-1", countPlan))

	rr := r.do(t, "GET", "/api/v1/executions/"+res.Execution.ID+"/progress", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var snap progress.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Fraction != 1 || snap.TotalSteps != 1 || snap.CompletedSteps != 1 {
		t.Fatalf("snapshot = %+v, want a complete single-step run", snap)
	}
}

func TestMetricsSummary(t *testing.T) {
	r := newRig(t)
	decodeSubmit(t, r.submit(t, "op-1", "met-1", countPlan))

	rr := r.do(t, "GET", "/api/v1/metrics", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Executions    store.ExecutionStats  `json:"executions"`
		StepDurations []store.StepDurations `json:"step_durations"`
		QueueDepth    int                   `json:"queue_depth"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if body.Executions.Total != 1 || body.Executions.Succeeded != 1 {
		t.Fatalf("executions = %+v, want one succeeded", body.Executions)
	}
	if len(body.StepDurations) != 1 || body.StepDurations[0].StepType != "asset-query" {
		t.Fatalf("step durations = %+v, want asset-query samples", body.StepDurations)
	}
	if body.QueueDepth != 0 {
		t.Fatalf("queue depth = %d, want 0", body.QueueDepth)
	}

	rr = r.do(t, "GET", "/api/v1/metrics?window_hours=abc", "t1", "op-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad window status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHealthReport(t *testing.T) {
	r := newRig(t)

	rr := r.do(t, "GET", "/api/v1/health", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var rep health.Report
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.OK {
		t.Fatalf("report = %+v, want ok", rep)
	}
	names := make(map[string]bool, len(rep.Components))
	for _, c := range rep.Components {
		names[c.Name] = c.OK
	}
	if !names["store"] {
		t.Fatalf("components = %v, want a passing store check", names)
	}
}

// failedExecution manufactures the state a worker leaves behind after
// exhausting retries: a failed execution with a dead-letter row.
func (r *rig) failedExecution(t *testing.T, key string) (*store.Execution, *store.DLQItem) {
	t.Helper()
	ex, err := r.st.CreateExecution(store.Execution{
		TenantID:       "t1",
		ActorID:        "op-1",
		IdempotencyKey: key,
		PlanSnapshot:   json.RawMessage(`{"steps":[{"type":"command","target":"web01","action":"restart_service"}]}`),
		Mode:           store.ModeBackground,
		SLAClass:       "medium",
		ActionClass:    "operational",
	}, []store.Step{{Ordinal: 0, Type: "command", Target: "web01", Action: "restart_service"}}, 24*time.Hour)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := r.st.UpdateStatus(ex.ID, store.StatusPending, store.StatusRunning); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := r.st.FinishExecution(ex.ID, store.StatusRunning, store.StatusFailed, nil,
		string(fault.Adapter), "upstream refused", false); err != nil {
		t.Fatalf("fail execution: %v", err)
	}
	dlq, err := r.st.MoveToDLQ("", ex.ID, "t1", "retries exhausted")
	if err != nil {
		t.Fatalf("move to dlq: %v", err)
	}
	return ex, dlq
}

func TestDeadLetterRequeue(t *testing.T) {
	r := newRig(t)
	ex, dlq := r.failedExecution(t, "dlq-1")

	rr := r.do(t, "GET", "/api/v1/dlq", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rr.Code, http.StatusOK)
	}
	var list struct {
		Items []store.DLQItem `json:"items"`
		Count int             `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode dlq list: %v", err)
	}
	if list.Count != 1 || list.Items[0].ID != dlq.ID {
		t.Fatalf("dlq list = %+v, want the dead-lettered item", list)
	}

	rr = r.do(t, "POST", "/api/v1/dlq/"+dlq.ID+"/requeue", "t1", "admin-1", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("requeue status = %d, want %d (body %s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var item store.QueueItem
	if err := json.NewDecoder(rr.Body).Decode(&item); err != nil {
		t.Fatalf("decode queue item: %v", err)
	}
	if item.ExecutionID != ex.ID || item.Attempts != 0 {
		t.Fatalf("queue item = %+v, want fresh item for %s", item, ex.ID)
	}

	got, err := r.st.GetExecution(ex.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != store.StatusPending || got.ErrorClass != "" {
		t.Fatalf("execution after requeue = %s (%s), want clean pending", got.Status, got.ErrorClass)
	}
	if kinds := eventKinds(t, r.st, ex.ID); kinds[events.KindQueueRequeued] != 1 {
		t.Fatalf("events = %v, want one queue.requeued", kinds)
	}

	// The dead-letter row is spent.
	rr = r.do(t, "POST", "/api/v1/dlq/"+dlq.ID+"/requeue", "t1", "admin-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second requeue status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeadLetterArchive(t *testing.T) {
	r := newRig(t)
	_, dlq := r.failedExecution(t, "dlq-2")

	rr := r.do(t, "POST", "/api/v1/dlq/"+dlq.ID+"/archive", "t1", "op-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("archive status = %d, want %d", rr.Code, http.StatusOK)
	}

	var list struct {
		Items []store.DLQItem `json:"items"`
		Count int             `json:"count"`
	}
	rr = r.do(t, "GET", "/api/v1/dlq", "t1", "op-1", nil)
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode dlq list: %v", err)
	}
	if list.Count != 0 {
		t.Fatalf("archived item still listed: %+v", list)
	}

	rr = r.do(t, "GET", "/api/v1/dlq?include_archived=true", "t1", "op-1", nil)
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode archived list: %v", err)
	}
	if list.Count != 1 || !list.Items[0].Archived {
		t.Fatalf("include_archived list = %+v, want the archived item", list)
	}
}

func TestEventStreamReplaysHistory(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "sse-1", countPlan))
	exID := res.Execution.ID

	ctx, cancelCtx := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelCtx()
	req := httptest.NewRequest("GET", "/api/v1/executions/"+exID+"/events", nil).WithContext(ctx)
	req.Header.Set(headerTenant, "t1")
	req.Header.Set(headerActor, "op-1")
	rr := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, ": connected") {
		t.Fatalf("stream does not open with the connected comment: %q", body[:min(len(body), 40)])
	}
	for _, kind := range []string{events.KindExecutionCreated, events.KindExecutionSucceeded} {
		if !strings.Contains(body, "event: "+kind) {
			t.Fatalf("stream missing %s frame:\n%s", kind, body)
		}
	}
	if !strings.Contains(body, exID) {
		t.Fatal("frames do not carry the execution id")
	}
}

func TestEventStreamResumesAfterSeq(t *testing.T) {
	r := newRig(t)
	res := decodeSubmit(t, r.submit(t, "op-1", "sse-2", countPlan))
	exID := res.Execution.ID

	ctx, cancelCtx := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelCtx()
	req := httptest.NewRequest("GET", "/api/v1/executions/"+exID+"/events?after_seq=999999", nil).WithContext(ctx)
	req.Header.Set(headerTenant, "t1")
	req.Header.Set(headerActor, "op-1")
	rr := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.HasPrefix(body, ": connected") {
		t.Fatalf("stream did not open: %q", body)
	}
	if strings.Contains(body, "event: "+events.KindExecutionCreated) {
		t.Fatalf("resume replayed already-seen frames:\n%s", body)
	}

	// A bad cursor is rejected before any stream starts.
	rr2 := r.do(t, "GET", "/api/v1/executions/"+exID+"/events?after_seq=x", "t1", "op-1", nil)
	if rr2.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d, want %d", rr2.Code, http.StatusBadRequest)
	}
}

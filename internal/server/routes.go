package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/router"
	"github.com/marcus-qen/lictor/internal/store"
)

// sseReplayLimit bounds how much durable history one stream replays before
// going live. Clients needing more page through after_seq.
const sseReplayLimit = 200

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Liveness + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Submission
	mux.HandleFunc("POST /api/v1/execute", s.handleExecute)

	// Execution lifecycle
	mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/executions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/executions/{id}/reject", s.handleReject)

	// Approvals
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)

	// Dead letters
	mux.HandleFunc("GET /api/v1/dlq", s.handleListDLQ)
	mux.HandleFunc("POST /api/v1/dlq/{id}/requeue", s.handleRequeueDLQ)
	mux.HandleFunc("POST /api/v1/dlq/{id}/archive", s.handleArchiveDLQ)

	// Observability
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
}

// identity reads the caller attribution placed by the middleware. A miss
// means the handler is reachable outside the chain, which is a wiring bug;
// the 401 keeps the response well-formed anyway.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "identity headers required")
	}
	return id, ok
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Submission ───────────────────────────────────────────────

type executeRequest struct {
	Plan           json.RawMessage `json:"plan"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// handleExecute submits a plan. New work answers 202; a dedup hit or an
// execution that already finished inline answers 200 with the record.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	res, err := s.router.Submit(r.Context(), router.SubmitRequest{
		TenantID:       id.TenantID,
		ActorID:        id.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		Plan:           req.Plan,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Deduped || store.IsTerminal(res.Execution.Status) {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// ── Execution lifecycle ──────────────────────────────────────

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	q, err := executionQueryFromRequest(r, id.TenantID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.store.ListExecutions(q)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"executions": list,
		"count":      len(list),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ex, err := s.store.GetExecutionScoped(id.TenantID, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	steps, err := s.store.StepsForExecution(ex.ID)
	if err != nil {
		writeFault(w, err)
		return
	}
	resp := map[string]any{
		"execution": ex,
		"steps":     steps,
	}
	if ap, err := s.store.GetApprovalByExecution(ex.ID); err == nil {
		resp["approval"] = ap
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	snap, err := s.reporter.Snapshot(id.TenantID, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// decisionRequest carries the optional reason on cancel, approve and reject.
type decisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// decodeDecision tolerates an absent body; only malformed JSON is an error.
func decodeDecision(r *http.Request) (decisionRequest, error) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	req, err := decodeDecision(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	ex, err := s.router.Cancel(r.Context(), id.TenantID, id.ActorID, r.PathValue("id"), req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ex)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	req, err := decodeDecision(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	ex, err := s.router.Approve(r.Context(), id.TenantID, id.ActorID, r.PathValue("id"), req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ex)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	req, err := decodeDecision(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.Reason == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "reason required to reject")
		return
	}
	ex, err := s.router.Reject(r.Context(), id.TenantID, id.ActorID, r.PathValue("id"), req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ex)
}

// ── Approvals ────────────────────────────────────────────────

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	pending, err := s.store.PendingApprovals(id.TenantID)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

// ── Dead letters ─────────────────────────────────────────────

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true" || r.URL.Query().Get("include_archived") == "1"
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	items, err := s.store.ListDLQ(id.TenantID, includeArchived, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	item, err := s.router.RequeueDeadLetter(r.Context(), id.TenantID, id.ActorID, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(item)
}

func (s *Server) handleArchiveDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.store.ArchiveDLQ(id.TenantID, r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "archived"})
}

// ── Observability ────────────────────────────────────────────

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid window_hours %q", v))
			return
		}
		window = time.Duration(n) * time.Hour
	}
	stats, err := s.store.GetExecutionStats(window)
	if err != nil {
		writeFault(w, err)
		return
	}
	durations, err := s.store.GetStepDurations(window)
	if err != nil {
		writeFault(w, err)
		return
	}
	depth, _ := s.store.QueueDepth()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"executions":     stats,
		"step_durations": durations,
		"queue_depth":    depth,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.checker.Check(r.Context())
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}

// ── Event stream ─────────────────────────────────────────────

// handleExecutionEvents streams one execution's event feed over SSE: the
// durable history first (from after_seq when given), then live bus events.
// The subscription opens before the replay and frames are deduplicated by
// sequence number, so nothing falls between history and live. Clients
// resume after a drop by passing the last seq they saw.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ex, err := s.store.GetExecutionScoped(id.TenantID, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid after_seq %q", v))
			return
		}
		afterSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := fmt.Sprintf("sse-%s-%d", ex.ID, time.Now().UnixNano())
	ch := s.bus.Subscribe(subID, events.Filter{ExecutionID: ex.ID})
	defer s.bus.Unsubscribe(subID)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	history, err := s.store.EventsForExecution(ex.ID, afterSeq, sseReplayLimit)
	if err != nil {
		s.logger.Warn("event replay failed",
			zap.String("execution_id", ex.ID), zap.Error(err))
		return
	}
	lastSeq := afterSeq
	for _, evt := range history {
		data, _ := json.Marshal(evt)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
		if evt.Seq > lastSeq {
			lastSeq = evt.Seq
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			lastSeq = evt.Seq
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.JSON())
			flusher.Flush()
		}
	}
}

// executionQueryFromRequest parses list filters. Unknown statuses are
// rejected rather than silently matching nothing.
func executionQueryFromRequest(r *http.Request, tenantID string) (store.ExecutionQuery, error) {
	q := store.ExecutionQuery{TenantID: tenantID}
	vals := r.URL.Query()

	if v := vals.Get("status"); v != "" {
		if !store.KnownStatus(v) {
			return q, fmt.Errorf("unknown status %q", v)
		}
		q.Status = v
	}
	q.SLAClass = vals.Get("sla_class")
	q.ActorID = vals.Get("actor")

	if v := vals.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid since timestamp: %w", err)
		}
		q.Since = &t
	}
	if v := vals.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid until timestamp: %w", err)
		}
		q.Until = &t
	}
	if v := vals.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = n
	}
	return q, nil
}

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Identity headers are injected by the platform gateway, which has already
// authenticated the caller. The engine trusts them for attribution and
// tenant scoping; role checks run against the directory on every dispatch.
const (
	headerTenant = "X-Lictor-Tenant"
	headerActor  = "X-Lictor-Actor"
)

type ctxKey int

const identityKey ctxKey = 0

// Identity is the caller attribution extracted from the gateway headers.
type Identity struct {
	TenantID string
	ActorID  string
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// openPath lists the endpoints that serve without attribution: liveness,
// version, and the Prometheus scrape target.
func openPath(path string) bool {
	switch path {
	case "/healthz", "/version", "/metrics/prometheus":
		return true
	}
	return false
}

// requireIdentity rejects API requests that arrive without attribution and
// stores the identity on the context for the handlers.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		tenant := strings.TrimSpace(r.Header.Get(headerTenant))
		actor := strings.TrimSpace(r.Header.Get(headerActor))
		if tenant == "" || actor == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated",
				headerTenant+" and "+headerActor+" headers required")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, Identity{TenantID: tenant, ActorID: actor})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests writes one structured line per API request. Liveness and
// scrape traffic is skipped.
func logRequests(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming works through the
// access log wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
)

// workerIdentityPrefix: once authenticated, a worker's orchestrator-facing
// subject is "workflow-worker:{worker_id}".
const workerIdentityPrefix = "workflow-worker:"

// RequireWorkerAuth authenticates the worker-facing API: the caller
// presents a shared secret in X-Worker-Secret, compared in constant time
// against the configured WORKER_SHARED_SECRET. The worker id comes from
// X-Worker-Id and is never subject to the orchestrator's permission gate;
// workers are a distinct trust boundary from tenant sessions.
func RequireWorkerAuth(sharedSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sharedSecret == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "worker authentication is not configured")
				return
			}
			presented := r.Header.Get("X-Worker-Secret")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(sharedSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid worker shared secret")
				return
			}
			workerID := r.Header.Get("X-Worker-Id")
			if workerID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing X-Worker-Id header")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey, workerIdentityPrefix+workerID)
			ctx = context.WithValue(ctx, contextKey("worker_id"), workerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func workerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey("worker_id")).(string)
	return id
}

// RequireSession is a stand-in for the platform's session-cookie
// middleware (password/TOTP/WebAuthn login and CSRF are owned by the
// platform's auth subsystem). It resolves an already-authenticated actor
// and tenant from request headers into context; a production deployment
// replaces this with cookie-backed session resolution without touching
// any downstream handler.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get("X-Actor-Subject")
		if subject == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing authenticated session")
			return
		}
		tenantRaw := r.Header.Get("X-Tenant-Id")
		tenantID, err := uuid.Parse(tenantRaw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-Tenant-Id")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, subject)
		ctx = context.WithValue(ctx, tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package api

import (
	"context"

	"github.com/google/uuid"
)

// actorKey/tenantKey are the context keys RequireSession populates. Actual
// session-cookie parsing, CSRF, and tenant resolution live in the
// platform's auth subsystem; RequireSession only resolves an
// already-authenticated actor into context, the seam another subsystem
// fills in production.
type contextKey string

const (
	actorKey  contextKey = "workflow_actor"
	tenantKey contextKey = "workflow_tenant_id"
)

func actorFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(actorKey).(string); ok && subject != "" {
		return subject
	}
	return "anonymous"
}

func tenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(tenantKey).(uuid.UUID)
	return tenantID, ok
}

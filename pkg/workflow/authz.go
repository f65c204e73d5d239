package workflow

import "context"

// PermissiveAuthorizationGate grants every permission check. It stands in
// for a production AuthorizationGate (backed by the tenant's metadata/role
// store, out of this repository's scope) in tests and single-tenant
// deployments.
type PermissiveAuthorizationGate struct{}

func (PermissiveAuthorizationGate) RequirePermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) error {
	return nil
}

func (PermissiveAuthorizationGate) HasPermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) (bool, error) {
	return true, nil
}

// DenyingAuthorizationGate denies every permission check; useful for
// testing the orchestrator's authorization failure path.
type DenyingAuthorizationGate struct{}

func (DenyingAuthorizationGate) RequirePermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) error {
	return NewForbiddenError("permission denied: " + string(permission))
}

func (DenyingAuthorizationGate) HasPermission(ctx context.Context, tenantID TenantID, subject string, permission Permission) (bool, error) {
	return false, nil
}

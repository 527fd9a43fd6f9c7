// Package auth carries the already-authenticated platform principal through
// a request. Authenticating platform users is an external collaborator's
// responsibility (§1 scope); this package only represents the result of
// that authentication and enforces the tenant-owner / super-admin guard
// this subsystem's endpoints require.
package auth

import (
	"context"
)

// Identity is the authenticated principal attached to a request by an
// upstream component (API gateway, session middleware, or any other
// external authenticator) before it reaches this subsystem.
type Identity struct {
	// Subject is an opaque, stable identifier for the authenticated user.
	Subject string

	// Email and Name are informational, used only for audit records.
	Email string
	Name  string

	// TenantID is the 24-hex object id of the tenant this request is
	// authenticated against.
	TenantID string

	// OwnedTenantIDs lists the tenant ids this principal owns. A request
	// is accepted by RequireTenantOwner only if the path's tenant id
	// appears here.
	OwnedTenantIDs []string

	// IsSuperAdmin grants access to the admin security-introspection
	// surface regardless of tenant ownership.
	IsSuperAdmin bool
}

type contextKey string

const identityKey contextKey = "auth_identity"

// NewContext attaches an Identity to a context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity from a context, or nil if none is set.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// OwnsTenant reports whether the identity owns the given tenant id.
func (id *Identity) OwnsTenant(tenantID string) bool {
	if id == nil {
		return false
	}
	if id.IsSuperAdmin {
		return true
	}
	for _, t := range id.OwnedTenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

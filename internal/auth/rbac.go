package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RequireTenantOwner returns middleware that rejects requests whose
// identity does not own the tenant named by the given chi URL parameter
// (e.g. "tenantId"), unless the identity is a super-admin. Per §3,
// integrations are exclusively owned by their tenant; only the tenant owner
// or a super-admin may mutate them.
func RequireTenantOwner(tenantIDParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			tenantID := chi.URLParam(r, tenantIDParam)
			if tenantID == "" || !id.OwnsTenant(tenantID) {
				respondErr(w, http.StatusForbidden, "forbidden", "not the tenant owner")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperAdmin rejects requests whose identity is not a super-admin.
// Used for the admin security-introspection surface (§4.7/§6).
func RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !id.IsSuperAdmin {
			respondErr(w, http.StatusForbidden, "forbidden", "super-admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

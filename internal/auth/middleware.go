package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// RequireAuth reads the principal attached by the upstream authenticator
// (an external collaborator per scope — see package doc) from trusted
// request headers and rejects the request if none is present. Headers are
// expected to be set by a gateway/middleware that has already verified the
// caller's credentials; this subsystem never validates a bearer token or
// session cookie itself.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get("X-Auth-Subject")
		if subject == "" {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		id := &Identity{
			Subject:        subject,
			Email:          r.Header.Get("X-Auth-Email"),
			Name:           r.Header.Get("X-Auth-Name"),
			TenantID:       r.Header.Get("X-Auth-Tenant-Id"),
			IsSuperAdmin:   r.Header.Get("X-Auth-Super-Admin") == "true",
			OwnedTenantIDs: splitNonEmpty(r.Header.Get("X-Auth-Owned-Tenant-Ids"), ","),
		}

		ctx := NewContext(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package oauthcore

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/internal/auth"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
	"github.com/dhirmadi/mwapserver-sub005/internal/tenant"
)

// Mount wires C4 (callback, popup pages), C5/C6 (initiate, refresh, reset),
// and C8 (admin security introspection) onto the three routers NewServer
// already built, applying the callback route's own rate limiter independent
// of whatever app-wide limiter the caller may also run.
func Mount(srv *httpserver.Server, h *Handler, callbackLimiter *auth.RateLimiter) {
	srv.PublicRouter.Group(func(r chi.Router) {
		if callbackLimiter != nil {
			r.Use(rateLimitCallback(callbackLimiter))
		}
		r.Mount("/", h.PublicRoutes())
	})
	srv.TenantRouter.Group(func(r chi.Router) {
		r.Use(tenant.Middleware(srv.DB, srv.Logger))
		r.Mount("/", h.TenantRoutes())
	})
	srv.AdminRouter.Mount("/", h.AdminRoutes())
}

// rateLimitCallback applies an independent rate limit to the provider
// callback, keyed by client IP, so a burst of forged or replayed callbacks
// cannot exhaust the shared gateway-level limiter meant for authenticated
// traffic. Only GET /callback is limited; the popup landing pages are not.
func rateLimitCallback(limiter *auth.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/callback") {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIPFromRequest(r)
			result, err := limiter.Check(r.Context(), ip)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAt.Unix()), 10))
				httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many callback attempts, try again later")
				return
			}

			next.ServeHTTP(w, r)
			if err := limiter.Record(r.Context(), ip); err != nil {
				// best-effort: a missed record only loosens the limit, never tightens it
				return
			}
		})
	}
}

// AdminRoutes is C8's security-introspection surface (§4.7/§4.8), exposing
// the monitor's read-only self-checks to super admins only.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/metrics", h.handleSecurityMetrics)
	r.Get("/alerts", h.handleSecurityAlerts)
	r.Get("/patterns", h.handleSecurityPatterns)
	r.Get("/report", h.handleSecurityReport)
	r.Get("/validate/data-exposure", h.handleValidateDataExposure)
	r.Get("/validate/attack-vectors", h.handleValidateAttackVectors)
	return r
}

func (h *Handler) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.monitor.CurrentMetrics())
}

func (h *Handler) handleSecurityAlerts(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{"alerts": h.monitor.ActiveAlerts()})
}

func (h *Handler) handleSecurityPatterns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"patterns": h.monitor.RecentPatterns(limit)})
}

// handleSecurityReport combines the metrics, alerts, and pattern feeds into
// one payload, the form a dashboard would pull on a single poll rather than
// issuing three requests.
func (h *Handler) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"metrics":  h.monitor.CurrentMetrics(),
		"alerts":   h.monitor.ActiveAlerts(),
		"patterns": h.monitor.RecentPatterns(50),
	})
}

func (h *Handler) handleValidateDataExposure(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.monitor.DataExposureSelfCheck())
}

func (h *Handler) handleValidateAttackVectors(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{"vectors": h.monitor.AttackVectorSelfCheck()})
}

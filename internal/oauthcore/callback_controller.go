package oauthcore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/internal/audit"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
	"github.com/dhirmadi/mwapserver-sub005/internal/telemetry"
)

// PublicRoutes returns the unauthenticated router serving the provider
// callback. Mounted at /api/v1/oauth by the caller.
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/callback", h.handleCallback)
	r.Get("/success", h.handleSuccessPage)
	r.Get("/error", h.handleErrorPage)
	return r
}

// handleSuccessPage and handleErrorPage serve the popup-flow landing pages
// the callback redirects to: a minimal page that posts the outcome to
// window.opener and closes itself, so a tenant admin driving the flow from a
// popup window never has to leave the page that opened it.
func (h *Handler) handleSuccessPage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	integrationID := r.URL.Query().Get("integrationId")
	if tenantID == "" || integrationID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "missing_parameters", "tenantId and integrationId are required")
		return
	}
	writePopupPage(w, map[string]any{
		"type":          "oauth.success",
		"tenantId":      tenantID,
		"integrationId": integrationID,
	})
}

func (h *Handler) handleErrorPage(w http.ResponseWriter, r *http.Request) {
	writePopupPage(w, map[string]any{
		"type":    "oauth.error",
		"message": r.URL.Query().Get("message"),
		"code":    r.URL.Query().Get("code"),
	})
}

// writePopupPage renders a minimal HTML document that postMessages payload
// to its opener (if any) and closes the window a moment later, falling back
// to a plain readable page when opened directly rather than as a popup.
func writePopupPage(w http.ResponseWriter, payload map[string]any) {
	body, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, popupPageTemplate, body)
}

const popupPageTemplate = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Connection status</title></head>
<body>
<script>
(function() {
  var payload = %s;
  if (window.opener) {
    window.opener.postMessage(payload, "*");
    window.close();
  } else {
    document.body.textContent = JSON.stringify(payload);
  }
})();
</script>
</body>
</html>
`

// handleCallback is C4: the strict pipeline of §4.4, run for every inbound
// provider redirect. A route-access audit record is written on entry; every
// exit path then writes one outcome audit record (plus a security-issue
// record for kinds that carry security issues) and one monitoring event,
// and every failure redirects to the generic error page — the code is
// single-use and is never retried automatically.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	ip := clientIPFromRequest(r)
	ua := r.Header.Get("User-Agent")

	attempt := CallbackAttempt{Timestamp: now, IP: ip, UserAgent: ua}

	h.auditRouteAccess(r, "oauth.callback.route.access", "", "", "")

	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		h.fail(w, r, &attempt, NewResult(ErrProviderError, "provider returned error: "+providerErr, nil))
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.fail(w, r, &attempt, NewResult(ErrMissingParameters, "code or state missing from callback", nil))
		return
	}

	sp, res := h.signer.Verify(state)
	if res.Failed() {
		h.fail(w, r, &attempt, res)
		return
	}
	attempt.TenantID = sp.TenantID
	attempt.IntegrationID = sp.IntegrationID
	attempt.UserID = sp.UserID

	integration, err := h.integrations.FindByID(r.Context(), sp.IntegrationID)
	if err != nil && err != ErrNotFound {
		h.logger.Error("loading integration for callback", "error", err)
		h.fail(w, r, &attempt, NewResult(ErrInternalError, "loading integration", err))
		return
	}
	if integration != nil && integration.TenantID != sp.TenantID {
		integration = nil
	}

	var provider *Provider
	if integration != nil {
		if p, err := h.providers.FindByID(r.Context(), integration.ProviderID); err == nil {
			provider = &p
		} else if err != ErrNotFound {
			h.logger.Error("loading provider for callback", "error", err)
			h.fail(w, r, &attempt, NewResult(ErrInternalError, "loading provider", err))
			return
		}
	}
	if provider != nil {
		attempt.Provider = provider.Slug
	}

	if res := VerifyIntegrationOwnership(integration, provider); res.Failed() {
		if res.Kind == ErrAlreadyConfigured {
			attempt.Duplicate = true
		}
		h.fail(w, r, &attempt, res)
		return
	}

	if res := VerifyFlowStateMatch(integration, state); res.Failed() {
		h.fail(w, r, &attempt, res)
		return
	}

	var pkceVerifier string
	if integration.PKCE != nil {
		v, err := h.enc.PKCEVerifier.OpenString(integration.PKCE.VerifierEncrypted)
		if err != nil {
			h.logger.Error("decrypting pkce verifier", "error", err)
			h.fail(w, r, &attempt, NewResult(ErrInvalidPKCEParameters, "decrypting pkce verifier", err))
			return
		}
		pkceVerifier = v
		if res := ValidatePKCEParameters(integration.PKCE, pkceVerifier); res.Failed() {
			h.fail(w, r, &attempt, res)
			return
		}
	}

	candidateURI := BuildCallbackRedirectURI(r.Host)
	normalizedURI, res := ValidateRedirectURI(candidateURI, h.redirectPolicy)
	if res.Failed() {
		h.fail(w, r, &attempt, res)
		return
	}
	if res := ValidateRedirectURIMatch(normalizedURI, h.redirectPolicy); res.Failed() {
		h.fail(w, r, &attempt, res)
		return
	}

	clientSecret, err := h.decryptClientSecret(*provider)
	if err != nil {
		h.logger.Error("decrypting client secret", "error", err)
		h.fail(w, r, &attempt, NewResult(ErrInternalError, "decrypting client secret", err))
		return
	}

	exchangeCtx, cancel := h.withExchangeTimeout(r.Context())
	defer cancel()

	result, res := ExchangeCode(exchangeCtx, h.httpClient, *provider, clientSecret, normalizedURI, code, pkceVerifier)
	if res.Failed() {
		h.fail(w, r, &attempt, res)
		return
	}

	if err := h.integrations.UpdateTokens(r.Context(), integration.ID, *result, sp.UserID); err != nil {
		h.logger.Error("persisting tokens", "error", err)
		h.fail(w, r, &attempt, NewResult(ErrInternalError, "persisting tokens", err))
		return
	}

	attempt.Success = true
	h.monitor.Record(attempt)
	h.auditCallback(r, attempt)
	telemetry.CallbackOutcomesTotal.WithLabelValues(attempt.Provider, "success").Inc()

	http.Redirect(w, r, SuccessRedirectURL(sp.TenantID, sp.IntegrationID), http.StatusFound)
}

// fail finalizes a failed callback attempt: records it with C7, writes the
// audit record(s), and redirects to the generic error page. It never
// surfaces result.Message or result.Cause to the user.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, attempt *CallbackAttempt, result Result) {
	attempt.Success = false
	attempt.ErrorCode = string(result.Kind)
	attempt.SecurityIssues = securityIssueTags(result.Kind)

	h.monitor.Record(*attempt)
	if attempt.Duplicate {
		h.monitor.RecordReplay(*attempt)
	}
	h.auditCallback(r, *attempt)
	telemetry.CallbackOutcomesTotal.WithLabelValues(attempt.Provider, string(result.Kind)).Inc()
	if isStateRelatedKind(result.Kind) {
		telemetry.StateValidationFailuresTotal.WithLabelValues(string(result.Kind)).Inc()
	}

	h.logger.Warn("oauth callback rejected",
		"kind", result.Kind, "tenant_id", attempt.TenantID, "integration_id", attempt.IntegrationID)

	http.Redirect(w, r, ErrorRedirectURL(result), http.StatusFound)
}

// auditCallback writes the per-attempt audit record and, when the attempt
// carries security issues, a second high-severity record (§4.1 "audit
// logging").
func (h *Handler) auditCallback(r *http.Request, attempt CallbackAttempt) {
	if h.audit == nil {
		return
	}

	action := "oauth.callback.success"
	if !attempt.Success {
		action = "oauth.callback.failure"
	}

	detail, _ := json.Marshal(map[string]any{
		"errorCode": attempt.ErrorCode,
		"duplicate": attempt.Duplicate,
	})

	h.audit.LogFromRequest(r, audit.Entry{
		Action:        action,
		TenantID:      attempt.TenantID,
		IntegrationID: attempt.IntegrationID,
		UserID:        attempt.UserID,
		Provider:      attempt.Provider,
		Detail:        detail,
	})

	if len(attempt.SecurityIssues) > 0 {
		issueDetail, _ := json.Marshal(map[string]any{
			"securityIssues": attempt.SecurityIssues,
			"errorCode":      attempt.ErrorCode,
		})
		h.audit.LogFromRequest(r, audit.Entry{
			Action:        "oauth.callback.security_issue",
			TenantID:      attempt.TenantID,
			IntegrationID: attempt.IntegrationID,
			UserID:        attempt.UserID,
			Provider:      attempt.Provider,
			Detail:        issueDetail,
		})
	}
}

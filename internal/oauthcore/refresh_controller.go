package oauthcore

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/internal/audit"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
	"github.com/dhirmadi/mwapserver-sub005/internal/telemetry"
)

// refreshRequest is the optional body of a refresh request (§4.6: "An
// optional force flag refreshes even when the current access token is not
// yet expired").
type refreshRequest struct {
	Force bool `json:"force"`
}

// handleRefresh is C6 (§4.6): refreshes an integration's access token.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")

	h.auditRouteAccess(r, "oauth.refresh.attempt", tenantID, integrationID, identitySubject(r))

	var req refreshRequest
	if r.ContentLength > 0 {
		if err := httpserver.Decode(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	integration, provider, ok := h.loadOwnedIntegration(w, r, tenantID, integrationID)
	if !ok {
		return
	}

	userID := identitySubject(r)

	refreshed := false
	if req.Force || !integration.IsActive() {
		if integration.RefreshToken == "" {
			httpserver.RespondError(w, http.StatusBadRequest, "no_refresh_token", "integration has no refresh token to use")
			return
		}

		clientSecret, err := h.decryptClientSecret(*provider)
		if err != nil {
			h.logger.Error("decrypting client secret", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to refresh token")
			return
		}

		ctx, cancel := h.withExchangeTimeout(r.Context())
		result, res := RefreshAccessToken(ctx, h.httpClient, *provider, clientSecret, integration.RefreshToken)
		cancel()
		if res.Failed() {
			telemetry.TokenRefreshTotal.WithLabelValues(provider.Slug, string(res.Kind)).Inc()
			if res.Kind == ErrProviderUnavailable || res.Kind == ErrProviderError {
				if err := h.integrations.MarkErrored(r.Context(), integration.ID, userID); err != nil {
					h.logger.Error("marking integration errored", "error", err)
				}
			}
			httpserver.RespondError(w, res.HTTPStatus(), string(res.Kind), res.UserMessage())
			return
		}

		if err := h.integrations.UpdateTokens(r.Context(), integration.ID, *result, userID); err != nil {
			h.logger.Error("persisting refreshed tokens", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to persist refreshed token")
			return
		}

		telemetry.TokenRefreshTotal.WithLabelValues(provider.Slug, "success").Inc()
		refreshed = true
		integration.AccessToken = result.AccessToken
		integration.RefreshToken = result.RefreshToken
		integration.ExpiresAt = result.ExpiresAt
		integration.Scopes = result.Scopes
		integration.Status = StatusActive
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"refreshed": refreshed, "force": req.Force})
		h.audit.LogFromRequest(r, audit.Entry{
			Action:        "oauth.tokens.refresh",
			TenantID:      tenantID,
			IntegrationID: integrationID,
			UserID:        userID,
			Provider:      provider.Slug,
			Detail:        detail,
		})
	}

	redacted := integration.Redacted()
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"integration": redacted,
		"refreshed":   refreshed,
	})
}

package oauthcore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dhirmadi/mwapserver-sub005/internal/audit"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
)

// TenantRoutes returns the tenant-owner-authenticated router serving
// initiation, refresh, and reset. Mounted under
// /api/v1/oauth/tenants/{tenantId}/integrations/{integrationId} by the
// caller, which also applies auth.RequireAuth and
// auth.RequireTenantOwner("tenantId").
func (h *Handler) TenantRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/initiate", h.handleInitiate)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/reset", h.handleReset)
	return r
}

// handleInitiate is C5 (§4.5): starts (or restarts) a flow for an existing
// integration, generating a fresh state parameter and, for PKCE providers,
// a fresh verifier/challenge pair.
func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")

	h.auditRouteAccess(r, "oauth.initiate.attempt", tenantID, integrationID, identitySubject(r))

	integration, provider, ok := h.loadOwnedIntegration(w, r, tenantID, integrationID)
	if !ok {
		return
	}

	candidateURI := BuildCallbackRedirectURI(r.Host)
	normalizedURI, res := ValidateRedirectURI(candidateURI, h.redirectPolicy)
	if res.Failed() {
		httpserver.RespondError(w, res.HTTPStatus(), string(res.Kind), res.UserMessage())
		return
	}
	if res := ValidateRedirectURIMatch(normalizedURI, h.redirectPolicy); res.Failed() {
		httpserver.RespondError(w, res.HTTPStatus(), string(res.Kind), res.UserMessage())
		return
	}

	nonce, err := GenerateNonce()
	if err != nil {
		h.logger.Error("generating state nonce", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
		return
	}

	userID := identitySubject(r)

	state, err := h.signer.Sign(tenantID, integrationID, userID, nonce)
	if err != nil {
		h.logger.Error("signing state parameter", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
		return
	}

	now := time.Now()
	flow := &FlowContext{
		FlowID:    uuid.NewString(),
		Nonce:     nonce,
		StateHash: hashState(state),
		Status:    FlowPending,
		CreatedAt: now,
		ExpiresAt: now.Add(h.stateTTL),
	}

	var challenge string
	method := ChallengeS256
	if provider.RequiresPKCE {
		verifier, err := GeneratePKCEVerifier()
		if err != nil {
			h.logger.Error("generating pkce verifier", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
			return
		}
		challenge, err = ChallengeFromVerifier(verifier, method)
		if err != nil {
			h.logger.Error("deriving pkce challenge", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
			return
		}
		sealedVerifier, err := h.enc.PKCEVerifier.SealString(verifier)
		if err != nil {
			h.logger.Error("sealing pkce verifier", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
			return
		}
		flow.PKCE = &PKCEContext{VerifierEncrypted: sealedVerifier, Challenge: challenge, Method: method}
	}

	if err := h.integrations.SetFlowContext(r.Context(), integrationID, flow); err != nil {
		h.logger.Error("persisting flow context", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
		return
	}

	authURL, err := BuildAuthorizationURL(*provider, normalizedURI, state, provider.DefaultScopes, challenge, method)
	if err != nil {
		h.logger.Error("building authorization url", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start flow")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"pkce": provider.RequiresPKCE})
		h.audit.LogFromRequest(r, audit.Entry{
			Action:        "oauth.flow.initiated",
			TenantID:      tenantID,
			IntegrationID: integrationID,
			UserID:        userID,
			Provider:      provider.Slug,
			Detail:        detail,
		})
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"authorizationUrl": authURL,
		"provider": map[string]string{
			"name":        provider.Slug,
			"displayName": provider.DisplayName,
		},
		"redirectUri": normalizedURI,
		"state":       state,
	})
}

// handleReset is part of C5 (§4.5/§4.8): clears a flow back to idle without
// touching any persisted tokens, letting a tenant owner abandon a stuck or
// abandoned authorization attempt and start over with /initiate.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")
	userID := identitySubject(r)

	integration, provider, ok := h.loadOwnedIntegration(w, r, tenantID, integrationID)
	if !ok {
		return
	}

	if err := h.integrations.ClearFlow(r.Context(), integration.ID); err != nil {
		h.logger.Error("clearing flow context", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to reset flow")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"provider": provider.Slug})
		h.audit.LogFromRequest(r, audit.Entry{
			Action:        "oauth.flow.reset",
			TenantID:      tenantID,
			IntegrationID: integrationID,
			UserID:        userID,
			Provider:      provider.Slug,
			Detail:        detail,
		})
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"success": true})
}

// loadOwnedIntegration loads an integration by id, confirming it belongs to
// tenantID, and its provider, writing an error response and returning
// ok=false on any failure. Shared by the initiate, refresh, and reset
// handlers.
func (h *Handler) loadOwnedIntegration(w http.ResponseWriter, r *http.Request, tenantID, integrationID string) (*Integration, *Provider, bool) {
	integration, err := h.integrations.FindByID(r.Context(), integrationID)
	if err != nil {
		if err == ErrNotFound {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "integration not found")
			return nil, nil, false
		}
		h.logger.Error("loading integration", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load integration")
		return nil, nil, false
	}
	if integration.TenantID != tenantID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "integration not found")
		return nil, nil, false
	}

	provider, err := h.providers.FindByID(r.Context(), integration.ProviderID)
	if err != nil {
		if err == ErrNotFound {
			httpserver.RespondError(w, http.StatusBadRequest, "provider_unavailable", "provider not found")
			return nil, nil, false
		}
		h.logger.Error("loading provider", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load provider")
		return nil, nil, false
	}
	if !provider.IsActive {
		httpserver.RespondError(w, http.StatusBadRequest, "provider_disabled", "provider is not available")
		return nil, nil, false
	}

	return integration, &provider, true
}

// hashState returns a SHA-256 hex digest of the signed state token, stored
// alongside the flow context so a replayed state can be correlated back to
// the flow that issued it without persisting the token itself.
func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}

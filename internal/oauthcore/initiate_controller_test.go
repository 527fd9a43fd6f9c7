package oauthcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func requestWithParams(method, path string, params map[string]string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Host = testHost

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func confidentialProvider() Provider {
	return Provider{
		ID:                  fakeID(1),
		Slug:                "dropbox",
		DisplayName:         "Dropbox",
		AuthorizationURL:    "https://dropbox.example.com/authorize",
		TokenURL:            "https://dropbox.example.com/token",
		TokenEndpointMethod: "POST",
		GrantType:           "authorization_code",
		DefaultScopes:       []string{"files.read"},
		ClientID:            "client-id",
		IsActive:            true,
	}
}

func pkceProvider() Provider {
	p := confidentialProvider()
	p.ID = fakeID(2)
	p.Slug = "github"
	p.RequiresPKCE = true
	return p
}

func TestHandleInitiateConfidentialProvider(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, err := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/initiate", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleInitiate(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleInitiate() status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["authorizationUrl"] == "" || resp["authorizationUrl"] == nil {
		t.Error("response missing authorizationUrl")
	}
	if resp["state"] == "" || resp["state"] == nil {
		t.Error("response missing state")
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.Flow == nil || stored.Flow.Status != FlowPending {
		t.Errorf("stored flow = %+v, want pending flow context persisted", stored.Flow)
	}
}

func TestHandleInitiatePKCEProviderGeneratesChallenge(t *testing.T) {
	provider := pkceProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, err := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/initiate", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleInitiate(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleInitiate() status = %d, body = %s", w.Code, w.Body.String())
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.Flow == nil || stored.Flow.PKCE == nil {
		t.Fatal("PKCE provider flow missing PKCE context")
	}
	if stored.Flow.PKCE.Challenge == "" {
		t.Error("PKCE flow context missing challenge")
	}
	if len(stored.Flow.PKCE.VerifierEncrypted) == 0 {
		t.Error("PKCE flow context missing sealed verifier")
	}
}

func TestHandleInitiateIntegrationNotOwnedByTenant(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/initiate", map[string]string{
		"tenantId":      "some-other-tenant",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleInitiate(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("handleInitiate() for mismatched tenant status = %d, want 404", w.Code)
	}
}

func TestHandleInitiateDisabledProvider(t *testing.T) {
	provider := confidentialProvider()
	provider.IsActive = false
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/initiate", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleInitiate(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("handleInitiate() for disabled provider status = %d, want 400", w.Code)
	}
}

func TestHandleInitiateUnknownIntegration(t *testing.T) {
	providers := newFakeProviderCatalog(confidentialProvider())
	store := newFakeIntegrationStore()

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/initiate", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": fakeID(999),
	})
	w := httptest.NewRecorder()

	h.handleInitiate(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("handleInitiate() for unknown integration status = %d, want 404", w.Code)
	}
}

func TestHandleResetClearsFlowWithoutTouchingTokens(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	integration.Flow = &FlowContext{FlowID: "flow-1", Status: FlowPending}
	integration.AccessToken = "keep-me"
	integration.Status = StatusActive
	store.put(integration)

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/reset", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleReset(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleReset() status = %d, body = %s", w.Code, w.Body.String())
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.Flow != nil {
		t.Error("handleReset() left a flow context in place")
	}
	if stored.AccessToken != "keep-me" {
		t.Error("handleReset() touched the access token")
	}
}

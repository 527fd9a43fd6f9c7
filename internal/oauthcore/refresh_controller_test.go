package oauthcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func tokenEndpointStub(t *testing.T, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("writing stub response: %v", err)
		}
	}))
}

func TestHandleRefreshSkippedWhenActiveAndNotForced(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	future := time.Now().Add(time.Hour)
	integration.Status = StatusActive
	integration.AccessToken = "still-good"
	integration.RefreshToken = "refresh-1"
	integration.ExpiresAt = &future
	store.put(integration)

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/refresh", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleRefresh(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleRefresh() status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if refreshed, _ := resp["refreshed"].(bool); refreshed {
		t.Error("handleRefresh() refreshed an already-active, non-forced integration")
	}
}

func TestHandleRefreshExpiredExchangesNewToken(t *testing.T) {
	stub := tokenEndpointStub(t, `{"access_token":"new-token","refresh_token":"new-refresh","expires_in":3600}`)
	defer stub.Close()

	provider := confidentialProvider()
	provider.TokenURL = stub.URL
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	past := time.Now().Add(-time.Hour)
	integration.Status = StatusActive
	integration.AccessToken = "stale-token"
	integration.RefreshToken = "refresh-1"
	integration.ExpiresAt = &past
	store.put(integration)

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/refresh", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleRefresh(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleRefresh() status = %d, body = %s", w.Code, w.Body.String())
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.AccessToken != "new-token" {
		t.Errorf("stored access token = %q, want %q", stored.AccessToken, "new-token")
	}
}

func TestHandleRefreshWithoutRefreshTokenFails(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), "tenant1", provider.ID, "user1")
	past := time.Now().Add(-time.Hour)
	integration.Status = StatusActive
	integration.AccessToken = "stale-token"
	integration.ExpiresAt = &past
	store.put(integration)

	h := newTestHandler(t, store, providers)

	r := requestWithParams(http.MethodPost, "/refresh", map[string]string{
		"tenantId":      "tenant1",
		"integrationId": integration.ID,
	})
	w := httptest.NewRecorder()

	h.handleRefresh(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("handleRefresh() without refresh token status = %d, want 400", w.Code)
	}
}

package oauthcore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func callbackRequest(query url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/callback?"+query.Encode(), nil)
	r.Host = testHost
	return r
}

func TestHandleCallbackMissingParameters(t *testing.T) {
	h := newTestHandler(t, newFakeIntegrationStore(), newFakeProviderCatalog())

	r := callbackRequest(url.Values{})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, want redirect", w.Code)
	}
	loc := w.Header().Get("Location")
	if loc == "" {
		t.Fatal("handleCallback() missing Location header")
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parsing redirect location: %v", err)
	}
	if u.Path != errorRedirectPath {
		t.Errorf("redirect path = %q, want %q", u.Path, errorRedirectPath)
	}
}

func TestHandleCallbackProviderError(t *testing.T) {
	h := newTestHandler(t, newFakeIntegrationStore(), newFakeProviderCatalog())

	r := callbackRequest(url.Values{"error": {"access_denied"}})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, want redirect", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != errorRedirectPath {
		t.Errorf("redirect path = %q, want %q", loc.Path, errorRedirectPath)
	}
}

func TestHandleCallbackInvalidState(t *testing.T) {
	h := newTestHandler(t, newFakeIntegrationStore(), newFakeProviderCatalog())

	r := callbackRequest(url.Values{"code": {"abc123"}, "state": {"garbage-not-a-jwt"}})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, want redirect", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != errorRedirectPath {
		t.Errorf("redirect path = %q, want %q", loc.Path, errorRedirectPath)
	}
}

func TestHandleCallbackAlreadyConfiguredIsDuplicate(t *testing.T) {
	provider := confidentialProvider()
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), validObjectID('1'), provider.ID, "user1")
	integration.Status = StatusActive
	integration.AccessToken = "already-there"
	store.put(integration)

	h := newTestHandler(t, store, providers)

	state, err := h.signer.Sign(validObjectID('1'), integration.ID, "user1", "0123456789abcdef")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	r := callbackRequest(url.Values{"code": {"abc123"}, "state": {state}})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, want redirect", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("message") == "" {
		t.Error("error redirect missing user-safe message")
	}

	replayRecorded := false
	for _, p := range h.monitor.RecentPatterns(10) {
		if p.Kind == PatternReplayAttack {
			replayRecorded = true
		}
	}
	if !replayRecorded {
		t.Error("ALREADY_CONFIGURED callback was not recorded as a duplicate (replay) attempt")
	}
}

func TestHandleCallbackSuccessExchangesCode(t *testing.T) {
	stub := tokenEndpointStub(t, `{"access_token":"tok-123","refresh_token":"ref-123","expires_in":3600}`)
	defer stub.Close()

	provider := confidentialProvider()
	provider.TokenURL = stub.URL
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), validObjectID('1'), provider.ID, "user1")

	h := newTestHandler(t, store, providers)

	state, err := h.signer.Sign(validObjectID('1'), integration.ID, "user1", "0123456789abcdef")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	integration.Flow = &FlowContext{FlowID: "flow-1", StateHash: hashState(state), Status: FlowPending}
	store.put(integration)

	r := callbackRequest(url.Values{"code": {"auth-code-1"}, "state": {state}})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != successRedirectPath {
		t.Errorf("redirect path = %q, want %q", loc.Path, successRedirectPath)
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.AccessToken != "tok-123" {
		t.Errorf("stored access token = %q, want %q", stored.AccessToken, "tok-123")
	}
	if stored.Status != StatusActive {
		t.Errorf("stored status = %v, want active", stored.Status)
	}
}

func TestHandleCallbackStateFromSupersededInitiateIsRejected(t *testing.T) {
	stub := tokenEndpointStub(t, `{"access_token":"tok-123","refresh_token":"ref-123","expires_in":3600}`)
	defer stub.Close()

	provider := confidentialProvider()
	provider.TokenURL = stub.URL
	providers := newFakeProviderCatalog(provider)
	store := newFakeIntegrationStore()
	integration, _ := store.Create(context.Background(), validObjectID('1'), provider.ID, "user1")

	h := newTestHandler(t, store, providers)

	// First /initiate: sign and persist a flow context for state1.
	state1, err := h.signer.Sign(validObjectID('1'), integration.ID, "user1", "0123456789abcdef")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	integration.Flow = &FlowContext{FlowID: "flow-1", StateHash: hashState(state1), Status: FlowPending}
	store.put(integration)

	// Second /initiate supersedes the flow context with state2 before the
	// user ever completes the first redirect.
	state2, err := h.signer.Sign(validObjectID('1'), integration.ID, "user1", "fedcba9876543210")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	integration.Flow = &FlowContext{FlowID: "flow-2", StateHash: hashState(state2), Status: FlowPending}
	store.put(integration)

	// The stale state1 callback arrives late, still within its TTL.
	r := callbackRequest(url.Values{"code": {"auth-code-1"}, "state": {state1}})
	w := httptest.NewRecorder()

	h.handleCallback(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("handleCallback() status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != errorRedirectPath {
		t.Errorf("redirect path = %q, want %q (stale state should be rejected)", loc.Path, errorRedirectPath)
	}

	stored, _ := store.FindByID(context.Background(), integration.ID)
	if stored.AccessToken != "" {
		t.Error("handleCallback() exchanged a code using a superseded state")
	}
}

func TestHandleSuccessPageRequiresParams(t *testing.T) {
	h := newTestHandler(t, newFakeIntegrationStore(), newFakeProviderCatalog())

	r := httptest.NewRequest(http.MethodGet, "/success", nil)
	w := httptest.NewRecorder()
	h.handleSuccessPage(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("handleSuccessPage() without params status = %d, want 400", w.Code)
	}
}

func TestHandleSuccessPageRendersPopupPayload(t *testing.T) {
	h := newTestHandler(t, newFakeIntegrationStore(), newFakeProviderCatalog())

	r := httptest.NewRequest(http.MethodGet, "/success?tenantId=t1&integrationId=i1", nil)
	w := httptest.NewRecorder()
	h.handleSuccessPage(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("handleSuccessPage() status = %d, want 200", w.Code)
	}
	if !contains(w.Body.String(), `"tenantId":"t1"`) {
		t.Errorf("handleSuccessPage() body = %q, missing tenantId", w.Body.String())
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

package oauthcore

import (
	"log/slog"
	"net/http"
	"time"
)

const testHost = "app.example.com"

func testRedirectPolicy() RedirectURIPolicy {
	return RedirectURIPolicy{AllowedHosts: []string{testHost}, Production: false}
}

func testEncryptors(t interface{ Fatalf(string, ...any) }) *Encryptors {
	enc, err := NewEncryptors(rootKey())
	if err != nil {
		t.Fatalf("NewEncryptors() error = %v", err)
	}
	return enc
}

func testSigner(t interface{ Fatalf(string, ...any) }) *StateSigner {
	signer, err := NewStateSigner(make([]byte, 32), 10*time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner() error = %v", err)
	}
	return signer
}

func newTestHandler(t interface{ Fatalf(string, ...any) }, integrations IntegrationStore, providers ProviderLookup) *Handler {
	monitor := NewMonitor(testMonitorConfig(), slog.Default())
	return NewHandler(
		slog.Default(),
		nil,
		integrations,
		providers,
		testEncryptors(t),
		testSigner(t),
		monitor,
		&http.Client{Timeout: 5 * time.Second},
		testRedirectPolicy(),
		10*time.Minute,
		5*time.Second,
	)
}

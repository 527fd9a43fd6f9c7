package oauthcore

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/dhirmadi/mwapserver-sub005/internal/audit"
	"github.com/dhirmadi/mwapserver-sub005/internal/auth"
)

// Handler wires C4 (callback), C5 (initiate), and C6 (refresh) onto the
// shared dependencies built from C1-C3's primitives, grounded on the
// logger/audit/service Handler shape used elsewhere in this codebase's HTTP
// layer.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer

	integrations IntegrationStore
	providers    ProviderLookup

	enc     *Encryptors
	signer  *StateSigner
	monitor *Monitor

	httpClient     *http.Client
	redirectPolicy RedirectURIPolicy
	stateTTL       time.Duration
	tokenTimeout   time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(
	logger *slog.Logger,
	auditWriter *audit.Writer,
	integrations IntegrationStore,
	providers ProviderLookup,
	enc *Encryptors,
	signer *StateSigner,
	monitor *Monitor,
	httpClient *http.Client,
	redirectPolicy RedirectURIPolicy,
	stateTTL time.Duration,
	tokenTimeout time.Duration,
) *Handler {
	return &Handler{
		logger:         logger,
		audit:          auditWriter,
		integrations:   integrations,
		providers:      providers,
		enc:            enc,
		signer:         signer,
		monitor:        monitor,
		httpClient:     httpClient,
		redirectPolicy: redirectPolicy,
		stateTTL:       stateTTL,
		tokenTimeout:   tokenTimeout,
	}
}

// securityIssueTags maps an ErrorKind to the audit/monitoring security-issue
// tags it should carry (§4.1 "audit logging ... also emits a separate
// high-severity record whenever securityIssues is non-empty"). Tags for
// state-related kinds intentionally retain the words "state"/"nonce" so
// Monitor.detectStateManipulation recognizes them.
func securityIssueTags(kind ErrorKind) []string {
	switch kind {
	case ErrInvalidState, ErrStateDecodeError, ErrInvalidStateStructure, ErrStateExpired, ErrInvalidNonce:
		return []string{strings.ToLower(string(kind))}
	case ErrInvalidPKCEParameters, ErrRedirectURIMismatch:
		return []string{strings.ToLower(string(kind))}
	default:
		return nil
	}
}

// isStateRelatedKind reports whether kind is one of the state/nonce
// validation failures tracked by StateValidationFailuresTotal (§4.7's
// per-reason state-rejection counter).
func isStateRelatedKind(kind ErrorKind) bool {
	switch kind {
	case ErrInvalidState, ErrStateDecodeError, ErrInvalidStateStructure, ErrStateExpired, ErrInvalidNonce:
		return true
	default:
		return false
	}
}

// identitySubject returns the authenticated subject from request context, or
// "" for the unauthenticated public routes.
func identitySubject(r *http.Request) string {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		return ""
	}
	return identity.Subject
}

// auditRouteAccess records the stable per-route access event (§4.8: "every
// route access is audit-logged with a stable event name"), independent of
// and prior to whatever outcome-specific audit record the handler goes on to
// write.
func (h *Handler) auditRouteAccess(r *http.Request, action, tenantID, integrationID, userID string) {
	if h.audit == nil {
		return
	}
	h.audit.LogFromRequest(r, audit.Entry{
		Action:        action,
		TenantID:      tenantID,
		IntegrationID: integrationID,
		UserID:        userID,
	})
}

// decryptClientSecret decrypts a provider's client secret, returning an
// empty string for PKCE providers that carry none.
func (h *Handler) decryptClientSecret(p Provider) (string, error) {
	if len(p.EncryptedClientSecret) == 0 {
		return "", nil
	}
	return h.enc.ClientSecret.OpenString(p.EncryptedClientSecret)
}

// withExchangeTimeout bounds a provider token-endpoint call to the
// configured timeout (§4.2: "Timeout: 30 seconds").
func (h *Handler) withExchangeTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.tokenTimeout)
}

// clientIPFromRequest extracts the client IP the same way internal/audit
// does, preferring X-Forwarded-For / X-Real-IP over RemoteAddr.
func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

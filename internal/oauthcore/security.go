package oauthcore

import (
	"net/url"
)

// callbackPath is the only path this subsystem ever accepts as the OAuth
// callback redirect URI (§4.1).
const callbackPath = "/api/v1/oauth/callback"

const (
	errorRedirectPath   = "/oauth/error"
	successRedirectPath = "/oauth/success"
)

// RedirectURIPolicy carries the per-environment redirect-URI allow-list
// (§4.1): the configured hosts plus whether https is mandatory.
type RedirectURIPolicy struct {
	AllowedHosts []string
	Production   bool
}

// BuildCallbackRedirectURI constructs the callback redirect URI for a given
// request host, always as https regardless of the inbound request's scheme
// (§4.4 pipeline step 7).
func BuildCallbackRedirectURI(requestHost string) string {
	return "https://" + requestHost + callbackPath
}

// ValidateRedirectURI validates scheme, host, path, and the absence of a
// query or fragment, returning the normalized URI on success (§4.1).
func ValidateRedirectURI(raw string, policy RedirectURIPolicy) (string, Result) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", NewResult(ErrInvalidRedirectURI, "redirect uri failed to parse", err)
	}

	host := u.Hostname()
	isLocal := host == "localhost" || host == "127.0.0.1"

	switch u.Scheme {
	case "https":
		// always allowed
	case "http":
		if !isLocal {
			return "", NewResult(ErrInvalidRedirectURI, "http scheme only allowed for localhost", nil)
		}
		if policy.Production {
			return "", NewResult(ErrInvalidRedirectURI, "https required in production", nil)
		}
	default:
		return "", NewResult(ErrInvalidRedirectURI, "unsupported scheme "+u.Scheme, nil)
	}

	if !hostAllowed(host, policy.AllowedHosts) {
		return "", NewResult(ErrInvalidRedirectURI, "host not in allow-list", nil)
	}

	if u.Path != callbackPath {
		return "", NewResult(ErrInvalidRedirectURI, "unexpected callback path", nil)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", NewResult(ErrInvalidRedirectURI, "redirect uri must not carry a query or fragment", nil)
	}

	return u.Scheme + "://" + u.Host + callbackPath, Ok
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if h == host {
			return true
		}
	}
	return false
}

// ValidateRedirectURIMatch is the secondary check of §4.1: the constructed
// URI must equal the URI that would be registered with the provider for the
// current environment, not merely pass the intrinsic scheme/host/path
// checks above. Since this subsystem registers exactly one canonical
// callback URI per allowed host, a normalized URI built from any allowed
// host is considered registered.
func ValidateRedirectURIMatch(normalized string, policy RedirectURIPolicy) Result {
	for _, host := range policy.AllowedHosts {
		if normalized == "https://"+host+callbackPath || normalized == "http://"+host+callbackPath {
			return Ok
		}
	}
	return NewResult(ErrRedirectURIMismatch, "redirect uri does not match a registered host", nil)
}

// VerifyIntegrationOwnership implements §4.1's integration-ownership check
// against an already-loaded integration and provider. The integration must
// have been looked up by (id, tenantId) so tenant scoping is already
// enforced by the caller (C3's FindByID against a tenant-scoped connection).
func VerifyIntegrationOwnership(integration *Integration, provider *Provider) Result {
	if integration == nil {
		return NewResult(ErrIntegrationNotFound, "integration not found for tenant", nil)
	}
	if integration.IsActive() {
		return NewResult(ErrAlreadyConfigured, "integration already active", nil)
	}
	if provider == nil {
		return NewResult(ErrProviderUnavailable, "referenced provider not found", nil)
	}
	if !provider.IsActive {
		return NewResult(ErrProviderDisabled, "provider is disabled", nil)
	}
	return Ok
}

// VerifyFlowStateMatch implements §5's ordering guarantee: a callback whose
// state does not match the flow context currently stored for the
// integration fails as INVALID_STATE, even when the state parameter itself
// still passes signature/expiry verification. A second /initiate call
// overwrites the stored flow context, which must immediately invalidate any
// state issued by an earlier /initiate call for the same integration.
func VerifyFlowStateMatch(integration *Integration, state string) Result {
	if integration.Flow == nil || integration.Flow.StateHash != hashState(state) {
		return NewResult(ErrInvalidState, "state does not match the integration's current flow context", nil)
	}
	return Ok
}

// ValidatePKCEParameters implements §4.1's PKCE validation: verifier length
// and character set, and that it reproduces the stored challenge under the
// stored method. A nil pkce means the integration uses the confidential
// flow and there is nothing to validate.
func ValidatePKCEParameters(pkce *PKCEContext, verifier string) Result {
	if pkce == nil {
		return Ok
	}
	if err := ValidateVerifier(verifier); err != nil {
		return NewResult(ErrInvalidPKCEParameters, err.Error(), err)
	}
	if pkce.Challenge == "" || !ValidatePKCEChallenge(verifier, pkce.Challenge, pkce.Method) {
		return NewResult(ErrInvalidPKCEParameters, "verifier does not reproduce the stored challenge", nil)
	}
	return Ok
}

// ErrorRedirectURL builds the generic, user-safe error redirect (§4.1's
// "error response generator"). Internal details never appear here — only
// Result.UserMessage(), never Result.Message or Result.Cause.
func ErrorRedirectURL(result Result) string {
	v := url.Values{}
	v.Set("message", result.UserMessage())
	return errorRedirectPath + "?" + v.Encode()
}

// SuccessRedirectURL builds the post-callback success redirect (§4.4 step 10).
func SuccessRedirectURL(tenantID, integrationID string) string {
	v := url.Values{}
	v.Set("tenantId", tenantID)
	v.Set("integrationId", integrationID)
	return successRedirectPath + "?" + v.Encode()
}

package oauthcore

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/dhirmadi/mwapserver-sub005/internal/telemetry"
)

// protocolErrorCodes maps the OAuth2 wire error codes a token endpoint or
// authorization redirect can return to this subsystem's closed ErrorKind
// taxonomy, following the same code->kind mapping table pattern as
// ParseError in the reference OAuth package, narrowed to the kinds this
// subsystem actually surfaces.
var protocolErrorCodes = map[string]ErrorKind{
	"access_denied":             ErrProviderError,
	"invalid_request":           ErrProviderError,
	"invalid_grant":             ErrProviderError,
	"invalid_scope":             ErrProviderError,
	"unauthorized_client":       ErrProviderError,
	"unsupported_response_type": ErrProviderError,
	"server_error":              ErrProviderUnavailable,
	"temporarily_unavailable":   ErrProviderUnavailable,
}

// classifyProviderErrorCode maps a wire-level OAuth error code to an
// ErrorKind, defaulting to ErrProviderError for any unrecognized code.
func classifyProviderErrorCode(code string) ErrorKind {
	if kind, ok := protocolErrorCodes[code]; ok {
		return kind
	}
	return ErrProviderError
}

// oauth2Config builds a golang.org/x/oauth2 Config from a provider and a
// decrypted client secret, for the confidential-client authorization-code
// flow. PKCE public-client providers still use this shape, simply with an
// empty ClientSecret and the PKCE verifier/challenge passed as AuthCodeOptions.
func oauth2Config(p Provider, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizationURL,
			TokenURL:  p.TokenURL,
			AuthStyle: authStyleFor(p),
		},
		RedirectURL: redirectURL,
		Scopes:      p.DefaultScopes,
	}
}

// authStyleFor reports how client credentials should be sent on the token
// request. Confidential clients use HTTP Basic per §3; PKCE public clients
// have no secret to send.
func authStyleFor(p Provider) oauth2.AuthStyle {
	if p.RequiresPKCE {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

// BuildAuthorizationURL constructs the provider authorization redirect URL
// for a flow, applying per-provider quirks (§9) and, for PKCE providers, the
// code_challenge/code_challenge_method parameters (RFC 7636).
func BuildAuthorizationURL(p Provider, redirectURL, state string, scopes []string, pkceChallenge string, pkceMethod ChallengeMethod) (string, error) {
	cfg := oauth2Config(p, "", redirectURL)

	u, err := url.Parse(p.AuthorizationURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	scopes = applyQuirks(p, scopes, q)
	cfg.Scopes = scopes

	opts := []oauth2.AuthCodeOption{}
	if p.RequiresPKCE && pkceChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", string(pkceMethod)),
		)
	}
	for k, v := range q {
		if len(v) > 0 {
			opts = append(opts, oauth2.SetAuthURLParam(k, v[0]))
		}
	}

	return cfg.AuthCodeURL(state, opts...), nil
}

// ExchangeResult carries the outcome of a token exchange.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// ExchangeCode exchanges an authorization code for tokens. For PKCE
// providers, verifier must be the plaintext code_verifier; for confidential
// providers it is ignored.
func ExchangeCode(ctx context.Context, httpClient *http.Client, p Provider, clientSecret, redirectURL, code, verifier string) (*ExchangeResult, Result) {
	cfg := oauth2Config(p, clientSecret, redirectURL)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	opts := []oauth2.AuthCodeOption{}
	if p.RequiresPKCE {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", verifier))
	}

	start := time.Now()
	tok, err := cfg.Exchange(ctx, code, opts...)
	telemetry.TokenExchangeDuration.WithLabelValues(p.Slug, "authorization_code").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyExchangeError(err)
	}
	if tok.AccessToken == "" {
		return nil, NewResult(ErrProviderError, "token endpoint response missing access_token", nil)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}

	scopeValue, _ := tok.Extra("scope").(string)
	var scopes []string
	if scopeValue != "" {
		scopes = splitScope(scopeValue)
	} else {
		scopes = p.DefaultScopes
	}

	return &ExchangeResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       scopes,
	}, Ok
}

// RefreshAccessToken uses a refresh token to obtain a fresh access token.
func RefreshAccessToken(ctx context.Context, httpClient *http.Client, p Provider, clientSecret, refreshToken string) (*ExchangeResult, Result) {
	cfg := oauth2Config(p, clientSecret, "")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	start := time.Now()
	tok, err := src.Token()
	telemetry.TokenExchangeDuration.WithLabelValues(p.Slug, "refresh_token").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyExchangeError(err)
	}
	if tok.AccessToken == "" {
		return nil, NewResult(ErrProviderError, "token endpoint response missing access_token", nil)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	return &ExchangeResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiresAt,
	}, Ok
}

// classifyExchangeError maps an error returned by the oauth2 package's
// token exchange into a Result carrying the appropriate ErrorKind and HTTP
// status (§4.2): a provider-returned error carries the provider's own HTTP
// status through; a request timeout is 504; any other network/transport
// failure is 502.
func classifyExchangeError(err error) Result {
	if rErr, ok := err.(*oauth2.RetrieveError); ok {
		kind := ErrProviderError
		if rErr.ErrorCode != "" {
			kind = classifyProviderErrorCode(rErr.ErrorCode)
		}
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		message := "token endpoint returned error"
		if rErr.ErrorCode != "" {
			message = "token endpoint returned " + rErr.ErrorCode
		}
		if status != 0 {
			return NewResultWithStatus(kind, message, err, status)
		}
		return NewResult(kind, message, err)
	}

	if isTimeoutError(err) {
		return NewResult(ErrProviderUnavailable, "token endpoint request timed out", err)
	}

	return NewResult(ErrProviderError, "token endpoint request failed", err)
}

// isTimeoutError reports whether err represents a request timeout, whether
// surfaced as a context deadline or as a net.Error marked Timeout().
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}

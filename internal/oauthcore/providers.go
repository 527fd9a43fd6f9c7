package oauthcore

import (
	"net/url"
	"strings"
)

// ProviderQuirks describes the per-provider authorization-request parameters
// that don't fit the generic OAuth shape (§9 "dynamic dispatch"). Rather than
// branching on provider slug throughout the controllers, each known provider
// carries its own quirks descriptor and BuildAuthorizationURL applies it
// uniformly.
type ProviderQuirks struct {
	// AdditionalAuthParams are merged into the authorization request's query
	// string, e.g. Google's access_type/prompt or Dropbox's token_access_type.
	AdditionalAuthParams map[string]string

	// StripScopes, if set, is called to drop scopes the provider rejects
	// outright (e.g. Google rejects "offline_access").
	StripScopes func(scopes []string) []string

	// EnsureScopes, if set, is called to add scopes the provider requires for
	// refresh-token issuance when not already present.
	EnsureScopes func(scopes []string) []string
}

// knownQuirks maps a provider slug to its quirks descriptor. Providers not
// present here get the zero value: no additional params, no scope rewriting.
var knownQuirks = map[string]ProviderQuirks{
	"google": {
		AdditionalAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		StripScopes: dropScope("offline_access"),
	},
	"google_drive": {
		AdditionalAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		StripScopes: dropScope("offline_access"),
	},
	"dropbox": {
		AdditionalAuthParams: map[string]string{
			"token_access_type": "offline",
		},
	},
	"microsoft": {
		EnsureScopes: ensureScope("offline_access"),
	},
	"jira": {
		AdditionalAuthParams: map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		},
	},
}

// quirksFor returns the quirks descriptor for a provider slug, or the zero
// value if the provider has no registered quirks.
func quirksFor(slug string) ProviderQuirks {
	return knownQuirks[strings.ToLower(slug)]
}

func dropScope(name string) func([]string) []string {
	return func(scopes []string) []string {
		out := make([]string, 0, len(scopes))
		for _, s := range scopes {
			if strings.EqualFold(s, name) {
				continue
			}
			out = append(out, s)
		}
		return out
	}
}

func ensureScope(name string) func([]string) []string {
	return func(scopes []string) []string {
		for _, s := range scopes {
			if strings.EqualFold(s, name) {
				return scopes
			}
		}
		return append(scopes, name)
	}
}

// applyQuirks mutates a query under construction for provider p: it adjusts
// the scope list per the provider's Strip/Ensure rules and merges the
// provider's additional authorization parameters.
func applyQuirks(p Provider, scopes []string, q url.Values) []string {
	quirks := quirksFor(p.Slug)
	if quirks.StripScopes != nil {
		scopes = quirks.StripScopes(scopes)
	}
	if quirks.EnsureScopes != nil {
		scopes = quirks.EnsureScopes(scopes)
	}
	for k, v := range quirks.AdditionalAuthParams {
		q.Set(k, v)
	}
	return scopes
}

// Package oauthcore implements the OAuth integration subsystem: validating
// provider callbacks under adversarial input, exchanging authorization
// codes (confidential-client and PKCE public-client flows), refreshing
// tokens, and the continuous security monitoring that guards this surface.
package oauthcore

import "time"

// IntegrationStatus is the lifecycle state of a Cloud Provider Integration.
type IntegrationStatus string

const (
	StatusIdle     IntegrationStatus = "idle"
	StatusActive   IntegrationStatus = "active"
	StatusExpired  IntegrationStatus = "expired"
	StatusRevoked  IntegrationStatus = "revoked"
	StatusError    IntegrationStatus = "error"
)

// FlowStatus is the lifecycle state of a Flow Context.
type FlowStatus string

const (
	FlowIdle      FlowStatus = "idle"
	FlowPending   FlowStatus = "pending"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

// ChallengeMethod is the PKCE code_challenge_method.
type ChallengeMethod string

const (
	ChallengeS256  ChallengeMethod = "S256"
	ChallengePlain ChallengeMethod = "plain"
)

// Provider is the external, read-only-to-this-core Cloud Provider catalog
// entry. Provider management (creation, catalog curation) lives outside
// this subsystem; only OAuth metadata is consumed here.
type Provider struct {
	ID                  string
	Slug                string
	DisplayName         string
	AuthorizationURL    string
	TokenURL            string
	TokenEndpointMethod string // typically "POST"
	GrantType           string // "authorization_code"
	DefaultScopes       []string
	ClientID            string
	// EncryptedClientSecret is never emitted in any response (§3 invariant).
	EncryptedClientSecret []byte
	// RequiresPKCE marks public-client providers that have no client secret
	// and must use the PKCE flow instead of HTTP Basic confidential auth.
	RequiresPKCE bool
	// IsActive gates whether new flows may be initiated or continued against
	// this provider (§4.1 PROVIDER_DISABLED).
	IsActive bool
}

// PKCEContext holds the PKCE material for a public-client flow. Present
// only when the provider requires PKCE.
type PKCEContext struct {
	// VerifierEncrypted is the code verifier, encrypted at rest.
	VerifierEncrypted []byte
	Challenge         string
	Method            ChallengeMethod
}

// FlowContext is set at initiation and cleared at success/reset (§3).
type FlowContext struct {
	FlowID    string
	Nonce     string
	StateHash string
	PKCE      *PKCEContext
	Status    FlowStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Integration is the core's primary aggregate: a tenant's connection to a
// Cloud Provider.
type Integration struct {
	ID         string
	TenantID   string
	ProviderID string

	AccessToken  string // secret; encrypted at rest, redacted in responses
	RefreshToken string // secret; optional, encrypted at rest, redacted in responses
	ExpiresAt    *time.Time
	Scopes       []string

	Status IntegrationStatus

	PKCE *PKCEContext
	Flow *FlowContext

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// IsActive reports whether tokens are present and not known-expired.
func (i *Integration) IsActive() bool {
	if i.Status != StatusActive || i.AccessToken == "" {
		return false
	}
	if i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt) {
		return false
	}
	return true
}

// Redacted returns a copy of the integration with token/PKCE secrets
// stripped, safe to serialize in an API response.
func (i *Integration) Redacted() Integration {
	r := *i
	r.AccessToken = ""
	r.RefreshToken = ""
	if i.PKCE != nil {
		redactedPKCE := *i.PKCE
		redactedPKCE.VerifierEncrypted = nil
		r.PKCE = &redactedPKCE
	}
	if i.Flow != nil {
		redactedFlow := *i.Flow
		if redactedFlow.PKCE != nil {
			p := *redactedFlow.PKCE
			p.VerifierEncrypted = nil
			redactedFlow.PKCE = &p
		}
		r.Flow = &redactedFlow
	}
	return r
}

// StateParameter is the decoded, authenticity-verified content of the OAuth
// state query parameter (§3).
type StateParameter struct {
	TenantID      string
	IntegrationID string
	UserID        string
	Timestamp     int64 // ms since epoch
	Nonce         string
}

// CallbackAttempt is an append-only, bounded-retention monitoring record
// (§3, §4.7).
type CallbackAttempt struct {
	Timestamp       time.Time
	IP              string
	UserAgent       string
	Success         bool
	ErrorCode       string
	TenantID        string
	IntegrationID   string
	UserID          string
	Provider        string
	SecurityIssues  []string
	Duplicate       bool // true for ALREADY_CONFIGURED outcomes (§9 open question)
}

// PatternKind enumerates the suspicious patterns C7 can detect (§3).
type PatternKind string

const (
	PatternHighFailureRate  PatternKind = "HIGH_FAILURE_RATE"
	PatternRapidAttempts    PatternKind = "RAPID_ATTEMPTS"
	PatternIPAbuse          PatternKind = "IP_ABUSE"
	PatternStateManipulation PatternKind = "STATE_MANIPULATION"
	PatternReplayAttack     PatternKind = "REPLAY_ATTACK"
)

// Severity is the severity band of a SuspiciousPattern or SecurityAlert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SuspiciousPattern is derived from the attempt stream (§3).
type SuspiciousPattern struct {
	ID          string
	Kind        PatternKind
	Severity    Severity
	Description string
	Evidence    map[string]any
	Source      string // e.g. an IP or (ip,userAgent) composite key
	DetectedAt  time.Time
}

// AlertStatus is the lifecycle status of a SecurityAlert.
type AlertStatus string

const (
	AlertActive        AlertStatus = "ACTIVE"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
)

// SecurityAlert aggregates one or more patterns (§3).
type SecurityAlert struct {
	ID                 string
	PatternIDs         []string
	Severity           Severity
	RecommendedActions []string
	Status             AlertStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

package oauthcore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// GeneratePKCEVerifier generates a cryptographically random code verifier
// per RFC 7636: base64url-encoded random bytes, which by construction use
// only the unreserved character set.
func GeneratePKCEVerifier() (string, error) {
	data := make([]byte, 64)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(data)
	if err := ValidateVerifier(verifier); err != nil {
		return "", fmt.Errorf("generated verifier failed validation: %w", err)
	}
	return verifier, nil
}

// ValidateVerifier validates a PKCE verifier's length and character set
// per RFC 7636 (§8 testable property 1 boundary: 42/43/128/129 chars).
func ValidateVerifier(verifier string) error {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return fmt.Errorf("invalid verifier length %d: must be between %d and %d", len(verifier), minVerifierLen, maxVerifierLen)
	}
	for _, c := range verifier {
		if !isUnreservedChar(c) {
			return fmt.Errorf("invalid character in verifier: %c", c)
		}
	}
	return nil
}

func isUnreservedChar(c rune) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// ChallengeFromVerifier computes the code_challenge for a verifier under
// the given method (§8 testable property 5:
// challenge = BASE64URL_NO_PAD(SHA256(verifier)) for S256).
func ChallengeFromVerifier(verifier string, method ChallengeMethod) (string, error) {
	switch method {
	case ChallengeS256:
		h := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(h[:]), nil
	case ChallengePlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported PKCE method: %s", method)
	}
}

// ValidatePKCEChallenge validates that a verifier matches a challenge under
// the declared method.
func ValidatePKCEChallenge(verifier, challenge string, method ChallengeMethod) bool {
	expected, err := ChallengeFromVerifier(verifier, method)
	if err != nil {
		return false
	}
	return expected == challenge
}

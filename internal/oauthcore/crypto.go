package oauthcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// encryptionKeyVersion is prefixed to every ciphertext so a future key
// rotation can be detected at decrypt time rather than failing silently.
const encryptionKeyVersion byte = 1

// Encryptor provides envelope encryption for tokens and PKCE verifiers at
// rest (§3: "EncryptedClientSecret", "VerifierEncrypted" are never stored or
// emitted in plaintext). Unlike the reference AESGCMEncryptor, which falls
// back to a bare SHA-256 of the raw key, this derives the AES key via HKDF
// so the root secret is never used directly as cipher key material.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 256-bit AES-GCM key from rootKey via HKDF-SHA256
// and returns an Encryptor. rootKey should be at least 32 bytes of entropy
// (the base64-decoded configuration value).
func NewEncryptor(rootKey []byte, info string) (*Encryptor, error) {
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("encryption root key must not be empty")
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, rootKey, nil, []byte(info))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext, prepending a key-version byte and the random
// nonce to the ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+e.aead.Overhead())
	out = append(out, encryptionKeyVersion)
	out = append(out, nonce...)
	out = e.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a value produced by Seal.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, fmt.Errorf("sealed value too short")
	}
	version, body := sealed[0], sealed[1:]
	if version != encryptionKeyVersion {
		return nil, fmt.Errorf("unsupported encryption key version %d", version)
	}

	nonceSize := e.aead.NonceSize()
	if len(body) < nonceSize {
		return nil, fmt.Errorf("sealed value too short for nonce")
	}
	nonce, ciphertext := body[:nonceSize], body[nonceSize:]

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// SealString is a convenience wrapper for string plaintext.
func (e *Encryptor) SealString(plaintext string) ([]byte, error) {
	return e.Seal([]byte(plaintext))
}

// OpenString is a convenience wrapper returning decrypted plaintext as a string.
func (e *Encryptor) OpenString(sealed []byte) (string, error) {
	pt, err := e.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Encryption HKDF info strings, namespacing derived keys by purpose so a
// single root key can securely serve more than one field type.
const (
	infoAccessToken  = "mwapoauth.access_token"
	infoRefreshToken = "mwapoauth.refresh_token"
	infoPKCEVerifier = "mwapoauth.pkce_verifier"
	infoClientSecret = "mwapoauth.client_secret"
)

// Encryptors bundles the purpose-namespaced Encryptors derived from one
// root key: access/refresh tokens and the PKCE verifier are sealed by C3 and
// C5 at rest, and the provider client secret is sealed by the provider
// catalog's management layer and opened here before a token exchange.
type Encryptors struct {
	AccessToken  *Encryptor
	RefreshToken *Encryptor
	PKCEVerifier *Encryptor
	ClientSecret *Encryptor
}

// NewEncryptors derives all four purpose-specific Encryptors from a single
// root key.
func NewEncryptors(rootKey []byte) (*Encryptors, error) {
	access, err := NewEncryptor(rootKey, infoAccessToken)
	if err != nil {
		return nil, fmt.Errorf("deriving access token encryptor: %w", err)
	}
	refresh, err := NewEncryptor(rootKey, infoRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("deriving refresh token encryptor: %w", err)
	}
	pkce, err := NewEncryptor(rootKey, infoPKCEVerifier)
	if err != nil {
		return nil, fmt.Errorf("deriving pkce verifier encryptor: %w", err)
	}
	secret, err := NewEncryptor(rootKey, infoClientSecret)
	if err != nil {
		return nil, fmt.Errorf("deriving client secret encryptor: %w", err)
	}
	return &Encryptors{
		AccessToken:  access,
		RefreshToken: refresh,
		PKCEVerifier: pkce,
		ClientSecret: secret,
	}, nil
}

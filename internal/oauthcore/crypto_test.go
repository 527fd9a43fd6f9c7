package oauthcore

import "testing"

func rootKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptorSealOpenRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(rootKey(), "test.info")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := "a very secret access token"
	sealed, err := enc.SealString(plaintext)
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	if string(sealed) == plaintext {
		t.Error("sealed value equals plaintext")
	}

	got, err := enc.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("OpenString() = %q, want %q", got, plaintext)
	}
}

func TestEncryptorRejectsEmptyRootKey(t *testing.T) {
	if _, err := NewEncryptor(nil, "test.info"); err == nil {
		t.Error("NewEncryptor(nil) succeeded, want error")
	}
}

func TestEncryptorRejectsTruncatedSealedValue(t *testing.T) {
	enc, _ := NewEncryptor(rootKey(), "test.info")
	if _, err := enc.Open([]byte{}); err == nil {
		t.Error("Open([]byte{}) succeeded, want error")
	}
	if _, err := enc.Open([]byte{encryptionKeyVersion}); err == nil {
		t.Error("Open(version-byte-only) succeeded, want error")
	}
}

func TestEncryptorRejectsWrongKeyVersion(t *testing.T) {
	enc, _ := NewEncryptor(rootKey(), "test.info")
	sealed, err := enc.SealString("hello")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	sealed[0] = encryptionKeyVersion + 1

	if _, err := enc.Open(sealed); err == nil {
		t.Error("Open() with mismatched key version succeeded, want error")
	}
}

func TestNewEncryptorsDerivesIndependentNamespacedKeys(t *testing.T) {
	key := rootKey()
	encryptors, err := NewEncryptors(key)
	if err != nil {
		t.Fatalf("NewEncryptors() error = %v", err)
	}

	sealed, err := encryptors.AccessToken.SealString("access-token-value")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}

	if _, err := encryptors.RefreshToken.Open(sealed); err == nil {
		t.Error("RefreshToken encryptor opened a value sealed by AccessToken encryptor, want failure")
	}
	if _, err := encryptors.PKCEVerifier.Open(sealed); err == nil {
		t.Error("PKCEVerifier encryptor opened a value sealed by AccessToken encryptor, want failure")
	}
	if _, err := encryptors.ClientSecret.Open(sealed); err == nil {
		t.Error("ClientSecret encryptor opened a value sealed by AccessToken encryptor, want failure")
	}

	got, err := encryptors.AccessToken.OpenString(sealed)
	if err != nil {
		t.Fatalf("AccessToken.OpenString() error = %v", err)
	}
	if got != "access-token-value" {
		t.Errorf("AccessToken.OpenString() = %q, want %q", got, "access-token-value")
	}
}

func TestEncryptorSealProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	enc, _ := NewEncryptor(rootKey(), "test.info")

	a, err := enc.SealString("same plaintext")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	b, err := enc.SealString("same plaintext")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	if string(a) == string(b) {
		t.Error("two Seal() calls on identical plaintext produced identical ciphertext, nonce reuse?")
	}
}

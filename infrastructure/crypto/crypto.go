// Package crypto provides the cryptographic operations shared by the wallet
// engines: HKDF-SHA256 key derivation and ChaCha20-Poly1305 authenticated
// encryption. Key material handed out by this package must be zeroized by
// the caller when the owning session ends.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the AEAD IV size in bytes.
const NonceSize = chacha20poly1305.NonceSize

// KeySize is the AEAD key size in bytes.
const KeySize = chacha20poly1305.KeySize

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives keyLen bytes from secret using HKDF-SHA256. The info
// string provides domain separation; the same (secret, salt, info) triple
// always yields the same key.
func DeriveKey(secret, salt []byte, info string, keyLen int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: empty secret")
	}
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes generates cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// =============================================================================
// AEAD (ChaCha20-Poly1305)
// =============================================================================

// Seal encrypts plaintext under a 32-byte key with a fresh 12-byte nonce.
// Ciphertext and nonce are returned separately; persisted records store both.
func Seal(key, plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aead init: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("aead nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Open decrypts ciphertext produced by Seal. Authentication failure is an
// integrity error and must abort the calling operation.
func Open(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// =============================================================================
// Helpers
// =============================================================================

// Zeroize overwrites b in place. Sessions call this on PRF output, seeds and
// decrypted private keys before releasing them.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without leaking a timing signal.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// SHA256 returns the SHA-256 digest of the concatenation of the inputs.
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

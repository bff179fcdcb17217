package near

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const ed25519Prefix = "ed25519:"

// PublicKey is the Borsh wire form of a NEAR public key: a key-type tag
// followed by the raw key bytes. Only ed25519 (tag 0) is used here.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// Signature is the Borsh wire form of a transaction signature.
type Signature struct {
	KeyType uint8
	Data    [64]byte
}

// PublicKeyFromEd25519 wraps raw ed25519 public key bytes.
func PublicKeyFromEd25519(pub ed25519.PublicKey) (PublicKey, error) {
	var pk PublicKey
	if len(pub) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	copy(pk.Data[:], pub)
	return pk, nil
}

// String renders the key in the ed25519:<base58> display encoding.
func (pk PublicKey) String() string {
	return ed25519Prefix + base58.Encode(pk.Data[:])
}

// Ed25519 returns the raw key bytes.
func (pk PublicKey) Ed25519() ed25519.PublicKey {
	out := make([]byte, ed25519.PublicKeySize)
	copy(out, pk.Data[:])
	return out
}

// ParsePublicKey parses an ed25519:<base58> public key string.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if !strings.HasPrefix(s, ed25519Prefix) {
		return pk, fmt.Errorf("unsupported key type in %q", s)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return pk, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	copy(pk.Data[:], raw)
	return pk, nil
}

// KeyPair holds an ed25519 signing key in NEAR's conventions: the secret is
// the 64-byte expanded form (seed || public key).
type KeyPair struct {
	PublicKey  PublicKey
	PrivateKey ed25519.PrivateKey
}

// KeyPairFromSeed derives a keypair from a 32-byte seed. The seed is the
// value the signer engine derives from PRF output.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pk, err := PublicKeyFromEd25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pk, PrivateKey: priv}, nil
}

// ParsePrivateKey parses an ed25519:<base58> secret key string (64-byte
// expanded form).
func ParsePrivateKey(s string) (KeyPair, error) {
	if !strings.HasPrefix(s, ed25519Prefix) {
		return KeyPair{}, fmt.Errorf("unsupported key type")
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pk, err := PublicKeyFromEd25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pk, PrivateKey: priv}, nil
}

// PrivateKeyString renders the secret key in the ed25519:<base58> encoding.
func (kp KeyPair) PrivateKeyString() string {
	return ed25519Prefix + base58.Encode(kp.PrivateKey)
}

// Sign signs a 32-byte digest (or any message) with the keypair.
func (kp KeyPair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig.Data[:], ed25519.Sign(kp.PrivateKey, message))
	return sig
}

package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"
)

// nep413Prefix is the NEP-461 signable-message discriminant for off-chain
// messages: 2^31 + 413. The 2^31 bit guarantees the payload can never be a
// valid on-chain transaction.
const nep413Prefix uint32 = (1 << 31) + 413

// NEP413Payload is the Borsh payload for "Sign Message" requests.
type NEP413Payload struct {
	Message     string
	Nonce       [32]byte
	Recipient   string
	CallbackURL *string
}

// SigningDigest returns the SHA-256 digest of the prefixed Borsh encoding.
func (p *NEP413Payload) SigningDigest() ([32]byte, error) {
	raw, err := borsh.Serialize(*p)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize nep413 payload: %w", err)
	}
	prefixed := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(prefixed, nep413Prefix)
	copy(prefixed[4:], raw)
	return sha256.Sum256(prefixed), nil
}

// SignNEP413 signs an off-chain message, returning the raw 64-byte signature.
func SignNEP413(kp KeyPair, payload *NEP413Payload) ([]byte, error) {
	digest, err := payload.SigningDigest()
	if err != nil {
		return nil, err
	}
	sig := kp.Sign(digest[:])
	return sig.Data[:], nil
}

// VerifyNEP413 verifies a NEP-413 signature against a public key.
func VerifyNEP413(pk PublicKey, payload *NEP413Payload, signature []byte) (bool, error) {
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	digest, err := payload.SigningDigest()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pk.Ed25519(), digest[:], signature), nil
}

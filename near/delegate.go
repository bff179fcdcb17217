package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"
)

// delegateActionPrefix is the NEP-461 signable-message discriminant for
// delegate actions: 2^30 + 366.
const delegateActionPrefix uint32 = (1 << 30) + 366

// DelegateAction is the NEP-366 meta-transaction payload: actions the sender
// authorizes a relayer to submit on its behalf.
type DelegateAction struct {
	SenderID       string
	ReceiverID     string
	Actions        []Action
	Nonce          uint64
	MaxBlockHeight uint64
	PublicKey      PublicKey
}

// SignedDelegateAction pairs a delegate action with the sender's signature.
type SignedDelegateAction struct {
	DelegateAction DelegateAction
	Signature      Signature
}

// SigningDigest returns the SHA-256 digest of the prefixed Borsh encoding.
func (d *DelegateAction) SigningDigest() ([32]byte, error) {
	raw, err := borsh.Serialize(*d)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize delegate action: %w", err)
	}
	prefixed := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(prefixed, delegateActionPrefix)
	copy(prefixed[4:], raw)
	return sha256.Sum256(prefixed), nil
}

// Sign signs the delegate action with the sender's keypair.
func (d *DelegateAction) Sign(kp KeyPair) (*SignedDelegateAction, error) {
	if kp.PublicKey != d.PublicKey {
		return nil, fmt.Errorf("signing key does not match delegate action public key")
	}
	digest, err := d.SigningDigest()
	if err != nil {
		return nil, err
	}
	return &SignedDelegateAction{
		DelegateAction: *d,
		Signature:      kp.Sign(digest[:]),
	}, nil
}

// Verify checks the sender signature on a signed delegate action.
func (sd *SignedDelegateAction) Verify() (bool, error) {
	digest, err := sd.DelegateAction.SigningDigest()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(sd.DelegateAction.PublicKey.Ed25519(), digest[:], sd.Signature.Data[:]), nil
}

// Serialize returns the Borsh encoding of the signed delegate action.
func (sd *SignedDelegateAction) Serialize() ([]byte, error) {
	raw, err := borsh.Serialize(*sd)
	if err != nil {
		return nil, fmt.Errorf("serialize signed delegate: %w", err)
	}
	return raw, nil
}

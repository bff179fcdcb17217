// Package shamir implements the commutative-encryption protocol that lets
// the relay cooperate in unlocking the VRF key without seeing the plaintext
// key, the key-encryption key, or the PRF. Locks are modular exponentiations
// over the shared safe prime in infrastructure/group; commutativity of
// exponentiation gives Enc_B(Enc_A(K)) == Enc_A(Enc_B(K)).
package shamir

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/group"
)

// kekInfo domain-separates the AEAD key derived from the group element K.
const kekInfo = "w3a/shamir/kek/v1"

// ServerEncryptedVRFKeypair is the persisted server-locked blob. The AEAD
// nonce is carried inside CiphertextVrf (nonce || ciphertext), the KEK is
// stored only in its server-locked form.
type ServerEncryptedVRFKeypair struct {
	CiphertextVrfB64u string `json:"ciphertextVrf"`
	KekSB64u          string `json:"kek_s"`
	ServerKeyID       string `json:"serverKeyId"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// KeyInfo is the relay's advertised key material state.
type KeyInfo struct {
	CurrentKeyID string   `json:"currentKeyId"`
	PB64u        string   `json:"p_b64u"`
	GraceKeyIDs  []string `json:"graceKeyIds"`
}

// kekKey derives the 32-byte AEAD key from the group element K.
func kekKey(k *big.Int) ([]byte, error) {
	return crypto.DeriveKey(k.FillBytes(make([]byte, 256)), nil, kekInfo, crypto.KeySize)
}

// sealSeed encrypts the VRF seed under K and packs nonce || ciphertext.
func sealSeed(k *big.Int, seed []byte) (string, error) {
	key, err := kekKey(k)
	if err != nil {
		return "", err
	}
	defer crypto.Zeroize(key)
	ciphertext, nonce, err := crypto.Seal(key, seed, nil)
	if err != nil {
		return "", err
	}
	packed := append(nonce, ciphertext...)
	return base64.RawURLEncoding.EncodeToString(packed), nil
}

// openSeed reverses sealSeed.
func openSeed(k *big.Int, packedB64u string) ([]byte, error) {
	packed, err := base64.RawURLEncoding.DecodeString(packedB64u)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(packed) < crypto.NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	key, err := kekKey(k)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)
	return crypto.Open(key, packed[crypto.NonceSize:], packed[:crypto.NonceSize], nil)
}

// =============================================================================
// Server-side lock math (exercised by the relay)
// =============================================================================

// ServerKey is one relay lock exponent pair. KeyID is the sha256 of the
// base64url form of the lock exponent, itself base64url-encoded.
type ServerKey struct {
	E     *big.Int
	D     *big.Int
	KeyID string
}

// NewServerKey samples a fresh relay lock keypair.
func NewServerKey() (*ServerKey, error) {
	e, err := group.RandomExponent()
	if err != nil {
		return nil, err
	}
	d, err := group.InverseExponent(e)
	if err != nil {
		return nil, err
	}
	return &ServerKey{E: e, D: d, KeyID: KeyIDFor(e)}, nil
}

// KeyIDFor computes the key id of a lock exponent.
func KeyIDFor(e *big.Int) string {
	digest := crypto.SHA256([]byte(group.Encode(e)))
	return base64.RawURLEncoding.EncodeToString(digest)
}

// ApplyLock raises a client-locked KEK to the server exponent.
func (k *ServerKey) ApplyLock(kekC *big.Int) *big.Int {
	return group.ModExp(kekC, k.E)
}

// RemoveLock strips the server lock from a blinded KEK.
func (k *ServerKey) RemoveLock(kekSt *big.Int) *big.Int {
	return group.ModExp(kekSt, k.D)
}

// KeyRing holds the active server key plus grace keys retained across a
// rotation window. Grace keys may only remove locks, never apply them.
type KeyRing struct {
	Current *ServerKey
	Grace   []*ServerKey
}

// NewKeyRing creates a ring with a fresh active key.
func NewKeyRing() (*KeyRing, error) {
	current, err := NewServerKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{Current: current}, nil
}

// Rotate replaces the active key, demoting it to the grace list, keeping at
// most maxGrace grace keys.
func (r *KeyRing) Rotate(maxGrace int) error {
	next, err := NewServerKey()
	if err != nil {
		return err
	}
	r.Grace = append([]*ServerKey{r.Current}, r.Grace...)
	if maxGrace >= 0 && len(r.Grace) > maxGrace {
		r.Grace = r.Grace[:maxGrace]
	}
	r.Current = next
	return nil
}

// Lookup finds a key by id among the active key and grace keys.
func (r *KeyRing) Lookup(keyID string) (key *ServerKey, grace bool, ok bool) {
	if r.Current != nil && r.Current.KeyID == keyID {
		return r.Current, false, true
	}
	for _, g := range r.Grace {
		if g.KeyID == keyID {
			return g, true, true
		}
	}
	return nil, false, false
}

// GraceKeyIDs lists the grace key ids for /shamir/key-info.
func (r *KeyRing) GraceKeyIDs() []string {
	ids := make([]string, 0, len(r.Grace))
	for _, g := range r.Grace {
		ids = append(ids, g.KeyID)
	}
	return ids
}

// =============================================================================
// Client engine
// =============================================================================

// Relay is the subset of the relay server the client engine talks to.
type Relay interface {
	ApplyServerLock(kekCB64u string) (kekCsB64u, keyID string, err error)
	RemoveServerLock(kekStB64u, keyID string) (kekTB64u string, err error)
	KeyInfo() (*KeyInfo, error)
}

// Client runs the wallet side of the 3-pass protocol.
type Client struct {
	relay Relay
	now   func() time.Time
}

// NewClient creates a client engine over a relay transport.
func NewClient(relay Relay) *Client {
	return &Client{relay: relay, now: time.Now}
}

// WrapSeed performs the registration wrap: encrypt the VRF seed under a
// random KEK, have the relay lock the KEK, and strip the client lock so the
// persisted KEK is locked by the server alone.
func (c *Client) WrapSeed(seed []byte) (*ServerEncryptedVRFKeypair, error) {
	kek, err := group.RandomElement()
	if err != nil {
		return nil, errors.KDFFailed(err)
	}
	ciphertextVrf, err := sealSeed(kek, seed)
	if err != nil {
		return nil, errors.AEADFailed(err)
	}

	ec, err := group.RandomExponent()
	if err != nil {
		return nil, errors.KDFFailed(err)
	}
	dc, err := group.InverseExponent(ec)
	if err != nil {
		return nil, errors.KDFFailed(err)
	}

	kekC := group.ModExp(kek, ec)
	kekCsB64u, keyID, err := c.relay.ApplyServerLock(group.Encode(kekC))
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		return nil, errors.ProtocolMismatch("apply-server-lock response missing keyId")
	}
	kekCs, err := group.Decode(kekCsB64u)
	if err != nil {
		return nil, errors.ProtocolMismatch("apply-server-lock returned malformed element")
	}

	kekS := group.ModExp(kekCs, dc)
	return &ServerEncryptedVRFKeypair{
		CiphertextVrfB64u: ciphertextVrf,
		KekSB64u:          group.Encode(kekS),
		ServerKeyID:       keyID,
		UpdatedAt:         c.now().Unix(),
	}, nil
}

// UnwrapSeed performs the login unlock: blind the stored server-locked KEK
// with a one-time exponent, have the relay strip its lock, unblind, decrypt.
func (c *Client) UnwrapSeed(blob *ServerEncryptedVRFKeypair) ([]byte, error) {
	if blob == nil || blob.ServerKeyID == "" {
		return nil, errors.ProtocolMismatch("server-encrypted blob missing serverKeyId")
	}
	kekS, err := group.Decode(blob.KekSB64u)
	if err != nil {
		return nil, errors.ProtocolMismatch("stored kek_s is malformed")
	}

	et, err := group.RandomExponent()
	if err != nil {
		return nil, errors.KDFFailed(err)
	}
	dt, err := group.InverseExponent(et)
	if err != nil {
		return nil, errors.KDFFailed(err)
	}

	kekSt := group.ModExp(kekS, et)
	kekTB64u, err := c.relay.RemoveServerLock(group.Encode(kekSt), blob.ServerKeyID)
	if err != nil {
		return nil, err
	}
	kekT, err := group.Decode(kekTB64u)
	if err != nil {
		return nil, errors.ProtocolMismatch("remove-server-lock returned malformed element")
	}

	kek := group.ModExp(kekT, dt)
	seed, err := openSeed(kek, blob.CiphertextVrfB64u)
	if err != nil {
		return nil, errors.AEADFailed(err)
	}
	return seed, nil
}

// VerifyPrime checks the relay's advertised modulus against the compiled-in
// prime. A mismatch is fatal; the engines refuse to run rather than silently
// prefer one side.
func (c *Client) VerifyPrime() error {
	info, err := c.relay.KeyInfo()
	if err != nil {
		return err
	}
	if info.PB64u != group.PrimeB64u() {
		return errors.ProtocolMismatch("relay prime does not match compiled-in prime")
	}
	return nil
}

// MaybeProactiveRefresh re-wraps the in-memory VRF seed under the relay's
// current key when the stored blob references a rotated-out key. Returns the
// replacement blob, or nil when no write is needed.
func (c *Client) MaybeProactiveRefresh(seed []byte, blob *ServerEncryptedVRFKeypair) (*ServerEncryptedVRFKeypair, error) {
	info, err := c.relay.KeyInfo()
	if err != nil {
		return nil, err
	}
	if blob != nil && blob.ServerKeyID == info.CurrentKeyID {
		return nil, nil
	}
	return c.WrapSeed(seed)
}

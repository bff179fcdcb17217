package vrf

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/shamir"
)

const (
	// AlgorithmChaCha20Poly1305 names the AEAD used to wrap VRF seeds.
	AlgorithmChaCha20Poly1305 = "chacha20poly1305"
	// KDFHKDFSHA256 names the PRF-to-key derivation.
	KDFHKDFSHA256 = "hkdf-sha256"

	seedInfoPrefix = "w3a/vrf/v1/"
	aeadInfoPrefix = "w3a/vrf/aead/v1/"
	challengeDomain = "w3a/vrf/challenge/v1"
)

// EncryptedVRFKeypair is the PRF-wrapped form persisted client-side.
type EncryptedVRFKeypair struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
}

// ChallengeInput carries the chain context a challenge is anchored to.
type ChallengeInput struct {
	UserID      string
	RpID        string
	BlockHeight uint64
	BlockHash   []byte
}

// Challenge is the produced VRF challenge; its output doubles as the
// WebAuthn challenge and its proof is verifiable on-chain.
type Challenge struct {
	VRFInput     string `json:"vrfInput"`
	VRFOutput    string `json:"vrfOutput"`
	VRFProof     string `json:"vrfProof"`
	VRFPublicKey string `json:"vrfPublicKey"`
	UserID       string `json:"userId"`
	RpID         string `json:"rpId"`
	BlockHeight  uint64 `json:"blockHeight"`
	BlockHash    string `json:"blockHash"`
}

// DerivedKeypair is the result of a PRF derivation.
type DerivedKeypair struct {
	VRFPublicKey    string
	Encrypted       *EncryptedVRFKeypair
	ServerEncrypted *shamir.ServerEncryptedVRFKeypair
}

// Status reports the in-memory session state.
type Status struct {
	Active            bool   `json:"active"`
	AccountID         string `json:"accountId"`
	SessionDurationMs int64  `json:"sessionDurationMs"`
}

type session struct {
	accountID  string
	keypair    *Keypair
	unlockedAt time.Time
	bootstrap  bool
}

// Engine owns decrypted VRF material. Plaintext keys never cross its
// boundary; challenges and wrapped blobs are the only outputs.
type Engine struct {
	mu           sync.Mutex
	log          *logging.Logger
	shamirClient *shamir.Client
	now          func() time.Time
	session      *session
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithShamir enables server-assisted key wrapping through the relay.
func WithShamir(client *shamir.Client) EngineOption {
	return func(e *Engine) { e.shamirClient = client }
}

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a VRF engine.
func NewEngine(log *logging.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	e := &Engine{log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// deriveSeedAndWrapKey expands the PRF output into the deterministic VRF
// seed and the AEAD wrap key. Both are bound to the account id.
func deriveSeedAndWrapKey(prfOutput []byte, accountID string) (seed, wrapKey []byte, err error) {
	seed, err = crypto.DeriveKey(prfOutput, nil, seedInfoPrefix+accountID, 32)
	if err != nil {
		return nil, nil, err
	}
	wrapKey, err = crypto.DeriveKey(prfOutput, nil, aeadInfoPrefix+accountID, crypto.KeySize)
	if err != nil {
		crypto.Zeroize(seed)
		return nil, nil, err
	}
	return seed, wrapKey, nil
}

// DeriveKeypairFromPRF deterministically derives the account's VRF keypair
// from PRF output, wraps it for persistence, and optionally installs it as
// the active session and produces the server-locked blob.
func (e *Engine) DeriveKeypairFromPRF(prfOutput []byte, accountID string, saveInMemory bool) (*DerivedKeypair, error) {
	seed, wrapKey, err := deriveSeedAndWrapKey(prfOutput, accountID)
	if err != nil {
		return nil, errors.KDFFailed(err)
	}
	defer crypto.Zeroize(wrapKey)

	kp, err := KeypairFromSeed(seed)
	if err != nil {
		crypto.Zeroize(seed)
		return nil, errors.KDFFailed(err)
	}

	ciphertext, nonce, err := crypto.Seal(wrapKey, seed, []byte(accountID))
	if err != nil {
		crypto.Zeroize(seed)
		kp.Zeroize()
		return nil, errors.AEADFailed(err)
	}

	result := &DerivedKeypair{
		VRFPublicKey: b64u(kp.PublicKey),
		Encrypted: &EncryptedVRFKeypair{
			Ciphertext: b64u(ciphertext),
			Nonce:      b64u(nonce),
			Algorithm:  AlgorithmChaCha20Poly1305,
			KDF:        KDFHKDFSHA256,
		},
	}

	if e.shamirClient != nil {
		blob, err := e.shamirClient.WrapSeed(seed)
		if err != nil {
			crypto.Zeroize(seed)
			kp.Zeroize()
			return nil, err
		}
		result.ServerEncrypted = blob
	}

	if saveInMemory {
		e.install(accountID, kp, false)
	} else {
		kp.Zeroize()
	}
	crypto.Zeroize(seed)
	return result, nil
}

// Unlock decrypts a PRF-wrapped keypair and installs it as the session.
func (e *Engine) Unlock(accountID string, enc *EncryptedVRFKeypair, prfOutput []byte) error {
	if enc == nil {
		return errors.MissingParameter("encryptedVrfKeypair")
	}
	wrapKey, err := crypto.DeriveKey(prfOutput, nil, aeadInfoPrefix+accountID, crypto.KeySize)
	if err != nil {
		return errors.KDFFailed(err)
	}
	defer crypto.Zeroize(wrapKey)

	ciphertext, err := base64.RawURLEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return errors.AEADFailed(err)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return errors.AEADFailed(err)
	}

	seed, err := crypto.Open(wrapKey, ciphertext, nonce, []byte(accountID))
	if err != nil {
		return errors.AEADFailed(err)
	}
	kp, err := KeypairFromSeed(seed)
	crypto.Zeroize(seed)
	if err != nil {
		return errors.KDFFailed(err)
	}
	e.install(accountID, kp, false)
	return nil
}

// UnlockWithShamir installs a session from the server-locked blob without
// touching the authenticator (silent login). After a successful unlock the
// engine performs the proactive refresh check and returns a replacement
// blob when the relay has rotated its key.
func (e *Engine) UnlockWithShamir(accountID string, blob *shamir.ServerEncryptedVRFKeypair) (*shamir.ServerEncryptedVRFKeypair, error) {
	if e.shamirClient == nil {
		return nil, errors.Internal("shamir client not configured", nil)
	}
	seed, err := e.shamirClient.UnwrapSeed(blob)
	if err != nil {
		return nil, err
	}
	kp, err := KeypairFromSeed(seed)
	if err != nil {
		crypto.Zeroize(seed)
		return nil, errors.KDFFailed(err)
	}
	e.install(accountID, kp, false)

	refreshed, err := e.shamirClient.MaybeProactiveRefresh(seed, blob)
	crypto.Zeroize(seed)
	if err != nil {
		// The session is live; a failed refresh is logged, not fatal.
		e.log.WithAccount(accountID).WithError(err).Warn("Proactive Shamir refresh failed")
		return nil, nil
	}
	return refreshed, nil
}

// GenerateBootstrapKeypair creates a random keypair held in memory for the
// registration chicken-and-egg: a challenge is needed before any PRF output
// exists. The keypair stays until the PRF wrap replaces it.
func (e *Engine) GenerateBootstrapKeypair(input ChallengeInput, saveInMemory bool) (*Challenge, string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, "", errors.KDFFailed(err)
	}
	kp, err := KeypairFromSeed(seed)
	crypto.Zeroize(seed)
	if err != nil {
		return nil, "", errors.KDFFailed(err)
	}
	publicKey := b64u(kp.PublicKey)

	challenge, err := produceChallenge(kp, input)
	if err != nil {
		kp.Zeroize()
		return nil, "", err
	}
	if saveInMemory {
		e.install(input.UserID, kp, true)
	} else {
		kp.Zeroize()
	}
	return challenge, publicKey, nil
}

// GenerateChallenge produces a chain-anchored challenge from the active
// session. No user activation is required.
func (e *Engine) GenerateChallenge(input ChallengeInput) (*Challenge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.SessionInactive()
	}
	if e.session.accountID != input.UserID {
		return nil, errors.AccountMismatch(e.session.accountID, input.UserID)
	}
	return produceChallenge(e.session.keypair, input)
}

func produceChallenge(kp *Keypair, input ChallengeInput) (*Challenge, error) {
	heightLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightLE, input.BlockHeight)
	alpha := crypto.SHA256(
		[]byte(challengeDomain),
		[]byte(input.UserID),
		[]byte(input.RpID),
		heightLE,
		input.BlockHash,
	)

	pi, beta, err := kp.Prove(alpha)
	if err != nil {
		return nil, errors.Internal("vrf prove", err)
	}
	return &Challenge{
		VRFInput:     b64u(alpha),
		VRFOutput:    b64u(beta),
		VRFProof:     b64u(pi),
		VRFPublicKey: b64u(kp.PublicKey),
		UserID:       input.UserID,
		RpID:         input.RpID,
		BlockHeight:  input.BlockHeight,
		BlockHash:    b64u(input.BlockHash),
	}, nil
}

// SessionSeed hands the active session's seed to fn without letting it
// escape the engine. Used by the confirmation flow for Shamir re-wraps.
func (e *Engine) SessionSeed(accountID string, fn func(seed []byte) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return errors.SessionInactive()
	}
	if e.session.accountID != accountID {
		return errors.AccountMismatch(e.session.accountID, accountID)
	}
	return fn(e.session.keypair.Seed())
}

// CheckStatus reports whether a session is active and for which account.
func (e *Engine) CheckStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Status{}
	}
	return Status{
		Active:            true,
		AccountID:         e.session.accountID,
		SessionDurationMs: e.now().Sub(e.session.unlockedAt).Milliseconds(),
	}
}

// ClearSession zeroizes the keypair and drops the session.
func (e *Engine) ClearSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	if e.session != nil {
		e.session.keypair.Zeroize()
		e.session = nil
	}
}

func (e *Engine) install(accountID string, kp *Keypair, bootstrap bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
	e.session = &session{
		accountID:  accountID,
		keypair:    kp,
		unlockedAt: e.now(),
		bootstrap:  bootstrap,
	}
	e.log.WithAccount(accountID).WithFields(map[string]interface{}{
		"bootstrap": bootstrap,
	}).Debug("VRF session installed")
}

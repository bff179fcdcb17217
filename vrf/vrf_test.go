package vrf

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

func TestProveVerifyRoundTrip(t *testing.T) {
	kp, err := KeypairFromSeed(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("KeypairFromSeed() error = %v", err)
	}
	alpha := []byte("test input alpha")

	pi, beta, err := kp.Prove(alpha)
	if err != nil {
		t.Fatalf("Prove() error = %v", err)
	}
	if len(pi) != ProofSize {
		t.Fatalf("proof length = %d, want %d", len(pi), ProofSize)
	}
	if len(beta) != OutputSize {
		t.Fatalf("output length = %d, want %d", len(beta), OutputSize)
	}

	got, ok := Verify(kp.PublicKey, alpha, pi)
	if !ok {
		t.Fatal("Verify() = false, want true")
	}
	if !bytes.Equal(got, beta) {
		t.Error("verified output differs from prover output")
	}
}

func TestProveDeterministic(t *testing.T) {
	kp1, _ := KeypairFromSeed(bytes.Repeat([]byte{2}, 32))
	kp2, _ := KeypairFromSeed(bytes.Repeat([]byte{2}, 32))
	alpha := []byte("same input")

	pi1, beta1, _ := kp1.Prove(alpha)
	pi2, beta2, _ := kp2.Prove(alpha)
	if !bytes.Equal(pi1, pi2) || !bytes.Equal(beta1, beta2) {
		t.Error("same key and input must produce identical proof and output")
	}

	_, beta3, _ := kp1.Prove([]byte("different input"))
	if bytes.Equal(beta1, beta3) {
		t.Error("different inputs must produce different outputs")
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	kp, _ := KeypairFromSeed(bytes.Repeat([]byte{3}, 32))
	other, _ := KeypairFromSeed(bytes.Repeat([]byte{4}, 32))
	alpha := []byte("alpha")

	pi, _, _ := kp.Prove(alpha)

	if _, ok := Verify(kp.PublicKey, []byte("other alpha"), pi); ok {
		t.Error("proof must not verify for a different input")
	}
	if _, ok := Verify(other.PublicKey, alpha, pi); ok {
		t.Error("proof must not verify for a different key")
	}

	mutated := append([]byte{}, pi...)
	mutated[40] ^= 0x01
	if _, ok := Verify(kp.PublicKey, alpha, mutated); ok {
		t.Error("mutated proof must not verify")
	}
	if _, ok := Verify(kp.PublicKey, alpha, pi[:79]); ok {
		t.Error("short proof must not verify")
	}
}

func TestEngineDeriveAndUnlock(t *testing.T) {
	engine := NewEngine(nil)
	prf := bytes.Repeat([]byte{7}, 32)

	derived, err := engine.DeriveKeypairFromPRF(prf, "alice.testnet", true)
	if err != nil {
		t.Fatalf("DeriveKeypairFromPRF() error = %v", err)
	}
	if derived.Encrypted.Algorithm != AlgorithmChaCha20Poly1305 {
		t.Errorf("algorithm = %q", derived.Encrypted.Algorithm)
	}

	status := engine.CheckStatus()
	if !status.Active || status.AccountID != "alice.testnet" {
		t.Fatalf("status = %+v", status)
	}

	// Same PRF re-derives the same public key.
	again, _ := engine.DeriveKeypairFromPRF(prf, "alice.testnet", false)
	if again.VRFPublicKey != derived.VRFPublicKey {
		t.Error("derivation must be deterministic per (prf, account)")
	}

	// Different account separates the key space.
	other, _ := engine.DeriveKeypairFromPRF(prf, "bob.testnet", false)
	if other.VRFPublicKey == derived.VRFPublicKey {
		t.Error("different accounts must derive different keys")
	}

	// Fresh engine: unlock from the encrypted blob restores the session.
	engine2 := NewEngine(nil)
	if err := engine2.Unlock("alice.testnet", derived.Encrypted, prf); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	challenge, err := engine2.GenerateChallenge(ChallengeInput{
		UserID:      "alice.testnet",
		RpID:        "wallet.example",
		BlockHeight: 1000,
		BlockHash:   bytes.Repeat([]byte{9}, 32),
	})
	if err != nil {
		t.Fatalf("GenerateChallenge() error = %v", err)
	}
	if challenge.VRFPublicKey != derived.VRFPublicKey {
		t.Error("unlocked session key mismatch")
	}
}

func TestUnlockWrongPRF(t *testing.T) {
	engine := NewEngine(nil)
	derived, _ := engine.DeriveKeypairFromPRF(bytes.Repeat([]byte{7}, 32), "alice.testnet", false)

	err := engine.Unlock("alice.testnet", derived.Encrypted, bytes.Repeat([]byte{8}, 32))
	if err == nil {
		t.Fatal("expected AEAD failure with wrong PRF")
	}
	if !errors.IsCode(err, errors.ErrCodeAEADFailed) {
		t.Errorf("error code = %v", errors.CodeOf(err))
	}
}

func TestUnlockWrongAccountBinding(t *testing.T) {
	engine := NewEngine(nil)
	prf := bytes.Repeat([]byte{7}, 32)
	derived, _ := engine.DeriveKeypairFromPRF(prf, "alice.testnet", false)

	// The AEAD is bound to the account id; a different account cannot open it.
	if err := engine.Unlock("mallory.testnet", derived.Encrypted, prf); err == nil {
		t.Fatal("expected failure when unlocking under a different account")
	}
}

func TestGenerateChallengeRequiresSession(t *testing.T) {
	engine := NewEngine(nil)
	_, err := engine.GenerateChallenge(ChallengeInput{UserID: "alice.testnet"})
	if !errors.IsCode(err, errors.ErrCodeSessionInactive) {
		t.Errorf("error code = %v, want session inactive", errors.CodeOf(err))
	}
}

func TestGenerateChallengeAccountMismatch(t *testing.T) {
	engine := NewEngine(nil)
	engine.DeriveKeypairFromPRF(bytes.Repeat([]byte{7}, 32), "alice.testnet", true)

	_, err := engine.GenerateChallenge(ChallengeInput{UserID: "bob.testnet"})
	if !errors.IsCode(err, errors.ErrCodeAccountMismatch) {
		t.Errorf("error code = %v, want account mismatch", errors.CodeOf(err))
	}
}

func TestChallengeVerifiable(t *testing.T) {
	engine := NewEngine(nil)
	prf := bytes.Repeat([]byte{5}, 32)
	engine.DeriveKeypairFromPRF(prf, "alice.testnet", true)

	input := ChallengeInput{
		UserID:      "alice.testnet",
		RpID:        "wallet.example",
		BlockHeight: 12345,
		BlockHash:   bytes.Repeat([]byte{6}, 32),
	}
	challenge, err := engine.GenerateChallenge(input)
	if err != nil {
		t.Fatalf("GenerateChallenge() error = %v", err)
	}

	pub := mustB64u(t, challenge.VRFPublicKey)
	alpha := mustB64u(t, challenge.VRFInput)
	pi := mustB64u(t, challenge.VRFProof)
	beta := mustB64u(t, challenge.VRFOutput)

	got, ok := Verify(pub, alpha, pi)
	if !ok || !bytes.Equal(got, beta) {
		t.Error("challenge proof does not verify against its own output")
	}
}

func TestBootstrapKeypair(t *testing.T) {
	engine := NewEngine(nil)
	input := ChallengeInput{
		UserID:      "newuser.testnet",
		RpID:        "wallet.example",
		BlockHeight: 77,
		BlockHash:   bytes.Repeat([]byte{1}, 32),
	}
	challenge, publicKey, err := engine.GenerateBootstrapKeypair(input, true)
	if err != nil {
		t.Fatalf("GenerateBootstrapKeypair() error = %v", err)
	}
	if challenge.VRFPublicKey != publicKey {
		t.Error("bootstrap challenge must use the bootstrap key")
	}
	if !engine.CheckStatus().Active {
		t.Error("bootstrap keypair must stay in memory")
	}

	// Challenges can be regenerated without user activation.
	if _, err := engine.GenerateChallenge(input); err != nil {
		t.Errorf("GenerateChallenge() after bootstrap error = %v", err)
	}
}

func TestClearSession(t *testing.T) {
	engine := NewEngine(nil)
	engine.DeriveKeypairFromPRF(bytes.Repeat([]byte{7}, 32), "alice.testnet", true)
	engine.ClearSession()
	if engine.CheckStatus().Active {
		t.Error("session should be inactive after clear")
	}
}

func TestSessionSeedScoped(t *testing.T) {
	engine := NewEngine(nil)
	engine.DeriveKeypairFromPRF(bytes.Repeat([]byte{7}, 32), "alice.testnet", true)

	var seen int
	err := engine.SessionSeed("alice.testnet", func(seed []byte) error {
		seen = len(seed)
		return nil
	})
	if err != nil {
		t.Fatalf("SessionSeed() error = %v", err)
	}
	if seen != 32 {
		t.Errorf("seed length = %d", seen)
	}

	if err := engine.SessionSeed("bob.testnet", func([]byte) error { return nil }); err == nil {
		t.Error("expected account mismatch")
	}
}

func mustB64u(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return raw
}

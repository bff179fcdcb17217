// Package vrf implements the wallet's verifiable random function: an
// ECVRF-EDWARDS25519-SHA512-TAI construction (RFC 9381) plus the session
// engine that keeps the unlocked keypair isolated and turns chain context
// into WebAuthn challenges.
package vrf

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// suite is the ECVRF-EDWARDS25519-SHA512-TAI suite string.
	suite byte = 0x03

	// ProofSize is gamma (32) || c (16) || s (32).
	ProofSize = 80

	// OutputSize is the beta string length.
	OutputSize = 64

	challengeLen = 16
)

// Keypair is an ECVRF keypair. The secret scalar and nonce prefix are
// expanded from the 32-byte seed exactly as in RFC 8032.
type Keypair struct {
	seed      []byte
	scalar    *edwards25519.Scalar
	prefix    []byte
	PublicKey []byte
}

// KeypairFromSeed expands a 32-byte seed into a VRF keypair.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("vrf seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	h := sha512.Sum512(seed)
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("expand seed: %w", err)
	}
	pub := new(edwards25519.Point).ScalarBaseMult(scalar)

	kp := &Keypair{
		seed:      append([]byte{}, seed...),
		scalar:    scalar,
		prefix:    append([]byte{}, h[32:]...),
		PublicKey: pub.Bytes(),
	}
	return kp, nil
}

// Seed returns the private 32-byte seed. Callers own zeroization.
func (kp *Keypair) Seed() []byte {
	return kp.seed
}

// Zeroize clears the private material.
func (kp *Keypair) Zeroize() {
	for i := range kp.seed {
		kp.seed[i] = 0
	}
	for i := range kp.prefix {
		kp.prefix[i] = 0
	}
	kp.scalar = nil
}

// encodeToCurve hashes alpha to a curve point using try-and-increment with
// the public key as salt. The candidate point is multiplied by the cofactor
// so the result lands in the prime-order subgroup.
func encodeToCurve(publicKey, alpha []byte) (*edwards25519.Point, error) {
	identity := edwards25519.NewIdentityPoint()
	for ctr := 0; ctr < 256; ctr++ {
		h := sha512.New()
		h.Write([]byte{suite, 0x01})
		h.Write(publicKey)
		h.Write(alpha)
		h.Write([]byte{byte(ctr), 0x00})
		digest := h.Sum(nil)

		candidate, err := new(edwards25519.Point).SetBytes(digest[:32])
		if err != nil {
			continue
		}
		candidate.MultByCofactor(candidate)
		if candidate.Equal(identity) == 1 {
			continue
		}
		return candidate, nil
	}
	return nil, fmt.Errorf("encode to curve: no valid point found")
}

// generateChallenge computes the 16-byte proof challenge over the five
// points (Y, H, Gamma, U, V).
func generateChallenge(points ...[]byte) (*edwards25519.Scalar, []byte, error) {
	h := sha512.New()
	h.Write([]byte{suite, 0x02})
	for _, p := range points {
		h.Write(p)
	}
	h.Write([]byte{0x00})
	digest := h.Sum(nil)

	cBytes := make([]byte, 32)
	copy(cBytes, digest[:challengeLen])
	c, err := edwards25519.NewScalar().SetCanonicalBytes(cBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("challenge scalar: %w", err)
	}
	return c, digest[:challengeLen], nil
}

// Prove generates the VRF proof pi and output beta for input alpha.
func (kp *Keypair) Prove(alpha []byte) (pi, beta []byte, err error) {
	if kp.scalar == nil {
		return nil, nil, fmt.Errorf("keypair has been zeroized")
	}

	hPoint, err := encodeToCurve(kp.PublicKey, alpha)
	if err != nil {
		return nil, nil, err
	}
	hBytes := hPoint.Bytes()

	gamma := new(edwards25519.Point).ScalarMult(kp.scalar, hPoint)

	// Deterministic nonce per RFC 8032: SHA512(prefix || H) reduced mod q.
	nh := sha512.New()
	nh.Write(kp.prefix)
	nh.Write(hBytes)
	k, err := edwards25519.NewScalar().SetUniformBytes(nh.Sum(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("nonce scalar: %w", err)
	}

	u := new(edwards25519.Point).ScalarBaseMult(k)
	v := new(edwards25519.Point).ScalarMult(k, hPoint)

	c, cString, err := generateChallenge(kp.PublicKey, hBytes, gamma.Bytes(), u.Bytes(), v.Bytes())
	if err != nil {
		return nil, nil, err
	}

	// s = k + c*x mod q
	s := edwards25519.NewScalar().MultiplyAdd(c, kp.scalar, k)

	pi = make([]byte, 0, ProofSize)
	pi = append(pi, gamma.Bytes()...)
	pi = append(pi, cString...)
	pi = append(pi, s.Bytes()...)

	return pi, ProofToHash(gamma), nil
}

// ProofToHash derives the output beta from the gamma point.
func ProofToHash(gamma *edwards25519.Point) []byte {
	cofactorGamma := new(edwards25519.Point).MultByCofactor(gamma)
	h := sha512.New()
	h.Write([]byte{suite, 0x03})
	h.Write(cofactorGamma.Bytes())
	h.Write([]byte{0x00})
	return h.Sum(nil)
}

// Verify checks proof pi over alpha for the given public key and returns
// the VRF output on success.
func Verify(publicKey, alpha, pi []byte) ([]byte, bool) {
	if len(publicKey) != ed25519.PublicKeySize || len(pi) != ProofSize {
		return nil, false
	}
	y, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, false
	}
	gamma, err := new(edwards25519.Point).SetBytes(pi[:32])
	if err != nil {
		return nil, false
	}

	cBytes := make([]byte, 32)
	copy(cBytes, pi[32:48])
	c, err := edwards25519.NewScalar().SetCanonicalBytes(cBytes)
	if err != nil {
		return nil, false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(pi[48:80])
	if err != nil {
		return nil, false
	}

	hPoint, err := encodeToCurve(publicKey, alpha)
	if err != nil {
		return nil, false
	}

	// U = s*B - c*Y, V = s*H - c*Gamma
	negC := edwards25519.NewScalar().Negate(c)
	u := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(negC, y, s)

	sh := new(edwards25519.Point).ScalarMult(s, hPoint)
	cg := new(edwards25519.Point).ScalarMult(negC, gamma)
	v := new(edwards25519.Point).Add(sh, cg)

	_, cString, err := generateChallenge(publicKey, hPoint.Bytes(), gamma.Bytes(), u.Bytes(), v.Bytes())
	if err != nil {
		return nil, false
	}
	for i := 0; i < challengeLen; i++ {
		if cString[i] != pi[32+i] {
			return nil, false
		}
	}
	return ProofToHash(gamma), true
}

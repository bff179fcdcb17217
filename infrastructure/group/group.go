// Package group provides modular arithmetic over the fixed safe prime used
// by the Shamir 3-pass key exchange. Both the wallet client and the relay
// server compile in the same prime; see KeyInfo verification in the relay.
package group

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// The 2048-bit MODP safe prime from RFC 3526 (group 14), generator 2.
// p = 2q+1 with q prime, so the exponent group Z/(p-1) splits as 2 x q.
const primeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	// P is the shared safe prime.
	P *big.Int

	// Q is (P-1)/2, the prime order of the quadratic-residue subgroup.
	Q *big.Int

	// G is the generator, fixed at 2.
	G = big.NewInt(2)

	pMinusOne *big.Int
	pMinusTwo *big.Int
)

func init() {
	P, _ = new(big.Int).SetString(primeHex, 16)
	pMinusOne = new(big.Int).Sub(P, big.NewInt(1))
	pMinusTwo = new(big.Int).Sub(P, big.NewInt(2))
	Q = new(big.Int).Rsh(pMinusOne, 1)
}

// ModExp computes base^exp mod P. math/big's Exp uses a fixed 4-bit window
// for odd moduli, which is the constant-time path we rely on when exp is a
// secret lock exponent.
func ModExp(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, P)
}

// InverseExponent computes e^-1 mod (P-1). The inverse exists only when
// gcd(e, P-1) == 1; RandomExponent only hands out such exponents, but blobs
// loaded from storage are re-checked here.
func InverseExponent(e *big.Int) (*big.Int, error) {
	inv := new(big.Int).ModInverse(e, pMinusOne)
	if inv == nil {
		return nil, fmt.Errorf("exponent is not invertible mod p-1")
	}
	return inv, nil
}

// RandomExponent samples a lock exponent e in [2, p-2] with gcd(e, p-1) == 1,
// so that the matching unlock exponent always exists.
func RandomExponent() (*big.Int, error) {
	one := big.NewInt(1)
	gcd := new(big.Int)
	for i := 0; i < 1000; i++ {
		e, err := rand.Int(rand.Reader, pMinusTwo)
		if err != nil {
			return nil, fmt.Errorf("sample exponent: %w", err)
		}
		e.Add(e, big.NewInt(2))
		if gcd.GCD(nil, nil, e, pMinusOne).Cmp(one) == 0 {
			return e, nil
		}
	}
	return nil, fmt.Errorf("could not sample invertible exponent")
}

// RandomElement samples a group element K in [2, p-2]. Used as the random
// key-encryption key in the 3-pass protocol.
func RandomElement() (*big.Int, error) {
	k, err := rand.Int(rand.Reader, new(big.Int).Sub(pMinusTwo, big.NewInt(1)))
	if err != nil {
		return nil, fmt.Errorf("sample element: %w", err)
	}
	return k.Add(k, big.NewInt(2)), nil
}

// Encode serializes a group element as unpadded base64url over its
// fixed-width 256-byte big-endian representation.
func Encode(x *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(x.FillBytes(make([]byte, 256)))
}

// Decode parses a base64url group element and range-checks it against P.
func Decode(s string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}
	if len(raw) > 256 {
		return nil, fmt.Errorf("element too large: %d bytes", len(raw))
	}
	x := new(big.Int).SetBytes(raw)
	if x.Sign() <= 0 || x.Cmp(pMinusOne) >= 0 {
		return nil, fmt.Errorf("element out of range")
	}
	return x, nil
}

// PrimeB64u returns the compiled-in prime in the wire encoding used by
// /shamir/key-info.
func PrimeB64u() string {
	return Encode(P)
}

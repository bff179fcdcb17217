package near

import "fmt"

// MPC co-signing services return secp256k1 signatures in two shapes: raw
// 64-byte (r || s) without a recovery id, and 65-byte (r || s || v). The
// 64-byte shape cannot name which of the two candidate public keys signed,
// so normalization surfaces that explicitly instead of silently returning
// two signatures.

// MPCSignature is a normalized MPC signature.
type MPCSignature struct {
	R [32]byte
	S [32]byte

	// RecoveryID is set when the input carried a v byte.
	RecoveryID *byte

	// Candidates holds both (r || s || v) forms when the recovery id is
	// unresolved; empty otherwise.
	Candidates [][]byte
}

// Unresolved reports whether the recovery id could not be determined from
// the input shape.
func (s *MPCSignature) Unresolved() bool {
	return s.RecoveryID == nil
}

// Bytes returns the 65-byte form. Fails with an explicit error when the
// recovery id is unresolved; callers must pick a candidate instead.
func (s *MPCSignature) Bytes() ([]byte, error) {
	if s.RecoveryID == nil {
		return nil, fmt.Errorf("unresolved recovery id: choose one of the candidates")
	}
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = *s.RecoveryID
	return out, nil
}

// NormalizeMPCSignature accepts both 64-byte (r || s) and 65-byte
// (r || s || v) inputs. For the 64-byte shape both v candidates are
// materialized and RecoveryID stays nil.
func NormalizeMPCSignature(raw []byte) (*MPCSignature, error) {
	switch len(raw) {
	case 64:
		sig := &MPCSignature{}
		copy(sig.R[:], raw[:32])
		copy(sig.S[:], raw[32:64])
		for v := byte(0); v <= 1; v++ {
			candidate := make([]byte, 65)
			copy(candidate, raw)
			candidate[64] = v
			sig.Candidates = append(sig.Candidates, candidate)
		}
		return sig, nil
	case 65:
		sig := &MPCSignature{}
		copy(sig.R[:], raw[:32])
		copy(sig.S[:], raw[32:64])
		v := raw[64]
		if v >= 27 {
			// Ethereum-style v; normalize to 0/1.
			v -= 27
		}
		if v > 1 {
			return nil, fmt.Errorf("recovery id out of range: %d", raw[64])
		}
		sig.RecoveryID = &v
		return sig, nil
	default:
		return nil, fmt.Errorf("signature must be 64 or 65 bytes, got %d", len(raw))
	}
}

package webauthn

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// COSE algorithm identifiers the relay accepts.
const (
	AlgES256 = -7
	AlgEdDSA = -8
)

// COSEKey is the decoded subset of a COSE_Key structure needed to verify
// assertion signatures.
type COSEKey struct {
	KeyType int64
	Alg     int64
	Curve   int64
	X       []byte
	Y       []byte
}

// ParseCOSEKey decodes the CBOR COSE_Key map produced at registration.
// Supports EC2/P-256 (ES256) and OKP/Ed25519 (EdDSA).
func ParseCOSEKey(raw []byte) (*COSEKey, error) {
	r := &cborReader{buf: raw}
	pairs, err := r.readMapHeader()
	if err != nil {
		return nil, err
	}
	key := &COSEKey{}
	for i := 0; i < pairs; i++ {
		label, err := r.readInt()
		if err != nil {
			return nil, err
		}
		switch label {
		case 1:
			if key.KeyType, err = r.readInt(); err != nil {
				return nil, err
			}
		case 3:
			if key.Alg, err = r.readInt(); err != nil {
				return nil, err
			}
		case -1:
			if key.Curve, err = r.readInt(); err != nil {
				return nil, err
			}
		case -2:
			if key.X, err = r.readBytes(); err != nil {
				return nil, err
			}
		case -3:
			if key.Y, err = r.readBytes(); err != nil {
				return nil, err
			}
		default:
			if err := r.skipValue(); err != nil {
				return nil, err
			}
		}
	}
	switch key.Alg {
	case AlgES256:
		if key.KeyType != 2 || len(key.X) != 32 || len(key.Y) != 32 {
			return nil, fmt.Errorf("malformed ES256 key")
		}
	case AlgEdDSA:
		if key.KeyType != 1 || len(key.X) != 32 {
			return nil, fmt.Errorf("malformed Ed25519 key")
		}
	default:
		return nil, fmt.Errorf("unsupported COSE algorithm %d", key.Alg)
	}
	return key, nil
}

// VerifyAssertion checks an assertion signature over
// authenticatorData || SHA256(clientDataJSON) with the credential key.
func (k *COSEKey) VerifyAssertion(authenticatorData, clientDataJSON, signature []byte) (bool, error) {
	clientHash := sha256.Sum256(clientDataJSON)
	message := append(append([]byte{}, authenticatorData...), clientHash[:]...)

	switch k.Alg {
	case AlgES256:
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(k.X),
			Y:     new(big.Int).SetBytes(k.Y),
		}
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(pub, digest[:], signature), nil
	case AlgEdDSA:
		if len(signature) != ed25519.SignatureSize {
			return false, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
		}
		return ed25519.Verify(ed25519.PublicKey(k.X), message, signature), nil
	default:
		return false, fmt.Errorf("unsupported COSE algorithm %d", k.Alg)
	}
}

// =============================================================================
// Minimal CBOR reader (COSE_Key subset: ints, byte/text strings, maps, arrays)
// =============================================================================

type cborReader struct {
	buf []byte
	pos int
}

func (r *cborReader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("cbor: unexpected end of input")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *cborReader) readArgument(info byte) (uint64, error) {
	switch {
	case info < 24:
		return uint64(info), nil
	case info == 24, info == 25, info == 26, info == 27:
		n := 1 << (info - 24)
		var v uint64
		for i := 0; i < n; i++ {
			b, err := r.readByte()
			if err != nil {
				return 0, err
			}
			v = v<<8 | uint64(b)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("cbor: unsupported additional info %d", info)
	}
}

func (r *cborReader) readMapHeader() (int, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if b>>5 != 5 {
		return 0, fmt.Errorf("cbor: expected map, got major type %d", b>>5)
	}
	n, err := r.readArgument(b & 0x1f)
	return int(n), err
}

func (r *cborReader) readInt() (int64, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	n, err := r.readArgument(b & 0x1f)
	if err != nil {
		return 0, err
	}
	switch b >> 5 {
	case 0:
		return int64(n), nil
	case 1:
		return -1 - int64(n), nil
	default:
		return 0, fmt.Errorf("cbor: expected integer, got major type %d", b>>5)
	}
}

func (r *cborReader) readBytes() ([]byte, error) {
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	major := b >> 5
	if major != 2 && major != 3 {
		return nil, fmt.Errorf("cbor: expected string, got major type %d", major)
	}
	n, err := r.readArgument(b & 0x1f)
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("cbor: string overruns input")
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *cborReader) skipValue() error {
	b, err := r.readByte()
	if err != nil {
		return err
	}
	n, err := r.readArgument(b & 0x1f)
	if err != nil {
		return err
	}
	switch b >> 5 {
	case 0, 1, 7:
		return nil
	case 2, 3:
		r.pos += int(n)
		if r.pos > len(r.buf) {
			return fmt.Errorf("cbor: string overruns input")
		}
		return nil
	case 4:
		for i := uint64(0); i < n; i++ {
			if err := r.skipValue(); err != nil {
				return err
			}
		}
		return nil
	case 5:
		for i := uint64(0); i < 2*n; i++ {
			if err := r.skipValue(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("cbor: unsupported major type %d", b>>5)
	}
}

package webauthn

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

func prfCredential(first, second []byte) *AuthenticationCredential {
	results := PRFResults{First: EncodeB64u(first)}
	if second != nil {
		results.Second = EncodeB64u(second)
	}
	return &AuthenticationCredential{
		ID:    "cred-1",
		RawID: EncodeB64u([]byte("cred-1")),
		Type:  "public-key",
		ExtensionResults: &ExtensionResults{
			PRF: &PRFExtension{Results: results},
		},
	}
}

func TestTakePRF(t *testing.T) {
	first := bytes.Repeat([]byte{1}, 32)
	second := bytes.Repeat([]byte{2}, 32)
	cred := prfCredential(first, second)

	out, err := cred.TakePRF()
	if err != nil {
		t.Fatalf("TakePRF() error = %v", err)
	}
	if !bytes.Equal(out.First, first) || !bytes.Equal(out.Second, second) {
		t.Error("prf outputs mismatch")
	}
	if cred.HasPRF() {
		t.Error("TakePRF() must strip the extension results")
	}
	if err := ScanForForbiddenFields(cred); err != nil {
		t.Errorf("stripped credential should pass the guard: %v", err)
	}
}

func TestTakePRFMissing(t *testing.T) {
	cred := &AuthenticationCredential{ID: "x"}
	if _, err := cred.TakePRF(); err == nil {
		t.Fatal("expected error with no extension results")
	}
}

func TestScanForForbiddenFields(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		wantErr bool
	}{
		{"clean", map[string]interface{}{"accountId": "alice.testnet"}, false},
		{"top level", map[string]interface{}{"prfOutput": "xx"}, true},
		{"snake case", map[string]interface{}{"prf_output": "xx"}, true},
		{"vrf secret", map[string]interface{}{"vrf_sk": "xx"}, true},
		{"case insensitive", map[string]interface{}{"PrfFirst": "xx"}, true},
		{"nested", map[string]interface{}{"outer": map[string]interface{}{"prf": map[string]interface{}{}}}, true},
		{"in array", []interface{}{map[string]interface{}{"vrfSk": 1}}, true},
		{"similar but allowed", map[string]interface{}{"prefix": "ok", "vrfPublicKey": "ok"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ScanForForbiddenFields(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("ScanForForbiddenFields() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.IsCode(err, errors.ErrCodeSecretInPayload) {
				t.Errorf("error code = %v", errors.CodeOf(err))
			}
		})
	}
}

func TestScanForInternalHandles(t *testing.T) {
	bad := map[string]interface{}{"result": map[string]interface{}{"_confirmHandle": 7}}
	if err := ScanForInternalHandles(bad); err == nil {
		t.Fatal("expected error for handle field")
	}
	good := map[string]interface{}{"confirmed": true}
	if err := ScanForInternalHandles(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// buildCOSEKey builds a minimal CBOR COSE_Key map by hand.
func buildCOSEKey(kty int, alg int, crv int, x, y []byte) []byte {
	var buf bytes.Buffer
	pairs := 4
	if y != nil {
		pairs = 5
	}
	buf.WriteByte(0xa0 | byte(pairs))
	writeInt := func(v int) {
		if v >= 0 {
			if v < 24 {
				buf.WriteByte(byte(v))
			} else {
				buf.WriteByte(0x18)
				buf.WriteByte(byte(v))
			}
			return
		}
		n := -1 - v
		switch {
		case n < 24:
			buf.WriteByte(0x20 | byte(n))
		case n < 256:
			buf.WriteByte(0x38)
			buf.WriteByte(byte(n))
		default:
			buf.WriteByte(0x39)
			buf.WriteByte(byte(n >> 8))
			buf.WriteByte(byte(n))
		}
	}
	writeBytes := func(b []byte) {
		buf.WriteByte(0x58)
		buf.WriteByte(byte(len(b)))
		buf.Write(b)
	}
	writeInt(1)
	writeInt(kty)
	writeInt(3)
	writeInt(alg)
	writeInt(-1)
	writeInt(crv)
	writeInt(-2)
	writeBytes(x)
	if y != nil {
		writeInt(-3)
		writeBytes(y)
	}
	return buf.Bytes()
}

func TestParseCOSEKeyEd25519AndVerify(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	raw := buildCOSEKey(1, AlgEdDSA, 6, pub, nil)

	key, err := ParseCOSEKey(raw)
	if err != nil {
		t.Fatalf("ParseCOSEKey() error = %v", err)
	}
	if key.Alg != AlgEdDSA {
		t.Fatalf("alg = %d", key.Alg)
	}

	authData := bytes.Repeat([]byte{3}, 37)
	clientData := []byte(`{"type":"webauthn.get"}`)
	clientHash := sha256.Sum256(clientData)
	message := append(append([]byte{}, authData...), clientHash[:]...)
	sig := ed25519.Sign(priv, message)

	ok, err := key.VerifyAssertion(authData, clientData, sig)
	if err != nil || !ok {
		t.Fatalf("VerifyAssertion() = %v, %v", ok, err)
	}

	ok, _ = key.VerifyAssertion(authData, []byte(`{"type":"webauthn.create"}`), sig)
	if ok {
		t.Error("wrong client data must not verify")
	}
}

func TestParseCOSEKeyES256AndVerify(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	x := priv.PublicKey.X.FillBytes(make([]byte, 32))
	y := priv.PublicKey.Y.FillBytes(make([]byte, 32))
	raw := buildCOSEKey(2, AlgES256, 1, x, y)

	key, err := ParseCOSEKey(raw)
	if err != nil {
		t.Fatalf("ParseCOSEKey() error = %v", err)
	}

	authData := bytes.Repeat([]byte{9}, 37)
	clientData := []byte(`{"type":"webauthn.get"}`)
	clientHash := sha256.Sum256(clientData)
	message := append(append([]byte{}, authData...), clientHash[:]...)
	digest := sha256.Sum256(message)
	sig, _ := ecdsa.SignASN1(rand.Reader, priv, digest[:])

	ok, err := key.VerifyAssertion(authData, clientData, sig)
	if err != nil || !ok {
		t.Fatalf("VerifyAssertion() = %v, %v", ok, err)
	}
}

func TestParseCOSEKeyRejectsUnsupportedAlg(t *testing.T) {
	raw := buildCOSEKey(3, -257, 0, bytes.Repeat([]byte{1}, 32), nil)
	if _, err := ParseCOSEKey(raw); err == nil {
		t.Fatal("expected error for RS256 key")
	}
}

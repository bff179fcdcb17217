// Package webauthn models the serialized WebAuthn credential shapes the
// wallet core exchanges with the authenticator bridge, including the PRF
// extension outputs that seed key derivation.
package webauthn

import (
	"encoding/base64"
	"fmt"
)

// B64u decodes an unpadded base64url string.
func B64u(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeB64u encodes bytes as unpadded base64url.
func EncodeB64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// PRFResults carries the PRF extension evaluation outputs. The first output
// seeds VRF and NEAR key derivation; the second is optional, is decoded when
// present, and is not used for any derivation.
type PRFResults struct {
	First  string `json:"first,omitempty"`
	Second string `json:"second,omitempty"`
}

// PRFExtension mirrors the client extension results structure.
type PRFExtension struct {
	Results PRFResults `json:"results"`
}

// ExtensionResults holds the client extension outputs the core consumes.
type ExtensionResults struct {
	PRF *PRFExtension `json:"prf,omitempty"`
}

// RegistrationResponse is the serialized attestation response.
type RegistrationResponse struct {
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject"`
	Transports        []string `json:"transports,omitempty"`
	PublicKey         string   `json:"publicKey,omitempty"`
	PublicKeyAlgorithm int64   `json:"publicKeyAlgorithm,omitempty"`
	AuthenticatorData string   `json:"authenticatorData,omitempty"`
}

// AuthenticationResponse is the serialized assertion response.
type AuthenticationResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// RegistrationCredential is a structured-clone-safe create() result.
type RegistrationCredential struct {
	ID                      string               `json:"id"`
	RawID                   string               `json:"rawId"`
	Type                    string               `json:"type"`
	AuthenticatorAttachment string               `json:"authenticatorAttachment,omitempty"`
	Response                RegistrationResponse `json:"response"`
	ExtensionResults        *ExtensionResults    `json:"clientExtensionResults,omitempty"`
}

// AuthenticationCredential is a structured-clone-safe get() result.
type AuthenticationCredential struct {
	ID                      string                 `json:"id"`
	RawID                   string                 `json:"rawId"`
	Type                    string                 `json:"type"`
	AuthenticatorAttachment string                 `json:"authenticatorAttachment,omitempty"`
	Response                AuthenticationResponse `json:"response"`
	ExtensionResults        *ExtensionResults      `json:"clientExtensionResults,omitempty"`
}

// =============================================================================
// PRF extraction
// =============================================================================

// PRFOutputs holds the decoded PRF secrets. Owned by the extracting flow;
// zeroize after use.
type PRFOutputs struct {
	First  []byte
	Second []byte
}

func decodePRF(ext *ExtensionResults) (*PRFOutputs, error) {
	if ext == nil || ext.PRF == nil || ext.PRF.Results.First == "" {
		return nil, fmt.Errorf("prf extension results missing")
	}
	first, err := B64u(ext.PRF.Results.First)
	if err != nil {
		return nil, fmt.Errorf("decode prf first output: %w", err)
	}
	out := &PRFOutputs{First: first}
	if ext.PRF.Results.Second != "" {
		second, err := B64u(ext.PRF.Results.Second)
		if err != nil {
			return nil, fmt.Errorf("decode prf second output: %w", err)
		}
		out.Second = second
	}
	return out, nil
}

// TakePRF extracts and decodes the PRF outputs from a registration
// credential, removing them from the credential so that the remaining
// structure is safe to forward to the signer.
func (c *RegistrationCredential) TakePRF() (*PRFOutputs, error) {
	out, err := decodePRF(c.ExtensionResults)
	if err != nil {
		return nil, err
	}
	c.ExtensionResults.PRF = nil
	return out, nil
}

// TakePRF extracts and decodes the PRF outputs from an authentication
// credential, removing them from the credential.
func (c *AuthenticationCredential) TakePRF() (*PRFOutputs, error) {
	out, err := decodePRF(c.ExtensionResults)
	if err != nil {
		return nil, err
	}
	c.ExtensionResults.PRF = nil
	return out, nil
}

// HasPRF reports whether PRF outputs are still attached.
func (c *AuthenticationCredential) HasPRF() bool {
	return c.ExtensionResults != nil && c.ExtensionResults.PRF != nil &&
		c.ExtensionResults.PRF.Results.First != ""
}

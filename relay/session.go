package relay

import (
	"context"
	"encoding/base64"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/storage"
	"github.com/R3E-Network/passkey_wallet/vrf"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// Session kinds accepted by the verification route.
const (
	SessionKindJWT    = "jwt"
	SessionKindCookie = "cookie"
)

// challengeTTL bounds how long a VRF output stays replay-protected. The
// relay does not check the challenge's block height, so a challenge is not
// rejected for age once this window has passed.
const challengeTTL = 10 * time.Minute

// VerifyAuthenticationRequest is the session verification request body.
type VerifyAuthenticationRequest struct {
	SessionKind            string                             `json:"sessionKind"`
	VRFData                *vrf.Challenge                     `json:"vrf_data"`
	WebauthnAuthentication *webauthn.AuthenticationCredential `json:"webauthn_authentication"`
}

// VerifyAuthenticationResponse is the session verification response body.
type VerifyAuthenticationResponse struct {
	Verified          bool   `json:"verified"`
	JWT               string `json:"jwt,omitempty"`
	SessionCredential string `json:"sessionCredential,omitempty"`
	Error             string `json:"error,omitempty"`
}

// verifySession checks the chain-anchored VRF challenge and the WebAuthn
// assertion against the registered device, then mints the session token.
func (s *Server) verifySession(ctx context.Context, req *VerifyAuthenticationRequest) (*VerifyAuthenticationResponse, error) {
	if req.VRFData == nil || req.WebauthnAuthentication == nil {
		return nil, errors.MissingParameter("vrf_data / webauthn_authentication")
	}
	challenge := req.VRFData

	vrfPub, err := base64.RawURLEncoding.DecodeString(challenge.VRFPublicKey)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf public key")
	}
	vrfInput, err := base64.RawURLEncoding.DecodeString(challenge.VRFInput)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf input")
	}
	vrfProof, err := base64.RawURLEncoding.DecodeString(challenge.VRFProof)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf proof")
	}

	output, ok := vrf.Verify(vrfPub, vrfInput, vrfProof)
	if !ok {
		return nil, errors.ProofInvalid("vrf proof does not verify")
	}
	if base64.RawURLEncoding.EncodeToString(output) != challenge.VRFOutput {
		return nil, errors.ProofInvalid("vrf output mismatch")
	}

	// Find the registered device whose VRF key produced the challenge.
	devices, err := s.clientDB.ListDevices(ctx, challenge.UserID)
	if err != nil {
		return nil, errors.Internal("load devices", err)
	}
	var device *storage.DeviceRecord
	for _, d := range devices {
		if d.VRFPublicKey == challenge.VRFPublicKey {
			device = d
			break
		}
	}
	if device == nil {
		return nil, errors.NotAuthorized("no registered device for this VRF key")
	}

	// Verify the assertion. The WebAuthn challenge is the VRF output.
	auth := req.WebauthnAuthentication
	authenticatorData, err := webauthn.B64u(auth.Response.AuthenticatorData)
	if err != nil {
		return nil, errors.ProofInvalid("malformed authenticator data")
	}
	clientDataJSON, err := webauthn.B64u(auth.Response.ClientDataJSON)
	if err != nil {
		return nil, errors.ProofInvalid("malformed client data")
	}
	signature, err := webauthn.B64u(auth.Response.Signature)
	if err != nil {
		return nil, errors.ProofInvalid("malformed assertion signature")
	}

	if gjson.GetBytes(clientDataJSON, "challenge").String() != challenge.VRFOutput {
		return nil, errors.ProofInvalid("client data challenge does not match vrf output")
	}

	coseKey, err := webauthn.ParseCOSEKey(device.CredentialPublicKey)
	if err != nil {
		return nil, errors.Internal("stored credential key unparseable", err)
	}
	verified, err := coseKey.VerifyAssertion(authenticatorData, clientDataJSON, signature)
	if err != nil || !verified {
		return nil, errors.NotAuthorized("assertion signature invalid")
	}

	// Replay protection on the VRF output.
	fresh, err := s.replay.MarkUsed(ctx, challenge.VRFOutput, challengeTTL)
	if err != nil {
		return nil, errors.Unavailable("replay cache", err)
	}
	if !fresh {
		return nil, errors.NotAuthorized("challenge already used")
	}

	resp := &VerifyAuthenticationResponse{Verified: true}
	switch req.SessionKind {
	case SessionKindCookie:
		token, err := s.mintToken(challenge.UserID)
		if err != nil {
			return nil, err
		}
		resp.SessionCredential = token
	case SessionKindJWT, "":
		token, err := s.mintToken(challenge.UserID)
		if err != nil {
			return nil, err
		}
		resp.JWT = token
	default:
		return nil, errors.InvalidInput("sessionKind", "must be jwt or cookie")
	}
	return resp, nil
}

func (s *Server) mintToken(accountID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"exp": now.Add(s.sessionTTL).Unix(),
		"iss": "passkey-wallet-relay",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", errors.Internal("sign session token", err)
	}
	return signed, nil
}

// ParseToken validates a relay-issued session token and returns the account.
func (s *Server) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.NotAuthorized("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.NotAuthorized("invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.NotAuthorized("invalid session claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.NotAuthorized("session token missing subject")
	}
	return sub, nil
}

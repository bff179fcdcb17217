// Package router is the typed request/response layer between a host
// application and the isolated wallet document. Traffic flows over a
// transferred port; every message is a tagged envelope, unknown fields are
// rejected, and results are sanitized before they cross the boundary.
package router

import (
	"bytes"
	"encoding/json"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

// ProtocolVersion is embedded in READY; bump on wire-incompatible changes.
const ProtocolVersion = 2

// Control message types. Application request types are registered on the
// router by the embedding service.
const (
	TypeConnect        = "CONNECT"
	TypeReady          = "READY"
	TypeProgress       = "PROGRESS"
	TypeResult         = "PM_RESULT"
	TypeError          = "ERROR"
	TypeCancel         = "PM_CANCEL"
	TypeWalletUIClosed = "WALLET_UI_CLOSED"

	// Parent-side WebAuthn bridge (Safari cross-origin fallback).
	TypeParentCredential       = "PARENT_CREDENTIAL_REQUEST"
	TypeParentCredentialResult = "PARENT_CREDENTIAL_RESULT"

	// Wallet-document UI bridge: the core asks the document to render a
	// confirmation surface and report the decision.
	TypeUIPrompt   = "WALLET_UI_PROMPT"
	TypeUIDecision = "WALLET_UI_DECISION"
)

// RequestOptions carries per-request knobs.
type RequestOptions struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Envelope is the wire form of every message.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Options   *RequestOptions `json:"options,omitempty"`
}

// ReadyPayload is the READY body.
type ReadyPayload struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// ErrorPayload is the sanitized error body crossing the parent boundary.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DecodeEnvelope parses one wire message strictly: malformed JSON, unknown
// fields and a missing type are all rejected.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.InvalidEnvelope(err.Error())
	}
	if env.Type == "" {
		return nil, errors.InvalidEnvelope("missing type")
	}
	return &env, nil
}

// DecodePayload parses an envelope payload strictly into target.
func DecodePayload(env *Envelope, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return errors.InvalidEnvelope("payload: " + err.Error())
	}
	return nil
}

// encodeEnvelope marshals an envelope with a payload value.
func encodeEnvelope(msgType, requestID string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Internal("marshal payload", err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// errorPayloadFrom sanitizes an error for the parent boundary.
func errorPayloadFrom(err error) ErrorPayload {
	if se, ok := errors.AsServiceError(err); ok {
		s := se.Sanitized()
		return ErrorPayload{Code: string(s.Code), Message: s.Message}
	}
	return ErrorPayload{Code: string(errors.ErrCodeInternal), Message: "internal error"}
}

// Package errors provides unified error handling for the wallet core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Input validation errors (1xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_1001"
	ErrCodeInvalidAccountID ErrorCode = "VAL_1002"
	ErrCodeInvalidEnvelope  ErrorCode = "VAL_1003"
	ErrCodeMissingParameter ErrorCode = "VAL_1004"

	// Authorization errors (2xxx)
	ErrCodeNotAuthorized ErrorCode = "AUTH_2001"
	ErrCodeUserCancelled ErrorCode = "AUTH_2002"

	// Availability errors (3xxx)
	ErrCodeUnavailable ErrorCode = "NET_3001"
	ErrCodeRPCFailed   ErrorCode = "NET_3002"
	ErrCodeRelayFailed ErrorCode = "NET_3003"

	// Conflict errors (4xxx)
	ErrCodeConflict       ErrorCode = "CONF_4001"
	ErrCodeCredentialUsed ErrorCode = "CONF_4002"
	ErrCodeUnknownKeyID   ErrorCode = "CONF_4003"

	// Protocol mismatch errors (5xxx)
	ErrCodeProtocolMismatch ErrorCode = "PROTO_5001"
	ErrCodeDigestMismatch   ErrorCode = "PROTO_5002"

	// Timeout errors (6xxx)
	ErrCodeTimeout ErrorCode = "TIME_6001"

	// Integrity errors (7xxx)
	ErrCodeIntegrity          ErrorCode = "CRYPTO_7001"
	ErrCodeAEADFailed         ErrorCode = "CRYPTO_7002"
	ErrCodeKDFFailed          ErrorCode = "CRYPTO_7003"
	ErrCodeProofInvalid       ErrorCode = "CRYPTO_7004"
	ErrCodeSessionInactive    ErrorCode = "CRYPTO_7005"
	ErrCodeAccountMismatch    ErrorCode = "CRYPTO_7006"
	ErrCodeVerificationFailed ErrorCode = "CRYPTO_7007"

	// Internal errors (8xxx)
	ErrCodeInternal          ErrorCode = "SVC_8001"
	ErrCodeInvariantViolated ErrorCode = "SVC_8002"
	ErrCodeSecretInPayload   ErrorCode = "SVC_8003"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sanitized returns a copy safe to cross the parent boundary: the wrapped
// cause and any detail values are dropped, only code and message remain.
func (e *ServiceError) Sanitized() *ServiceError {
	return &ServiceError{Code: e.Code, Message: e.Message, HTTPStatus: e.HTTPStatus}
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Input validation

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func InvalidAccountID(accountID string) *ServiceError {
	return New(ErrCodeInvalidAccountID, "Invalid account id", http.StatusBadRequest).
		WithDetails("account_id", accountID)
}

func InvalidEnvelope(reason string) *ServiceError {
	return New(ErrCodeInvalidEnvelope, "Invalid message envelope", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

// Authorization

func NotAuthorized(message string) *ServiceError {
	return New(ErrCodeNotAuthorized, message, http.StatusUnauthorized)
}

// UserCancelled maps an authenticator NotAllowedError. Surfaced verbatim and
// never retried.
func UserCancelled() *ServiceError {
	return New(ErrCodeUserCancelled, "User cancelled the request", http.StatusUnauthorized)
}

// Availability

func Unavailable(target string, err error) *ServiceError {
	return Wrap(ErrCodeUnavailable, "Service unavailable", http.StatusServiceUnavailable, err).
		WithDetails("target", target)
}

func RPCFailed(method string, err error) *ServiceError {
	return Wrap(ErrCodeRPCFailed, "Blockchain RPC failed", http.StatusBadGateway, err).
		WithDetails("method", method)
}

func RelayFailed(route string, err error) *ServiceError {
	return Wrap(ErrCodeRelayFailed, "Relay request failed", http.StatusBadGateway, err).
		WithDetails("route", route)
}

// Conflict

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// CredentialAlreadyRegistered maps a WebAuthn InvalidStateError during
// create(). The caller bumps the device number and retries once.
func CredentialAlreadyRegistered() *ServiceError {
	return New(ErrCodeCredentialUsed, "Credential already registered for this device", http.StatusConflict)
}

func UnknownKeyID(keyID string) *ServiceError {
	return New(ErrCodeUnknownKeyID, "Server key id not known", http.StatusBadRequest).
		WithDetails("key_id", keyID)
}

// Protocol mismatch

func ProtocolMismatch(message string) *ServiceError {
	return New(ErrCodeProtocolMismatch, message, http.StatusConflict)
}

func DigestMismatch() *ServiceError {
	return New(ErrCodeDigestMismatch, "ui_digest_mismatch", http.StatusConflict)
}

// Timeout

func Timeout(what string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", what)
}

// Integrity. Always fatal to the operation, never recovered locally.

func AEADFailed(err error) *ServiceError {
	return Wrap(ErrCodeAEADFailed, "Authenticated decryption failed", http.StatusInternalServerError, err)
}

func KDFFailed(err error) *ServiceError {
	return Wrap(ErrCodeKDFFailed, "Key derivation failed", http.StatusInternalServerError, err)
}

func ProofInvalid(message string) *ServiceError {
	return New(ErrCodeProofInvalid, message, http.StatusBadRequest)
}

func SessionInactive() *ServiceError {
	return New(ErrCodeSessionInactive, "No active VRF session", http.StatusConflict)
}

func AccountMismatch(want, got string) *ServiceError {
	return New(ErrCodeAccountMismatch, "Session belongs to a different account", http.StatusConflict).
		WithDetails("want", want).
		WithDetails("got", got)
}

// Internal

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// SecretInPayload is an invariant violation: a PRF or VRF secret field was
// present in a payload crossing into the signer.
func SecretInPayload(field string) *ServiceError {
	return New(ErrCodeSecretInPayload, "Forbidden secret field in payload", http.StatusBadRequest).
		WithDetails("field", field)
}

// =============================================================================
// Inspection helpers
// =============================================================================

// AsServiceError extracts a *ServiceError from an error chain.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the error code of err, or ErrCodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if se, ok := AsServiceError(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestServiceErrorFormat(t *testing.T) {
	e := New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest)
	if got := e.Error(); got != "[VAL_1001] Invalid input" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrCodeAEADFailed, "Authenticated decryption failed", http.StatusInternalServerError, errors.New("boom"))
	if got := wrapped.Error(); got != "[CRYPTO_7002] Authenticated decryption failed: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	e := Wrap(ErrCodeRPCFailed, "rpc", http.StatusBadGateway, cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestAsServiceError(t *testing.T) {
	e := DigestMismatch()
	chained := fmt.Errorf("outer: %w", e)

	se, ok := AsServiceError(chained)
	if !ok {
		t.Fatal("AsServiceError() = false, want true")
	}
	if se.Code != ErrCodeDigestMismatch {
		t.Errorf("code = %s, want %s", se.Code, ErrCodeDigestMismatch)
	}

	if _, ok := AsServiceError(errors.New("plain")); ok {
		t.Error("plain error should not match")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(SessionInactive()) != ErrCodeSessionInactive {
		t.Error("CodeOf(SessionInactive())")
	}
	if CodeOf(errors.New("plain")) != ErrCodeInternal {
		t.Error("CodeOf(plain) should default to internal")
	}
}

func TestSanitizedDropsDetails(t *testing.T) {
	e := Unavailable("relay", errors.New("connection refused to 10.0.0.8"))
	s := e.Sanitized()
	if s.Err != nil {
		t.Error("Sanitized() must drop the cause")
	}
	if s.Details != nil {
		t.Error("Sanitized() must drop details")
	}
	if s.Code != ErrCodeUnavailable {
		t.Error("Sanitized() must keep the code")
	}
}

func TestDetails(t *testing.T) {
	e := InvalidInput("account_id", "too short")
	if e.Details["field"] != "account_id" {
		t.Errorf("details field = %v", e.Details["field"])
	}
	if e.HTTPStatus != http.StatusBadRequest {
		t.Errorf("http status = %d", e.HTTPStatus)
	}
}

package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

func serveTestRouter(t *testing.T, r *Router) (Port, context.CancelFunc) {
	t.Helper()
	wallet, parent := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Serve(ctx, wallet)
	return parent, cancel
}

func sendEnvelope(t *testing.T, port Port, env Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := port.Send(raw); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func receiveEnvelope(t *testing.T, port Port) *Envelope {
	t.Helper()
	select {
	case raw := <-port.Receive():
		env, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestConnectReady(t *testing.T) {
	r := New(Config{})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: TypeConnect})
	ready := receiveEnvelope(t, parent)
	if ready.Type != TypeReady {
		t.Fatalf("type = %s", ready.Type)
	}
	var payload ReadyPayload
	if err := DecodePayload(ready, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %d", payload.ProtocolVersion)
	}
}

func TestRequestResponseWithProgress(t *testing.T) {
	r := New(Config{})
	r.Handle("PING", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		progress(map[string]string{"phase": "working"})
		return map[string]string{"pong": "ok"}, nil
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "PING", RequestID: "r1"})

	progress := receiveEnvelope(t, parent)
	if progress.Type != TypeProgress || progress.RequestID != "r1" {
		t.Fatalf("first message = %+v", progress)
	}
	result := receiveEnvelope(t, parent)
	if result.Type != TypeResult || result.RequestID != "r1" {
		t.Fatalf("second message = %+v", result)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	r := New(Config{})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "NOPE", RequestID: "r1"})
	errEnv := receiveEnvelope(t, parent)
	if errEnv.Type != TypeError {
		t.Fatalf("type = %s", errEnv.Type)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	r := New(Config{})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	parent.Send([]byte(`{"type":"PING","requestId":"r1","extraField":true}`))
	errEnv := receiveEnvelope(t, parent)
	if errEnv.Type != TypeError {
		t.Fatalf("type = %s", errEnv.Type)
	}
}

func TestCancellationRunsHookAndCancelsContext(t *testing.T) {
	cancelled := make(chan string, 1)
	r := New(Config{OnCancel: func(requestID string) {
		select {
		case cancelled <- requestID:
		default:
		}
	}})
	started := make(chan struct{})
	r.Handle("SLOW", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, errors.Timeout("slow")
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "SLOW", RequestID: "r1"})
	<-started
	sendEnvelope(t, parent, Envelope{Type: TypeCancel, RequestID: "r1"})

	select {
	case id := <-cancelled:
		if id != "r1" {
			t.Errorf("cancelled id = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel hook never ran")
	}

	errEnv := receiveEnvelope(t, parent)
	if errEnv.Type != TypeError {
		t.Fatalf("type = %s", errEnv.Type)
	}
}

func TestPerRequestTimeout(t *testing.T) {
	r := New(Config{})
	r.Handle("SLOW", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		<-ctx.Done()
		return map[string]string{"ignored": "x"}, nil
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{
		Type:      "SLOW",
		RequestID: "r1",
		Options:   &RequestOptions{TimeoutMs: 50},
	})
	errEnv := receiveEnvelope(t, parent)
	if errEnv.Type != TypeError {
		t.Fatalf("type = %s", errEnv.Type)
	}
	var payload ErrorPayload
	DecodePayload(errEnv, &payload)
	if payload.Code != string(errors.ErrCodeTimeout) {
		t.Errorf("code = %s", payload.Code)
	}
}

func TestStickyOverlayLifecycle(t *testing.T) {
	r := New(Config{})
	r.MarkSticky("EXPORT")
	release := make(chan struct{})
	r.Handle("EXPORT", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		<-release
		return map[string]bool{"mounted": true}, nil
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "EXPORT", RequestID: "r1"})
	time.Sleep(50 * time.Millisecond)
	if !r.OverlayVisible() {
		t.Fatal("overlay should be visible while the request runs")
	}

	close(release)
	receiveEnvelope(t, parent) // PM_RESULT

	// Sticky: completion does not hide the overlay.
	if !r.OverlayVisible() {
		t.Fatal("sticky overlay must survive completion")
	}

	sendEnvelope(t, parent, Envelope{Type: TypeWalletUIClosed, RequestID: "r1"})
	deadline := time.Now().Add(time.Second)
	for r.OverlayVisible() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.OverlayVisible() {
		t.Fatal("WALLET_UI_CLOSED must hide the sticky overlay")
	}
}

func TestResponseSanitization(t *testing.T) {
	r := New(Config{})
	r.Handle("LEAKY", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		return map[string]interface{}{"prfOutput": "c2VjcmV0"}, nil
	})
	r.Handle("HANDLEY", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		return map[string]interface{}{"_confirmHandle": 42}, nil
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "LEAKY", RequestID: "r1"})
	if env := receiveEnvelope(t, parent); env.Type != TypeError {
		t.Errorf("secret-bearing response must be replaced by an error, got %s", env.Type)
	}

	sendEnvelope(t, parent, Envelope{Type: "HANDLEY", RequestID: "r2"})
	if env := receiveEnvelope(t, parent); env.Type != TypeError {
		t.Errorf("handle-bearing response must be replaced by an error, got %s", env.Type)
	}
}

func TestHandlerPanicFailsOnlyThatRequest(t *testing.T) {
	cancelled := make(chan string, 1)
	r := New(Config{OnCancel: func(requestID string) {
		select {
		case cancelled <- requestID:
		default:
		}
	}})
	r.Handle("BOOM", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		panic("cose parser exploded")
	})
	r.Handle("PING", func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	parent, cancel := serveTestRouter(t, r)
	defer cancel()

	sendEnvelope(t, parent, Envelope{Type: "BOOM", RequestID: "r1"})
	errEnv := receiveEnvelope(t, parent)
	if errEnv.Type != TypeError || errEnv.RequestID != "r1" {
		t.Fatalf("panic reply = %+v", errEnv)
	}
	var payload ErrorPayload
	DecodePayload(errEnv, &payload)
	if strings.Contains(payload.Message, "exploded") {
		t.Error("panic detail leaked across the boundary")
	}
	select {
	case id := <-cancelled:
		if id != "r1" {
			t.Errorf("cancel hook id = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel hook must run so nonces and sessions are released")
	}

	// The router keeps serving other requests on the same port.
	sendEnvelope(t, parent, Envelope{Type: "PING", RequestID: "r2"})
	result := receiveEnvelope(t, parent)
	if result.Type != TypeResult || result.RequestID != "r2" {
		t.Fatalf("follow-up reply = %+v", result)
	}
}

func TestParentCredentialBridge(t *testing.T) {
	r := New(Config{})
	walletPort, parentPort := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx, walletPort)

	// The parent answers bridge requests like the top-level window would.
	go func() {
		for raw := range parentPort.Receive() {
			env, err := DecodeEnvelope(raw)
			if err != nil || env.Type != TypeParentCredential {
				continue
			}
			reply, _ := json.Marshal(Envelope{
				Type:      TypeParentCredentialResult,
				RequestID: env.RequestID,
				Payload:   json.RawMessage(`{"credential":{"id":"cred-1","type":"public-key"}}`),
			})
			parentPort.Send(reply)
		}
	}()

	bridgeCtx, bridgeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bridgeCancel()
	result, err := r.RequestParentCredential(bridgeCtx, walletPort, ParentCredentialRequest{
		Kind:      "get",
		PublicKey: json.RawMessage(`{"challenge":"abc"}`),
	})
	if err != nil {
		t.Fatalf("RequestParentCredential() error = %v", err)
	}
	if result.Credential == nil {
		t.Fatal("expected a serialized credential")
	}
}

func TestErrorPayloadStripsDetails(t *testing.T) {
	err := errors.Unavailable("relay", errors.Internal("connection refused to 10.0.0.8", nil))
	payload := errorPayloadFrom(err)
	if payload.Details != nil {
		t.Error("details must be stripped at the parent boundary")
	}
	if payload.Code != string(errors.ErrCodeUnavailable) {
		t.Errorf("code = %s", payload.Code)
	}
}

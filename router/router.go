package router

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// DefaultRequestTimeout is the worker default per-request budget.
const DefaultRequestTimeout = 60 * time.Second

// Progress streams intermediate events back to the requester.
type Progress func(payload interface{})

// Handler serves one request type.
type Handler func(ctx context.Context, env *Envelope, progress Progress) (interface{}, error)

// CancelHook runs when a request is cancelled or times out; it releases
// nonce reservations and destroys in-flight signer sessions.
type CancelHook func(requestID string)

type pendingRequest struct {
	cancel context.CancelFunc
	sticky bool
}

// Router dispatches envelopes arriving on the wallet port.
type Router struct {
	log            *logging.Logger
	defaultTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	sticky   map[string]bool
	pending  map[string]*pendingRequest
	onCancel CancelHook

	// Overlay bookkeeping: the overlay stays mounted while any request is
	// visible; sticky requests keep it mounted until WALLET_UI_CLOSED.
	overlayCount   int
	stickyOverlays map[string]bool

	// Parent-bridge requests awaiting their reply.
	bridge map[string]chan *Envelope
}

// Config configures a Router.
type Config struct {
	Log            *logging.Logger
	DefaultTimeout time.Duration
	OnCancel       CancelHook
}

// New creates a router.
func New(cfg Config) *Router {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	onCancel := cfg.OnCancel
	if onCancel == nil {
		onCancel = func(string) {}
	}
	return &Router{
		log:            log,
		defaultTimeout: timeout,
		handlers:       make(map[string]Handler),
		sticky:         make(map[string]bool),
		pending:        make(map[string]*pendingRequest),
		onCancel:       onCancel,
		stickyOverlays: make(map[string]bool),
		bridge:         make(map[string]chan *Envelope),
	}
}

// Handle registers a handler for a request type.
func (r *Router) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// MarkSticky marks a request type as overlay-sticky: the overlay is hidden
// only on WALLET_UI_CLOSED, not on completion.
func (r *Router) MarkSticky(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky[msgType] = true
}

// OverlayVisible reports whether any overlay is currently mounted.
func (r *Router) OverlayVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlayCount > 0 || len(r.stickyOverlays) > 0
}

// Serve runs the read loop over the port until the context ends or the port
// closes. The first CONNECT is answered with READY{protocolVersion}; all
// later traffic is request/response.
func (r *Router) Serve(ctx context.Context, port Port) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-port.Receive():
			if !ok {
				return
			}
			env, err := DecodeEnvelope(raw)
			if err != nil {
				r.sendError(port, "", err)
				continue
			}
			r.dispatch(ctx, port, env)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, port Port, env *Envelope) {
	switch env.Type {
	case TypeConnect:
		r.send(port, TypeReady, "", ReadyPayload{ProtocolVersion: ProtocolVersion})
		return

	case TypeCancel:
		r.cancelRequest(env.RequestID)
		return

	case TypeWalletUIClosed:
		r.mu.Lock()
		delete(r.stickyOverlays, env.RequestID)
		r.mu.Unlock()
		return

	case TypeParentCredentialResult, TypeUIDecision:
		r.mu.Lock()
		waiter := r.bridge[env.RequestID]
		delete(r.bridge, env.RequestID)
		r.mu.Unlock()
		if waiter != nil {
			waiter <- env
		}
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[env.Type]
	r.mu.Unlock()
	if !ok {
		r.sendError(port, env.RequestID, errors.InvalidEnvelope("unknown request type "+env.Type))
		return
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	timeout := r.defaultTimeout
	if env.Options != nil && env.Options.TimeoutMs > 0 {
		timeout = time.Duration(env.Options.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	isSticky := r.sticky[env.Type]
	r.mu.Lock()
	r.pending[env.RequestID] = &pendingRequest{cancel: cancel, sticky: isSticky}
	r.overlayCount++
	if isSticky {
		r.stickyOverlays[env.RequestID] = true
	}
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.pending, env.RequestID)
			r.overlayCount--
			r.mu.Unlock()
		}()
		defer func() {
			// A panicking handler fails its own request, not the process.
			if rec := recover(); rec != nil {
				r.log.WithFields(map[string]interface{}{
					"panic":      fmt.Sprintf("%v", rec),
					"stack":      string(debug.Stack()),
					"type":       env.Type,
					"request_id": env.RequestID,
				}).Error("Panic recovered in request handler")
				r.onCancel(env.RequestID)
				r.sendError(port, env.RequestID, errors.Internal("internal error", nil))
			}
		}()

		progress := func(payload interface{}) {
			r.send(port, TypeProgress, env.RequestID, payload)
		}
		result, err := handler(reqCtx, env, progress)
		if reqCtx.Err() == context.DeadlineExceeded {
			err = errors.Timeout(env.Type)
		}
		if err != nil {
			r.onCancel(env.RequestID)
			r.sendError(port, env.RequestID, err)
			return
		}
		if sanErr := sanitizeOutgoing(result); sanErr != nil {
			r.log.WithError(sanErr).Error("Response failed sanitization")
			r.sendError(port, env.RequestID, sanErr)
			return
		}
		r.send(port, TypeResult, env.RequestID, result)
	}()
}

// cancelRequest handles PM_CANCEL: the handler context is cancelled, the
// cancel hook releases nonces and signer sessions, and a sticky overlay is
// torn down as if WALLET_UI_CLOSED had arrived.
func (r *Router) cancelRequest(requestID string) {
	r.mu.Lock()
	req := r.pending[requestID]
	delete(r.stickyOverlays, requestID)
	r.mu.Unlock()
	if req != nil {
		req.cancel()
	}
	r.onCancel(requestID)
}

// sanitizeOutgoing rejects responses carrying secrets or internal handles.
func sanitizeOutgoing(payload interface{}) error {
	if payload == nil {
		return nil
	}
	if err := webauthn.ScanForForbiddenFields(payload); err != nil {
		return err
	}
	return webauthn.ScanForInternalHandles(payload)
}

func (r *Router) send(port Port, msgType, requestID string, payload interface{}) {
	raw, err := encodeEnvelope(msgType, requestID, payload)
	if err != nil {
		r.log.WithError(err).Error("Encode envelope failed")
		return
	}
	if err := port.Send(raw); err != nil {
		r.log.WithError(err).Debug("Port send failed")
	}
}

func (r *Router) sendError(port Port, requestID string, err error) {
	r.send(port, TypeError, requestID, errorPayloadFrom(err))
}

// =============================================================================
// Parent WebAuthn bridge (Safari cross-origin fallback)
// =============================================================================

// ParentCredentialRequest asks the parent window to run the WebAuthn
// ceremony at the top level when the wallet origin cannot.
type ParentCredentialRequest struct {
	Kind      string          `json:"kind"` // "create" or "get"
	PublicKey json.RawMessage `json:"publicKey"`
}

// ParentCredentialResult is the serialized ceremony result returned by the
// parent.
type ParentCredentialResult struct {
	Credential json.RawMessage `json:"credential,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// requestFromPeer sends an outbound bridge request and waits for its reply
// envelope (matched by request id).
func (r *Router) requestFromPeer(ctx context.Context, port Port, msgType string, payload interface{}) (*Envelope, error) {
	requestID := uuid.NewString()
	waiter := make(chan *Envelope, 1)
	r.mu.Lock()
	r.bridge[requestID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.bridge, requestID)
		r.mu.Unlock()
	}()

	r.send(port, msgType, requestID, payload)

	select {
	case env := <-waiter:
		return env, nil
	case <-ctx.Done():
		return nil, errors.Timeout(msgType)
	}
}

// RequestParentCredential sends a bridge request over the port and waits for
// the matching PARENT_CREDENTIAL_RESULT.
func (r *Router) RequestParentCredential(ctx context.Context, port Port, req ParentCredentialRequest) (*ParentCredentialResult, error) {
	env, err := r.requestFromPeer(ctx, port, TypeParentCredential, req)
	if err != nil {
		return nil, err
	}
	var result ParentCredentialResult
	if err := DecodePayload(env, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.NotAuthorized(result.Error)
	}
	return &result, nil
}

// RequestUIDecision asks the wallet document to render a confirmation
// surface and waits for the reported decision payload.
func (r *Router) RequestUIDecision(ctx context.Context, port Port, prompt interface{}) (json.RawMessage, error) {
	env, err := r.requestFromPeer(ctx, port, TypeUIPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

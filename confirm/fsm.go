package confirm

import (
	"context"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/nonce"
	"github.com/R3E-Network/passkey_wallet/vrf"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// RequestType classifies what the caller wants confirmed.
type RequestType string

const (
	RequestDecryptPrivateKey RequestType = "decryptPrivateKey"
	RequestExportPrivateKey  RequestType = "exportPrivateKey"
	RequestRegistration      RequestType = "registration"
	RequestLinkDevice        RequestType = "linkDevice"
	RequestSignTransactions  RequestType = "signTransactions"
	RequestSignNEP413        RequestType = "signNep413"
	RequestSignDelegate      RequestType = "signDelegate"
)

// Class groups request types by their preparation needs.
type Class int

const (
	ClassLocalOnly Class = iota
	ClassRegistration
	ClassSigning
)

// Classify maps a request type onto its class.
func Classify(t RequestType) Class {
	switch t {
	case RequestDecryptPrivateKey, RequestExportPrivateKey:
		return ClassLocalOnly
	case RequestRegistration, RequestLinkDevice:
		return ClassRegistration
	default:
		return ClassSigning
	}
}

// State is one step of the confirmation timeline. The timeline is identical
// for every uiMode; skip merely collapses the AwaitingUI step.
type State string

const (
	StateClassifying          State = "Classifying"
	StatePreparing            State = "Preparing"
	StateAwaitingUI           State = "AwaitingUI"
	StateRefreshing           State = "Refreshing"
	StateCollectingCredential State = "CollectingCredential"
	StateResponding           State = "Responding"
	StateDone                 State = "Done"
	StateCancelled            State = "Cancelled"
	StateTimeout              State = "Timeout"
	StateMismatchedIntent     State = "MismatchedIntent"
)

// ErrUIDigestMismatch is the wire error string for the intent digest gate.
const ErrUIDigestMismatch = "ui_digest_mismatch"

// Event is a progress notification emitted between request and result.
type Event struct {
	RequestID string `json:"requestId"`
	State     State  `json:"state"`
}

// Prompt is what the UI renders.
type Prompt struct {
	RequestID string      `json:"requestId"`
	Type      RequestType `json:"type"`
	AccountID string      `json:"accountId"`
	Config    UIConfig    `json:"config"`
	Summaries []TxSummary `json:"summaries,omitempty"`
}

// Decision is the UI's answer. IntentDigest is the digest the UI computed
// over what it actually rendered.
type Decision struct {
	Confirmed    bool   `json:"confirmed"`
	IntentDigest string `json:"intentDigest,omitempty"`
}

// UI renders confirmation surfaces.
type UI interface {
	Prompt(ctx context.Context, p Prompt) (Decision, error)
	Close(requestID string)
}

// CreateOptions parameterize a WebAuthn create() call.
type CreateOptions struct {
	AccountID    string
	DeviceNumber int
	RpID         string
	Challenge    *vrf.Challenge
}

// GetOptions parameterize a WebAuthn get() call.
type GetOptions struct {
	AccountID string
	RpID      string
	Challenge *vrf.Challenge
}

// CredentialCollector performs the authenticator ceremonies. A NotAllowed
// cancellation surfaces as errors.ErrCodeUserCancelled; a create() against
// an already-registered credential surfaces as errors.ErrCodeCredentialUsed.
type CredentialCollector interface {
	Create(ctx context.Context, opts CreateOptions) (*webauthn.RegistrationCredential, error)
	Get(ctx context.Context, opts GetOptions) (*webauthn.AuthenticationCredential, error)
}

// SeedSink receives the PRF first output extracted from a collected
// credential; typically a signer session's WrapKeySeed port.
type SeedSink interface {
	DeliverWrapKeySeed(seed []byte)
}

// VRFEngine is the VRF surface the state machine drives.
type VRFEngine interface {
	GenerateChallenge(input vrf.ChallengeInput) (*vrf.Challenge, error)
	GenerateBootstrapKeypair(input vrf.ChallengeInput, saveInMemory bool) (*vrf.Challenge, string, error)
}

// NonceSource is the nonce manager surface the state machine drives.
type NonceSource interface {
	GetContext(ctx context.Context, rpc chain.RPC, force bool) (*nonce.TransactionContext, error)
	ReserveNonces(n int) ([]string, error)
	ReleaseNonce(n string)
}

// Request is one confirmation request.
type Request struct {
	RequestID      string      `json:"requestId"`
	Type           RequestType `json:"type"`
	AccountID      string      `json:"accountId"`
	RpID           string      `json:"rpId"`
	DeviceNumber   int         `json:"deviceNumber,omitempty"`
	Summaries      []TxSummary `json:"summaries,omitempty"`
	IntentDigest   string      `json:"intentDigest,omitempty"`
	NonceCount     int         `json:"nonceCount,omitempty"`
	ConfigOverride *UIConfig   `json:"confirmationConfig,omitempty"`
	Preferences    *UIConfig   `json:"-"`
}

// Result is the sanitized decision returned to the caller. PRF output is
// never present; it flows only through the SeedSink.
type Result struct {
	RequestID                string                             `json:"requestId"`
	IntentDigest             string                             `json:"intentDigest,omitempty"`
	Confirmed                bool                               `json:"confirmed"`
	State                    State                              `json:"state"`
	Sticky                   bool                               `json:"sticky,omitempty"`
	DeviceNumber             int                                `json:"deviceNumber,omitempty"`
	VRFChallenge             *vrf.Challenge                     `json:"vrfChallenge,omitempty"`
	VRFPublicKey             string                             `json:"vrfPublicKey,omitempty"`
	TransactionContext       *nonce.TransactionContext          `json:"transactionContext,omitempty"`
	ReservedNonces           []string                           `json:"reservedNonces,omitempty"`
	RegistrationCredential   *webauthn.RegistrationCredential   `json:"registrationCredential,omitempty"`
	AuthenticationCredential *webauthn.AuthenticationCredential `json:"authenticationCredential,omitempty"`
	Error                    string                             `json:"error,omitempty"`
}

// FSM is the confirmation state machine.
type FSM struct {
	log       *logging.Logger
	vrfEngine VRFEngine
	nonces    NonceSource
	rpc       chain.RPC
	ui        UI
	collector CredentialCollector
	platform  Platform
	emit      func(Event)
	sleep     func(time.Duration)
}

// Deps wires the state machine's collaborators.
type Deps struct {
	Log       *logging.Logger
	VRF       VRFEngine
	Nonces    NonceSource
	RPC       chain.RPC
	UI        UI
	Collector CredentialCollector
	Platform  Platform
	Emit      func(Event)
	Sleep     func(time.Duration)
}

// New creates a confirmation state machine.
func New(deps Deps) *FSM {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	emit := deps.Emit
	if emit == nil {
		emit = func(Event) {}
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &FSM{
		log:       log,
		vrfEngine: deps.VRF,
		nonces:    deps.Nonces,
		rpc:       deps.RPC,
		ui:        deps.UI,
		collector: deps.Collector,
		platform:  deps.Platform,
		emit:      emit,
		sleep:     sleep,
	}
}

// run-scoped preparation state.
type prepared struct {
	challenge      *vrf.Challenge
	bootstrapPub   string
	txContext      *nonce.TransactionContext
	reservedNonces []string
	deviceNumber   int
}

// Run drives a request through the full timeline and returns the sanitized
// result. seedSink may be nil when no signer session is attached.
func (f *FSM) Run(ctx context.Context, req *Request, seedSink SeedSink) *Result {
	f.emit(Event{RequestID: req.RequestID, State: StateClassifying})
	class := Classify(req.Type)
	cfg := ResolveConfig(req.Type, req.ConfigOverride, req.Preferences, f.platform)

	f.emit(Event{RequestID: req.RequestID, State: StatePreparing})
	prep, err := f.prepare(ctx, req, class)
	if err != nil {
		return f.fail(req, prep, StateCancelled, err)
	}

	// UI step. The timeline is the same for modal and drawer; skip only
	// collapses this step.
	if cfg.UIMode != UIModeSkip {
		f.emit(Event{RequestID: req.RequestID, State: StateAwaitingUI})
		decision, uiErr := f.ui.Prompt(ctx, Prompt{
			RequestID: req.RequestID,
			Type:      req.Type,
			AccountID: req.AccountID,
			Config:    cfg,
			Summaries: req.Summaries,
		})
		if uiErr != nil {
			return f.fail(req, prep, StateCancelled, errors.UserCancelled())
		}
		if req.IntentDigest != "" && decision.IntentDigest != "" && decision.IntentDigest != req.IntentDigest {
			return f.fail(req, prep, StateMismatchedIntent, errors.DigestMismatch())
		}
		if !decision.Confirmed {
			return f.fail(req, prep, StateCancelled, errors.UserCancelled())
		}
		if cfg.Behavior == BehaviorAutoProceed && cfg.AutoProceedDelay > 0 {
			f.sleep(cfg.AutoProceedDelay)
		}
	}

	// JIT refresh: regenerate the challenge against the freshest chain
	// context just before touching the authenticator.
	f.emit(Event{RequestID: req.RequestID, State: StateRefreshing})
	if err := f.refresh(ctx, req, class, prep); err != nil {
		return f.fail(req, prep, StateCancelled, err)
	}

	f.emit(Event{RequestID: req.RequestID, State: StateCollectingCredential})
	result := &Result{
		RequestID:          req.RequestID,
		IntentDigest:       req.IntentDigest,
		Confirmed:          true,
		VRFChallenge:       prep.challenge,
		VRFPublicKey:       prep.bootstrapPub,
		TransactionContext: prep.txContext,
		ReservedNonces:     prep.reservedNonces,
		DeviceNumber:       prep.deviceNumber,
		Sticky:             req.Type == RequestExportPrivateKey,
	}
	if err := f.collect(ctx, req, class, prep, result, seedSink); err != nil {
		return f.fail(req, prep, stateForError(err), err)
	}

	f.emit(Event{RequestID: req.RequestID, State: StateResponding})
	result.State = StateDone
	if err := webauthn.ScanForForbiddenFields(result); err != nil {
		// Invariant violation: never let a secret-bearing result out.
		f.log.WithError(err).Error("Confirmation result failed sanitization")
		return f.fail(req, prep, StateCancelled, err)
	}
	f.emit(Event{RequestID: req.RequestID, State: StateDone})
	return result
}

func stateForError(err error) State {
	switch errors.CodeOf(err) {
	case errors.ErrCodeTimeout:
		return StateTimeout
	case errors.ErrCodeDigestMismatch:
		return StateMismatchedIntent
	default:
		return StateCancelled
	}
}

// fail releases reserved nonces, closes the UI, and shapes the error result.
func (f *FSM) fail(req *Request, prep *prepared, state State, err error) *Result {
	if prep != nil {
		for _, n := range prep.reservedNonces {
			f.nonces.ReleaseNonce(n)
		}
	}
	f.ui.Close(req.RequestID)

	message := ""
	if se, ok := errors.AsServiceError(err); ok {
		if se.Code == errors.ErrCodeDigestMismatch {
			message = ErrUIDigestMismatch
		} else {
			message = se.Sanitized().Message
		}
	} else if err != nil {
		message = "confirmation failed"
	}
	f.emit(Event{RequestID: req.RequestID, State: state})
	return &Result{
		RequestID:    req.RequestID,
		IntentDigest: req.IntentDigest,
		Confirmed:    false,
		State:        state,
		Error:        message,
	}
}

func (f *FSM) prepare(ctx context.Context, req *Request, class Class) (*prepared, error) {
	prep := &prepared{deviceNumber: req.DeviceNumber}
	switch class {
	case ClassLocalOnly:
		// No chain calls. A random challenge feeds UI plumbing only.
		challenge, _, err := f.vrfEngine.GenerateBootstrapKeypair(vrf.ChallengeInput{
			UserID:    req.AccountID,
			RpID:      req.RpID,
			BlockHash: randomBlockHash(),
		}, false)
		if err != nil {
			return prep, err
		}
		prep.challenge = challenge

	case ClassRegistration:
		header, err := f.viewBlock(ctx)
		if err != nil {
			return prep, err
		}
		challenge, pub, err := f.vrfEngine.GenerateBootstrapKeypair(vrf.ChallengeInput{
			UserID:      req.AccountID,
			RpID:        req.RpID,
			BlockHeight: header.Height,
			BlockHash:   []byte(header.Hash),
		}, true)
		if err != nil {
			return prep, err
		}
		prep.challenge = challenge
		prep.bootstrapPub = pub
		if prep.deviceNumber == 0 {
			prep.deviceNumber = 1
		}

	case ClassSigning:
		txContext, err := f.nonces.GetContext(ctx, f.rpc, false)
		if err != nil {
			return prep, err
		}
		prep.txContext = txContext

		count := req.NonceCount
		if count == 0 {
			count = len(req.Summaries)
		}
		if count == 0 {
			count = 1
		}
		reserved, err := f.nonces.ReserveNonces(count)
		if err != nil {
			return prep, err
		}
		prep.reservedNonces = reserved

		challenge, err := f.vrfEngine.GenerateChallenge(vrf.ChallengeInput{
			UserID:      req.AccountID,
			RpID:        req.RpID,
			BlockHeight: txContext.TxBlockHeight,
			BlockHash:   []byte(txContext.TxBlockHash),
		})
		if err != nil {
			return prep, err
		}
		prep.challenge = challenge
	}
	return prep, nil
}

// refresh regenerates the challenge against fresh chain context.
func (f *FSM) refresh(ctx context.Context, req *Request, class Class, prep *prepared) error {
	switch class {
	case ClassLocalOnly:
		return nil

	case ClassRegistration:
		header, err := f.viewBlock(ctx)
		if err != nil {
			return err
		}
		challenge, err := f.vrfEngine.GenerateChallenge(vrf.ChallengeInput{
			UserID:      req.AccountID,
			RpID:        req.RpID,
			BlockHeight: header.Height,
			BlockHash:   []byte(header.Hash),
		})
		if err != nil {
			return err
		}
		prep.challenge = challenge

	case ClassSigning:
		txContext, err := f.nonces.GetContext(ctx, f.rpc, false)
		if err != nil {
			return err
		}
		prep.txContext = txContext
		challenge, err := f.vrfEngine.GenerateChallenge(vrf.ChallengeInput{
			UserID:      req.AccountID,
			RpID:        req.RpID,
			BlockHeight: txContext.TxBlockHeight,
			BlockHash:   []byte(txContext.TxBlockHash),
		})
		if err != nil {
			return err
		}
		prep.challenge = challenge
	}
	return nil
}

func (f *FSM) collect(ctx context.Context, req *Request, class Class, prep *prepared, result *Result, seedSink SeedSink) error {
	switch class {
	case ClassRegistration:
		cred, err := f.collector.Create(ctx, CreateOptions{
			AccountID:    req.AccountID,
			DeviceNumber: prep.deviceNumber,
			RpID:         req.RpID,
			Challenge:    prep.challenge,
		})
		if err != nil && errors.IsCode(err, errors.ErrCodeCredentialUsed) {
			// InvalidStateError: the authenticator already holds this user
			// handle. Bump the device number and retry exactly once.
			prep.deviceNumber++
			result.DeviceNumber = prep.deviceNumber
			cred, err = f.collector.Create(ctx, CreateOptions{
				AccountID:    req.AccountID,
				DeviceNumber: prep.deviceNumber,
				RpID:         req.RpID,
				Challenge:    prep.challenge,
			})
		}
		if err != nil {
			return err
		}
		prf, err := cred.TakePRF()
		if err != nil {
			return errors.Internal("registration credential missing PRF", err)
		}
		deliverSeed(seedSink, prf)
		result.RegistrationCredential = cred

	default:
		cred, err := f.collector.Get(ctx, GetOptions{
			AccountID: req.AccountID,
			RpID:      req.RpID,
			Challenge: prep.challenge,
		})
		if err != nil {
			return err
		}
		prf, err := cred.TakePRF()
		if err != nil {
			return errors.Internal("authentication credential missing PRF", err)
		}
		deliverSeed(seedSink, prf)
		result.AuthenticationCredential = cred
	}
	return nil
}

func deliverSeed(sink SeedSink, prf *webauthn.PRFOutputs) {
	if sink != nil && len(prf.First) > 0 {
		sink.DeliverWrapKeySeed(prf.First)
	}
	crypto.Zeroize(prf.First)
	crypto.Zeroize(prf.Second)
}

func (f *FSM) viewBlock(ctx context.Context) (*chain.BlockHeader, error) {
	header, err := f.rpc.ViewBlock(ctx, chain.FinalityFinal)
	if err != nil {
		return nil, errors.RPCFailed("view_block", err)
	}
	return header, nil
}

func randomBlockHash() []byte {
	b, err := crypto.GenerateRandomBytes(32)
	if err != nil {
		return make([]byte, 32)
	}
	return b
}

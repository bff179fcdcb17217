package confirm

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/nonce"
	"github.com/R3E-Network/passkey_wallet/vrf"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// ---- fakes ----

type fakeVRF struct {
	challenges int
}

func (f *fakeVRF) GenerateChallenge(input vrf.ChallengeInput) (*vrf.Challenge, error) {
	f.challenges++
	return &vrf.Challenge{
		VRFOutput:   "out-" + strconv.Itoa(f.challenges),
		UserID:      input.UserID,
		RpID:        input.RpID,
		BlockHeight: input.BlockHeight,
	}, nil
}

func (f *fakeVRF) GenerateBootstrapKeypair(input vrf.ChallengeInput, save bool) (*vrf.Challenge, string, error) {
	f.challenges++
	return &vrf.Challenge{VRFOutput: "bootstrap", UserID: input.UserID}, "vrf-pub-bootstrap", nil
}

type fakeNonces struct {
	mu       sync.Mutex
	next     uint64
	reserved map[string]bool
	released []string
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{next: 101, reserved: make(map[string]bool)}
}

func (f *fakeNonces) GetContext(ctx context.Context, rpc chain.RPC, force bool) (*nonce.TransactionContext, error) {
	return &nonce.TransactionContext{TxBlockHash: "hash", TxBlockHeight: 5000, NextNonce: "101"}, nil
}

func (f *fakeNonces) ReserveNonces(n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v := strconv.FormatUint(f.next, 10)
		f.next++
		f.reserved[v] = true
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeNonces) ReleaseNonce(n string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserved[n] {
		delete(f.reserved, n)
		f.released = append(f.released, n)
	}
}

type fakeRPC struct{}

func (fakeRPC) ViewBlock(ctx context.Context, finality chain.Finality) (*chain.BlockHeader, error) {
	return &chain.BlockHeader{Height: 9000, Hash: "BlockHash9000"}, nil
}
func (fakeRPC) ViewAccessKey(ctx context.Context, a, p string, f chain.Finality) (*chain.AccessKeyView, error) {
	return &chain.AccessKeyView{Nonce: 100}, nil
}
func (fakeRPC) SendTransaction(ctx context.Context, tx []byte, w string) (*chain.TxOutcome, error) {
	return &chain.TxOutcome{}, nil
}

type fakeUI struct {
	decision Decision
	err      error
	prompts  []Prompt
	closed   []string
}

func (f *fakeUI) Prompt(ctx context.Context, p Prompt) (Decision, error) {
	f.prompts = append(f.prompts, p)
	return f.decision, f.err
}

func (f *fakeUI) Close(requestID string) {
	f.closed = append(f.closed, requestID)
}

type fakeCollector struct {
	creates       int
	gets          int
	failFirstCreate bool
	createErr     error
	getErr        error
}

func prfExtension() *webauthn.ExtensionResults {
	return &webauthn.ExtensionResults{PRF: &webauthn.PRFExtension{
		Results: webauthn.PRFResults{First: webauthn.EncodeB64u(bytes.Repeat([]byte{0xaa}, 32))},
	}}
}

func (f *fakeCollector) Create(ctx context.Context, opts CreateOptions) (*webauthn.RegistrationCredential, error) {
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.failFirstCreate && f.creates == 1 {
		return nil, errors.CredentialAlreadyRegistered()
	}
	return &webauthn.RegistrationCredential{
		ID:               "cred-dev" + strconv.Itoa(opts.DeviceNumber),
		Type:             "public-key",
		ExtensionResults: prfExtension(),
	}, nil
}

func (f *fakeCollector) Get(ctx context.Context, opts GetOptions) (*webauthn.AuthenticationCredential, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &webauthn.AuthenticationCredential{
		ID:               "cred-1",
		Type:             "public-key",
		ExtensionResults: prfExtension(),
	}, nil
}

type fakeSink struct {
	seeds [][]byte
}

func (f *fakeSink) DeliverWrapKeySeed(seed []byte) {
	f.seeds = append(f.seeds, append([]byte{}, seed...))
}

type harness struct {
	fsm       *FSM
	vrfEngine *fakeVRF
	nonces    *fakeNonces
	ui        *fakeUI
	collector *fakeCollector
	events    []Event
}

func newHarness(platform Platform) *harness {
	h := &harness{
		vrfEngine: &fakeVRF{},
		nonces:    newFakeNonces(),
		ui:        &fakeUI{decision: Decision{Confirmed: true}},
		collector: &fakeCollector{},
	}
	h.fsm = New(Deps{
		VRF:       h.vrfEngine,
		Nonces:    h.nonces,
		RPC:       fakeRPC{},
		UI:        h.ui,
		Collector: h.collector,
		Platform:  platform,
		Emit:      func(e Event) { h.events = append(h.events, e) },
		Sleep:     func(time.Duration) {},
	})
	return h
}

func signingRequest() *Request {
	summaries := []TxSummary{{ReceiverID: "bob.testnet", Actions: []string{"Transfer 10"}}}
	return &Request{
		RequestID:    "req-1",
		Type:         RequestSignTransactions,
		AccountID:    "alice.testnet",
		RpID:         "wallet.example",
		Summaries:    summaries,
		IntentDigest: IntentDigest(summaries),
	}
}

// ---- tests ----

func TestSigningHappyPath(t *testing.T) {
	h := newHarness(Platform{})
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: true, IntentDigest: req.IntentDigest}

	result := h.fsm.Run(context.Background(), req, nil)
	if !result.Confirmed {
		t.Fatalf("result = %+v", result)
	}
	if result.State != StateDone {
		t.Errorf("state = %s", result.State)
	}
	if len(result.ReservedNonces) != 1 || result.ReservedNonces[0] != "101" {
		t.Errorf("reserved = %v", result.ReservedNonces)
	}
	if result.AuthenticationCredential == nil {
		t.Error("expected an authentication credential")
	}
	if result.AuthenticationCredential.HasPRF() {
		t.Error("credential in result must be PRF-stripped")
	}
	if h.collector.gets != 1 {
		t.Errorf("get() calls = %d", h.collector.gets)
	}
	// JIT refresh regenerated the challenge after the UI step.
	if h.vrfEngine.challenges < 2 {
		t.Errorf("challenges = %d, want >= 2 (prepare + refresh)", h.vrfEngine.challenges)
	}
}

func TestEventTimeline(t *testing.T) {
	h := newHarness(Platform{})
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: true, IntentDigest: req.IntentDigest}
	h.fsm.Run(context.Background(), req, nil)

	want := []State{StateClassifying, StatePreparing, StateAwaitingUI, StateRefreshing, StateCollectingCredential, StateResponding, StateDone}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v", h.events)
	}
	for i, e := range h.events {
		if e.State != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, e.State, want[i])
		}
	}
}

func TestDigestMismatchAbortsBeforeCredential(t *testing.T) {
	h := newHarness(Platform{})
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: true, IntentDigest: "different-digest"}

	result := h.fsm.Run(context.Background(), req, nil)
	if result.Confirmed {
		t.Fatal("mismatched digest must not confirm")
	}
	if result.Error != ErrUIDigestMismatch {
		t.Errorf("error = %q, want %q", result.Error, ErrUIDigestMismatch)
	}
	if result.State != StateMismatchedIntent {
		t.Errorf("state = %s", result.State)
	}
	if h.collector.gets != 0 || h.collector.creates != 0 {
		t.Error("no credential ceremony may run after a digest mismatch")
	}
	if len(h.nonces.released) != 1 {
		t.Errorf("released nonces = %v, want the reserved one", h.nonces.released)
	}
}

func TestUserCancellationReleasesNonces(t *testing.T) {
	h := newHarness(Platform{})
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: false}

	result := h.fsm.Run(context.Background(), req, nil)
	if result.Confirmed || result.State != StateCancelled {
		t.Fatalf("result = %+v", result)
	}
	if len(h.nonces.released) != 1 {
		t.Errorf("released = %v", h.nonces.released)
	}
	if h.collector.gets != 0 {
		t.Error("cancelled request must not collect credentials")
	}
}

func TestRegistrationBumpsDeviceNumberOnce(t *testing.T) {
	h := newHarness(Platform{})
	h.collector.failFirstCreate = true

	result := h.fsm.Run(context.Background(), &Request{
		RequestID:    "req-r",
		Type:         RequestRegistration,
		AccountID:    "alice.testnet",
		RpID:         "wallet.example",
		DeviceNumber: 1,
	}, nil)

	if !result.Confirmed {
		t.Fatalf("result = %+v", result)
	}
	if h.collector.creates != 2 {
		t.Errorf("create() calls = %d, want 2 (retry once)", h.collector.creates)
	}
	if result.DeviceNumber != 2 {
		t.Errorf("deviceNumber = %d, want 2", result.DeviceNumber)
	}
	if result.RegistrationCredential == nil || result.RegistrationCredential.ID != "cred-dev2" {
		t.Errorf("credential = %+v", result.RegistrationCredential)
	}
}

func TestRegistrationCreateFailureIsTerminal(t *testing.T) {
	h := newHarness(Platform{})
	h.collector.createErr = errors.UserCancelled()

	result := h.fsm.Run(context.Background(), &Request{
		RequestID: "req-r",
		Type:      RequestRegistration,
		AccountID: "alice.testnet",
		RpID:      "wallet.example",
	}, nil)

	if result.Confirmed {
		t.Fatal("expected cancellation")
	}
	if h.collector.creates != 1 {
		t.Errorf("create() calls = %d, want 1 (no retry on cancel)", h.collector.creates)
	}
}

func TestSeedDeliveredToSink(t *testing.T) {
	h := newHarness(Platform{})
	sink := &fakeSink{}
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: true, IntentDigest: req.IntentDigest}

	result := h.fsm.Run(context.Background(), req, sink)
	if !result.Confirmed {
		t.Fatalf("result = %+v", result)
	}
	if len(sink.seeds) != 1 || len(sink.seeds[0]) != 32 {
		t.Fatalf("seeds = %v", sink.seeds)
	}
}

func TestDecryptFlowSkipsUI(t *testing.T) {
	h := newHarness(Platform{})
	result := h.fsm.Run(context.Background(), &Request{
		RequestID: "req-d",
		Type:      RequestDecryptPrivateKey,
		AccountID: "alice.testnet",
		RpID:      "wallet.example",
	}, nil)

	if !result.Confirmed {
		t.Fatalf("result = %+v", result)
	}
	if len(h.ui.prompts) != 0 {
		t.Error("decrypt flow must not prompt")
	}
	if h.collector.gets != 1 {
		t.Error("decrypt flow still collects the credential")
	}
}

func TestExportFlowIsSticky(t *testing.T) {
	h := newHarness(Platform{})
	result := h.fsm.Run(context.Background(), &Request{
		RequestID: "req-e",
		Type:      RequestExportPrivateKey,
		AccountID: "alice.testnet",
		RpID:      "wallet.example",
	}, nil)
	if !result.Sticky {
		t.Error("export result must be sticky")
	}
}

func TestResolveConfigPrecedenceAndClamps(t *testing.T) {
	prefs := &UIConfig{UIMode: UIModeDrawer, Behavior: BehaviorAutoProceed}
	override := &UIConfig{UIMode: UIModeSkip}

	cfg := ResolveConfig(RequestSignTransactions, override, prefs, Platform{})
	if cfg.UIMode != UIModeSkip {
		t.Errorf("override should win: %s", cfg.UIMode)
	}
	if cfg.Behavior != BehaviorAutoProceed {
		t.Errorf("prefs should fill unset fields: %s", cfg.Behavior)
	}

	// Mobile promotes to a visible, clicked surface.
	cfg = ResolveConfig(RequestSignTransactions, override, prefs, Platform{Mobile: true})
	if cfg.UIMode != UIModeModal || cfg.Behavior != BehaviorRequireClick {
		t.Errorf("mobile clamp: %+v", cfg)
	}

	// Decrypt always skips, regardless of layers.
	cfg = ResolveConfig(RequestDecryptPrivateKey, &UIConfig{UIMode: UIModeModal}, nil, Platform{})
	if cfg.UIMode != UIModeSkip {
		t.Errorf("decrypt clamp: %s", cfg.UIMode)
	}

	// Iframe registration forces modal + requireClick.
	cfg = ResolveConfig(RequestRegistration, &UIConfig{UIMode: UIModeDrawer, Behavior: BehaviorAutoProceed}, nil, Platform{WalletIframe: true})
	if cfg.UIMode != UIModeModal || cfg.Behavior != BehaviorRequireClick {
		t.Errorf("iframe registration clamp: %+v", cfg)
	}
}

func TestIntentDigestDeterministic(t *testing.T) {
	a := []TxSummary{{ReceiverID: "bob.testnet", Actions: []string{"Transfer 10", "AddKey"}}}
	b := []TxSummary{{ReceiverID: "bob.testnet", Actions: []string{"AddKey", "Transfer 10"}}}
	if IntentDigest(a) != IntentDigest(b) {
		t.Error("action order within a transaction must not change the digest")
	}

	c := []TxSummary{{ReceiverID: "eve.testnet", Actions: []string{"Transfer 10", "AddKey"}}}
	if IntentDigest(a) == IntentDigest(c) {
		t.Error("different receivers must change the digest")
	}
}

func TestResultPassesSanitization(t *testing.T) {
	h := newHarness(Platform{})
	req := signingRequest()
	h.ui.decision = Decision{Confirmed: true, IntentDigest: req.IntentDigest}
	result := h.fsm.Run(context.Background(), req, nil)

	if err := webauthn.ScanForForbiddenFields(result); err != nil {
		t.Errorf("result carries secrets: %v", err)
	}
	if err := webauthn.ScanForInternalHandles(result); err != nil {
		t.Errorf("result carries handles: %v", err)
	}
}

package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/near/borsh-go"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/router"
	"github.com/R3E-Network/passkey_wallet/storage"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// ---- fakes ----

type autoUI struct{}

func (autoUI) Prompt(ctx context.Context, p confirm.Prompt) (confirm.Decision, error) {
	return confirm.Decision{Confirmed: true, IntentDigest: confirm.IntentDigest(p.Summaries)}, nil
}
func (autoUI) Close(string) {}

type fakeAuthenticator struct {
	mu  sync.Mutex
	prf []byte
}

func (f *fakeAuthenticator) ext() *webauthn.ExtensionResults {
	return &webauthn.ExtensionResults{PRF: &webauthn.PRFExtension{
		Results: webauthn.PRFResults{First: webauthn.EncodeB64u(f.prf)},
	}}
}

func (f *fakeAuthenticator) Create(ctx context.Context, opts confirm.CreateOptions) (*webauthn.RegistrationCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &webauthn.RegistrationCredential{
		ID:    "cred-1",
		RawID: webauthn.EncodeB64u([]byte("cred-1")),
		Type:  "public-key",
		Response: webauthn.RegistrationResponse{
			Transports: []string{"internal"},
			PublicKey:  webauthn.EncodeB64u([]byte{0xa0}),
		},
		ExtensionResults: f.ext(),
	}, nil
}

func (f *fakeAuthenticator) Get(ctx context.Context, opts confirm.GetOptions) (*webauthn.AuthenticationCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &webauthn.AuthenticationCredential{
		ID:               "cred-1",
		RawID:            webauthn.EncodeB64u([]byte("cred-1")),
		Type:             "public-key",
		ExtensionResults: f.ext(),
	}, nil
}

type serviceRPC struct {
	mu    sync.Mutex
	nonce uint64
}

func (r *serviceRPC) ViewBlock(ctx context.Context, f chain.Finality) (*chain.BlockHeader, error) {
	kp, _ := near.KeyPairFromSeed(bytes.Repeat([]byte{1}, 32))
	hash := kp.PublicKey.String()[len("ed25519:"):]
	return &chain.BlockHeader{Height: 5000, Hash: hash}, nil
}

func (r *serviceRPC) ViewAccessKey(ctx context.Context, a, p string, f chain.Finality) (*chain.AccessKeyView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &chain.AccessKeyView{Nonce: r.nonce}, nil
}

func (r *serviceRPC) SendTransaction(ctx context.Context, tx []byte, w string) (*chain.TxOutcome, error) {
	return &chain.TxOutcome{TransactionHash: "hash"}, nil
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc, err := New(Config{
		ClientDB:  store,
		KeysDB:    store,
		RPC:       &serviceRPC{nonce: 100},
		UI:        autoUI{},
		Collector: &fakeAuthenticator{prf: bytes.Repeat([]byte{0x77}, 32)},
		RpID:      "wallet.example",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, store
}

func roundTrip(t *testing.T, svc *Service, reqType, requestID string, payload interface{}) *router.Envelope {
	t.Helper()
	walletPort, parentPort := router.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Serve(ctx, walletPort)

	raw, _ := json.Marshal(payload)
	env, _ := json.Marshal(router.Envelope{Type: reqType, RequestID: requestID, Payload: raw})
	if err := parentPort.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case rawReply := <-parentPort.Receive():
			reply, err := router.DecodeEnvelope(rawReply)
			if err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			if reply.Type == router.TypeProgress {
				continue
			}
			return reply
		case <-deadline:
			t.Fatal("timed out waiting for reply")
		}
	}
}

// ---- tests ----

func TestRegisterThenSignFlow(t *testing.T) {
	svc, store := newTestService(t)

	// Registration persists user, device, VRF blob and key material, and
	// leaves an active VRF session.
	reply := roundTrip(t, svc, ReqRegister, "reg-1", registerPayload{AccountID: "alice.testnet"})
	if reply.Type != router.TypeResult {
		t.Fatalf("register reply = %s: %s", reply.Type, string(reply.Payload))
	}
	var reg struct {
		Confirmed     bool   `json:"confirmed"`
		NearPublicKey string `json:"nearPublicKey"`
		DeviceNumber  int    `json:"deviceNumber"`
	}
	json.Unmarshal(reply.Payload, &reg)
	if !reg.Confirmed || reg.NearPublicKey == "" {
		t.Fatalf("register result = %+v", reg)
	}

	ctx := context.Background()
	if _, err := store.GetUser(ctx, "alice.testnet"); err != nil {
		t.Fatal("user record missing")
	}
	device, err := store.GetDevice(ctx, "alice.testnet", 1)
	if err != nil || device.NearPublicKey != reg.NearPublicKey {
		t.Fatalf("device record = %+v, %v", device, err)
	}
	if _, err := store.GetEncryptedVrf(ctx, "alice.testnet"); err != nil {
		t.Fatal("encrypted VRF blob missing")
	}
	if _, err := store.GetKeyMaterial(ctx, "alice.testnet", 1); err != nil {
		t.Fatal("key material missing")
	}
	status := svc.vrfEngine.CheckStatus()
	if !status.Active || status.AccountID != "alice.testnet" {
		t.Fatalf("vrf session = %+v", status)
	}

	// Signing uses the persisted material and the active VRF session.
	signReply := roundTrip(t, svc, ReqSignTransactions, "sign-1", signTransactionsPayload{
		AccountID:    "alice.testnet",
		DeviceNumber: 1,
		Transactions: []WireTransaction{{
			ReceiverID: "bob.testnet",
			Actions:    []WireAction{{Type: ActionTransfer, Deposit: "1000000"}},
		}},
	})
	if signReply.Type != router.TypeResult {
		t.Fatalf("sign reply = %s: %s", signReply.Type, string(signReply.Payload))
	}
	var signResult struct {
		Confirmed          bool `json:"confirmed"`
		SignedTransactions []struct {
			SignedTxB64 string `json:"signedTransactionBase64"`
			Nonce       string `json:"nonce"`
		} `json:"signedTransactions"`
	}
	json.Unmarshal(signReply.Payload, &signResult)
	if !signResult.Confirmed || len(signResult.SignedTransactions) != 1 {
		t.Fatalf("sign result = %+v", signResult)
	}
	if signResult.SignedTransactions[0].Nonce != "101" {
		t.Errorf("nonce = %s, want 101", signResult.SignedTransactions[0].Nonce)
	}

	// The signed transaction decodes and carries the registered key.
	raw, _ := base64.StdEncoding.DecodeString(signResult.SignedTransactions[0].SignedTxB64)
	var decoded near.SignedTransaction
	if err := borsh.Deserialize(&decoded, raw); err != nil {
		t.Fatalf("deserialize signed tx: %v", err)
	}
	if decoded.Transaction.PublicKey.String() != reg.NearPublicKey {
		t.Error("signed with a different key than registered")
	}
	if decoded.Transaction.SignerID != "alice.testnet" || decoded.Transaction.ReceiverID != "bob.testnet" {
		t.Errorf("tx = %+v", decoded.Transaction)
	}
}

func TestSignWithoutRegistrationFails(t *testing.T) {
	svc, _ := newTestService(t)
	reply := roundTrip(t, svc, ReqSignTransactions, "sign-1", signTransactionsPayload{
		AccountID:    "ghost.testnet",
		DeviceNumber: 1,
		Transactions: []WireTransaction{{
			ReceiverID: "bob.testnet",
			Actions:    []WireAction{{Type: ActionTransfer, Deposit: "1"}},
		}},
	})
	if reply.Type != router.TypeError {
		t.Fatalf("reply = %s", reply.Type)
	}
}

func TestSessionStatusAndLogout(t *testing.T) {
	svc, _ := newTestService(t)
	roundTrip(t, svc, ReqRegister, "reg-1", registerPayload{AccountID: "alice.testnet"})

	reply := roundTrip(t, svc, ReqSessionStatus, "st-1", map[string]string{})
	var status struct {
		Active    bool   `json:"active"`
		AccountID string `json:"accountId"`
	}
	json.Unmarshal(reply.Payload, &status)
	if !status.Active || status.AccountID != "alice.testnet" {
		t.Fatalf("status = %+v", status)
	}

	roundTrip(t, svc, ReqLogout, "lo-1", map[string]string{})
	reply = roundTrip(t, svc, ReqSessionStatus, "st-2", map[string]string{})
	json.Unmarshal(reply.Payload, &status)
	if status.Active {
		t.Error("session should be cleared after logout")
	}
}

func TestWireActionValidation(t *testing.T) {
	if _, _, err := (&WireAction{Type: "Bogus"}).ToAction(); err == nil {
		t.Error("unknown action type must fail")
	}
	if _, _, err := (&WireAction{Type: ActionTransfer, Deposit: "-5"}).ToAction(); err == nil {
		t.Error("negative deposit must fail")
	}
	if _, _, err := (&WireAction{Type: ActionFunctionCall}).ToAction(); err == nil {
		t.Error("function call without method must fail")
	}
	action, label, err := (&WireAction{Type: ActionTransfer, Deposit: "42"}).ToAction()
	if err != nil || label == "" {
		t.Fatalf("transfer: %v", err)
	}
	if action.Transfer.Deposit.String() != "42" {
		t.Errorf("deposit = %s", action.Transfer.Deposit.String())
	}
}

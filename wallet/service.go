package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/nonce"
	"github.com/R3E-Network/passkey_wallet/relay"
	"github.com/R3E-Network/passkey_wallet/router"
	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/storage"
	"github.com/R3E-Network/passkey_wallet/vrf"
)

// Router request types served by the wallet.
const (
	ReqRegister         = "REGISTER_ACCOUNT"
	ReqLogin            = "LOGIN"
	ReqLogout           = "LOGOUT"
	ReqSessionStatus    = "SESSION_STATUS"
	ReqSignTransactions = "SIGN_TRANSACTIONS"
	ReqSignNEP413       = "SIGN_NEP413"
	ReqSignDelegate     = "SIGN_DELEGATE"
	ReqExportKey        = "EXPORT_PRIVATE_KEY"
	ReqBroadcastResult  = "BROADCAST_RESULT"
)

// Service composes the wallet engines behind the router.
type Service struct {
	log          *logging.Logger
	clientDB     storage.ClientDB
	keysDB       storage.NearKeysDB
	vrfEngine    *vrf.Engine
	signerEngine *signer.Engine
	nonces       *nonce.Manager
	rpc          chain.RPC
	shamirClient *shamir.Client
	fsm          *confirm.FSM
	router       *router.Router
	rpID         string

	accounts AccountCreator
	exporter Exporter

	mu             sync.Mutex
	activeAccount  string
	signerSessions map[string]*signer.Session // by requestID, for cancellation
}

// AccountCreator is the relay's account creation surface.
type AccountCreator interface {
	CreateAccount(ctx context.Context, req *relay.CreateAccountRequest) (*relay.CreateAccountResponse, error)
}

// Exporter is the secure private key viewer mounted inside the wallet
// document. The decrypted key goes to it directly and never crosses the
// parent boundary.
type Exporter interface {
	ShowPrivateKey(accountID, privateKey string)
}

// Config wires the service.
type Config struct {
	Log          *logging.Logger
	ClientDB     storage.ClientDB
	KeysDB       storage.NearKeysDB
	RPC          chain.RPC
	ShamirClient *shamir.Client // nil disables server-assisted unlock
	UI           confirm.UI
	Collector    confirm.CredentialCollector
	Platform     confirm.Platform
	RpID         string
	SignerPool   int
	Emit         func(confirm.Event)
	Accounts     AccountCreator // nil skips relay account creation
	Exporter     Exporter       // nil disables the key export viewer
}

// New creates a wallet service and registers its router handlers.
func New(cfg Config) (*Service, error) {
	if cfg.UI == nil || cfg.Collector == nil {
		return nil, errors.MissingParameter("UI / Collector")
	}
	if cfg.RpID == "" {
		return nil, errors.MissingParameter("RpID")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	clientDB := cfg.ClientDB
	if clientDB == nil {
		clientDB = storage.NewMemoryStore()
	}
	keysDB := cfg.KeysDB
	if keysDB == nil {
		keysDB = storage.NewMemoryStore()
	}

	s := &Service{
		log:          log,
		clientDB:     clientDB,
		keysDB:       keysDB,
		rpc:          cfg.RPC,
		shamirClient: cfg.ShamirClient,
		nonces:       nonce.NewManager(log),
		signerEngine: signer.NewEngine(log, signer.EngineConfig{PoolCapacity: cfg.SignerPool}),
		rpID:         cfg.RpID,
		accounts:     cfg.Accounts,
		exporter:     cfg.Exporter,
		signerSessions: make(map[string]*signer.Session),
	}

	vrfOpts := []vrf.EngineOption{}
	if cfg.ShamirClient != nil {
		vrfOpts = append(vrfOpts, vrf.WithShamir(cfg.ShamirClient))
	}
	s.vrfEngine = vrf.NewEngine(log, vrfOpts...)

	s.fsm = confirm.New(confirm.Deps{
		Log:       log,
		VRF:       s.vrfEngine,
		Nonces:    s.nonces,
		RPC:       cfg.RPC,
		UI:        cfg.UI,
		Collector: cfg.Collector,
		Platform:  cfg.Platform,
		Emit:      cfg.Emit,
	})

	s.router = router.New(router.Config{
		Log:      log,
		OnCancel: s.cancelRequest,
	})
	s.registerHandlers()
	return s, nil
}

// Router exposes the configured router for serving.
func (s *Service) Router() *router.Router {
	return s.router
}

// Serve runs the router over a port.
func (s *Service) Serve(ctx context.Context, port router.Port) {
	s.router.Serve(ctx, port)
}

func (s *Service) registerHandlers() {
	s.router.Handle(ReqRegister, s.handleRegister)
	s.router.Handle(ReqLinkDevice, s.handleLinkDevice)
	s.router.Handle(ReqLogin, s.handleLogin)
	s.router.Handle(ReqLogout, s.handleLogout)
	s.router.Handle(ReqSessionStatus, s.handleSessionStatus)
	s.router.Handle(ReqSignTransactions, s.handleSignTransactions)
	s.router.Handle(ReqSignNEP413, s.handleSignNEP413)
	s.router.Handle(ReqSignDelegate, s.handleSignDelegate)
	s.router.Handle(ReqExportKey, s.handleExportKey)
	s.router.Handle(ReqBroadcastResult, s.handleBroadcastResult)
	s.router.MarkSticky(ReqExportKey)
}

// cancelRequest is the router cancellation hook: nonce reservations are
// released and any in-flight signer session is destroyed.
func (s *Service) cancelRequest(requestID string) {
	s.mu.Lock()
	session := s.signerSessions[requestID]
	delete(s.signerSessions, requestID)
	s.mu.Unlock()
	if session != nil {
		session.Terminate()
	}
	s.nonces.ReleaseAllNonces()
}

func (s *Service) trackSession(requestID string, session *signer.Session) {
	s.mu.Lock()
	s.signerSessions[requestID] = session
	s.mu.Unlock()
}

func (s *Service) untrackSession(requestID string) {
	s.mu.Lock()
	delete(s.signerSessions, requestID)
	s.mu.Unlock()
}

// preferences loads the stored confirmation preferences, if any.
func (s *Service) preferences(ctx context.Context, accountID string) *confirm.UIConfig {
	prefs, err := s.clientDB.GetPreferences(ctx, accountID)
	if err != nil {
		return nil
	}
	cfg := prefs.ConfirmationConfig
	return &cfg
}

// switchUser rebinds the nonce manager when the active account changes.
func (s *Service) switchUser(accountID, publicKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeAccount == accountID {
		return
	}
	s.activeAccount = accountID
	s.nonces.InitializeUser(accountID, publicKey)
}

// recoveryTTL bounds pending email recoveries.
const recoveryTTL = 24 * time.Hour

// PruneRecoveries drops pending recoveries past their TTL.
func (s *Service) PruneRecoveries(ctx context.Context) (int, error) {
	return s.clientDB.PrunePendingRecoveries(ctx, time.Now().Add(-recoveryTTL))
}

// walletd runs the wallet core behind a websocket listener. Each connected
// wallet document gets its own service wiring; UI prompts and credential
// ceremonies are bridged back to the document over the same port.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/config"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/router"
	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/storage"
	"github.com/R3E-Network/passkey_wallet/wallet"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

type walletConfig struct {
	ListenAddr   string `env:"WALLET_LISTEN_ADDR,default=:8090"`
	RpID         string `env:"WALLET_RP_ID,default=localhost"`
	RelayBaseURL string `env:"WALLET_RELAY_URL"`
	DatabaseURL  string `env:"WALLET_DATABASE_URL"`
	RPCURLs      string `env:"NEAR_RPC_URLS,default=https://rpc.testnet.near.org"`
	Mobile       bool   `env:"WALLET_PLATFORM_MOBILE,default=false"`
	InIframe     bool   `env:"WALLET_PLATFORM_IFRAME,default=true"`
}

// portUI bridges confirmation prompts to the connected wallet document.
type portUI struct {
	r    *router.Router
	port router.Port
}

func (u *portUI) Prompt(ctx context.Context, p confirm.Prompt) (confirm.Decision, error) {
	raw, err := u.r.RequestUIDecision(ctx, u.port, p)
	if err != nil {
		return confirm.Decision{}, err
	}
	var decision confirm.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return confirm.Decision{}, errors.InvalidEnvelope("ui decision: " + err.Error())
	}
	return decision, nil
}

func (u *portUI) Close(requestID string) {}

// portCollector bridges WebAuthn ceremonies to the document. The document
// runs navigator.credentials itself, or asks its parent when the wallet
// origin cannot (Safari fallback) — either way the serialized result comes
// back over the same bridge.
type portCollector struct {
	r    *router.Router
	port router.Port
}

func (c *portCollector) Create(ctx context.Context, opts confirm.CreateOptions) (*webauthn.RegistrationCredential, error) {
	publicKey, _ := json.Marshal(opts)
	result, err := c.r.RequestParentCredential(ctx, c.port, router.ParentCredentialRequest{
		Kind:      "create",
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, err
	}
	var cred webauthn.RegistrationCredential
	if err := json.Unmarshal(result.Credential, &cred); err != nil {
		return nil, errors.InvalidEnvelope("registration credential: " + err.Error())
	}
	return &cred, nil
}

func (c *portCollector) Get(ctx context.Context, opts confirm.GetOptions) (*webauthn.AuthenticationCredential, error) {
	publicKey, _ := json.Marshal(opts)
	result, err := c.r.RequestParentCredential(ctx, c.port, router.ParentCredentialRequest{
		Kind:      "get",
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, err
	}
	var cred webauthn.AuthenticationCredential
	if err := json.Unmarshal(result.Credential, &cred); err != nil {
		return nil, errors.InvalidEnvelope("authentication credential: " + err.Error())
	}
	return &cred, nil
}

// portExporter mounts the secure key viewer in the document. The decrypted
// key is handed to the in-document viewer and never logged or persisted.
type portExporter struct {
	r    *router.Router
	port router.Port
}

func (e *portExporter) ShowPrivateKey(accountID, privateKey string) {
	// One-way: the viewer renders in the wallet document and stays mounted
	// until WALLET_UI_CLOSED (the export flow is sticky).
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = e.r.RequestUIDecision(ctx, e.port, map[string]string{
		"viewer":     "private-key",
		"accountId":  accountID,
		"privateKey": privateKey,
	})
}

func main() {
	config.LoadDotEnv()
	log := logging.NewFromEnv("walletd")

	var cfg walletConfig
	if err := config.Decode(&cfg); err != nil {
		log.WithError(err).Fatal("Config load failed")
	}

	var rpc chain.RPC
	endpoints := config.GetEnvCSV("NEAR_RPC_URLS")
	if len(endpoints) == 0 {
		endpoints = []string{cfg.RPCURLs}
	}
	pool, err := chain.NewPool(chain.PoolConfig{Endpoints: endpoints})
	if err != nil {
		log.WithError(err).Fatal("Chain pool init failed")
	}
	rpc = pool

	var shamirClient *shamir.Client
	if cfg.RelayBaseURL != "" {
		transport, err := shamir.NewHTTPRelay(shamir.HTTPRelayConfig{BaseURL: cfg.RelayBaseURL})
		if err != nil {
			log.WithError(err).Fatal("Relay transport init failed")
		}
		shamirClient = shamir.NewClient(transport)
		// Refuse to run when the relay's prime differs from ours.
		if err := shamirClient.VerifyPrime(); err != nil {
			log.WithError(err).Fatal("Relay prime mismatch")
		}
	}

	var clientDB storage.ClientDB
	var keysDB storage.NearKeysDB
	if cfg.DatabaseURL != "" {
		store, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("Postgres open failed")
		}
		defer store.Close()
		clientDB, keysDB = store, store
	} else {
		store := storage.NewMemoryStore()
		clientDB, keysDB = store, store
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/wallet", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		port := router.NewWebSocketPort(conn)
		defer port.Close()
		defer func() {
			// A panic on this connection's serve loop closes this socket
			// only; the process keeps serving other wallet documents.
			if rec := recover(); rec != nil {
				log.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", rec),
					"stack":       string(debug.Stack()),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("Panic recovered")
			}
		}()

		ui := &portUI{}
		collector := &portCollector{}
		exporter := &portExporter{}
		svc, err := wallet.New(wallet.Config{
			Log:          log,
			ClientDB:     clientDB,
			KeysDB:       keysDB,
			RPC:          rpc,
			ShamirClient: shamirClient,
			UI:           ui,
			Collector:    collector,
			Platform:     confirm.Platform{Mobile: cfg.Mobile, WalletIframe: cfg.InIframe},
			RpID:         cfg.RpID,
			Exporter:     exporter,
		})
		if err != nil {
			log.WithError(err).Error("Wallet service init failed")
			return
		}
		ui.r, ui.port = svc.Router(), port
		collector.r, collector.port = svc.Router(), port
		exporter.r, exporter.port = svc.Router(), port

		svc.Serve(r.Context(), port)
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpMux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithFields(map[string]interface{}{"addr": cfg.ListenAddr, "rp_id": cfg.RpID}).Info("walletd listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("HTTP server failed")
	}
}

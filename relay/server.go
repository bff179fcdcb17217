package relay

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/group"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/infrastructure/metrics"
	"github.com/R3E-Network/passkey_wallet/infrastructure/middleware"
	"github.com/R3E-Network/passkey_wallet/infrastructure/ratelimit"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/storage"
)

// Server is the relay HTTP server.
type Server struct {
	log      *logging.Logger
	keys     *KeyStore
	clientDB storage.ClientDB
	replay   ReplayCache
	metrics  *metrics.Metrics
	now      func() time.Time

	jwtSecret  []byte
	sessionTTL time.Duration

	rpc                chain.RPC
	funder             *near.KeyPair
	funderAccountID    string
	registrarAccountID string
	initialBalance     *big.Int
}

// Config wires the relay server.
type Config struct {
	Log        *logging.Logger
	Keys       *KeyStore
	ClientDB   storage.ClientDB
	Replay     ReplayCache
	Metrics    *metrics.Metrics
	JWTSecret  []byte
	SessionTTL time.Duration

	// Optional chain wiring for account creation.
	RPC                chain.RPC
	Funder             *near.KeyPair
	FunderAccountID    string
	RegistrarAccountID string
	InitialBalance     *big.Int
}

// NewServer creates a relay server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Keys == nil {
		return nil, errors.MissingParameter("Keys")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.MissingParameter("JWTSecret")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	clientDB := cfg.ClientDB
	if clientDB == nil {
		clientDB = storage.NewMemoryStore()
	}
	replay := cfg.Replay
	if replay == nil {
		replay = NewMemoryReplayCache()
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	registrar := cfg.RegistrarAccountID
	if registrar == "" {
		registrar = "testnet"
	}
	balance := cfg.InitialBalance
	if balance == nil {
		balance = defaultInitialBalance()
	}
	return &Server{
		log:                log,
		keys:               cfg.Keys,
		clientDB:           clientDB,
		replay:             replay,
		metrics:            cfg.Metrics,
		now:                time.Now,
		jwtSecret:          cfg.JWTSecret,
		sessionTTL:         sessionTTL,
		rpc:                cfg.RPC,
		funder:             cfg.Funder,
		funderAccountID:    cfg.FunderAccountID,
		registrarAccountID: registrar,
		initialBalance:     balance,
	}, nil
}

// Routes builds the HTTP router with middleware attached.
func (s *Server) Routes(limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.Logging(s.log))
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}
	if limiter != nil {
		r.Use(middleware.RateLimit(limiter))
	}

	r.HandleFunc(shamir.RouteApplyServerLock, s.handleApplyServerLock).Methods(http.MethodPost)
	r.HandleFunc(shamir.RouteRemoveServerLock, s.handleRemoveServerLock).Methods(http.MethodPost)
	r.HandleFunc(shamir.RouteKeyInfo, s.handleKeyInfo).Methods(http.MethodGet)
	r.HandleFunc("/create_account_and_register_user", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/verify_authentication_response", s.handleVerifySession).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// =============================================================================
// Handlers
// =============================================================================

type applyServerLockRequest struct {
	KekCB64u string `json:"kek_c_b64u"`
}

type applyServerLockResponse struct {
	KekCsB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId"`
}

func (s *Server) handleApplyServerLock(w http.ResponseWriter, r *http.Request) {
	var req applyServerLockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.KekCB64u == "" {
		writeError(w, errors.MissingParameter("kek_c_b64u"))
		return
	}
	kekCs, keyID, err := s.keys.ApplyLock(req.KekCB64u)
	if err != nil {
		writeError(w, errors.InvalidInput("kek_c_b64u", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordShamirExchange("apply-server-lock")
	}
	writeJSON(w, http.StatusOK, applyServerLockResponse{KekCsB64u: kekCs, KeyID: keyID})
}

type removeServerLockRequest struct {
	KekStB64u string `json:"kek_st_b64u"`
	KeyID     string `json:"keyId"`
}

type removeServerLockResponse struct {
	KekTB64u string `json:"kek_t_b64u"`
}

func (s *Server) handleRemoveServerLock(w http.ResponseWriter, r *http.Request) {
	var req removeServerLockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.KeyID == "" {
		writeError(w, errors.MissingParameter("keyId"))
		return
	}
	kekT, known, err := s.keys.RemoveLock(req.KekStB64u, req.KeyID)
	if err != nil {
		writeError(w, errors.InvalidInput("kek_st_b64u", err.Error()))
		return
	}
	if !known {
		writeError(w, errors.UnknownKeyID(req.KeyID))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordShamirExchange("remove-server-lock")
	}
	writeJSON(w, http.StatusOK, removeServerLockResponse{KekTB64u: kekT})
}

func (s *Server) handleKeyInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, shamir.KeyInfo{
		CurrentKeyID: s.keys.CurrentKeyID(),
		PB64u:        group.PrimeB64u(),
		GraceKeyIDs:  s.keys.GraceKeyIDs(),
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.createAccount(r.Context(), &req)
	if err != nil {
		se := sanitized(err)
		writeJSON(w, se.HTTPStatus, CreateAccountResponse{Success: false, Error: se.Message})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	var req VerifyAuthenticationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.verifySession(r.Context(), &req)
	if err != nil {
		se := sanitized(err)
		writeJSON(w, se.HTTPStatus, VerifyAuthenticationResponse{Verified: false, Error: se.Message})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"currentKeyId": s.keys.CurrentKeyID(),
	})
}

// =============================================================================
// HTTP helpers
// =============================================================================

func decodeJSON(r *http.Request, target interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(target); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sanitized(err error) *errors.ServiceError {
	if se, ok := errors.AsServiceError(err); ok {
		s := se.Sanitized()
		if s.HTTPStatus == 0 {
			s.HTTPStatus = http.StatusInternalServerError
		}
		return s
	}
	return errors.Internal("internal error", nil).Sanitized()
}

func writeError(w http.ResponseWriter, err error) {
	se := sanitized(err)
	writeJSON(w, se.HTTPStatus, map[string]string{"error": se.Message, "code": string(se.Code)})
}

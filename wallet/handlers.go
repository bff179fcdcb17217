package wallet

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/relay"
	"github.com/R3E-Network/passkey_wallet/router"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/storage"
)

// seedCapture is a SeedSink that retains the PRF first output for flows
// needing it beyond one signer session (registration derives both the VRF
// and NEAR keys from it). Zeroized by the handler.
type seedCapture struct {
	mu   sync.Mutex
	seed []byte
}

func (c *seedCapture) DeliverWrapKeySeed(seed []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = append([]byte{}, seed...)
}

func (c *seedCapture) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	seed := c.seed
	c.seed = nil
	return seed
}

// =============================================================================
// Registration
// =============================================================================

type registerPayload struct {
	AccountID          string            `json:"accountId"`
	ConfirmationConfig *confirm.UIConfig `json:"confirmationConfig,omitempty"`
}

type registerResult struct {
	*confirm.Result
	NearPublicKey string `json:"nearPublicKey,omitempty"`
	VRFPublicKey  string `json:"vrfPublicKey,omitempty"`
	TxHash        string `json:"transactionHash,omitempty"`
}

func (s *Service) handleRegister(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload registerPayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	if err := near.ValidateAccountID(payload.AccountID); err != nil {
		return nil, err
	}
	deviceNumber, err := s.clientDB.NextDeviceNumber(ctx, payload.AccountID)
	if err != nil {
		return nil, errors.Internal("device numbering", err)
	}

	capture := &seedCapture{}
	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID:      env.RequestID,
		Type:           confirm.RequestRegistration,
		AccountID:      payload.AccountID,
		RpID:           s.rpID,
		DeviceNumber:   deviceNumber,
		ConfigOverride: payload.ConfirmationConfig,
		Preferences:    s.preferences(ctx, payload.AccountID),
	}, capture)
	if !result.Confirmed {
		return result, nil
	}
	deviceNumber = result.DeviceNumber

	seed := capture.take()
	if seed == nil {
		return nil, errors.Internal("registration completed without PRF", nil)
	}
	defer crypto.Zeroize(seed)

	// Deterministic VRF keypair, PRF-wrapped and (when a relay is wired)
	// server-locked; replaces the bootstrap session.
	derivedVrf, err := s.vrfEngine.DeriveKeypairFromPRF(seed, payload.AccountID, true)
	if err != nil {
		return nil, err
	}

	// NEAR keypair in a dedicated signer session.
	session, err := s.signerEngine.StartSession()
	if err != nil {
		return nil, err
	}
	s.trackSession(env.RequestID, session)
	defer func() {
		s.untrackSession(env.RequestID)
		session.Release()
	}()
	session.DeliverWrapKeySeed(seed)
	derivedKey, err := s.signerEngine.DeriveKeypairAndEncrypt(session, payload.AccountID, deviceNumber)
	if err != nil {
		return nil, err
	}

	progress(map[string]string{"phase": "keys-derived"})

	// Relay-side account creation, when configured.
	txHash := ""
	if s.accounts != nil && result.RegistrationCredential != nil {
		resp, err := s.accounts.CreateAccount(ctx, &relay.CreateAccountRequest{
			NewAccountID:              payload.AccountID,
			NewPublicKey:              derivedKey.PublicKey,
			DeviceNumber:              deviceNumber,
			VRFData:                   result.VRFChallenge,
			WebauthnRegistration:      result.RegistrationCredential,
			DeterministicVRFPublicKey: derivedVrf.VRFPublicKey,
		})
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, errors.RelayFailed("create_account_and_register_user", errors.Internal(resp.Error, nil))
		}
		txHash = resp.TransactionHash
	}

	// Persist everything; the stores are the source of truth.
	now := time.Now()
	if err := s.clientDB.UpsertUser(ctx, &storage.UserRecord{
		AccountID:            payload.AccountID,
		RegisteredAt:         now,
		LastLogin:            now,
		LastUsedDeviceNumber: deviceNumber,
	}); err != nil {
		return nil, errors.Internal("persist user", err)
	}
	device := &storage.DeviceRecord{
		AccountID:     payload.AccountID,
		DeviceNumber:  deviceNumber,
		VRFPublicKey:  derivedVrf.VRFPublicKey,
		NearPublicKey: derivedKey.PublicKey,
		CreatedAt:     now,
		LastUsed:      now,
	}
	if cred := result.RegistrationCredential; cred != nil {
		device.CredentialID = cred.ID
		device.Transports = cred.Response.Transports
		if raw, err := decodeB64uField(cred.Response.PublicKey); err == nil {
			device.CredentialPublicKey = raw
		}
	}
	if err := s.clientDB.UpsertDevice(ctx, device); err != nil {
		return nil, errors.Internal("persist device", err)
	}
	if err := s.clientDB.PutEncryptedVrf(ctx, payload.AccountID, derivedVrf.Encrypted); err != nil {
		return nil, errors.Internal("persist vrf blob", err)
	}
	if derivedVrf.ServerEncrypted != nil {
		if err := s.clientDB.PutServerEncryptedVrf(ctx, payload.AccountID, derivedVrf.ServerEncrypted); err != nil {
			return nil, errors.Internal("persist server vrf blob", err)
		}
	}
	if err := s.keysDB.PutKeyMaterial(ctx, payload.AccountID, &derivedKey.Material); err != nil {
		return nil, errors.Internal("persist key material", err)
	}

	s.switchUser(payload.AccountID, derivedKey.PublicKey)
	return &registerResult{
		Result:        result,
		NearPublicKey: derivedKey.PublicKey,
		VRFPublicKey:  derivedVrf.VRFPublicKey,
		TxHash:        txHash,
	}, nil
}

// =============================================================================
// Login / session
// =============================================================================

type loginPayload struct {
	AccountID string `json:"accountId"`
}

type loginResult struct {
	AccountID    string `json:"accountId"`
	SilentLogin  bool   `json:"silentLogin"`
	SessionAlive bool   `json:"sessionAlive"`
}

func (s *Service) handleLogin(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload loginPayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	if err := near.ValidateAccountID(payload.AccountID); err != nil {
		return nil, err
	}

	// Silent path: the server-locked blob unlocks without an authenticator
	// prompt when the relay cooperates.
	if s.shamirClient != nil {
		if blob, err := s.clientDB.GetServerEncryptedVrf(ctx, payload.AccountID); err == nil {
			refreshed, err := s.vrfEngine.UnlockWithShamir(payload.AccountID, blob)
			if err == nil {
				if refreshed != nil {
					if perr := s.clientDB.PutServerEncryptedVrf(ctx, payload.AccountID, refreshed); perr != nil {
						s.log.WithError(perr).Warn("Persisting refreshed Shamir blob failed")
					}
				}
				s.afterLogin(ctx, payload.AccountID)
				return &loginResult{AccountID: payload.AccountID, SilentLogin: true, SessionAlive: true}, nil
			}
			s.log.WithAccount(payload.AccountID).WithError(err).Info("Silent login failed, falling back to credential unlock")
		}
	}

	// Credential path: collect get() with PRF (no visible UI) and decrypt
	// the PRF-wrapped keypair.
	enc, err := s.clientDB.GetEncryptedVrf(ctx, payload.AccountID)
	if err != nil {
		return nil, errors.NotAuthorized("no VRF key material for this account")
	}
	capture := &seedCapture{}
	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID: env.RequestID,
		Type:      confirm.RequestDecryptPrivateKey,
		AccountID: payload.AccountID,
		RpID:      s.rpID,
	}, capture)
	if !result.Confirmed {
		return result, nil
	}
	seed := capture.take()
	if seed == nil {
		return nil, errors.Internal("login completed without PRF", nil)
	}
	defer crypto.Zeroize(seed)

	if err := s.vrfEngine.Unlock(payload.AccountID, enc, seed); err != nil {
		return nil, err
	}
	s.afterLogin(ctx, payload.AccountID)
	return &loginResult{AccountID: payload.AccountID, SilentLogin: false, SessionAlive: true}, nil
}

func (s *Service) afterLogin(ctx context.Context, accountID string) {
	publicKey := ""
	if user, err := s.clientDB.GetUser(ctx, accountID); err == nil {
		if device, err := s.clientDB.GetDevice(ctx, accountID, user.LastUsedDeviceNumber); err == nil {
			publicKey = device.NearPublicKey
		}
		user.LastLogin = time.Now()
		_ = s.clientDB.UpsertUser(ctx, user)
	}
	s.switchUser(accountID, publicKey)
	if s.rpc != nil {
		s.nonces.PrefetchBlockHeight(s.rpc)
	}
}

func (s *Service) handleLogout(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	s.vrfEngine.ClearSession()
	s.nonces.ReleaseAllNonces()
	s.mu.Lock()
	s.activeAccount = ""
	s.mu.Unlock()
	return map[string]bool{"loggedOut": true}, nil
}

func (s *Service) handleSessionStatus(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	return s.vrfEngine.CheckStatus(), nil
}

// =============================================================================
// Signing
// =============================================================================

type signTransactionsPayload struct {
	AccountID          string            `json:"accountId"`
	DeviceNumber       int               `json:"deviceNumber"`
	Transactions       []WireTransaction `json:"transactions"`
	IntentDigest       string            `json:"intentDigest,omitempty"`
	ConfirmationConfig *confirm.UIConfig `json:"confirmationConfig,omitempty"`
}

type signTransactionsResult struct {
	*confirm.Result
	SignedTransactions []signer.SignedTransactionResult `json:"signedTransactions,omitempty"`
}

func (s *Service) handleSignTransactions(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload signTransactionsPayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	material, device, err := s.loadSigningState(ctx, payload.AccountID, payload.DeviceNumber)
	if err != nil {
		return nil, err
	}
	parsed, err := toInputs(payload.Transactions)
	if err != nil {
		return nil, errors.InvalidInput("transactions", err.Error())
	}

	summaries := make([]confirm.TxSummary, len(parsed))
	for i, p := range parsed {
		summaries[i] = confirm.TxSummary{ReceiverID: p.receiverID, Actions: p.labels}
	}
	digest := payload.IntentDigest
	if digest == "" {
		digest = confirm.IntentDigest(summaries)
	}

	s.switchUser(payload.AccountID, device.NearPublicKey)

	session, err := s.signerEngine.StartSession()
	if err != nil {
		return nil, err
	}
	s.trackSession(env.RequestID, session)
	defer func() {
		s.untrackSession(env.RequestID)
		session.Release()
	}()

	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID:      env.RequestID,
		Type:           confirm.RequestSignTransactions,
		AccountID:      payload.AccountID,
		RpID:           s.rpID,
		Summaries:      summaries,
		IntentDigest:   digest,
		NonceCount:     len(parsed),
		ConfigOverride: payload.ConfirmationConfig,
		Preferences:    s.preferences(ctx, payload.AccountID),
	}, session)
	if !result.Confirmed {
		return &signTransactionsResult{Result: result}, nil
	}
	if len(result.ReservedNonces) != len(parsed) {
		return nil, errors.Internal("nonce reservation count mismatch", nil)
	}

	req := &signer.SignTransactionsRequest{AccountID: payload.AccountID, Material: *material}
	for i, p := range parsed {
		req.Transactions = append(req.Transactions, signer.TransactionInput{
			ReceiverID: p.receiverID,
			Actions:    p.actions,
			Nonce:      result.ReservedNonces[i],
			BlockHash:  result.TransactionContext.TxBlockHash,
		})
	}
	signed, err := s.signerEngine.SignTransactions(session, req)
	if err != nil {
		for _, n := range result.ReservedNonces {
			s.nonces.ReleaseNonce(n)
		}
		return nil, err
	}
	progress(map[string]interface{}{"phase": "signed", "count": len(signed)})
	return &signTransactionsResult{Result: result, SignedTransactions: signed}, nil
}

type signNEP413Payload struct {
	AccountID          string            `json:"accountId"`
	DeviceNumber       int               `json:"deviceNumber"`
	Message            string            `json:"message"`
	Recipient          string            `json:"recipient"`
	NonceB64           string            `json:"nonce"`
	CallbackURL        *string           `json:"callbackUrl,omitempty"`
	ConfirmationConfig *confirm.UIConfig `json:"confirmationConfig,omitempty"`
}

func (s *Service) handleSignNEP413(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload signNEP413Payload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	material, device, err := s.loadSigningState(ctx, payload.AccountID, payload.DeviceNumber)
	if err != nil {
		return nil, err
	}
	nonceBytes, err := decodeB64uField(payload.NonceB64)
	if err != nil || len(nonceBytes) != 32 {
		return nil, errors.InvalidInput("nonce", "must be 32 base64url bytes")
	}
	s.switchUser(payload.AccountID, device.NearPublicKey)

	session, err := s.signerEngine.StartSession()
	if err != nil {
		return nil, err
	}
	s.trackSession(env.RequestID, session)
	defer func() {
		s.untrackSession(env.RequestID)
		session.Release()
	}()

	summaries := []confirm.TxSummary{{ReceiverID: payload.Recipient, Actions: []string{"SignMessage " + payload.Message}}}
	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID:      env.RequestID,
		Type:           confirm.RequestSignNEP413,
		AccountID:      payload.AccountID,
		RpID:           s.rpID,
		Summaries:      summaries,
		IntentDigest:   confirm.IntentDigest(summaries),
		ConfigOverride: payload.ConfirmationConfig,
		Preferences:    s.preferences(ctx, payload.AccountID),
	}, session)
	// Off-chain messages consume no nonce; release what the FSM reserved.
	for _, n := range result.ReservedNonces {
		s.nonces.ReleaseNonce(n)
	}
	if !result.Confirmed {
		return result, nil
	}

	req := &signer.NEP413Request{
		AccountID: payload.AccountID,
		Material:  *material,
		Message:   payload.Message,
		Recipient: payload.Recipient,
		Callback:  payload.CallbackURL,
	}
	copy(req.Nonce[:], nonceBytes)
	return s.signerEngine.SignNEP413(session, req)
}

type signDelegatePayload struct {
	AccountID          string            `json:"accountId"`
	DeviceNumber       int               `json:"deviceNumber"`
	ReceiverID         string            `json:"receiverId"`
	Actions            []WireAction      `json:"actions"`
	MaxBlockHeight     uint64            `json:"maxBlockHeight"`
	ConfirmationConfig *confirm.UIConfig `json:"confirmationConfig,omitempty"`
}

func (s *Service) handleSignDelegate(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload signDelegatePayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	material, device, err := s.loadSigningState(ctx, payload.AccountID, payload.DeviceNumber)
	if err != nil {
		return nil, err
	}
	parsed, err := toInputs([]WireTransaction{{ReceiverID: payload.ReceiverID, Actions: payload.Actions}})
	if err != nil {
		return nil, errors.InvalidInput("actions", err.Error())
	}
	s.switchUser(payload.AccountID, device.NearPublicKey)

	session, err := s.signerEngine.StartSession()
	if err != nil {
		return nil, err
	}
	s.trackSession(env.RequestID, session)
	defer func() {
		s.untrackSession(env.RequestID)
		session.Release()
	}()

	summaries := []confirm.TxSummary{{ReceiverID: payload.ReceiverID, Actions: parsed[0].labels}}
	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID:      env.RequestID,
		Type:           confirm.RequestSignDelegate,
		AccountID:      payload.AccountID,
		RpID:           s.rpID,
		Summaries:      summaries,
		IntentDigest:   confirm.IntentDigest(summaries),
		NonceCount:     1,
		ConfigOverride: payload.ConfirmationConfig,
		Preferences:    s.preferences(ctx, payload.AccountID),
	}, session)
	if !result.Confirmed {
		return result, nil
	}

	maxHeight := payload.MaxBlockHeight
	if maxHeight == 0 && result.TransactionContext != nil {
		maxHeight = result.TransactionContext.TxBlockHeight + 600
	}
	return s.signerEngine.SignDelegate(session, &signer.DelegateRequest{
		AccountID:      payload.AccountID,
		Material:       *material,
		ReceiverID:     payload.ReceiverID,
		Actions:        parsed[0].actions,
		Nonce:          result.ReservedNonces[0],
		MaxBlockHeight: maxHeight,
	})
}

// =============================================================================
// Export & broadcast reconciliation
// =============================================================================

type exportPayload struct {
	AccountID    string `json:"accountId"`
	DeviceNumber int    `json:"deviceNumber"`
}

func (s *Service) handleExportKey(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	if s.exporter == nil {
		return nil, errors.Internal("no export viewer configured", nil)
	}
	var payload exportPayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	material, _, err := s.loadSigningState(ctx, payload.AccountID, payload.DeviceNumber)
	if err != nil {
		return nil, err
	}

	session, err := s.signerEngine.StartSession()
	if err != nil {
		return nil, err
	}
	s.trackSession(env.RequestID, session)
	defer func() {
		s.untrackSession(env.RequestID)
		session.Release()
	}()

	result := s.fsm.Run(ctx, &confirm.Request{
		RequestID: env.RequestID,
		Type:      confirm.RequestExportPrivateKey,
		AccountID: payload.AccountID,
		RpID:      s.rpID,
	}, session)
	if !result.Confirmed {
		return result, nil
	}

	privateKey, err := s.signerEngine.DecryptPrivateKey(session, payload.AccountID, material)
	if err != nil {
		return nil, err
	}
	// The key goes to the in-document viewer only; the response crossing
	// the parent boundary just reports the viewer state.
	s.exporter.ShowPrivateKey(payload.AccountID, privateKey)
	return map[string]interface{}{
		"requestId":     env.RequestID,
		"viewerMounted": true,
		"sticky":        true,
	}, nil
}

type broadcastResultPayload struct {
	AccountID string `json:"accountId"`
	Nonce     string `json:"nonce"`
	Succeeded bool   `json:"succeeded"`
}

// handleBroadcastResult reconciles the nonce manager with the chain after
// the host broadcast a signed transaction.
func (s *Service) handleBroadcastResult(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload broadcastResultPayload
	if err := router.DecodePayload(env, &payload); err != nil {
		return nil, err
	}
	actual, err := strconv.ParseUint(payload.Nonce, 10, 64)
	if err != nil {
		return nil, errors.InvalidInput("nonce", "not a decimal integer")
	}
	if payload.Succeeded {
		s.nonces.UpdateNonceFromBlockchain(ctx, s.rpc, actual)
	} else {
		s.nonces.ReleaseNonce(payload.Nonce)
	}
	return map[string]bool{"reconciled": true}, nil
}

// =============================================================================
// Shared helpers
// =============================================================================

func (s *Service) loadSigningState(ctx context.Context, accountID string, deviceNumber int) (*signer.EncryptedKeyMaterial, *storage.DeviceRecord, error) {
	if err := near.ValidateAccountID(accountID); err != nil {
		return nil, nil, err
	}
	if deviceNumber == 0 {
		if user, err := s.clientDB.GetUser(ctx, accountID); err == nil && user.LastUsedDeviceNumber > 0 {
			deviceNumber = user.LastUsedDeviceNumber
		} else {
			deviceNumber = 1
		}
	}
	device, err := s.clientDB.GetDevice(ctx, accountID, deviceNumber)
	if err != nil {
		return nil, nil, errors.NotAuthorized("unknown device for account")
	}
	material, err := s.keysDB.GetKeyMaterial(ctx, accountID, deviceNumber)
	if err != nil {
		return nil, nil, errors.NotAuthorized("no key material for device")
	}
	return material, device, nil
}

func decodeB64uField(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/storage"
	"github.com/R3E-Network/passkey_wallet/vrf"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

// CreateAccountRequest is the account creation + registration body.
type CreateAccountRequest struct {
	NewAccountID              string                           `json:"new_account_id"`
	NewPublicKey              string                           `json:"new_public_key"`
	DeviceNumber              int                              `json:"device_number"`
	VRFData                   *vrf.Challenge                   `json:"vrf_data"`
	WebauthnRegistration      *webauthn.RegistrationCredential `json:"webauthn_registration"`
	DeterministicVRFPublicKey string                           `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      json.RawMessage                  `json:"authenticator_options,omitempty"`
}

// CreateAccountResponse mirrors the optional relay contract.
type CreateAccountResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Error           string `json:"error,omitempty"`
	Message         string `json:"message,omitempty"`
}

// createAccount verifies the bootstrap VRF challenge and the registration
// credential, funds the account on chain, and persists the device record
// under the deterministic VRF key.
func (s *Server) createAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	if err := near.ValidateAccountID(req.NewAccountID); err != nil {
		return nil, err
	}
	newKey, err := near.ParsePublicKey(req.NewPublicKey)
	if err != nil {
		return nil, errors.InvalidInput("new_public_key", err.Error())
	}
	if req.VRFData == nil || req.WebauthnRegistration == nil {
		return nil, errors.MissingParameter("vrf_data / webauthn_registration")
	}
	deviceNumber := req.DeviceNumber
	if deviceNumber < 1 {
		deviceNumber = 1
	}

	// The registration challenge was produced by the bootstrap VRF keypair.
	challenge := req.VRFData
	vrfPub, err := base64.RawURLEncoding.DecodeString(challenge.VRFPublicKey)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf public key")
	}
	vrfInput, err := base64.RawURLEncoding.DecodeString(challenge.VRFInput)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf input")
	}
	vrfProof, err := base64.RawURLEncoding.DecodeString(challenge.VRFProof)
	if err != nil {
		return nil, errors.ProofInvalid("malformed vrf proof")
	}
	if _, ok := vrf.Verify(vrfPub, vrfInput, vrfProof); !ok {
		return nil, errors.ProofInvalid("registration vrf proof does not verify")
	}

	// Structural validation of the attestation; the COSE key must parse so
	// later assertions can be verified.
	reg := req.WebauthnRegistration
	if reg.Type != "public-key" || reg.RawID == "" {
		return nil, errors.InvalidInput("webauthn_registration", "not a public-key credential")
	}
	credentialKey, err := webauthn.B64u(reg.Response.PublicKey)
	if err != nil {
		return nil, errors.InvalidInput("webauthn_registration", "malformed credential public key")
	}
	if _, err := webauthn.ParseCOSEKey(credentialKey); err != nil {
		return nil, errors.InvalidInput("webauthn_registration", err.Error())
	}

	// Fund and create the account on chain.
	txHash, err := s.fundAccount(ctx, req.NewAccountID, newKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.clientDB.UpsertUser(ctx, &storage.UserRecord{
		AccountID:            req.NewAccountID,
		RegisteredAt:         now,
		LastLogin:            now,
		LastUsedDeviceNumber: deviceNumber,
	}); err != nil {
		return nil, errors.Internal("persist user", err)
	}
	if err := s.clientDB.UpsertDevice(ctx, &storage.DeviceRecord{
		AccountID:           req.NewAccountID,
		DeviceNumber:        deviceNumber,
		CredentialID:        reg.ID,
		CredentialPublicKey: credentialKey,
		Transports:          reg.Response.Transports,
		VRFPublicKey:        req.DeterministicVRFPublicKey,
		CreatedAt:           now,
		LastUsed:            now,
	}); err != nil {
		return nil, errors.Internal("persist device", err)
	}

	return &CreateAccountResponse{
		Success:         true,
		TransactionHash: txHash,
		Message:         "account created",
	}, nil
}

// fundAccount submits the creation transaction from the relay's funder key.
func (s *Server) fundAccount(ctx context.Context, newAccountID string, newKey near.PublicKey) (string, error) {
	if s.funder == nil || s.rpc == nil {
		// Chainless deployments register only; account creation happens
		// elsewhere (e.g. an onboarding faucet).
		return "", nil
	}

	view, err := s.rpc.ViewAccessKey(ctx, s.funderAccountID, s.funder.PublicKey.String(), chain.FinalityOptimistic)
	if err != nil {
		return "", errors.RPCFailed("view_access_key", err)
	}
	block, err := s.rpc.ViewBlock(ctx, chain.FinalityFinal)
	if err != nil {
		return "", errors.RPCFailed("view_block", err)
	}
	blockHash, err := near.DecodeBlockHash(block.Hash)
	if err != nil {
		return "", errors.RPCFailed("view_block", err)
	}

	args, _ := json.Marshal(map[string]string{
		"new_account_id": newAccountID,
		"new_public_key": newKey.String(),
	})
	tx := &near.Transaction{
		SignerID:   s.funderAccountID,
		PublicKey:  s.funder.PublicKey,
		Nonce:      view.Nonce + 1,
		ReceiverID: s.registrarAccountID,
		BlockHash:  blockHash,
		Actions: []near.Action{
			near.NewFunctionCallAction("create_account", args, 30_000_000_000_000, s.initialBalance),
		},
	}
	signed, err := tx.Sign(*s.funder)
	if err != nil {
		return "", errors.Internal("sign creation transaction", err)
	}
	raw, err := signed.Serialize()
	if err != nil {
		return "", errors.Internal("serialize creation transaction", err)
	}
	outcome, err := s.rpc.SendTransaction(ctx, raw, chain.WaitExecutedOptimistic)
	if err != nil {
		return "", errors.RPCFailed("send_tx", err)
	}
	return outcome.TransactionHash, nil
}

// defaultInitialBalance is 0.1 NEAR in yocto.
func defaultInitialBalance() *big.Int {
	balance, _ := new(big.Int).SetString("100000000000000000000000", 10)
	return balance
}

// PruneRecoveriesLoop deletes expired pending recoveries on an interval.
func (s *Server) PruneRecoveriesLoop(ctx context.Context, every, ttl time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.clientDB.PrunePendingRecoveries(ctx, s.now().Add(-ttl))
			if err != nil {
				s.log.WithError(err).Warn("Pending recovery prune failed")
			} else if pruned > 0 {
				s.log.WithFields(map[string]interface{}{"pruned": pruned}).Info("Pruned pending recoveries")
			}
		}
	}
}

package wallet

import (
	"context"
	"strconv"
	"time"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/router"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/storage"
)

// ReqLinkDevice registers a new authenticator on an existing account.
const ReqLinkDevice = "LINK_DEVICE"

type linkDevicePayload struct {
	AccountID string `json:"accountId"`
	// CurrentPrivateKey is the temporary key handed over during the
	// device-linking QR exchange; it signs the AddKey transaction that
	// installs the new device's key. No PRF is involved in that signature.
	CurrentPrivateKey  string            `json:"currentPrivateKey,omitempty"`
	ConfirmationConfig *confirm.UIConfig `json:"confirmationConfig,omitempty"`
}

type linkDeviceResult struct {
	*confirm.Result
	NearPublicKey     string                          `json:"nearPublicKey,omitempty"`
	VRFPublicKey      string                          `json:"vrfPublicKey,omitempty"`
	AddKeyTransaction *signer.SignedTransactionResult `json:"addKeyTransaction,omitempty"`
}

func (s *Service) handleLinkDevice(ctx context.Context, env *router.Envelope, progress router.Progress) (interface{}, error) {
	var payload linkDevicePayload
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
		Type:           confirm.RequestLinkDevice,
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
		return nil, errors.Internal("link-device completed without PRF", nil)
	}
	defer crypto.Zeroize(seed)

	derivedVrf, err := s.vrfEngine.DeriveKeypairFromPRF(seed, payload.AccountID, false)
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
	session.DeliverWrapKeySeed(seed)
	derivedKey, err := s.signerEngine.DeriveKeypairAndEncrypt(session, payload.AccountID, deviceNumber)
	if err != nil {
		return nil, err
	}
	progress(map[string]string{"phase": "keys-derived"})

	// Sign the AddKey transaction for the new device key with the handed-over
	// key. The signed transaction is returned, not broadcast.
	var addKeyTx *signer.SignedTransactionResult
	if payload.CurrentPrivateKey != "" && s.rpc != nil {
		current, err := near.ParsePrivateKey(payload.CurrentPrivateKey)
		if err != nil {
			return nil, errors.InvalidInput("currentPrivateKey", err.Error())
		}
		view, err := s.rpc.ViewAccessKey(ctx, payload.AccountID, current.PublicKey.String(), "optimistic")
		if err != nil {
			return nil, errors.RPCFailed("view_access_key", err)
		}
		block, err := s.rpc.ViewBlock(ctx, "final")
		if err != nil {
			return nil, errors.RPCFailed("view_block", err)
		}
		newKey, err := near.ParsePublicKey(derivedKey.PublicKey)
		if err != nil {
			return nil, errors.Internal("derived key unparseable", err)
		}
		addKeyTx, err = s.signerEngine.SignTransactionWithKeypair(&signer.KeypairSignRequest{
			NearPrivateKey: payload.CurrentPrivateKey,
			SignerID:       payload.AccountID,
			Transaction: signer.TransactionInput{
				ReceiverID: payload.AccountID,
				Actions:    []near.Action{near.NewFullAccessKeyAction(newKey)},
				Nonce:      formatNonce(view.Nonce + 1),
				BlockHash:  block.Hash,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
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
	if err := s.keysDB.PutKeyMaterial(ctx, payload.AccountID, &derivedKey.Material); err != nil {
		return nil, errors.Internal("persist key material", err)
	}
	if user, err := s.clientDB.GetUser(ctx, payload.AccountID); err == nil {
		user.LastUsedDeviceNumber = deviceNumber
		_ = s.clientDB.UpsertUser(ctx, user)
	}

	return &linkDeviceResult{
		Result:            result,
		NearPublicKey:     derivedKey.PublicKey,
		VRFPublicKey:      derivedVrf.VRFPublicKey,
		AddKeyTransaction: addKeyTx,
	}, nil
}

func formatNonce(n uint64) string {
	return strconv.FormatUint(n, 10)
}

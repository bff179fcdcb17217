package signer

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/webauthn"
)

const (
	nearSeedInfoPrefix = "w3a/near/v1/"
	wrapKeyInfo        = "w3a/near/wrap/v1"

	// DefaultSeedWait is the worker default timeout for seed delivery.
	DefaultSeedWait = 60 * time.Second
)

// EncryptedKeyMaterial is the persisted AEAD-wrapped NEAR private key.
type EncryptedKeyMaterial struct {
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	IV                  string `json:"iv"`
	WrapKeySalt         string `json:"wrapKeySalt"`
	DeviceNumber        int    `json:"deviceNumber"`
}

// DerivedKey is the result of a PRF-based keypair derivation.
type DerivedKey struct {
	PublicKey string               `json:"publicKey"`
	Material  EncryptedKeyMaterial `json:"material"`
}

// TransactionInput describes one transaction to sign. Nonce and block hash
// come from the confirmation flow's transaction context.
type TransactionInput struct {
	ReceiverID string        `json:"receiverId"`
	Actions    []near.Action `json:"-"`
	Nonce      string        `json:"nonce"`
	BlockHash  string        `json:"blockHash"`
}

// SignTransactionsRequest signs a batch under one account key.
type SignTransactionsRequest struct {
	AccountID    string               `json:"accountId"`
	Material     EncryptedKeyMaterial `json:"material"`
	Transactions []TransactionInput   `json:"transactions"`
}

// SignedTransactionResult carries one signed transaction.
type SignedTransactionResult struct {
	SignerID     string `json:"signerId"`
	PublicKey    string `json:"publicKey"`
	Nonce        string `json:"nonce"`
	SignedTxB64  string `json:"signedTransactionBase64"`
}

// NEP413Request signs an off-chain message.
type NEP413Request struct {
	AccountID string               `json:"accountId"`
	Material  EncryptedKeyMaterial `json:"material"`
	Message   string               `json:"message"`
	Recipient string               `json:"recipient"`
	Nonce     [32]byte             `json:"-"`
	Callback  *string              `json:"callbackUrl,omitempty"`
}

// NEP413Result is the NEP-413 signing output.
type NEP413Result struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// DelegateRequest signs a NEP-366 delegate action.
type DelegateRequest struct {
	AccountID      string               `json:"accountId"`
	Material       EncryptedKeyMaterial `json:"material"`
	ReceiverID     string               `json:"receiverId"`
	Actions        []near.Action        `json:"-"`
	Nonce          string               `json:"nonce"`
	MaxBlockHeight uint64               `json:"maxBlockHeight"`
}

// DelegateResult carries the signed delegate action.
type DelegateResult struct {
	SignedDelegateB64 string `json:"signedDelegateBase64"`
	PublicKey         string `json:"publicKey"`
}

// KeypairSignRequest signs with a caller-provided raw key. Used only for
// device-linking key replacement; no PRF is involved.
type KeypairSignRequest struct {
	NearPrivateKey string           `json:"nearPrivateKey"`
	SignerID       string           `json:"signerId"`
	Transaction    TransactionInput `json:"transaction"`
}

// Engine is the signer engine over a worker pool.
type Engine struct {
	mu       sync.Mutex
	log      *logging.Logger
	pool     *Pool
	sessions map[string]*Session
	now      func() time.Time
	seedWait time.Duration
}

// EngineConfig configures the signer engine.
type EngineConfig struct {
	PoolCapacity int
	SeedWait     time.Duration
}

// NewEngine creates a signer engine.
func NewEngine(log *logging.Logger, cfg EngineConfig) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	seedWait := cfg.SeedWait
	if seedWait == 0 {
		seedWait = DefaultSeedWait
	}
	return &Engine{
		log:      log,
		pool:     NewPool(cfg.PoolCapacity),
		sessions: make(map[string]*Session),
		now:      time.Now,
		seedWait: seedWait,
	}
}

func (e *Engine) reserveContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.seedWait)
}

// guard rejects any inbound payload carrying PRF or VRF secret fields.
// Enforced structurally on every operation that takes a request payload.
func guard(payload interface{}) error {
	return webauthn.ScanForForbiddenFields(payload)
}

// deriveKeyMaterial expands the session seed into the NEAR keypair and its
// AEAD wrap. Runs on the session's worker.
func deriveKeyMaterial(seed []byte, accountID string, deviceNumber int) (near.KeyPair, *EncryptedKeyMaterial, error) {
	info := nearSeedInfoPrefix + accountID + "/" + strconv.Itoa(deviceNumber)
	nearSeed, err := crypto.DeriveKey(seed, nil, info, 32)
	if err != nil {
		return near.KeyPair{}, nil, errors.KDFFailed(err)
	}
	defer crypto.Zeroize(nearSeed)

	kp, err := near.KeyPairFromSeed(nearSeed)
	if err != nil {
		return near.KeyPair{}, nil, errors.KDFFailed(err)
	}

	salt, err := crypto.GenerateRandomBytes(32)
	if err != nil {
		return near.KeyPair{}, nil, errors.KDFFailed(err)
	}
	wrapKey, err := crypto.DeriveKey(seed, salt, wrapKeyInfo, crypto.KeySize)
	if err != nil {
		return near.KeyPair{}, nil, errors.KDFFailed(err)
	}
	defer crypto.Zeroize(wrapKey)

	ciphertext, nonce, err := crypto.Seal(wrapKey, nearSeed, []byte(accountID))
	if err != nil {
		return near.KeyPair{}, nil, errors.AEADFailed(err)
	}

	material := &EncryptedKeyMaterial{
		EncryptedPrivateKey: base64.RawURLEncoding.EncodeToString(ciphertext),
		IV:                  base64.RawURLEncoding.EncodeToString(nonce),
		WrapKeySalt:         base64.RawURLEncoding.EncodeToString(salt),
		DeviceNumber:        deviceNumber,
	}
	return kp, material, nil
}

// openKeyMaterial decrypts persisted key material with the session seed.
func openKeyMaterial(seed []byte, accountID string, material *EncryptedKeyMaterial) (near.KeyPair, error) {
	salt, err := base64.RawURLEncoding.DecodeString(material.WrapKeySalt)
	if err != nil {
		return near.KeyPair{}, errors.AEADFailed(err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(material.EncryptedPrivateKey)
	if err != nil {
		return near.KeyPair{}, errors.AEADFailed(err)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(material.IV)
	if err != nil {
		return near.KeyPair{}, errors.AEADFailed(err)
	}

	wrapKey, err := crypto.DeriveKey(seed, salt, wrapKeyInfo, crypto.KeySize)
	if err != nil {
		return near.KeyPair{}, errors.KDFFailed(err)
	}
	defer crypto.Zeroize(wrapKey)

	nearSeed, err := crypto.Open(wrapKey, ciphertext, nonce, []byte(accountID))
	if err != nil {
		return near.KeyPair{}, errors.AEADFailed(err)
	}
	defer crypto.Zeroize(nearSeed)

	return near.KeyPairFromSeed(nearSeed)
}

// DeriveKeypairAndEncrypt derives the account's NEAR keypair from the
// session's delivered PRF seed and returns only the public key and the
// wrapped private key.
func (e *Engine) DeriveKeypairAndEncrypt(s *Session, accountID string, deviceNumber int) (*DerivedKey, error) {
	if err := near.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	seed, err := s.awaitSeed()
	if err != nil {
		return nil, err
	}

	var result *DerivedKey
	var opErr error
	ctx, cancel := e.reserveContext()
	defer cancel()
	err = e.pool.run(ctx, s.workerIdx, func() {
		kp, material, derr := deriveKeyMaterial(seed, accountID, deviceNumber)
		if derr != nil {
			opErr = derr
			return
		}
		result = &DerivedKey{PublicKey: kp.PublicKey.String(), Material: *material}
		crypto.Zeroize(kp.PrivateKey)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// RecoverKeypairFromPasskey re-derives the keypair for an account hint,
// re-wrapping it under a fresh salt. Same derivation as registration, so the
// recovered public key matches the registered one.
func (e *Engine) RecoverKeypairFromPasskey(s *Session, accountIDHint string, deviceNumber int) (*DerivedKey, error) {
	return e.DeriveKeypairAndEncrypt(s, accountIDHint, deviceNumber)
}

// DecryptPrivateKey decrypts the stored private key for the export viewer.
// The decrypted key leaves the worker only as the operation's result.
func (e *Engine) DecryptPrivateKey(s *Session, accountID string, material *EncryptedKeyMaterial) (string, error) {
	if material == nil {
		return "", errors.MissingParameter("material")
	}
	seed, err := s.awaitSeed()
	if err != nil {
		return "", err
	}

	var result string
	var opErr error
	ctx, cancel := e.reserveContext()
	defer cancel()
	err = e.pool.run(ctx, s.workerIdx, func() {
		kp, derr := openKeyMaterial(seed, accountID, material)
		if derr != nil {
			opErr = derr
			return
		}
		result = kp.PrivateKeyString()
		crypto.Zeroize(kp.PrivateKey)
	})
	if err != nil {
		return "", err
	}
	if opErr != nil {
		return "", opErr
	}
	return result, nil
}

// SignTransactions signs a batch of transactions with the session key.
func (e *Engine) SignTransactions(s *Session, req *SignTransactionsRequest) ([]SignedTransactionResult, error) {
	if err := guard(req); err != nil {
		return nil, err
	}
	if len(req.Transactions) == 0 {
		return nil, errors.MissingParameter("transactions")
	}
	seed, err := s.awaitSeed()
	if err != nil {
		return nil, err
	}

	var results []SignedTransactionResult
	var opErr error
	ctx, cancel := e.reserveContext()
	defer cancel()
	err = e.pool.run(ctx, s.workerIdx, func() {
		kp, derr := openKeyMaterial(seed, req.AccountID, &req.Material)
		if derr != nil {
			opErr = derr
			return
		}
		defer crypto.Zeroize(kp.PrivateKey)

		for _, input := range req.Transactions {
			signed, serr := buildAndSign(kp, req.AccountID, input)
			if serr != nil {
				opErr = serr
				return
			}
			results = append(results, *signed)
		}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return results, nil
}

func buildAndSign(kp near.KeyPair, signerID string, input TransactionInput) (*SignedTransactionResult, error) {
	nonce, err := strconv.ParseUint(input.Nonce, 10, 64)
	if err != nil {
		return nil, errors.InvalidInput("nonce", "not a decimal integer")
	}
	blockHash, err := near.DecodeBlockHash(input.BlockHash)
	if err != nil {
		return nil, errors.InvalidInput("blockHash", err.Error())
	}
	tx := &near.Transaction{
		SignerID:   signerID,
		PublicKey:  kp.PublicKey,
		Nonce:      nonce,
		ReceiverID: input.ReceiverID,
		BlockHash:  blockHash,
		Actions:    input.Actions,
	}
	signed, err := tx.Sign(kp)
	if err != nil {
		return nil, errors.Internal("sign transaction", err)
	}
	raw, err := signed.Serialize()
	if err != nil {
		return nil, errors.Internal("serialize signed transaction", err)
	}
	return &SignedTransactionResult{
		SignerID:    signerID,
		PublicKey:   kp.PublicKey.String(),
		Nonce:       input.Nonce,
		SignedTxB64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// SignNEP413 signs an off-chain message with the session key.
func (e *Engine) SignNEP413(s *Session, req *NEP413Request) (*NEP413Result, error) {
	if err := guard(req); err != nil {
		return nil, err
	}
	seed, err := s.awaitSeed()
	if err != nil {
		return nil, err
	}

	var result *NEP413Result
	var opErr error
	ctx, cancel := e.reserveContext()
	defer cancel()
	err = e.pool.run(ctx, s.workerIdx, func() {
		kp, derr := openKeyMaterial(seed, req.AccountID, &req.Material)
		if derr != nil {
			opErr = derr
			return
		}
		defer crypto.Zeroize(kp.PrivateKey)

		payload := &near.NEP413Payload{
			Message:     req.Message,
			Nonce:       req.Nonce,
			Recipient:   req.Recipient,
			CallbackURL: req.Callback,
		}
		sig, serr := near.SignNEP413(kp, payload)
		if serr != nil {
			opErr = errors.Internal("sign nep413", serr)
			return
		}
		result = &NEP413Result{
			AccountID: req.AccountID,
			PublicKey: kp.PublicKey.String(),
			Signature: base64.StdEncoding.EncodeToString(sig),
		}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// SignDelegate signs a NEP-366 delegate action with the session key.
func (e *Engine) SignDelegate(s *Session, req *DelegateRequest) (*DelegateResult, error) {
	if err := guard(req); err != nil {
		return nil, err
	}
	seed, err := s.awaitSeed()
	if err != nil {
		return nil, err
	}

	var result *DelegateResult
	var opErr error
	ctx, cancel := e.reserveContext()
	defer cancel()
	err = e.pool.run(ctx, s.workerIdx, func() {
		kp, derr := openKeyMaterial(seed, req.AccountID, &req.Material)
		if derr != nil {
			opErr = derr
			return
		}
		defer crypto.Zeroize(kp.PrivateKey)

		nonce, perr := strconv.ParseUint(req.Nonce, 10, 64)
		if perr != nil {
			opErr = errors.InvalidInput("nonce", "not a decimal integer")
			return
		}
		d := &near.DelegateAction{
			SenderID:       req.AccountID,
			ReceiverID:     req.ReceiverID,
			Actions:        req.Actions,
			Nonce:          nonce,
			MaxBlockHeight: req.MaxBlockHeight,
			PublicKey:      kp.PublicKey,
		}
		signed, serr := d.Sign(kp)
		if serr != nil {
			opErr = errors.Internal("sign delegate", serr)
			return
		}
		raw, serr := signed.Serialize()
		if serr != nil {
			opErr = errors.Internal("serialize signed delegate", serr)
			return
		}
		result = &DelegateResult{
			SignedDelegateB64: base64.StdEncoding.EncodeToString(raw),
			PublicKey:         kp.PublicKey.String(),
		}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// SignTransactionWithKeypair signs with a raw private key. Only used during
// device-linking key replacement; runs outside any session.
func (e *Engine) SignTransactionWithKeypair(req *KeypairSignRequest) (*SignedTransactionResult, error) {
	if err := guard(req); err != nil {
		return nil, err
	}
	kp, err := near.ParsePrivateKey(req.NearPrivateKey)
	if err != nil {
		return nil, errors.InvalidInput("nearPrivateKey", err.Error())
	}
	defer crypto.Zeroize(kp.PrivateKey)
	return buildAndSign(kp, req.SignerID, req.Transaction)
}

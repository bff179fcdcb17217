package near

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
)

// Transaction is the Borsh wire form of a NEAR transaction.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// SignedTransaction pairs a transaction with its ed25519 signature.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// Action is the Borsh enum over NEAR transaction actions. The enum value
// selects which variant field is serialized.
type Action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  CreateAccount
	DeployContract DeployContract
	FunctionCall   FunctionCall
	Transfer       Transfer
	Stake          Stake
	AddKey         AddKey
	DeleteKey      DeleteKey
	DeleteAccount  DeleteAccount
}

// Enum ordinals must match the protocol's action order.
const (
	ordCreateAccount borsh.Enum = iota
	ordDeployContract
	ordFunctionCall
	ordTransfer
	ordStake
	ordAddKey
	ordDeleteKey
	ordDeleteAccount
)

type CreateAccount struct{}

type DeployContract struct {
	Code []byte
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

type Transfer struct {
	Deposit big.Int
}

type Stake struct {
	Stake     big.Int
	PublicKey PublicKey
}

type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

type DeleteKey struct {
	PublicKey PublicKey
}

type DeleteAccount struct {
	BeneficiaryID string
}

// AccessKey describes an access key being added to an account.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

// AccessKeyPermission is the Borsh enum over key permissions.
type AccessKeyPermission struct {
	Enum         borsh.Enum `borsh_enum:"true"`
	FunctionCall FunctionCallPermission
	FullAccess   FullAccessPermission
}

type FunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

type FullAccessPermission struct{}

// =============================================================================
// Action constructors
// =============================================================================

func NewCreateAccountAction() Action {
	return Action{Enum: ordCreateAccount}
}

func NewDeployContractAction(code []byte) Action {
	return Action{Enum: ordDeployContract, DeployContract: DeployContract{Code: code}}
}

func NewFunctionCallAction(method string, args []byte, gas uint64, deposit *big.Int) Action {
	a := Action{Enum: ordFunctionCall, FunctionCall: FunctionCall{MethodName: method, Args: args, Gas: gas}}
	if deposit != nil {
		a.FunctionCall.Deposit = *deposit
	}
	return a
}

func NewTransferAction(deposit *big.Int) Action {
	a := Action{Enum: ordTransfer}
	if deposit != nil {
		a.Transfer.Deposit = *deposit
	}
	return a
}

func NewStakeAction(stake *big.Int, pk PublicKey) Action {
	a := Action{Enum: ordStake, Stake: Stake{PublicKey: pk}}
	if stake != nil {
		a.Stake.Stake = *stake
	}
	return a
}

func NewFullAccessKeyAction(pk PublicKey) Action {
	return Action{Enum: ordAddKey, AddKey: AddKey{
		PublicKey: pk,
		AccessKey: AccessKey{Permission: AccessKeyPermission{Enum: 1}},
	}}
}

func NewFunctionCallKeyAction(pk PublicKey, receiverID string, methodNames []string, allowance *big.Int) Action {
	return Action{Enum: ordAddKey, AddKey: AddKey{
		PublicKey: pk,
		AccessKey: AccessKey{Permission: AccessKeyPermission{
			Enum:         0,
			FunctionCall: FunctionCallPermission{Allowance: allowance, ReceiverID: receiverID, MethodNames: methodNames},
		}},
	}}
}

func NewDeleteKeyAction(pk PublicKey) Action {
	return Action{Enum: ordDeleteKey, DeleteKey: DeleteKey{PublicKey: pk}}
}

func NewDeleteAccountAction(beneficiaryID string) Action {
	return Action{Enum: ordDeleteAccount, DeleteAccount: DeleteAccount{BeneficiaryID: beneficiaryID}}
}

// =============================================================================
// Serialization & signing
// =============================================================================

// Serialize returns the Borsh encoding of the transaction.
func (tx *Transaction) Serialize() ([]byte, error) {
	raw, err := borsh.Serialize(*tx)
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return raw, nil
}

// Hash returns the SHA-256 digest of the Borsh encoding; this is the value
// that gets signed and the transaction id reported by the chain.
func (tx *Transaction) Hash() ([32]byte, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// Sign produces a SignedTransaction with the given keypair. The keypair's
// public key must match tx.PublicKey; nonce and block hash are expected to
// be populated by the caller (nonce manager + chain context).
func (tx *Transaction) Sign(kp KeyPair) (*SignedTransaction, error) {
	if kp.PublicKey != tx.PublicKey {
		return nil, fmt.Errorf("signing key does not match transaction public key")
	}
	digest, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Transaction: *tx,
		Signature:   kp.Sign(digest[:]),
	}, nil
}

// Serialize returns the Borsh encoding of the signed transaction, the form
// accepted by send_tx.
func (st *SignedTransaction) Serialize() ([]byte, error) {
	raw, err := borsh.Serialize(*st)
	if err != nil {
		return nil, fmt.Errorf("serialize signed transaction: %w", err)
	}
	return raw, nil
}

// DecodeBlockHash parses a base58 block hash into its 32-byte form.
func DecodeBlockHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, fmt.Errorf("decode block hash: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("block hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

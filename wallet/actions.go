// Package wallet composes the engines into the wallet service: it owns the
// stores, drives the confirmation state machine, and registers the router
// request types the host application calls.
package wallet

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/R3E-Network/passkey_wallet/near"
)

// WireAction is the envelope form of one transaction action.
type WireAction struct {
	Type          string `json:"type"`
	MethodName    string `json:"methodName,omitempty"`
	ArgsB64       string `json:"argsBase64,omitempty"`
	Gas           uint64 `json:"gas,omitempty"`
	Deposit       string `json:"deposit,omitempty"`
	PublicKey     string `json:"publicKey,omitempty"`
	BeneficiaryID string `json:"beneficiaryId,omitempty"`
	CodeB64       string `json:"codeBase64,omitempty"`
}

// Wire action type tags.
const (
	ActionTransfer       = "Transfer"
	ActionFunctionCall   = "FunctionCall"
	ActionCreateAccount  = "CreateAccount"
	ActionDeployContract = "DeployContract"
	ActionStake          = "Stake"
	ActionAddFullKey     = "AddFullAccessKey"
	ActionDeleteKey      = "DeleteKey"
	ActionDeleteAccount  = "DeleteAccount"
)

func parseDeposit(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	deposit, ok := new(big.Int).SetString(s, 10)
	if !ok || deposit.Sign() < 0 {
		return nil, fmt.Errorf("deposit %q is not a non-negative decimal", s)
	}
	return deposit, nil
}

// ToAction converts the wire form into the Borsh action model.
func (a *WireAction) ToAction() (near.Action, string, error) {
	switch a.Type {
	case ActionTransfer:
		deposit, err := parseDeposit(a.Deposit)
		if err != nil {
			return near.Action{}, "", err
		}
		return near.NewTransferAction(deposit), "Transfer " + a.Deposit, nil

	case ActionFunctionCall:
		if a.MethodName == "" {
			return near.Action{}, "", fmt.Errorf("function call requires methodName")
		}
		args, err := base64.StdEncoding.DecodeString(a.ArgsB64)
		if err != nil {
			return near.Action{}, "", fmt.Errorf("argsBase64: %w", err)
		}
		deposit, err := parseDeposit(a.Deposit)
		if err != nil {
			return near.Action{}, "", err
		}
		gas := a.Gas
		if gas == 0 {
			gas = 30_000_000_000_000
		}
		return near.NewFunctionCallAction(a.MethodName, args, gas, deposit), "Call " + a.MethodName, nil

	case ActionCreateAccount:
		return near.NewCreateAccountAction(), "CreateAccount", nil

	case ActionDeployContract:
		code, err := base64.StdEncoding.DecodeString(a.CodeB64)
		if err != nil {
			return near.Action{}, "", fmt.Errorf("codeBase64: %w", err)
		}
		return near.NewDeployContractAction(code), "DeployContract", nil

	case ActionStake:
		stake, err := parseDeposit(a.Deposit)
		if err != nil {
			return near.Action{}, "", err
		}
		pk, err := near.ParsePublicKey(a.PublicKey)
		if err != nil {
			return near.Action{}, "", err
		}
		return near.NewStakeAction(stake, pk), "Stake " + a.Deposit, nil

	case ActionAddFullKey:
		pk, err := near.ParsePublicKey(a.PublicKey)
		if err != nil {
			return near.Action{}, "", err
		}
		return near.NewFullAccessKeyAction(pk), "AddKey " + a.PublicKey, nil

	case ActionDeleteKey:
		pk, err := near.ParsePublicKey(a.PublicKey)
		if err != nil {
			return near.Action{}, "", err
		}
		return near.NewDeleteKeyAction(pk), "DeleteKey " + a.PublicKey, nil

	case ActionDeleteAccount:
		if a.BeneficiaryID == "" {
			return near.Action{}, "", fmt.Errorf("delete account requires beneficiaryId")
		}
		return near.NewDeleteAccountAction(a.BeneficiaryID), "DeleteAccount", nil

	default:
		return near.Action{}, "", fmt.Errorf("unknown action type %q", a.Type)
	}
}

// WireTransaction is the envelope form of one transaction to sign.
type WireTransaction struct {
	ReceiverID string       `json:"receiverId"`
	Actions    []WireAction `json:"actions"`
}

// toInputs converts wire transactions into signer inputs plus UI summaries.
func toInputs(txs []WireTransaction) ([]parsedTx, error) {
	out := make([]parsedTx, 0, len(txs))
	for i, wt := range txs {
		if err := near.ValidateAccountID(wt.ReceiverID); err != nil {
			return nil, fmt.Errorf("transaction %d: invalid receiver %q", i, wt.ReceiverID)
		}
		if len(wt.Actions) == 0 {
			return nil, fmt.Errorf("transaction %d: no actions", i)
		}
		parsed := parsedTx{receiverID: wt.ReceiverID}
		for _, wa := range wt.Actions {
			action, label, err := wa.ToAction()
			if err != nil {
				return nil, fmt.Errorf("transaction %d: %w", i, err)
			}
			parsed.actions = append(parsed.actions, action)
			parsed.labels = append(parsed.labels, label)
		}
		out = append(out, parsed)
	}
	return out, nil
}

type parsedTx struct {
	receiverID string
	actions    []near.Action
	labels     []string
}

// Package near models the NEAR protocol surface the wallet core needs:
// account naming rules, ed25519 keypairs, Borsh transaction serialization,
// NEP-413 message signing and NEP-366 delegate actions.
package near

import (
	"regexp"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

const (
	// MinAccountIDLen and MaxAccountIDLen bound NEAR account names.
	MinAccountIDLen = 2
	MaxAccountIDLen = 64
)

// accountIDPattern follows the protocol naming rule: lowercase alphanumeric
// parts joined by single separators (-, _, .), no leading/trailing separator.
var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[-_])*[a-z\d]+\.)*([a-z\d]+[-_])*[a-z\d]+$`)

// ValidateAccountID checks an account name against chain naming rules.
func ValidateAccountID(accountID string) error {
	if len(accountID) < MinAccountIDLen || len(accountID) > MaxAccountIDLen {
		return errors.InvalidAccountID(accountID)
	}
	if !accountIDPattern.MatchString(accountID) {
		return errors.InvalidAccountID(accountID)
	}
	return nil
}

// IsValidAccountID is a boolean convenience over ValidateAccountID.
func IsValidAccountID(accountID string) bool {
	return ValidateAccountID(accountID) == nil
}

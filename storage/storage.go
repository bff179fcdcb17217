// Package storage holds the wallet's persistent state: user and device
// records, preferences, encrypted key material, and pending email
// recoveries. The stores are the single source of truth; only encrypted
// forms and metadata are ever persisted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/passkey_wallet/confirm"
	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/vrf"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// RecoveryStatus is the pending email recovery lifecycle.
type RecoveryStatus string

const (
	RecoveryAwaitingEmail  RecoveryStatus = "awaiting-email"
	RecoveryAwaitingAddKey RecoveryStatus = "awaiting-add-key"
	RecoveryFinalizing     RecoveryStatus = "finalizing"
	RecoveryComplete       RecoveryStatus = "complete"
	RecoveryError          RecoveryStatus = "error"
)

// UserRecord is one registered account.
type UserRecord struct {
	AccountID            string    `json:"accountId"`
	RegisteredAt         time.Time `json:"registeredAt"`
	LastLogin            time.Time `json:"lastLogin"`
	LastUsedDeviceNumber int       `json:"lastUsedDeviceNumber"`
}

// DeviceRecord is one authenticator bound to an account. (AccountID,
// DeviceNumber) is unique; device numbers are assigned monotonically from 1.
type DeviceRecord struct {
	AccountID           string    `json:"accountId"`
	DeviceNumber        int       `json:"deviceNumber"`
	CredentialID        string    `json:"credentialId"`
	CredentialPublicKey []byte    `json:"credentialPublicKey"`
	Transports          []string  `json:"transports"`
	VRFPublicKey        string    `json:"vrfPublicKey"`
	NearPublicKey       string    `json:"nearPublicKey"`
	CreatedAt           time.Time `json:"createdAt"`
	LastUsed            time.Time `json:"lastUsed"`
}

// Preferences is the per-account UI configuration.
type Preferences struct {
	Theme                string           `json:"theme"`
	ConfirmationConfig   confirm.UIConfig `json:"confirmationConfig"`
	LastUsedDeviceNumber int              `json:"lastUsedDeviceNumber"`
}

// PendingRecovery is one TTL-bounded email recovery in flight, indexed by
// (accountId, nearPublicKey).
type PendingRecovery struct {
	AccountID           string                   `json:"accountId"`
	DeviceNumber        int                      `json:"deviceNumber"`
	NewNearPublicKey    string                   `json:"newNearPublicKey"`
	RequestID           string                   `json:"requestId"`
	EncryptedVrfKeypair *vrf.EncryptedVRFKeypair `json:"encryptedVrfKeypair"`
	VRFPublicKey        string                   `json:"vrfPublicKey"`
	CredentialJSON      []byte                   `json:"credential"`
	CreatedAt           time.Time                `json:"createdAt"`
	Status              RecoveryStatus           `json:"status"`
}

// ClientDB is the passkeyClientDB surface: users, devices, preferences, VRF
// blobs and app state.
type ClientDB interface {
	UpsertUser(ctx context.Context, user *UserRecord) error
	GetUser(ctx context.Context, accountID string) (*UserRecord, error)
	DeleteUser(ctx context.Context, accountID string) error

	UpsertDevice(ctx context.Context, device *DeviceRecord) error
	GetDevice(ctx context.Context, accountID string, deviceNumber int) (*DeviceRecord, error)
	ListDevices(ctx context.Context, accountID string) ([]*DeviceRecord, error)
	DeleteDevice(ctx context.Context, accountID string, deviceNumber int) error
	NextDeviceNumber(ctx context.Context, accountID string) (int, error)

	SetPreferences(ctx context.Context, accountID string, prefs *Preferences) error
	GetPreferences(ctx context.Context, accountID string) (*Preferences, error)

	PutEncryptedVrf(ctx context.Context, accountID string, enc *vrf.EncryptedVRFKeypair) error
	GetEncryptedVrf(ctx context.Context, accountID string) (*vrf.EncryptedVRFKeypair, error)
	PutServerEncryptedVrf(ctx context.Context, accountID string, blob *shamir.ServerEncryptedVRFKeypair) error
	GetServerEncryptedVrf(ctx context.Context, accountID string) (*shamir.ServerEncryptedVRFKeypair, error)

	PutPendingRecovery(ctx context.Context, recovery *PendingRecovery) error
	GetPendingRecovery(ctx context.Context, accountID, nearPublicKey string) (*PendingRecovery, error)
	DeletePendingRecovery(ctx context.Context, accountID, nearPublicKey string) error
	PrunePendingRecoveries(ctx context.Context, olderThan time.Time) (int, error)
}

// NearKeysDB is the passkeyNearKeysDB surface: AEAD-wrapped private keys by
// (accountId, deviceNumber).
type NearKeysDB interface {
	PutKeyMaterial(ctx context.Context, accountID string, material *signer.EncryptedKeyMaterial) error
	GetKeyMaterial(ctx context.Context, accountID string, deviceNumber int) (*signer.EncryptedKeyMaterial, error)
	DeleteKeyMaterial(ctx context.Context, accountID string, deviceNumber int) error
}

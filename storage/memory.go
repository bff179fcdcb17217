package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/vrf"
)

type deviceKey struct {
	accountID    string
	deviceNumber int
}

type recoveryKey struct {
	accountID     string
	nearPublicKey string
}

// MemoryStore is an in-memory ClientDB + NearKeysDB, used in tests and by
// embedders that keep persistence host-side.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]UserRecord
	devices     map[deviceKey]DeviceRecord
	prefs       map[string]Preferences
	vrfBlobs    map[string]vrf.EncryptedVRFKeypair
	serverBlobs map[string]shamir.ServerEncryptedVRFKeypair
	recoveries  map[recoveryKey]PendingRecovery
	keys        map[deviceKey]signer.EncryptedKeyMaterial
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]UserRecord),
		devices:     make(map[deviceKey]DeviceRecord),
		prefs:       make(map[string]Preferences),
		vrfBlobs:    make(map[string]vrf.EncryptedVRFKeypair),
		serverBlobs: make(map[string]shamir.ServerEncryptedVRFKeypair),
		recoveries:  make(map[recoveryKey]PendingRecovery),
		keys:        make(map[deviceKey]signer.EncryptedKeyMaterial),
	}
}

var (
	_ ClientDB   = (*MemoryStore)(nil)
	_ NearKeysDB = (*MemoryStore)(nil)
)

func (m *MemoryStore) UpsertUser(ctx context.Context, user *UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.AccountID] = *user
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, accountID string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, accountID)
	delete(m.prefs, accountID)
	delete(m.vrfBlobs, accountID)
	delete(m.serverBlobs, accountID)
	for key := range m.devices {
		if key.accountID == accountID {
			delete(m.devices, key)
		}
	}
	for key := range m.keys {
		if key.accountID == accountID {
			delete(m.keys, key)
		}
	}
	for key := range m.recoveries {
		if key.accountID == accountID {
			delete(m.recoveries, key)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertDevice(ctx context.Context, device *DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceKey{device.AccountID, device.DeviceNumber}] = *device
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, accountID string, deviceNumber int) (*DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[deviceKey{accountID, deviceNumber}]
	if !ok {
		return nil, ErrNotFound
	}
	return &device, nil
}

func (m *MemoryStore) ListDevices(ctx context.Context, accountID string) ([]*DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeviceRecord
	for key, device := range m.devices {
		if key.accountID == accountID {
			d := device
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceNumber < out[j].DeviceNumber })
	return out, nil
}

func (m *MemoryStore) DeleteDevice(ctx context.Context, accountID string, deviceNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceKey{accountID, deviceNumber})
	delete(m.keys, deviceKey{accountID, deviceNumber})
	return nil
}

func (m *MemoryStore) NextDeviceNumber(ctx context.Context, accountID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for key := range m.devices {
		if key.accountID == accountID && key.deviceNumber > max {
			max = key.deviceNumber
		}
	}
	return max + 1, nil
}

func (m *MemoryStore) SetPreferences(ctx context.Context, accountID string, prefs *Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[accountID] = *prefs
	return nil
}

func (m *MemoryStore) GetPreferences(ctx context.Context, accountID string) (*Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefs, ok := m.prefs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &prefs, nil
}

func (m *MemoryStore) PutEncryptedVrf(ctx context.Context, accountID string, enc *vrf.EncryptedVRFKeypair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vrfBlobs[accountID] = *enc
	return nil
}

func (m *MemoryStore) GetEncryptedVrf(ctx context.Context, accountID string) (*vrf.EncryptedVRFKeypair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enc, ok := m.vrfBlobs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &enc, nil
}

func (m *MemoryStore) PutServerEncryptedVrf(ctx context.Context, accountID string, blob *shamir.ServerEncryptedVRFKeypair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverBlobs[accountID] = *blob
	return nil
}

func (m *MemoryStore) GetServerEncryptedVrf(ctx context.Context, accountID string) (*shamir.ServerEncryptedVRFKeypair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.serverBlobs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &blob, nil
}

func (m *MemoryStore) PutPendingRecovery(ctx context.Context, recovery *PendingRecovery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries[recoveryKey{recovery.AccountID, recovery.NewNearPublicKey}] = *recovery
	return nil
}

func (m *MemoryStore) GetPendingRecovery(ctx context.Context, accountID, nearPublicKey string) (*PendingRecovery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recovery, ok := m.recoveries[recoveryKey{accountID, nearPublicKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return &recovery, nil
}

func (m *MemoryStore) DeletePendingRecovery(ctx context.Context, accountID, nearPublicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recoveries, recoveryKey{accountID, nearPublicKey})
	return nil
}

func (m *MemoryStore) PrunePendingRecoveries(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for key, recovery := range m.recoveries {
		if recovery.CreatedAt.Before(olderThan) {
			delete(m.recoveries, key)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) PutKeyMaterial(ctx context.Context, accountID string, material *signer.EncryptedKeyMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[deviceKey{accountID, material.DeviceNumber}] = *material
	return nil
}

func (m *MemoryStore) GetKeyMaterial(ctx context.Context, accountID string, deviceNumber int) (*signer.EncryptedKeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	material, ok := m.keys[deviceKey{accountID, deviceNumber}]
	if !ok {
		return nil, ErrNotFound
	}
	return &material, nil
}

func (m *MemoryStore) DeleteKeyMaterial(ctx context.Context, accountID string, deviceNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, deviceKey{accountID, deviceNumber})
	return nil
}

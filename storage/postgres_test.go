package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/passkey_wallet/shamir"
)

func TestPostgresGetUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	registered := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"account_id", "registered_at", "last_login", "last_used_device_number"}).
		AddRow("alice.testnet", registered, nil, 2)
	mock.ExpectQuery("SELECT account_id, registered_at").
		WithArgs("alice.testnet").
		WillReturnRows(rows)

	user, err := store.GetUser(context.Background(), "alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, "alice.testnet", user.AccountID)
	assert.Equal(t, 2, user.LastUsedDeviceNumber)
	assert.True(t, user.LastLogin.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetUserNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT account_id, registered_at").
		WithArgs("ghost.testnet").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "registered_at", "last_login", "last_used_device_number"}))

	_, err = store.GetUser(context.Background(), "ghost.testnet")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpsertDevice(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO wallet_devices").
		WithArgs("alice.testnet", 1, "cred-1", []byte{1, 2}, []byte(`["internal"]`), "vrf-pk", "ed25519:near-pk",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.UpsertDevice(context.Background(), &DeviceRecord{
		AccountID:           "alice.testnet",
		DeviceNumber:        1,
		CredentialID:        "cred-1",
		CredentialPublicKey: []byte{1, 2},
		Transports:          []string{"internal"},
		VRFPublicKey:        "vrf-pk",
		NearPublicKey:       "ed25519:near-pk",
		CreatedAt:           time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresNextDeviceNumber(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT MAX").
		WithArgs("alice.testnet").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))

	n, err := store.NextDeviceNumber(context.Background(), "alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// No devices yet: MAX is NULL, numbering starts at 1.
	mock.ExpectQuery("SELECT MAX").
		WithArgs("new.testnet").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	n, err = store.NextDeviceNumber(context.Background(), "new.testnet")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresPutServerEncryptedVrf(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO wallet_server_vrf_keypairs").
		WithArgs("alice.testnet", "cv", "ks", "key-1", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.PutServerEncryptedVrf(context.Background(), "alice.testnet",
		&shamir.ServerEncryptedVRFKeypair{
			CiphertextVrfB64u: "cv",
			KekSB64u:          "ks",
			ServerKeyID:       "key-1",
			UpdatedAt:         42,
		})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/passkey_wallet/shamir"
	"github.com/R3E-Network/passkey_wallet/signer"
	"github.com/R3E-Network/passkey_wallet/vrf"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore implements ClientDB and NearKeysDB over postgres.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ ClientDB   = (*PostgresStore)(nil)
	_ NearKeysDB = (*PostgresStore)(nil)
)

// Open connects to postgres and runs pending migrations. Migrations are
// append-only; the store version moves forward only.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing connection without migrating (tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies pending migrations.
func (s *PostgresStore) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) UpsertUser(ctx context.Context, user *UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_users (account_id, registered_at, last_login, last_used_device_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			last_login = EXCLUDED.last_login,
			last_used_device_number = EXCLUDED.last_used_device_number
	`, user.AccountID, user.RegisteredAt, toNullTime(user.LastLogin), user.LastUsedDeviceNumber)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, accountID string) (*UserRecord, error) {
	var user UserRecord
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, registered_at, last_login, last_used_device_number
		FROM wallet_users WHERE account_id = $1
	`, accountID).Scan(&user.AccountID, &user.RegisteredAt, &lastLogin, &user.LastUsedDeviceNumber)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		user.LastLogin = lastLogin.Time
	}
	return &user, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_users WHERE account_id = $1`, accountID)
	return err
}

// =============================================================================
// Devices
// =============================================================================

func (s *PostgresStore) UpsertDevice(ctx context.Context, device *DeviceRecord) error {
	transportsJSON, _ := json.Marshal(device.Transports)
	if device.Transports == nil {
		transportsJSON = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_devices
		(account_id, device_number, credential_id, credential_public_key, transports, vrf_public_key, near_public_key, created_at, last_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, device_number) DO UPDATE SET
			last_used = EXCLUDED.last_used,
			vrf_public_key = EXCLUDED.vrf_public_key,
			near_public_key = EXCLUDED.near_public_key
	`, device.AccountID, device.DeviceNumber, device.CredentialID, device.CredentialPublicKey,
		transportsJSON, device.VRFPublicKey, device.NearPublicKey, device.CreatedAt, toNullTime(device.LastUsed))
	return err
}

func (s *PostgresStore) GetDevice(ctx context.Context, accountID string, deviceNumber int) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, device_number, credential_id, credential_public_key, transports, vrf_public_key, near_public_key, created_at, last_used
		FROM wallet_devices WHERE account_id = $1 AND device_number = $2
	`, accountID, deviceNumber)
	return scanDevice(row)
}

func (s *PostgresStore) ListDevices(ctx context.Context, accountID string) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, device_number, credential_id, credential_public_key, transports, vrf_public_key, near_public_key, created_at, last_used
		FROM wallet_devices WHERE account_id = $1 ORDER BY device_number ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeviceRecord
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*DeviceRecord, error) {
	var device DeviceRecord
	var transportsJSON []byte
	var lastUsed sql.NullTime
	err := row.Scan(&device.AccountID, &device.DeviceNumber, &device.CredentialID,
		&device.CredentialPublicKey, &transportsJSON, &device.VRFPublicKey,
		&device.NearPublicKey, &device.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(transportsJSON) > 0 {
		_ = json.Unmarshal(transportsJSON, &device.Transports)
	}
	if lastUsed.Valid {
		device.LastUsed = lastUsed.Time
	}
	return &device, nil
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, accountID string, deviceNumber int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_devices WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM wallet_key_material WHERE account_id = $1 AND device_number = $2`, accountID, deviceNumber)
	return err
}

func (s *PostgresStore) NextDeviceNumber(ctx context.Context, accountID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(device_number) FROM wallet_devices WHERE account_id = $1
	`, accountID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// =============================================================================
// Preferences
// =============================================================================

func (s *PostgresStore) SetPreferences(ctx context.Context, accountID string, prefs *Preferences) error {
	configJSON, _ := json.Marshal(prefs.ConfirmationConfig)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_preferences (account_id, theme, confirmation_config, last_used_device_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			theme = EXCLUDED.theme,
			confirmation_config = EXCLUDED.confirmation_config,
			last_used_device_number = EXCLUDED.last_used_device_number
	`, accountID, prefs.Theme, configJSON, prefs.LastUsedDeviceNumber)
	return err
}

func (s *PostgresStore) GetPreferences(ctx context.Context, accountID string) (*Preferences, error) {
	var prefs Preferences
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT theme, confirmation_config, last_used_device_number
		FROM wallet_preferences WHERE account_id = $1
	`, accountID).Scan(&prefs.Theme, &configJSON, &prefs.LastUsedDeviceNumber)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		_ = json.Unmarshal(configJSON, &prefs.ConfirmationConfig)
	}
	return &prefs, nil
}

// =============================================================================
// VRF key blobs
// =============================================================================

func (s *PostgresStore) PutEncryptedVrf(ctx context.Context, accountID string, enc *vrf.EncryptedVRFKeypair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_vrf_keypairs (account_id, ciphertext, nonce, algorithm, kdf)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			nonce = EXCLUDED.nonce,
			algorithm = EXCLUDED.algorithm,
			kdf = EXCLUDED.kdf
	`, accountID, enc.Ciphertext, enc.Nonce, enc.Algorithm, enc.KDF)
	return err
}

func (s *PostgresStore) GetEncryptedVrf(ctx context.Context, accountID string) (*vrf.EncryptedVRFKeypair, error) {
	var enc vrf.EncryptedVRFKeypair
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, nonce, algorithm, kdf FROM wallet_vrf_keypairs WHERE account_id = $1
	`, accountID).Scan(&enc.Ciphertext, &enc.Nonce, &enc.Algorithm, &enc.KDF)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func (s *PostgresStore) PutServerEncryptedVrf(ctx context.Context, accountID string, blob *shamir.ServerEncryptedVRFKeypair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_server_vrf_keypairs (account_id, ciphertext_vrf, kek_s, server_key_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			ciphertext_vrf = EXCLUDED.ciphertext_vrf,
			kek_s = EXCLUDED.kek_s,
			server_key_id = EXCLUDED.server_key_id,
			updated_at = EXCLUDED.updated_at
	`, accountID, blob.CiphertextVrfB64u, blob.KekSB64u, blob.ServerKeyID, blob.UpdatedAt)
	return err
}

func (s *PostgresStore) GetServerEncryptedVrf(ctx context.Context, accountID string) (*shamir.ServerEncryptedVRFKeypair, error) {
	var blob shamir.ServerEncryptedVRFKeypair
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext_vrf, kek_s, server_key_id, updated_at
		FROM wallet_server_vrf_keypairs WHERE account_id = $1
	`, accountID).Scan(&blob.CiphertextVrfB64u, &blob.KekSB64u, &blob.ServerKeyID, &blob.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// =============================================================================
// Pending recoveries
// =============================================================================

func (s *PostgresStore) PutPendingRecovery(ctx context.Context, recovery *PendingRecovery) error {
	vrfJSON, _ := json.Marshal(recovery.EncryptedVrfKeypair)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_pending_recoveries
		(account_id, near_public_key, device_number, request_id, encrypted_vrf_keypair, vrf_public_key, credential, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, near_public_key) DO UPDATE SET
			status = EXCLUDED.status,
			request_id = EXCLUDED.request_id
	`, recovery.AccountID, recovery.NewNearPublicKey, recovery.DeviceNumber, recovery.RequestID,
		vrfJSON, recovery.VRFPublicKey, recovery.CredentialJSON, recovery.CreatedAt, recovery.Status)
	return err
}

func (s *PostgresStore) GetPendingRecovery(ctx context.Context, accountID, nearPublicKey string) (*PendingRecovery, error) {
	var recovery PendingRecovery
	var vrfJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, near_public_key, device_number, request_id, encrypted_vrf_keypair, vrf_public_key, credential, created_at, status
		FROM wallet_pending_recoveries WHERE account_id = $1 AND near_public_key = $2
	`, accountID, nearPublicKey).Scan(&recovery.AccountID, &recovery.NewNearPublicKey,
		&recovery.DeviceNumber, &recovery.RequestID, &vrfJSON, &recovery.VRFPublicKey,
		&recovery.CredentialJSON, &recovery.CreatedAt, &recovery.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(vrfJSON) > 0 && string(vrfJSON) != "null" {
		_ = json.Unmarshal(vrfJSON, &recovery.EncryptedVrfKeypair)
	}
	return &recovery, nil
}

func (s *PostgresStore) DeletePendingRecovery(ctx context.Context, accountID, nearPublicKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_pending_recoveries WHERE account_id = $1 AND near_public_key = $2
	`, accountID, nearPublicKey)
	return err
}

func (s *PostgresStore) PrunePendingRecoveries(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_pending_recoveries WHERE created_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// =============================================================================
// Key material
// =============================================================================

func (s *PostgresStore) PutKeyMaterial(ctx context.Context, accountID string, material *signer.EncryptedKeyMaterial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_key_material (account_id, device_number, encrypted_private_key, iv, wrap_key_salt)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, device_number) DO UPDATE SET
			encrypted_private_key = EXCLUDED.encrypted_private_key,
			iv = EXCLUDED.iv,
			wrap_key_salt = EXCLUDED.wrap_key_salt
	`, accountID, material.DeviceNumber, material.EncryptedPrivateKey, material.IV, material.WrapKeySalt)
	return err
}

func (s *PostgresStore) GetKeyMaterial(ctx context.Context, accountID string, deviceNumber int) (*signer.EncryptedKeyMaterial, error) {
	material := signer.EncryptedKeyMaterial{DeviceNumber: deviceNumber}
	err := s.db.QueryRowContext(ctx, `
		SELECT encrypted_private_key, iv, wrap_key_salt
		FROM wallet_key_material WHERE account_id = $1 AND device_number = $2
	`, accountID, deviceNumber).Scan(&material.EncryptedPrivateKey, &material.IV, &material.WrapKeySalt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &material, nil
}

func (s *PostgresStore) DeleteKeyMaterial(ctx context.Context, accountID string, deviceNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_key_material WHERE account_id = $1 AND device_number = $2
	`, accountID, deviceNumber)
	return err
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

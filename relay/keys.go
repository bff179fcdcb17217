// Package relay implements the reference relay server: the Shamir 3-pass
// counterpart, session verification, and account creation. The relay only
// ever sees blinded KEKs; the plaintext KEK, VRF seed and PRF never transit
// its routes.
package relay

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/passkey_wallet/infrastructure/group"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/shamir"
)

// DefaultMaxGraceKeys bounds how many rotated-out keys keep unlocking blobs.
const DefaultMaxGraceKeys = 2

// KeyStore owns the relay's lock exponents: one active key plus grace keys
// retained across the rotation window.
type KeyStore struct {
	mu       sync.RWMutex
	ring     *shamir.KeyRing
	maxGrace int
	log      *logging.Logger
	cron     *cron.Cron
}

// NewKeyStore creates a keystore with a fresh active key.
func NewKeyStore(log *logging.Logger, maxGrace int) (*KeyStore, error) {
	if log == nil {
		log = logging.Nop()
	}
	if maxGrace <= 0 {
		maxGrace = DefaultMaxGraceKeys
	}
	ring, err := shamir.NewKeyRing()
	if err != nil {
		return nil, err
	}
	return &KeyStore{ring: ring, maxGrace: maxGrace, log: log}, nil
}

// CurrentKeyID returns the active key id.
func (s *KeyStore) CurrentKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Current.KeyID
}

// GraceKeyIDs returns the grace key ids.
func (s *KeyStore) GraceKeyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.GraceKeyIDs()
}

// ApplyLock locks a client-blinded KEK under the active key. Grace keys
// never apply locks.
func (s *KeyStore) ApplyLock(kekCB64u string) (kekCsB64u, keyID string, err error) {
	kekC, err := group.Decode(kekCB64u)
	if err != nil {
		return "", "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return group.Encode(s.ring.Current.ApplyLock(kekC)), s.ring.Current.KeyID, nil
}

// RemoveLock strips the lock identified by keyID from a blinded KEK. The
// bool result reports whether the key id was known (active or grace).
func (s *KeyStore) RemoveLock(kekStB64u, keyID string) (string, bool, error) {
	kekSt, err := group.Decode(kekStB64u)
	if err != nil {
		return "", true, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, _, ok := s.ring.Lookup(keyID)
	if !ok {
		return "", false, nil
	}
	return group.Encode(key.RemoveLock(kekSt)), true, nil
}

// Rotate replaces the active key, demoting it to the grace list.
func (s *KeyStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Rotate(s.maxGrace); err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"current_key_id": s.ring.Current.KeyID,
		"grace_keys":     len(s.ring.Grace),
	}).Info("Shamir server key rotated")
	return nil
}

// StartRotation schedules key rotation on a cron expression
// (e.g. "0 3 * * 0" for weekly). Returns the scheduler so callers can stop
// it on shutdown.
func (s *KeyStore) StartRotation(spec string) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		if err := s.Rotate(); err != nil {
			s.log.WithError(err).Error("Scheduled key rotation failed")
		}
	})
	if err != nil {
		return nil, err
	}
	scheduler.Start()
	s.cron = scheduler
	return scheduler, nil
}

// Stop halts the rotation schedule.
func (s *KeyStore) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

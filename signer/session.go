package signer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

// SessionTimeout bounds a signing session's lifetime.
const SessionTimeout = 5 * time.Minute

// Session binds one reserved worker, one seed delivery channel and one
// account for the lifetime of a signing operation. At most one session is
// active per session id; termination always kills the worker so decrypted
// material cannot outlive the session.
type Session struct {
	ID        string
	engine    *Engine
	workerIdx int
	createdAt time.Time

	seedCh   chan []byte
	seedOnce sync.Once

	mu       sync.Mutex
	seed     []byte
	released bool
	timer    *time.Timer
}

// StartSession reserves a worker and installs the seed-ready latch.
func (e *Engine) StartSession() (*Session, error) {
	ctx, cancel := e.reserveContext()
	defer cancel()

	idx, err := e.pool.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		engine:    e,
		workerIdx: idx,
		createdAt: e.now(),
		seedCh:    make(chan []byte, 1),
	}
	s.timer = time.AfterFunc(SessionTimeout, func() {
		e.log.WithFields(map[string]interface{}{"session_id": s.ID}).Warn("Signing session timed out")
		s.Terminate()
	})

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()
	return s, nil
}

// Session looks up an active session by id.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, errors.Conflict("unknown or released signing session")
	}
	return s, nil
}

// DeliverWrapKeySeed resolves the one-shot seed-ready latch. The seed is the
// PRF output extracted by the confirmation flow; it arrives over a dedicated
// channel, never inside a request payload. Only the first delivery counts.
func (s *Session) DeliverWrapKeySeed(seed []byte) {
	s.seedOnce.Do(func() {
		owned := append([]byte{}, seed...)
		s.seedCh <- owned
	})
}

// awaitSeed blocks until the seed arrives or the engine's seed-wait timeout
// elapses.
func (s *Session) awaitSeed() ([]byte, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, errors.Conflict("session released")
	}
	if s.seed != nil {
		seed := s.seed
		s.mu.Unlock()
		return seed, nil
	}
	s.mu.Unlock()

	select {
	case seed := <-s.seedCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.released {
			crypto.Zeroize(seed)
			return nil, errors.Conflict("session released")
		}
		s.seed = seed
		return seed, nil
	case <-time.After(s.engine.seedWait):
		return nil, errors.Timeout("wrap key seed delivery")
	}
}

// Release ends the session on a clean terminal outcome. The session seed is
// zeroized, and the worker is terminated regardless and replaced.
func (s *Session) Release() {
	s.finish()
}

// Terminate ends the session on cancellation or timeout.
func (s *Session) Terminate() {
	s.finish()
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.seed != nil {
		crypto.Zeroize(s.seed)
		s.seed = nil
	}
	s.mu.Unlock()

	// Drain an undelivered seed, if any.
	select {
	case seed := <-s.seedCh:
		crypto.Zeroize(seed)
	default:
	}

	s.engine.mu.Lock()
	delete(s.engine.sessions, s.ID)
	s.engine.mu.Unlock()
	s.engine.pool.Release(s.workerIdx, true)
}

// Package nonce reserves transaction nonces and tracks chain context
// (block hash, block height, access-key nonce) for one account at a time.
// Reservations are contiguous and strictly increasing; concurrent refreshes
// are coalesced and guarded against stale commits.
package nonce

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
)

// Freshness thresholds.
const (
	NonceTTL         = 5 * time.Second
	BlockTTL         = 20 * time.Second
	StaleWarning     = 30 * time.Second
	PrefetchDebounce = 400 * time.Millisecond
)

// TransactionContext is a snapshot of the chain state a transaction is
// built against.
type TransactionContext struct {
	NearPublicKey         string    `json:"nearPublicKey"`
	AccessKeyNonce        uint64    `json:"accessKeyNonce"`
	NextNonce             string    `json:"nextNonce"`
	TxBlockHash           string    `json:"txBlockHash"`
	TxBlockHeight         uint64    `json:"txBlockHeight"`
	LastNonceUpdate       time.Time `json:"-"`
	LastBlockHeightUpdate time.Time `json:"-"`
}

type inflightFetch struct {
	id       uint64
	identity uint64
	done     chan struct{}
	result   *TransactionContext
	err      error
}

// Manager owns nonce reservations for the active account. One instance per
// process; InitializeUser switches accounts and discards pending commits.
type Manager struct {
	mu  sync.Mutex
	log *logging.Logger
	now func() time.Time

	accountID string
	publicKey string
	identity  uint64

	state        *TransactionContext
	reserved     map[uint64]struct{}
	lastReserved uint64
	nextNonce    uint64

	inflight    *inflightFetch
	inflightSeq uint64
	committedID uint64

	prefetchArmed bool
}

// NewManager creates an empty manager.
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{log: log, now: time.Now, reserved: make(map[uint64]struct{})}
}

// InitializeUser clears all prior context and binds the manager to a new
// (account, public key) pair. In-flight fetches started under the previous
// identity can no longer commit.
func (m *Manager) InitializeUser(accountID, publicKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountID = accountID
	m.publicKey = publicKey
	m.identity++
	m.state = nil
	m.reserved = make(map[uint64]struct{})
	m.lastReserved = 0
	m.nextNonce = 0
	m.inflight = nil
	m.log.WithAccount(accountID).Debug("Nonce manager initialized")
}

// GetContext returns fresh chain context, coalescing concurrent refreshes.
// With force set, a new fetch is always started; its commit is guarded by a
// monotonic id so an earlier cached fetch can never overwrite it.
func (m *Manager) GetContext(ctx context.Context, rpc chain.RPC, force bool) (*TransactionContext, error) {
	m.mu.Lock()
	if m.accountID == "" {
		m.mu.Unlock()
		return nil, errors.Internal("nonce manager has no user", nil)
	}
	if !force && m.freshLocked() {
		snapshot := *m.state
		m.mu.Unlock()
		return &snapshot, nil
	}
	if !force && m.inflight != nil {
		fetch := m.inflight
		m.mu.Unlock()
		return waitFetch(ctx, fetch)
	}

	m.inflightSeq++
	fetch := &inflightFetch{
		id:       m.inflightSeq,
		identity: m.identity,
		done:     make(chan struct{}),
	}
	m.inflight = fetch
	accountID, publicKey := m.accountID, m.publicKey
	m.mu.Unlock()

	go m.runFetch(ctx, rpc, fetch, accountID, publicKey)
	return waitFetch(ctx, fetch)
}

func waitFetch(ctx context.Context, fetch *inflightFetch) (*TransactionContext, error) {
	select {
	case <-fetch.done:
		if fetch.err != nil {
			return nil, fetch.err
		}
		snapshot := *fetch.result
		return &snapshot, nil
	case <-ctx.Done():
		return nil, errors.Timeout("nonce context fetch")
	}
}

func (m *Manager) runFetch(ctx context.Context, rpc chain.RPC, fetch *inflightFetch, accountID, publicKey string) {
	defer close(fetch.done)

	block, blockErr := rpc.ViewBlock(ctx, chain.FinalityFinal)
	view, keyErr := rpc.ViewAccessKey(ctx, accountID, publicKey, chain.FinalityOptimistic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight == fetch {
		m.inflight = nil
	}

	// Identity changed while fetching: the result belongs to a previous
	// user and must not commit.
	if fetch.identity != m.identity {
		fetch.err = errors.Conflict("user changed during fetch")
		return
	}
	// A later fetch already committed; this one is stale.
	if fetch.id < m.committedID {
		if m.state != nil {
			snapshot := *m.state
			fetch.result = &snapshot
			return
		}
		fetch.err = errors.Conflict("stale fetch discarded")
		return
	}

	if blockErr != nil {
		fetch.err = errors.RPCFailed("view_block", blockErr)
		return
	}

	now := m.now()
	next := m.nextNonce

	switch {
	case keyErr == nil:
		if view.Nonce+1 > next {
			next = view.Nonce + 1
		}
	default:
		if _, ok := keyErr.(*chain.ErrAccessKeyDoesNotExist); !ok {
			fetch.err = errors.RPCFailed("view_access_key", keyErr)
			return
		}
		// Just-created key: advance optimistically from local state.
		if next == 0 {
			next = 1
		}
	}
	if m.lastReserved+1 > next {
		next = m.lastReserved + 1
	}

	state := &TransactionContext{
		NearPublicKey:         publicKey,
		NextNonce:             strconv.FormatUint(next, 10),
		TxBlockHash:           block.Hash,
		TxBlockHeight:         block.Height,
		LastNonceUpdate:       now,
		LastBlockHeightUpdate: now,
	}
	if keyErr == nil {
		state.AccessKeyNonce = view.Nonce
	}

	m.state = state
	m.nextNonce = next
	m.committedID = fetch.id
	fetch.result = state
}

func (m *Manager) freshLocked() bool {
	if m.state == nil {
		return false
	}
	now := m.now()
	return now.Sub(m.state.LastNonceUpdate) < NonceTTL &&
		now.Sub(m.state.LastBlockHeightUpdate) < BlockTTL
}

// ReserveNonces plans and commits n contiguous nonces as a unit. The first
// reserved value is max(onchain_nonce+1, last_reserved+1, next_nonce).
func (m *Manager) ReserveNonces(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.InvalidInput("count", "must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, errors.Internal("no transaction context; fetch before reserving", nil)
	}

	start := m.state.AccessKeyNonce + 1
	if m.lastReserved+1 > start {
		start = m.lastReserved + 1
	}
	if m.nextNonce > start {
		start = m.nextNonce
	}
	if start == 0 {
		start = 1
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		value := start + uint64(i)
		m.reserved[value] = struct{}{}
		out = append(out, strconv.FormatUint(value, 10))
	}
	m.lastReserved = start + uint64(n) - 1
	m.nextNonce = m.lastReserved + 1
	m.state.NextNonce = strconv.FormatUint(m.nextNonce, 10)

	if m.now().Sub(m.state.LastNonceUpdate) > StaleWarning {
		m.log.WithAccount(m.accountID).Warn("Reserving nonces against stale chain context")
	}
	return out, nil
}

// ReleaseNonce releases one reservation. Idempotent.
func (m *Manager) ReleaseNonce(nonce string) {
	value, err := strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, value)
}

// ReleaseAllNonces drops every reservation. Idempotent.
func (m *Manager) ReleaseAllNonces() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved = make(map[uint64]struct{})
}

// ReservedCount reports outstanding reservations.
func (m *Manager) ReservedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}

// UpdateNonceFromBlockchain reconciles after a broadcast. actualNonce is the
// nonce the chain reports (or the one just used when the access key is not
// yet visible); reservations at or below it are pruned and the next nonce
// advances past it.
func (m *Manager) UpdateNonceFromBlockchain(ctx context.Context, rpc chain.RPC, actualNonce uint64) {
	var chainNonce uint64
	if rpc != nil {
		m.mu.Lock()
		accountID, publicKey := m.accountID, m.publicKey
		identity := m.identity
		m.mu.Unlock()

		view, err := rpc.ViewAccessKey(ctx, accountID, publicKey, chain.FinalityOptimistic)
		switch {
		case err == nil:
			chainNonce = view.Nonce
		default:
			if _, ok := err.(*chain.ErrAccessKeyDoesNotExist); !ok {
				m.log.WithAccount(accountID).WithError(err).Debug("Nonce reconciliation query failed")
			}
			// AccessKeyDoesNotExist right after creation: trust actualNonce.
		}

		m.mu.Lock()
		if identity != m.identity {
			m.mu.Unlock()
			return
		}
		defer m.mu.Unlock()
	} else {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	effective := actualNonce
	if chainNonce > effective {
		effective = chainNonce
	}

	if m.state != nil && effective > m.state.AccessKeyNonce {
		m.state.AccessKeyNonce = effective
		m.state.LastNonceUpdate = m.now()
	}
	if effective+1 > m.nextNonce {
		m.nextNonce = effective + 1
		if m.state != nil {
			m.state.NextNonce = strconv.FormatUint(m.nextNonce, 10)
		}
	}
	for value := range m.reserved {
		if value <= effective {
			delete(m.reserved, value)
		}
	}
}

// PrefetchBlockHeight schedules a debounced background refresh when the
// cached block info or nonce has gone stale.
func (m *Manager) PrefetchBlockHeight(rpc chain.RPC) {
	m.mu.Lock()
	if m.prefetchArmed || m.accountID == "" {
		m.mu.Unlock()
		return
	}
	stale := m.state == nil ||
		m.now().Sub(m.state.LastBlockHeightUpdate) > BlockTTL ||
		m.now().Sub(m.state.LastNonceUpdate) > NonceTTL
	if !stale {
		m.mu.Unlock()
		return
	}
	m.prefetchArmed = true
	m.mu.Unlock()

	time.AfterFunc(PrefetchDebounce, func() {
		m.mu.Lock()
		m.prefetchArmed = false
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.GetContext(ctx, rpc, false); err != nil {
			m.log.WithError(err).Debug("Background block prefetch failed")
		}
	})
}

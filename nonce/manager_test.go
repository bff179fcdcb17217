package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
)

type fakeRPC struct {
	mu          sync.Mutex
	nonce       uint64
	height      uint64
	hash        string
	keyMissing  bool
	blockCalls  atomic.Int32
	keyCalls    atomic.Int32
	gate        chan struct{} // when set, ViewBlock blocks until closed
}

func (f *fakeRPC) ViewBlock(ctx context.Context, finality chain.Finality) (*chain.BlockHeader, error) {
	f.blockCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &chain.BlockHeader{Height: f.height, Hash: f.hash}, nil
}

func (f *fakeRPC) ViewAccessKey(ctx context.Context, accountID, publicKey string, finality chain.Finality) (*chain.AccessKeyView, error) {
	f.keyCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyMissing {
		return nil, &chain.ErrAccessKeyDoesNotExist{AccountID: accountID, PublicKey: publicKey}
	}
	return &chain.AccessKeyView{Nonce: f.nonce, BlockHash: f.hash, BlockHeight: f.height}, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, signedTx []byte, waitUntil string) (*chain.TxOutcome, error) {
	return &chain.TxOutcome{TransactionHash: "fake"}, nil
}

func newTestManager() (*Manager, *fakeRPC) {
	m := NewManager(nil)
	m.InitializeUser("alice.testnet", "ed25519:pk1")
	return m, &fakeRPC{nonce: 100, height: 5000, hash: "BlockHashA"}
}

func TestGetContext(t *testing.T) {
	m, rpc := newTestManager()
	tc, err := m.GetContext(context.Background(), rpc, false)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if tc.NextNonce != "101" {
		t.Errorf("nextNonce = %s, want 101", tc.NextNonce)
	}
	if tc.TxBlockHeight != 5000 || tc.TxBlockHash != "BlockHashA" {
		t.Errorf("block context = %+v", tc)
	}
}

func TestGetContextCoalesces(t *testing.T) {
	m, rpc := newTestManager()
	rpc.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*TransactionContext, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc, err := m.GetContext(context.Background(), rpc, false)
			if err != nil {
				t.Errorf("GetContext() error = %v", err)
				return
			}
			results[i] = tc
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(rpc.gate)
	wg.Wait()

	if got := rpc.blockCalls.Load(); got != 1 {
		t.Errorf("block fetches = %d, want 1 (coalesced)", got)
	}
	for _, tc := range results {
		if tc == nil || tc.NextNonce != "101" {
			t.Errorf("coalesced result = %+v", tc)
		}
	}
}

func TestGetContextCachedWithinTTL(t *testing.T) {
	m, rpc := newTestManager()
	m.GetContext(context.Background(), rpc, false)
	m.GetContext(context.Background(), rpc, false)
	if got := rpc.blockCalls.Load(); got != 1 {
		t.Errorf("block fetches = %d, want 1 (cached)", got)
	}

	// force bypasses the cache.
	m.GetContext(context.Background(), rpc, true)
	if got := rpc.blockCalls.Load(); got != 2 {
		t.Errorf("block fetches = %d, want 2 after force", got)
	}
}

func TestReserveNoncesContiguous(t *testing.T) {
	m, rpc := newTestManager()
	m.GetContext(context.Background(), rpc, false)

	batch1, err := m.ReserveNonces(3)
	if err != nil {
		t.Fatalf("ReserveNonces() error = %v", err)
	}
	batch2, err := m.ReserveNonces(3)
	if err != nil {
		t.Fatalf("ReserveNonces() error = %v", err)
	}

	want := []string{"101", "102", "103", "104", "105", "106"}
	got := append(append([]string{}, batch1...), batch2...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reservations = %v, want %v", got, want)
		}
	}
}

func TestReserveNoncesNeverZero(t *testing.T) {
	m := NewManager(nil)
	m.InitializeUser("alice.testnet", "ed25519:pk1")
	rpc := &fakeRPC{keyMissing: true, height: 10, hash: "h"}
	m.GetContext(context.Background(), rpc, false)

	batch, err := m.ReserveNonces(1)
	if err != nil {
		t.Fatalf("ReserveNonces() error = %v", err)
	}
	if batch[0] == "0" {
		t.Error("reserved nonce must never be 0")
	}
}

func TestReleaseNonceIdempotent(t *testing.T) {
	m, rpc := newTestManager()
	m.GetContext(context.Background(), rpc, false)
	batch, _ := m.ReserveNonces(3)

	m.ReleaseNonce(batch[1])
	m.ReleaseNonce(batch[1])
	if m.ReservedCount() != 2 {
		t.Errorf("reserved = %d, want 2", m.ReservedCount())
	}
	m.ReleaseAllNonces()
	m.ReleaseAllNonces()
	if m.ReservedCount() != 0 {
		t.Errorf("reserved = %d, want 0", m.ReservedCount())
	}
}

func TestUserSwitchDiscardsInflightCommit(t *testing.T) {
	m, rpc := newTestManager()
	rpc.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := m.GetContext(context.Background(), rpc, false)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Switch user while the fetch for alice is still in flight.
	m.InitializeUser("bob.testnet", "ed25519:pk2")
	close(rpc.gate)

	if err := <-done; err == nil {
		t.Fatal("fetch started under previous user must not commit")
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != nil {
		t.Error("state committed from a fetch under the old identity")
	}
}

func TestUpdateNonceFromBlockchain(t *testing.T) {
	m, rpc := newTestManager()
	m.GetContext(context.Background(), rpc, false)
	batch, _ := m.ReserveNonces(4) // 101..104

	// Chain has executed up to 102.
	rpc.mu.Lock()
	rpc.nonce = 102
	rpc.mu.Unlock()
	m.UpdateNonceFromBlockchain(context.Background(), rpc, 102)

	if m.ReservedCount() != 2 {
		t.Errorf("reserved = %d, want 2 after pruning <= 102", m.ReservedCount())
	}
	_ = batch

	next, _ := m.ReserveNonces(1)
	if next[0] != "105" {
		t.Errorf("next reservation = %s, want 105", next[0])
	}
}

func TestUpdateNonceToleratesMissingAccessKey(t *testing.T) {
	m := NewManager(nil)
	m.InitializeUser("fresh.testnet", "ed25519:pk1")
	rpc := &fakeRPC{keyMissing: true, height: 10, hash: "h"}
	m.GetContext(context.Background(), rpc, false)

	// view_access_key still reports AccessKeyDoesNotExist just after
	// creation; the actual nonce used must still advance local state.
	m.UpdateNonceFromBlockchain(context.Background(), rpc, 7)

	batch, err := m.ReserveNonces(1)
	if err != nil {
		t.Fatalf("ReserveNonces() error = %v", err)
	}
	if batch[0] != "8" {
		t.Errorf("next nonce = %s, want 8 (actual+1)", batch[0])
	}
}

func TestPrefetchDebounced(t *testing.T) {
	m, rpc := newTestManager()

	// No context yet: stale, so one prefetch is armed; repeated calls
	// within the debounce window do not arm more.
	m.PrefetchBlockHeight(rpc)
	m.PrefetchBlockHeight(rpc)
	m.PrefetchBlockHeight(rpc)

	time.Sleep(PrefetchDebounce + 200*time.Millisecond)
	if got := rpc.blockCalls.Load(); got != 1 {
		t.Errorf("prefetch fetches = %d, want 1", got)
	}

	// Fresh context: prefetch is a no-op.
	before := rpc.blockCalls.Load()
	m.PrefetchBlockHeight(rpc)
	time.Sleep(PrefetchDebounce + 100*time.Millisecond)
	if rpc.blockCalls.Load() != before {
		t.Error("prefetch must not fire while context is fresh")
	}
}

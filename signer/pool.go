// Package signer derives NEAR signing keys from PRF-delivered seeds and
// produces transaction, NEP-413 and delegate signatures inside pooled
// workers. Decrypted key material is confined to one worker per operation
// and zeroized when the owning session ends.
package signer

import (
	"context"
	"sync"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

// DefaultPoolCapacity bounds concurrent signing sessions.
const DefaultPoolCapacity = 3

// worker is one slot in the pool arena. Sessions hold the slot index, never
// the worker itself.
type worker struct {
	jobs chan func()
	quit chan struct{}
}

func newWorker() *worker {
	w := &worker{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// run executes job on the worker goroutine and waits for completion.
func (w *worker) run(ctx context.Context, job func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		job()
	}
	select {
	case w.jobs <- wrapped:
	case <-w.quit:
		return errors.Internal("worker terminated", nil)
	case <-ctx.Done():
		return errors.Timeout("worker dispatch")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Timeout("worker job")
	}
}

// terminate kills the worker goroutine.
func (w *worker) terminate() {
	close(w.quit)
}

// Pool is a small, non-reentrant allocator of worker slots.
type Pool struct {
	mu      sync.Mutex
	slots   []*worker
	free    []int
	waiters []chan int
}

// NewPool creates a pool with the given capacity (default 3).
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	p := &Pool{slots: make([]*worker, capacity)}
	for i := 0; i < capacity; i++ {
		p.slots[i] = newWorker()
		p.free = append(p.free, i)
	}
	return p
}

// Reserve claims a worker slot, waiting if all are busy.
func (p *Pool) Reserve(ctx context.Context) (int, error) {
	p.mu.Lock()
	if len(p.free) > 0 {
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.mu.Unlock()
		return idx, nil
	}
	waiter := make(chan int, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case idx := <-waiter:
		return idx, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == waiter {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// The slot may have been handed over concurrently; pass it on.
		select {
		case idx := <-waiter:
			p.release(idx)
		default:
		}
		return -1, errors.Timeout("worker reservation")
	}
}

// Release returns a slot to the pool. With terminate set the worker
// goroutine is stopped and a fresh replacement is started before the slot is
// handed out again. Stopping the goroutine clears no memory; secrets are
// zeroized by the session and by each job.
func (p *Pool) Release(idx int, terminate bool) {
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	if terminate {
		p.mu.Lock()
		p.slots[idx].terminate()
		p.slots[idx] = newWorker()
		p.mu.Unlock()
	}
	p.release(idx)
}

func (p *Pool) release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		waiter <- idx
		return
	}
	p.free = append(p.free, idx)
}

// run executes job on the slot's current worker.
func (p *Pool) run(ctx context.Context, idx int, job func()) error {
	p.mu.Lock()
	w := p.slots[idx]
	p.mu.Unlock()
	return w.run(ctx, job)
}

// Capacity reports the pool size.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Endpoint tracks health for one RPC URL.
type Endpoint struct {
	URL              string        `json:"url"`
	Healthy          bool          `json:"healthy"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastCheck        time.Time     `json:"last_check"`
}

// PoolConfig holds configuration for the RPC failover pool.
type PoolConfig struct {
	Endpoints           []string
	Timeout             time.Duration
	MaxConsecutiveFails int
}

// Pool fans wallet RPC traffic over multiple endpoints with failover. The
// first healthy endpoint serves each call; an endpoint is marked unhealthy
// after MaxConsecutiveFails consecutive errors and retried last.
type Pool struct {
	mu        sync.RWMutex
	clients   []*Client
	endpoints []*Endpoint
	maxFails  int
}

// NewPool creates a failover pool over the configured endpoints.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint required")
	}
	maxFails := cfg.MaxConsecutiveFails
	if maxFails == 0 {
		maxFails = 3
	}
	p := &Pool{maxFails: maxFails}
	for _, url := range cfg.Endpoints {
		client, err := NewClient(Config{RPCURL: url, Timeout: cfg.Timeout})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", url, err)
		}
		p.clients = append(p.clients, client)
		p.endpoints = append(p.endpoints, &Endpoint{URL: url, Healthy: true})
	}
	return p, nil
}

// order returns client indexes, healthy endpoints first.
func (p *Pool) order() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	healthy := make([]int, 0, len(p.clients))
	unhealthy := make([]int, 0)
	for i, ep := range p.endpoints {
		if ep.Healthy {
			healthy = append(healthy, i)
		} else {
			unhealthy = append(unhealthy, i)
		}
	}
	return append(healthy, unhealthy...)
}

func (p *Pool) record(i int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.endpoints[i]
	ep.LastCheck = time.Now()
	if err == nil {
		ep.ConsecutiveFails = 0
		ep.Healthy = true
		return
	}
	ep.ConsecutiveFails++
	if ep.ConsecutiveFails >= p.maxFails {
		ep.Healthy = false
	}
}

// do runs fn against endpoints in health order until one succeeds.
func (p *Pool) do(fn func(c *Client) error) error {
	var lastErr error
	for _, i := range p.order() {
		err := fn(p.clients[i])
		// Access-key-missing is a chain answer, not an endpoint failure.
		if _, ok := err.(*ErrAccessKeyDoesNotExist); ok {
			p.record(i, nil)
			return err
		}
		p.record(i, err)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// ViewAccessKey queries with failover.
func (p *Pool) ViewAccessKey(ctx context.Context, accountID, publicKey string, finality Finality) (*AccessKeyView, error) {
	var out *AccessKeyView
	err := p.do(func(c *Client) error {
		view, err := c.ViewAccessKey(ctx, accountID, publicKey, finality)
		out = view
		return err
	})
	return out, err
}

// ViewBlock queries with failover.
func (p *Pool) ViewBlock(ctx context.Context, finality Finality) (*BlockHeader, error) {
	var out *BlockHeader
	err := p.do(func(c *Client) error {
		header, err := c.ViewBlock(ctx, finality)
		out = header
		return err
	})
	return out, err
}

// SendTransaction broadcasts with failover.
func (p *Pool) SendTransaction(ctx context.Context, signedTx []byte, waitUntil string) (*TxOutcome, error) {
	var out *TxOutcome
	err := p.do(func(c *Client) error {
		outcome, err := c.SendTransaction(ctx, signedTx, waitUntil)
		out = outcome
		return err
	})
	return out, err
}

// Endpoints returns a snapshot of endpoint health.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of *ethclient.Client used by the verifiers and the
// escrow settler.
type Client interface {
	ethereum.TransactionReader
	ethereum.ContractCaller
	ethereum.GasPricer
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Dialer opens an RPC connection to url.
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// Pool lazily dials and caches one Client per registered chain.
type Pool struct {
	registry *Registry
	dial     Dialer

	mu      sync.Mutex
	clients map[string]Client
}

// NewPool creates a Pool over registry. A nil dial uses DialEthclient.
func NewPool(registry *Registry, dial Dialer) *Pool {
	if dial == nil {
		dial = DialEthclient
	}
	return &Pool{
		registry: registry,
		dial:     dial,
		clients:  make(map[string]Client),
	}
}

// Registry returns the registry the pool dials from.
func (p *Pool) Registry() *Registry { return p.registry }

// Client returns the cached client for name, dialling on first use.
func (p *Pool) Client(ctx context.Context, name string) (Client, Config, error) {
	cfg, err := p.registry.Lookup(name)
	if err != nil {
		return nil, Config{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cfg.Name]; ok {
		return c, cfg, nil
	}
	c, err := p.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, Config{}, fmt.Errorf("chain: dial %s: %w", cfg.Name, err)
	}
	p.clients[cfg.Name] = c
	return c, cfg, nil
}

// Close closes every dialled client that supports it.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(p.clients, name)
	}
}

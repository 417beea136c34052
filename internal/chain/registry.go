// Package chain holds the chain registry and the RPC clients dialled from it.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Config describes one EVM chain the gateway accepts payment on.
type Config struct {
	Name       string
	ChainID    *big.Int
	RPCURL     string
	Stablecoin common.Address
}

// Spec is the untyped form of Config, as read from configuration.
type Spec struct {
	Name              string
	ChainID           int64
	RPCURL            string
	StablecoinAddress string
}

// Registry is an immutable, ordered mapping from chain name to Config.
// Lookups are case-insensitive.
type Registry struct {
	chains []Config
	byName map[string]int
}

// NewRegistry validates specs and builds a Registry that preserves their order.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{
		chains: make([]Config, 0, len(specs)),
		byName: make(map[string]int, len(specs)),
	}
	for _, s := range specs {
		key := strings.ToLower(strings.TrimSpace(s.Name))
		if key == "" {
			return nil, fmt.Errorf("chain: empty chain name")
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("chain: duplicate chain %q", s.Name)
		}
		if !common.IsHexAddress(s.StablecoinAddress) {
			return nil, fmt.Errorf("chain: %s: invalid stablecoin address %q", s.Name, s.StablecoinAddress)
		}
		if s.ChainID <= 0 {
			return nil, fmt.Errorf("chain: %s: chain id must be positive", s.Name)
		}
		r.byName[key] = len(r.chains)
		r.chains = append(r.chains, Config{
			Name:       key,
			ChainID:    big.NewInt(s.ChainID),
			RPCURL:     s.RPCURL,
			Stablecoin: common.HexToAddress(s.StablecoinAddress),
		})
	}
	return r, nil
}

// Lookup returns the Config for name or an error wrapping
// domain.ErrUnknownChain.
func (r *Registry) Lookup(name string) (Config, error) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, fmt.Errorf("chain: %q: %w", name, domain.ErrUnknownChain)
	}
	return r.chains[i], nil
}

// Chains returns every Config in registration order.
func (r *Registry) Chains() []Config {
	out := make([]Config, len(r.chains))
	copy(out, r.chains)
	return out
}

// Names returns the chain names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.chains))
	for i, c := range r.chains {
		out[i] = c.Name
	}
	return out
}

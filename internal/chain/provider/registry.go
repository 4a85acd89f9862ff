package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/chain/ethereum"
	"AgentFlow-Chain/internal/config"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]chain.Client
	defs         map[string]chain.Definition
}

// Dialer opens a client for one definition; tests replace it.
type Dialer func(ctx context.Context, name string, def chain.Definition) (chain.Client, error)

// DialEthereum is the default Dialer for "evm" definitions.
func DialEthereum(ctx context.Context, name string, def chain.Definition) (chain.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:        name,
		RPCURL:      def.RPCURL,
		BatchRPCURL: def.BatchRPCURL,
		ChainID:     def.ChainID,
		GasLimit:    def.GasLimit,
		Notes:       def.Description,

		DependentGasLimit: def.DependentGasLimit,
	})
}

// NewRegistry loads chain definitions and instantiates concrete clients. A
// bare rpc_url in the configuration becomes the chain named "default".
func NewRegistry(ctx context.Context, cfg config.ChainConfig, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEthereum
	}
	defs, err := chain.LoadDefinitions(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = chain.Definition{
			Type:     "evm",
			RPCURL:   cfg.RPCURL,
			ChainID:  cfg.ChainID,
			GasLimit: cfg.GasLimit,

			DependentGasLimit: cfg.DependentGasLimit,

			Contracts: chain.Contracts{
				Factory:      cfg.Factory,
				InitCodeHash: cfg.InitCodeHash,
				SwapRouter:   cfg.SwapRouter,
				LendingPool:  cfg.LendingPool,
			},
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("no chain rpc endpoint configured")
	}

	reg := &Registry{clients: make(map[string]chain.Client), defs: defs.Chains}
	for name, def := range defs.Chains {
		if !strings.EqualFold(def.Type, "evm") {
			reg.Close()
			return nil, fmt.Errorf("chain %s uses unsupported type %s", name, def.Type)
		}
		client, err := dial(ctx, name, def)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("init chain %s: %w", name, err)
		}
		reg.clients[name] = client
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.clients[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("default chain %s is not configured", reg.defaultChain)
	}
	return reg, nil
}

// Default returns the client and definition of the default chain.
func (r *Registry) Default() (chain.Client, chain.Definition, error) {
	if r == nil {
		return nil, chain.Definition{}, errors.New("chain registry is not initialised")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, chain.Definition{}, fmt.Errorf("default chain %s is not registered", r.defaultChain)
	}
	return client, r.defs[r.defaultChain], nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chain.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint and the contracts the tool
// providers call on it.
type Definition struct {
	Type        string            `yaml:"type"`
	RPCURL      string            `yaml:"rpc_url"`
	BatchRPCURL string            `yaml:"batch_rpc_url"`
	ChainID     int64             `yaml:"chain_id"`
	Description string            `yaml:"description"`
	GasLimit    uint64            `yaml:"gas_limit"`
	Contracts   Contracts         `yaml:"contracts"`
	Tokens      map[string]string `yaml:"tokens"`

	// DependentGasLimit overrides the gas used for a later batch instruction
	// whose estimate fails.
	DependentGasLimit uint64 `yaml:"dependent_gas_limit"`
}

// Contracts lists well known contract addresses of a chain.
type Contracts struct {
	Factory      string `yaml:"factory"`
	InitCodeHash string `yaml:"init_code_hash"`
	SwapRouter   string `yaml:"swap_router"`
	LendingPool  string `yaml:"lending_pool"`
}

// LoadDefinitions parses the YAML file containing chain metadata. An empty
// path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		if def.Type == "" {
			def.Type = "evm"
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

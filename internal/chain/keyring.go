package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keyring keeps the private keys of generated and imported placeholder
// addresses so that they can sign later transactions.
type Keyring struct {
	mu     sync.RWMutex
	byName map[string]common.Address
	keys   map[common.Address]*ecdsa.PrivateKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		byName: make(map[string]common.Address),
		keys:   make(map[common.Address]*ecdsa.PrivateKey),
	}
}

// Generate creates a fresh key for name, or returns the address already
// bound to it.
func (k *Keyring) Generate(name string) (common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if addr, ok := k.byName[name]; ok {
		return addr, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("generate key for %s: %w", name, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.byName[name] = addr
	k.keys[addr] = key
	return addr, nil
}

// Import binds a hex encoded private key to name.
func (k *Keyring) Import(name, hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("import key for %s: %w", name, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.byName[name] = addr
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

// Address returns the address bound to name.
func (k *Keyring) Address(name string) (common.Address, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	addr, ok := k.byName[name]
	return addr, ok
}

// Signer returns a signer for addr when the keyring holds its key.
func (k *Keyring) Signer(addr common.Address) (Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[addr]
	if !ok {
		return nil, false
	}
	return keySigner{key: key, addr: addr}, true
}

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (s keySigner) Address() common.Address { return s.addr }

func (s keySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

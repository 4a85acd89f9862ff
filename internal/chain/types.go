package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrAccountNotFound is returned by providers for addresses that hold no
// balance, have never sent a transaction and carry no code.
var ErrAccountNotFound = errors.New("account not found")

// Account is the state of a plain address.
type Account struct {
	Address    common.Address
	Balance    Amount
	Owner      common.Address
	Executable bool
	DataLen    int
	Nonce      uint64
}

// TokenAccount is the holding of one owner in one token contract.
type TokenAccount struct {
	Mint     common.Address
	Owner    common.Address
	Amount   Amount
	Decimals uint8
}

// AccountStateProvider reads live account state from a node.
type AccountStateProvider interface {
	GetAccount(ctx context.Context, addr common.Address) (Account, error)
	GetTokenAccount(ctx context.Context, mint, owner common.Address) (TokenAccount, error)
}

// Signer signs transactions on behalf of one address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Submitter builds, signs and broadcasts one transaction per instruction and
// returns the transaction hashes in order.
type Submitter interface {
	Submit(ctx context.Context, instructions []Instruction, feePayer common.Address, signer Signer) ([]string, error)
}

// SwapQuoter is implemented by clients that can price a swap route. The
// returned amount is the output of the last hop.
type SwapQuoter interface {
	QuoteSwap(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) (Amount, error)
}

// Snapshot summarises network metadata for reporting.
type Snapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client is implemented by concrete chain clients held in the provider
// registry.
type Client interface {
	AccountStateProvider
	Submitter
	Snapshot(ctx context.Context) (Snapshot, error)
	Close()
}

package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentFlow-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	fallbackGasLimit         = 300_000
	defaultDependentGasLimit = 500_000
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	ChainID     int64
	GasLimit    uint64
	Notes       string

	// DependentGasLimit is used for a later instruction in a batch whose
	// estimate fails. Such calls usually depend on an earlier instruction
	// (an approve before a swap) that the node has not executed yet.
	DependentGasLimit uint64
}

// Backend is the subset of ethclient.Client the client needs. Tests plug in
// an in-memory fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
}

// BatchCaller sends JSON-RPC batches; *rpc.Client implements it.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error
}

// Client implements chain.Client for EVM compatible chains.
type Client struct {
	name     string
	notes    string
	gasLimit uint64
	depGas   uint64
	backend  Backend
	batch    BatchCaller
	closers  []func()

	mu      sync.Mutex
	chainID *big.Int
}

var (
	_ chain.Client     = (*Client)(nil)
	_ chain.SwapQuoter = (*Client)(nil)
)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("rpc url is not configured")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	eth := ethclient.NewClient(rpcClient)
	client := New(eth, cfg)
	client.batch = rpcClient
	client.closers = append(client.closers, eth.Close)

	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err := gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("dial batch rpc %s: %w", batchURL, err)
		}
		client.batch = batchClient
		client.closers = append(client.closers, batchClient.Close)
	}
	return client, nil
}

// New wraps an existing backend. Without a batch caller transactions are sent
// one at a time through the backend.
func New(backend Backend, cfg Config) *Client {
	c := &Client{
		name:     cfg.Name,
		notes:    cfg.Notes,
		gasLimit: cfg.GasLimit,
		depGas:   cfg.DependentGasLimit,
		backend:  backend,
	}
	if c.depGas == 0 {
		c.depGas = defaultDependentGasLimit
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c
}

// WithBatch sets the batch caller used for broadcasting.
func (c *Client) WithBatch(b BatchCaller) *Client {
	c.batch = b
	return c
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (chain.Snapshot, error) {
	id, err := c.chainIDFor(ctx)
	if err != nil {
		return chain.Snapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("fetch latest header: %w", err)
	}
	return chain.Snapshot{
		Name:        c.name,
		ChainID:     "0x" + id.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", head.Number),
		Notes:       c.notes,
	}, nil
}

// GetAccount reads balance, nonce and code. An address with none of them is
// reported as chain.ErrAccountNotFound.
func (c *Client) GetAccount(ctx context.Context, addr common.Address) (chain.Account, error) {
	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return chain.Account{}, fmt.Errorf("fetch balance of %s: %w", addr.Hex(), err)
	}
	nonce, err := c.backend.NonceAt(ctx, addr, nil)
	if err != nil {
		return chain.Account{}, fmt.Errorf("fetch nonce of %s: %w", addr.Hex(), err)
	}
	code, err := c.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return chain.Account{}, fmt.Errorf("fetch code of %s: %w", addr.Hex(), err)
	}
	if balance.Sign() == 0 && nonce == 0 && len(code) == 0 {
		return chain.Account{}, fmt.Errorf("%s: %w", addr.Hex(), chain.ErrAccountNotFound)
	}
	return chain.Account{
		Address:    addr,
		Balance:    chain.NewAmount(balance),
		Executable: len(code) > 0,
		DataLen:    len(code),
		Nonce:      nonce,
	}, nil
}

// GetTokenAccount reads the ERC-20 holding of owner in mint.
func (c *Client) GetTokenAccount(ctx context.Context, mint, owner common.Address) (chain.TokenAccount, error) {
	code, err := c.backend.CodeAt(ctx, mint, nil)
	if err != nil {
		return chain.TokenAccount{}, fmt.Errorf("fetch code of %s: %w", mint.Hex(), err)
	}
	if len(code) == 0 {
		return chain.TokenAccount{}, fmt.Errorf("token %s: %w", mint.Hex(), chain.ErrAccountNotFound)
	}

	var balance *big.Int
	if err := c.call(ctx, mint, "balanceOf", &balance, owner); err != nil {
		return chain.TokenAccount{}, err
	}
	var decimals uint8
	if err := c.call(ctx, mint, "decimals", &decimals); err != nil {
		return chain.TokenAccount{}, err
	}
	return chain.TokenAccount{Mint: mint, Owner: owner, Amount: chain.NewAmount(balance), Decimals: decimals}, nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string, out any, args ...any) error {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := ERC20ABI.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return fmt.Errorf("unpack %s result: %v", method, err)
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, values[0])
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return fmt.Errorf("unexpected %s result type %T", method, values[0])
		}
		*dst = v
	}
	return nil
}

// QuoteSwap prices amountIn along path with the router's getAmountsOut.
func (c *Client) QuoteSwap(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) (chain.Amount, error) {
	data, err := RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return chain.Amount{}, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return chain.Amount{}, fmt.Errorf("quote on router %s: %w", router.Hex(), err)
	}
	values, err := RouterABI.Unpack("getAmountsOut", raw)
	if err != nil || len(values) == 0 {
		return chain.Amount{}, fmt.Errorf("unpack getAmountsOut result: %v", err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return chain.Amount{}, fmt.Errorf("unexpected getAmountsOut result %T", values[0])
	}
	return chain.NewAmount(amounts[len(amounts)-1]), nil
}

// Submit builds one EIP-1559 transaction per instruction from the fee payer,
// signs them and broadcasts them in a single batch.
func (c *Client) Submit(ctx context.Context, instructions []chain.Instruction, feePayer common.Address, signer chain.Signer) ([]string, error) {
	if len(instructions) == 0 {
		return nil, errors.New("no instructions to submit")
	}
	if signer == nil {
		return nil, errors.New("no signer available")
	}
	if signer.Address() != feePayer {
		return nil, fmt.Errorf("signer %s does not match fee payer %s", signer.Address().Hex(), feePayer.Hex())
	}
	chainID, err := c.chainIDFor(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, feePayer)
	if err != nil {
		return nil, fmt.Errorf("fetch pending nonce: %w", err)
	}
	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}

	txs := make([]*coretypes.Transaction, 0, len(instructions))
	for i, ix := range instructions {
		if err := ix.Validate(); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		data, _ := ix.Calldata()
		value, _ := ix.WeiValue()
		to := ix.Target()
		access := ix.AccessList()

		gas, err := c.gasFor(ctx, i, ix, gethcore.CallMsg{From: feePayer, To: &to, Value: value, Data: data, AccessList: access})
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:    chainID,
			Nonce:      nonce + uint64(i),
			GasTipCap:  tip,
			GasFeeCap:  feeCap,
			Gas:        gas,
			To:         &to,
			Value:      value,
			Data:       data,
			AccessList: access,
		})
		signed, err := signer.SignTx(tx, chainID)
		if err != nil {
			return nil, fmt.Errorf("sign instruction %d: %w", i, err)
		}
		txs = append(txs, signed)
	}

	hashes, err := c.broadcast(ctx, txs)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out, nil
}

// gasFor estimates against the node's current state, which does not include
// earlier instructions of the same batch.
func (c *Client) gasFor(ctx context.Context, index int, ix chain.Instruction, msg gethcore.CallMsg) (uint64, error) {
	if c.gasLimit > 0 {
		return c.gasLimit, nil
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	switch {
	case err == nil:
		return gas + gas/5, nil
	case !ix.ExpectSuccess:
		return fallbackGasLimit, nil
	case index > 0:
		return c.depGas, nil
	}
	return 0, fmt.Errorf("estimate gas: %w", err)
}

func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

func (c *Client) broadcast(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if c.batch == nil {
		hashes := make([]common.Hash, 0, len(txs))
		for i, tx := range txs {
			if err := c.backend.SendTransaction(ctx, tx); err != nil {
				return nil, fmt.Errorf("send transaction %d: %w", i, err)
			}
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{hexutil.Encode(raw)},
			Result: &hashes[i],
		}
	}
	if err := c.batch.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch send transactions: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("transaction %d rejected: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

func (c *Client) chainIDFor(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

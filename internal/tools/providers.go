package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/chain/ethereum"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	defaultSlippageBps = 50
	swapDeadline       = 20 * 60
)

// AddressBook resolves placeholder names to addresses.
type AddressBook interface {
	Address(placeholder string) (string, bool)
}

// Contracts are the protocol addresses swap and lending calls go through.
type Contracts struct {
	SwapRouter  common.Address
	LendingPool common.Address
}

// Each provider returns its own payload shape. Normalize is what turns them
// into instructions.

// nativeTransfer returns {"transfer": {...}, "instructions": [...]}.
func (e *Executor) nativeTransfer(a NativeTransferArgs, book AddressBook) ([]byte, error) {
	from, err := resolveRef(book, orDefault(a.From, resolver.PrimaryWallet))
	if err != nil {
		return nil, err
	}
	to, err := resolveRef(book, a.To)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"transfer": map[string]any{"from": from.Hex(), "to": to.Hex(), "wei": a.Amount.String()},
		"instructions": []chain.Instruction{{
			ProgramID: to.Hex(),
			Accounts: []chain.AccountMeta{
				{Pubkey: from.Hex(), IsSigner: true, IsWritable: true},
				{Pubkey: to.Hex(), IsWritable: true},
			},
			Data:          "0x",
			Value:         a.Amount.String(),
			ExpectSuccess: true,
		}},
	})
}

// tokenTransfer returns the bare instruction object with extra fields next
// to it.
func (e *Executor) tokenTransfer(a TokenTransferArgs, book AddressBook) ([]byte, error) {
	mint, err := resolveRef(book, a.Mint)
	if err != nil {
		return nil, err
	}
	from, err := resolveRef(book, orDefault(a.From, resolver.PrimaryWallet))
	if err != nil {
		return nil, err
	}
	to, err := resolveRef(book, a.To)
	if err != nil {
		return nil, err
	}
	data, err := ethereum.ERC20ABI.Pack("transfer", to, a.Amount.Big())
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return json.Marshal(map[string]any{
		"program_id": mint.Hex(),
		"accounts": []chain.AccountMeta{
			{Pubkey: from.Hex(), IsSigner: true, IsWritable: true},
			{Pubkey: mint.Hex(), IsWritable: true},
			{Pubkey: to.Hex()},
		},
		"data":      hexutil.Encode(data),
		"token":     mint.Hex(),
		"recipient": to.Hex(),
		"amount":    a.Amount.String(),
	})
}

// swap returns {"swap_details": {...}, "instructions": [approve, swap]}.
func (e *Executor) swap(ctx context.Context, a SwapArgs, book AddressBook) ([]byte, error) {
	router, err := e.contract(e.contracts.SwapRouter, "swap router")
	if err != nil {
		return nil, err
	}
	in, err := resolveRef(book, a.InputMint)
	if err != nil {
		return nil, err
	}
	out, err := resolveRef(book, a.OutputMint)
	if err != nil {
		return nil, err
	}
	owner, err := resolveRef(book, orDefault(a.Owner, resolver.PrimaryWallet))
	if err != nil {
		return nil, err
	}
	path := []common.Address{in, out}

	expected := a.MinOutput
	quoted := false
	if q, ok := e.state.(chain.SwapQuoter); ok {
		if quote, qerr := q.QuoteSwap(ctx, router, a.Amount.Big(), path); qerr == nil {
			expected, quoted = quote, true
		} else {
			e.log.Warn("swap quote failed, using min_output", "error", qerr)
		}
	}
	minOut := a.MinOutput
	if minOut.IsZero() && quoted {
		slippage := a.SlippageBps
		if slippage == 0 {
			slippage = defaultSlippageBps
		}
		v := new(big.Int).Mul(expected.Big(), big.NewInt(int64(10_000-slippage)))
		minOut = chain.NewAmount(v.Div(v, big.NewInt(10_000)))
	}

	approve, err := ethereum.ERC20ABI.Pack("approve", router, a.Amount.Big())
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	deadline := big.NewInt(e.now().Unix() + swapDeadline)
	swapData, err := ethereum.RouterABI.Pack("swapExactTokensForTokens", a.Amount.Big(), minOut.Big(), path, owner, deadline)
	if err != nil {
		return nil, fmt.Errorf("pack swap: %w", err)
	}

	details := map[string]any{
		"input_mint":   in.Hex(),
		"output_mint":  out.Hex(),
		"input_amount": a.Amount.String(),
		"min_output":   minOut.String(),
		"quoted":       quoted,
	}
	// Without a quote or a minimum the received amount is unknown.
	if !expected.IsZero() {
		details["output_amount"] = expected.String()
	}
	return json.Marshal(map[string]any{
		"swap_details": details,
		"instructions": []chain.Instruction{
			{
				ProgramID: in.Hex(),
				Accounts: []chain.AccountMeta{
					{Pubkey: owner.Hex(), IsSigner: true, IsWritable: true},
					{Pubkey: router.Hex()},
				},
				Data:          hexutil.Encode(approve),
				ExpectSuccess: true,
			},
			{
				ProgramID: router.Hex(),
				Accounts: []chain.AccountMeta{
					{Pubkey: owner.Hex(), IsSigner: true, IsWritable: true},
					{Pubkey: in.Hex(), IsWritable: true},
					{Pubkey: out.Hex(), IsWritable: true},
				},
				Data:          hexutil.Encode(swapData),
				ExpectSuccess: true,
			},
		},
	})
}

// lendDeposit returns {"lending": {...}, "instructions": [approve, supply]}.
func (e *Executor) lendDeposit(a LendDepositArgs, book AddressBook) ([]byte, error) {
	pool, err := e.contract(e.contracts.LendingPool, "lending pool")
	if err != nil {
		return nil, err
	}
	mint, err := resolveRef(book, a.Mint)
	if err != nil {
		return nil, err
	}
	owner, err := resolveRef(book, orDefault(a.Owner, resolver.PrimaryWallet))
	if err != nil {
		return nil, err
	}
	approve, err := ethereum.ERC20ABI.Pack("approve", pool, a.Amount.Big())
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	supply, err := ethereum.PoolABI.Pack("supply", mint, a.Amount.Big(), owner, uint16(0))
	if err != nil {
		return nil, fmt.Errorf("pack supply: %w", err)
	}
	return json.Marshal(map[string]any{
		"lending": map[string]any{"action": "deposit", "mint": mint.Hex(), "amount": a.Amount.String(), "pool": pool.Hex()},
		"instructions": []chain.Instruction{
			{
				ProgramID:     mint.Hex(),
				Accounts:      []chain.AccountMeta{{Pubkey: owner.Hex(), IsSigner: true, IsWritable: true}, {Pubkey: pool.Hex()}},
				Data:          hexutil.Encode(approve),
				ExpectSuccess: true,
			},
			{
				ProgramID: pool.Hex(),
				Accounts: []chain.AccountMeta{
					{Pubkey: owner.Hex(), IsSigner: true, IsWritable: true},
					{Pubkey: mint.Hex(), IsWritable: true},
				},
				Data:          hexutil.Encode(supply),
				ExpectSuccess: true,
			},
		},
	})
}

// lendWithdraw returns the instruction list plus received_mint and
// received_amount for the result interpreters.
func (e *Executor) lendWithdraw(a LendWithdrawArgs, book AddressBook) ([]byte, error) {
	pool, err := e.contract(e.contracts.LendingPool, "lending pool")
	if err != nil {
		return nil, err
	}
	mint, err := resolveRef(book, a.Mint)
	if err != nil {
		return nil, err
	}
	owner, err := resolveRef(book, orDefault(a.Owner, resolver.PrimaryWallet))
	if err != nil {
		return nil, err
	}
	data, err := ethereum.PoolABI.Pack("withdraw", mint, a.Amount.Big(), owner)
	if err != nil {
		return nil, fmt.Errorf("pack withdraw: %w", err)
	}
	return json.Marshal(map[string]any{
		"received_mint":   mint.Hex(),
		"received_amount": a.Amount.String(),
		"instructions": []chain.Instruction{{
			ProgramID: pool.Hex(),
			Accounts: []chain.AccountMeta{
				{Pubkey: owner.Hex(), IsSigner: true, IsWritable: true},
				{Pubkey: mint.Hex(), IsWritable: true},
			},
			Data:          hexutil.Encode(data),
			ExpectSuccess: true,
		}},
	})
}

// balanceQuery reads state only; nothing is submitted.
func (e *Executor) balanceQuery(ctx context.Context, a BalanceQueryArgs, book AddressBook) ([]byte, error) {
	if e.state == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "account state provider is not configured")
	}
	ref := orDefault(a.Account, resolver.PrimaryWallet)
	addr, err := resolveRef(book, ref)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"account": ref, "address": addr.Hex(), "exists": true}
	acc, err := e.state.GetAccount(ctx, addr)
	switch {
	case err == nil:
		out["balance"] = acc.Balance.String()
	case isNotFound(err):
		out["balance"], out["exists"] = "0", false
	default:
		return nil, apperrors.Wrap(apperrors.CodeNetwork, err, fmt.Sprintf("query account %s", ref))
	}
	if a.Mint != "" {
		mint, err := resolveRef(book, a.Mint)
		if err != nil {
			return nil, err
		}
		tok, err := e.state.GetTokenAccount(ctx, mint, addr)
		switch {
		case err == nil:
			out["token"] = map[string]any{"mint": mint.Hex(), "amount": tok.Amount.String(), "decimals": tok.Decimals}
		case isNotFound(err):
			out["token"] = map[string]any{"mint": mint.Hex(), "amount": "0"}
		default:
			return nil, apperrors.Wrap(apperrors.CodeNetwork, err, fmt.Sprintf("query token %s of %s", mint.Hex(), ref))
		}
	}
	return json.Marshal(out)
}

func (e *Executor) contract(addr common.Address, name string) (common.Address, error) {
	if addr == (common.Address{}) {
		return common.Address{}, apperrors.New(apperrors.CodeInitializationFailure, name+" address is not configured")
	}
	return addr, nil
}

// resolveRef accepts a placeholder known to the book or a literal address.
func resolveRef(book AddressBook, ref string) (common.Address, error) {
	ref = strings.TrimSpace(ref)
	if book != nil {
		if addr, ok := book.Address(ref); ok && common.IsHexAddress(addr) {
			return common.HexToAddress(addr), nil
		}
	}
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref), nil
	}
	return common.Address{}, apperrors.New(apperrors.CodeUserInput, fmt.Sprintf("invalid or unresolved account %q", ref))
}

// Package tools maps a named operation to concrete EVM calls, normalises the
// result into canonical instructions and submits them.
//
// The operation set is closed: every supported operation has its own argument
// type implementing Call, and Executor dispatches on the concrete type.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
)

// Operation names a supported tool.
type Operation string

const (
	OpNativeTransfer Operation = "native_transfer"
	OpTokenTransfer  Operation = "token_transfer"
	OpSwap           Operation = "swap"
	OpLendDeposit    Operation = "lend_deposit"
	OpLendWithdraw   Operation = "lend_withdraw"
	OpBalanceQuery   Operation = "get_account_balance"
	// OpDirect marks instructions the model produced itself.
	OpDirect Operation = "direct_instructions"
)

const (
	CodeUnknownTool    apperrors.Code = "TOOL_UNKNOWN"
	CodeInvalidArgs    apperrors.Code = "TOOL_INVALID_ARGUMENTS"
	CodeNoInstructions apperrors.Code = "TOOL_NO_INSTRUCTIONS"
	CodeNoSigner       apperrors.Code = "TOOL_NO_SIGNER"
)

func init() {
	apperrors.Register(CodeUnknownTool, apperrors.Attributes{Message: "unknown tool", Severity: apperrors.SeverityInfo})
	apperrors.Register(CodeInvalidArgs, apperrors.Attributes{Message: "invalid tool arguments", Severity: apperrors.SeverityInfo})
	apperrors.Register(CodeNoInstructions, apperrors.Attributes{Message: "tool produced no valid instructions", Severity: apperrors.SeverityWarning})
	apperrors.Register(CodeNoSigner, apperrors.Attributes{Message: "no signer for fee payer", Severity: apperrors.SeverityCritical, Alert: true})
}

var aliases = map[string]Operation{
	"native_transfer":     OpNativeTransfer,
	"eth_transfer":        OpNativeTransfer,
	"sol_transfer":        OpNativeTransfer,
	"transfer_native":     OpNativeTransfer,
	"token_transfer":      OpTokenTransfer,
	"erc20_transfer":      OpTokenTransfer,
	"spl_transfer":        OpTokenTransfer,
	"swap":                OpSwap,
	"token_swap":          OpSwap,
	"jupiter_swap":        OpSwap,
	"lend_deposit":        OpLendDeposit,
	"deposit":             OpLendDeposit,
	"jupiter_lend_earn":   OpLendDeposit,
	"lend_withdraw":       OpLendWithdraw,
	"withdraw":            OpLendWithdraw,
	"get_account_balance": OpBalanceQuery,
	"account_balance":     OpBalanceQuery,
	"balance":             OpBalanceQuery,
}

// Lookup maps a tool name, including common aliases, to an Operation.
func Lookup(name string) (Operation, bool) {
	op, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	return op, ok
}

// Operations lists the tools a model may select.
func Operations() []Operation {
	return []Operation{OpNativeTransfer, OpTokenTransfer, OpSwap, OpLendDeposit, OpLendWithdraw, OpBalanceQuery}
}

// Call is the typed argument set of one operation.
type Call interface {
	Operation() Operation
	validate() error
}

// NativeTransferArgs moves native currency. From defaults to the primary wallet.
type NativeTransferArgs struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Amount chain.Amount `json:"amount"`
}

// TokenTransferArgs moves ERC-20 tokens held by From.
type TokenTransferArgs struct {
	Mint   string       `json:"mint"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Amount chain.Amount `json:"amount"`
}

// SwapArgs swaps Amount of InputMint for OutputMint through the router.
// A zero MinOutput is derived from the quote and SlippageBps.
type SwapArgs struct {
	InputMint   string       `json:"input_mint"`
	OutputMint  string       `json:"output_mint"`
	Amount      chain.Amount `json:"amount"`
	MinOutput   chain.Amount `json:"min_output"`
	SlippageBps int          `json:"slippage_bps"`
	Owner       string       `json:"owner"`
}

// LendDepositArgs supplies tokens to the lending pool.
type LendDepositArgs struct {
	Mint   string       `json:"mint"`
	Amount chain.Amount `json:"amount"`
	Owner  string       `json:"owner"`
}

// LendWithdrawArgs withdraws tokens from the lending pool.
type LendWithdrawArgs struct {
	Mint   string       `json:"mint"`
	Amount chain.Amount `json:"amount"`
	Owner  string       `json:"owner"`
}

// BalanceQueryArgs reads an account. With Mint set the token holding of the
// account is read as well.
type BalanceQueryArgs struct {
	Account string `json:"account"`
	Mint    string `json:"mint"`
}

func (NativeTransferArgs) Operation() Operation { return OpNativeTransfer }
func (TokenTransferArgs) Operation() Operation  { return OpTokenTransfer }
func (SwapArgs) Operation() Operation           { return OpSwap }
func (LendDepositArgs) Operation() Operation    { return OpLendDeposit }
func (LendWithdrawArgs) Operation() Operation   { return OpLendWithdraw }
func (BalanceQueryArgs) Operation() Operation   { return OpBalanceQuery }

func (a NativeTransferArgs) validate() error {
	if a.To == "" {
		return invalidArgs(OpNativeTransfer, "recipient is required")
	}
	return positive(OpNativeTransfer, a.Amount)
}

func (a TokenTransferArgs) validate() error {
	if a.Mint == "" || a.To == "" {
		return invalidArgs(OpTokenTransfer, "mint and recipient are required")
	}
	return positive(OpTokenTransfer, a.Amount)
}

func (a SwapArgs) validate() error {
	if a.InputMint == "" || a.OutputMint == "" {
		return invalidArgs(OpSwap, "input_mint and output_mint are required")
	}
	if strings.EqualFold(a.InputMint, a.OutputMint) {
		return invalidArgs(OpSwap, "input and output mint must differ")
	}
	if a.SlippageBps < 0 || a.SlippageBps >= 10_000 {
		return invalidArgs(OpSwap, fmt.Sprintf("slippage %d bps out of range", a.SlippageBps))
	}
	return positive(OpSwap, a.Amount)
}

func (a LendDepositArgs) validate() error {
	if a.Mint == "" {
		return invalidArgs(OpLendDeposit, "mint is required")
	}
	return positive(OpLendDeposit, a.Amount)
}

func (a LendWithdrawArgs) validate() error {
	if a.Mint == "" {
		return invalidArgs(OpLendWithdraw, "mint is required")
	}
	return positive(OpLendWithdraw, a.Amount)
}

func (a BalanceQueryArgs) validate() error { return nil }

// ParseCall decodes the parameters of the named tool into its typed
// arguments. Parameter names follow the json tags above; recipient,
// token, input_token and output_token are accepted as aliases.
func ParseCall(name string, params json.RawMessage) (Call, error) {
	op, ok := Lookup(name)
	if !ok {
		return nil, apperrors.New(CodeUnknownTool, fmt.Sprintf("unknown tool %q", name))
	}
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}

	var alias struct {
		Recipient   string `json:"recipient"`
		Token       string `json:"token"`
		InputToken  string `json:"input_token"`
		OutputToken string `json:"output_token"`
		Wallet      string `json:"wallet"`
	}
	if err := json.Unmarshal(params, &alias); err != nil {
		return nil, apperrors.Wrap(CodeInvalidArgs, err, fmt.Sprintf("decode %s parameters", op))
	}

	var call Call
	var err error
	switch op {
	case OpNativeTransfer:
		var a NativeTransferArgs
		err = json.Unmarshal(params, &a)
		a.To = orDefault(a.To, alias.Recipient)
		call = a
	case OpTokenTransfer:
		var a TokenTransferArgs
		err = json.Unmarshal(params, &a)
		a.To = orDefault(a.To, alias.Recipient)
		a.Mint = orDefault(a.Mint, alias.Token)
		call = a
	case OpSwap:
		var a SwapArgs
		err = json.Unmarshal(params, &a)
		a.InputMint = orDefault(a.InputMint, alias.InputToken)
		a.OutputMint = orDefault(a.OutputMint, alias.OutputToken)
		call = a
	case OpLendDeposit:
		var a LendDepositArgs
		err = json.Unmarshal(params, &a)
		a.Mint = orDefault(a.Mint, alias.Token)
		call = a
	case OpLendWithdraw:
		var a LendWithdrawArgs
		err = json.Unmarshal(params, &a)
		a.Mint = orDefault(a.Mint, alias.Token)
		call = a
	case OpBalanceQuery:
		var a BalanceQueryArgs
		err = json.Unmarshal(params, &a)
		a.Account = orDefault(a.Account, alias.Wallet)
		a.Mint = orDefault(a.Mint, alias.Token)
		call = a
	default:
		return nil, apperrors.New(CodeUnknownTool, fmt.Sprintf("tool %q cannot be called directly", op))
	}
	if err != nil {
		return nil, apperrors.Wrap(CodeInvalidArgs, err, fmt.Sprintf("decode %s parameters", op))
	}
	if err := call.validate(); err != nil {
		return nil, err
	}
	return call, nil
}

func invalidArgs(op Operation, msg string) error {
	return apperrors.New(CodeInvalidArgs, fmt.Sprintf("%s: %s", op, msg))
}

func positive(op Operation, amount chain.Amount) error {
	if amount.Big().Sign() <= 0 {
		return invalidArgs(op, "amount must be positive")
	}
	return nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(fallback)
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/chain/ethereum"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

const (
	usdc      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	weth      = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	recipient = "0x00000000000000000000000000000000000000B2"
)

var (
	router = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	pool   = common.HexToAddress("0x00000000000000000000000000000000000000E2")
)

type fakeSubmitter struct {
	instructions []chain.Instruction
	feePayer     common.Address
	err          error
}

func (f *fakeSubmitter) Submit(_ context.Context, ixs []chain.Instruction, feePayer common.Address, signer chain.Signer) ([]string, error) {
	if signer.Address() != feePayer {
		return nil, errors.New("signer mismatch")
	}
	f.instructions, f.feePayer = ixs, feePayer
	if f.err != nil {
		return nil, f.err
	}
	sigs := make([]string, len(ixs))
	for i := range ixs {
		sigs[i] = common.BigToHash(big.NewInt(int64(i + 1))).Hex()
	}
	return sigs, nil
}

type fakeState struct {
	quote    *big.Int
	balances map[common.Address]chain.Amount
}

func (f *fakeState) GetAccount(_ context.Context, addr common.Address) (chain.Account, error) {
	if b, ok := f.balances[addr]; ok {
		return chain.Account{Address: addr, Balance: b}, nil
	}
	return chain.Account{}, chain.ErrAccountNotFound
}

func (f *fakeState) GetTokenAccount(_ context.Context, mint, owner common.Address) (chain.TokenAccount, error) {
	return chain.TokenAccount{Mint: mint, Owner: owner, Amount: chain.AmountFromUint64(42), Decimals: 6}, nil
}

func (f *fakeState) QuoteSwap(_ context.Context, _ common.Address, _ *big.Int, _ []common.Address) (chain.Amount, error) {
	return chain.NewAmount(f.quote), nil
}

func setup(t *testing.T, state chain.AccountStateProvider, sub chain.Submitter) (*Executor, *resolver.Snapshot) {
	t.Helper()
	keys := chain.NewKeyring()
	wallet, err := keys.Generate(resolver.PrimaryWallet)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	snap := resolver.NewSnapshot()
	snap.KeyMap[resolver.PrimaryWallet] = wallet.Hex()
	snap.KeyMap["RECIPIENT_WALLET_PUBKEY"] = recipient
	exec := NewExecutor(state, sub, keys,
		WithContracts(Contracts{SwapRouter: router, LendingPool: pool}),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	return exec, snap
}

func TestParseCall(t *testing.T) {
	call, err := ParseCall("sol_transfer", json.RawMessage(`{"recipient":"RECIPIENT_WALLET_PUBKEY","amount":1000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	args, ok := call.(NativeTransferArgs)
	if !ok || args.To != "RECIPIENT_WALLET_PUBKEY" || args.Amount.String() != "1000" {
		t.Fatalf("unexpected call %#v", call)
	}

	cases := []struct {
		name   string
		tool   string
		params string
		code   apperrors.Code
	}{
		{"unknown", "bridge", `{}`, CodeUnknownTool},
		{"zero amount", "swap", `{"input_mint":"a","output_mint":"b","amount":"0"}`, CodeInvalidArgs},
		{"same mint", "swap", `{"input_mint":"a","output_mint":"A","amount":"1"}`, CodeInvalidArgs},
		{"missing mint", "lend_deposit", `{"amount":"5"}`, CodeInvalidArgs},
		{"bad json", "token_transfer", `{"amount":`, CodeInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCall(tc.tool, json.RawMessage(tc.params))
			if apperrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	valid := `{"program_id":"` + usdc + `","accounts":[{"pubkey":"` + recipient + `","is_signer":true,"is_writable":true}],"data":"0x01"}`
	missingAccounts := `{"program_id":"` + usdc + `","data":"0x01"}`
	missingProgram := `{"accounts":[],"data":"0x01"}`

	ixs, rejected, err := Normalize([]byte(`{"instructions":[` + valid + `,` + missingAccounts + `,` + missingProgram + `]}`))
	if err != nil || len(ixs) != 1 || len(rejected) != 2 {
		t.Fatalf("expected one valid and two rejected, got %d/%d err=%v", len(ixs), len(rejected), err)
	}

	ixs, _, err = Normalize([]byte(valid))
	if err != nil || len(ixs) != 1 || ixs[0].ProgramID != usdc {
		t.Fatalf("whole payload should become one instruction: %v", err)
	}

	if _, _, err := Normalize([]byte(`{"instructions":[` + missingProgram + `]}`)); apperrors.CodeOf(err) != CodeNoInstructions {
		t.Fatalf("expected no-instructions error, got %v", err)
	}
	if _, _, err := Normalize([]byte("not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestExecuteNativeTransfer(t *testing.T) {
	sub := &fakeSubmitter{}
	exec, snap := setup(t, nil, sub)

	call, _ := ParseCall("native_transfer", json.RawMessage(`{"to":"RECIPIENT_WALLET_PUBKEY","amount":"500"}`))
	res, err := exec.Execute(context.Background(), call, snap)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || len(res.Signatures) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	ix := sub.instructions[0]
	if !strings.EqualFold(ix.ProgramID, recipient) || ix.Value != "500" || ix.Data != "0x" {
		t.Fatalf("unexpected instruction %+v", ix)
	}
	if sub.feePayer.Hex() != snap.KeyMap[resolver.PrimaryWallet] {
		t.Fatalf("fee payer must be the primary wallet")
	}
	if got := gjson.GetBytes(res.Output, "signatures.#").Int(); got != 1 {
		t.Fatalf("output should carry signatures: %s", res.Output)
	}
}

func TestExecuteSwapUsesQuote(t *testing.T) {
	sub := &fakeSubmitter{}
	exec, snap := setup(t, &fakeState{quote: big.NewInt(2_000_000)}, sub)

	call, _ := ParseCall("swap", json.RawMessage(`{"input_mint":"`+weth+`","output_mint":"`+usdc+`","amount":"1000"}`))
	res, err := exec.Execute(context.Background(), call, snap)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(sub.instructions) != 2 {
		t.Fatalf("expected approve and swap, got %d", len(sub.instructions))
	}
	if got := gjson.GetBytes(res.Output, "swap_details.output_amount").String(); got != "2000000" {
		t.Fatalf("unexpected output amount %q", got)
	}
	if got := gjson.GetBytes(res.Output, "swap_details.min_output").String(); got != "1990000" {
		t.Fatalf("default slippage not applied, got %q", got)
	}

	data, _ := hexutil.Decode(sub.instructions[1].Data)
	method, err := ethereum.RouterABI.MethodById(data[:4])
	if err != nil || method.Name != "swapExactTokensForTokens" {
		t.Fatalf("unexpected router call %v %v", method, err)
	}
	args, _ := method.Inputs.Unpack(data[4:])
	if deadline := args[4].(*big.Int); deadline.Int64() != 1_700_000_000+swapDeadline {
		t.Fatalf("unexpected deadline %v", deadline)
	}
}

func TestExecuteFailuresKeepRawPayload(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("insufficient funds for gas")}
	exec, snap := setup(t, nil, sub)

	call, _ := ParseCall("lend_deposit", json.RawMessage(`{"mint":"`+usdc+`","amount":"10"}`))
	res, err := exec.Execute(context.Background(), call, snap)
	if err == nil || res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if apperrors.Classify(err) != apperrors.CategoryInsufficientFunds {
		t.Fatalf("unexpected category for %v", err)
	}
	if !gjson.GetBytes(res.Raw, "lending").Exists() || string(res.Output) != string(res.Raw) {
		t.Fatalf("failed result should carry the raw payload: %s", res.Raw)
	}

	noRouter := NewExecutor(nil, sub, chain.NewKeyring())
	swap, _ := ParseCall("swap", json.RawMessage(`{"input_mint":"`+weth+`","output_mint":"`+usdc+`","amount":"1"}`))
	if res, err := noRouter.Execute(context.Background(), swap, snap); err == nil || res == nil || res.Success {
		t.Fatalf("swap without router must fail")
	}
}

func TestExecuteWithoutSigner(t *testing.T) {
	sub := &fakeSubmitter{}
	exec := NewExecutor(nil, sub, chain.NewKeyring())
	snap := resolver.NewSnapshot()
	snap.KeyMap[resolver.PrimaryWallet] = "0x00000000000000000000000000000000000000A1"

	call, _ := ParseCall("native_transfer", json.RawMessage(`{"to":"`+recipient+`","amount":"1"}`))
	if _, err := exec.Execute(context.Background(), call, snap); apperrors.CodeOf(err) != CodeNoSigner {
		t.Fatalf("expected missing signer, got %v", err)
	}
}

func TestBalanceQueryDoesNotSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	state := &fakeState{balances: map[common.Address]chain.Amount{}}
	exec, snap := setup(t, state, sub)
	state.balances[common.HexToAddress(snap.KeyMap[resolver.PrimaryWallet])] = chain.AmountFromUint64(7)

	call, _ := ParseCall("get_account_balance", json.RawMessage(`{"mint":"`+usdc+`"}`))
	res, err := exec.Execute(context.Background(), call, snap)
	if err != nil || !res.Success {
		t.Fatalf("query failed: %v", err)
	}
	if sub.instructions != nil {
		t.Fatalf("balance queries must not submit")
	}
	if gjson.GetBytes(res.Output, "balance").String() != "7" || gjson.GetBytes(res.Output, "token.amount").String() != "42" {
		t.Fatalf("unexpected output %s", res.Output)
	}

	other, _ := ParseCall("balance", json.RawMessage(`{"account":"RECIPIENT_WALLET_PUBKEY"}`))
	res, _ = exec.Execute(context.Background(), other, snap)
	if gjson.GetBytes(res.Output, "exists").Bool() {
		t.Fatalf("missing account should report exists=false: %s", res.Output)
	}
}

func TestSubmitInstructionsRejectsInvalid(t *testing.T) {
	sub := &fakeSubmitter{}
	exec, snap := setup(t, nil, sub)
	ixs := []chain.Instruction{
		{ProgramID: usdc, Accounts: []chain.AccountMeta{{Pubkey: recipient}}, Data: "0xa9059cbb"},
		{ProgramID: "not-an-address", Accounts: []chain.AccountMeta{}, Data: "0x"},
	}
	res, err := exec.SubmitInstructions(context.Background(), ixs, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sub.instructions) != 1 || len(res.Rejected) != 1 || res.Tool != OpDirect {
		t.Fatalf("unexpected result %+v", res)
	}
}

package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const usdcMint = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

type fakeProvider struct {
	accounts map[common.Address]chain.Account
	tokens   map[[2]common.Address]chain.TokenAccount
	fail     error
}

func (f *fakeProvider) GetAccount(_ context.Context, addr common.Address) (chain.Account, error) {
	if f.fail != nil {
		return chain.Account{}, f.fail
	}
	acc, ok := f.accounts[addr]
	if !ok {
		return chain.Account{}, chain.ErrAccountNotFound
	}
	return acc, nil
}

func (f *fakeProvider) GetTokenAccount(_ context.Context, mint, owner common.Address) (chain.TokenAccount, error) {
	tok, ok := f.tokens[[2]common.Address{mint, owner}]
	if !ok {
		return chain.TokenAccount{}, chain.ErrAccountNotFound
	}
	return tok, nil
}

func initialState() []benchmark.InitialAccount {
	return []benchmark.InitialAccount{
		{Pubkey: "USER_USDC_ATA", Data: &benchmark.TokenData{Mint: usdcMint, Owner: PrimaryWallet, Amount: chain.AmountFromUint64(500), Decimals: 6}},
		{Pubkey: PrimaryWallet, Balance: chain.AmountFromUint64(1_000_000)},
		{Pubkey: "RECIPIENT_WALLET_PUBKEY"},
	}
}

func TestResolveInitialContextWithDeclaredState(t *testing.T) {
	r := New(nil, nil)
	truth := benchmark.GroundTruth{FinalStateAssertions: []benchmark.Assertion{
		{Type: benchmark.AssertTokenBalance, Pubkey: "RECIPIENT_USDC_ATA", Owner: "RECIPIENT_WALLET_PUBKEY", Mint: usdcMint},
		{Type: benchmark.AssertTokenBalance, Pubkey: "X", Owner: "NOBODY", Mint: usdcMint},
	}}
	snap, err := r.ResolveInitialContext(context.Background(), initialState(), truth, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := ValidateResolvedContext(snap); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if snap.FeePayer != PrimaryWallet || !snap.HasContext {
		t.Fatalf("unexpected snapshot flags %+v", snap)
	}

	wallet := snap.AccountStates[PrimaryWallet]
	if !wallet.Exists || wallet.Balance.String() != "1000000" {
		t.Fatalf("unexpected wallet state %+v", wallet)
	}
	usdc := snap.AccountStates["USER_USDC_ATA"]
	if usdc.TokenAmount == nil || usdc.TokenAmount.String() != "500" || usdc.TokenOwner != snap.KeyMap[PrimaryWallet] {
		t.Fatalf("unexpected token state %+v", usdc)
	}
	derived := r.DeriveAssociatedAddress(common.HexToAddress(snap.KeyMap[PrimaryWallet]), common.HexToAddress(usdcMint))
	if usdc.Address != derived.Hex() {
		t.Fatalf("token account should use derived address")
	}

	ata, ok := snap.KeyMap["RECIPIENT_WALLET_PUBKEY"+associatedSuffix]
	if !ok || snap.KeyMap["RECIPIENT_USDC_ATA"] != ata {
		t.Fatalf("derived placeholder not registered: %v", snap.KeyMap)
	}
	if _, ok := snap.KeyMap["NOBODY"+associatedSuffix]; ok {
		t.Fatal("derivation with unresolved owner must be skipped")
	}
	if st := snap.AccountStates["RECIPIENT_USDC_ATA"]; st.Exists {
		t.Fatalf("undeclared derived account should not exist: %+v", st)
	}
}

func TestPrimaryWalletIsRequired(t *testing.T) {
	r := New(nil, nil)
	accounts := []benchmark.InitialAccount{{Pubkey: "ALICE"}, {Pubkey: "BOB"}}
	snap, err := r.ResolveInitialContext(context.Background(), accounts, benchmark.GroundTruth{}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err = ValidateResolvedContext(snap)
	if apperrors.Classify(err) != apperrors.CategoryUserInput {
		t.Fatalf("expected user input error for missing primary wallet, got %v", err)
	}

	snap.KeyMap[PrimaryWallet] = "not-an-address"
	if err := ValidateResolvedContext(snap); apperrors.CodeOf(err) != apperrors.CodeFatal {
		t.Fatalf("expected fatal invalid address, got %v", err)
	}
}

func TestRegisterAssociatedIsIdempotent(t *testing.T) {
	r := New(nil, nil)
	snap, err := r.ResolveInitialContext(context.Background(), initialState(), benchmark.GroundTruth{}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	name1, addr1, ok, err := r.RegisterAssociated(snap, "RECIPIENT_WALLET_PUBKEY", usdcMint)
	if err != nil || !ok {
		t.Fatalf("register: %v %v", ok, err)
	}
	size := len(snap.KeyMap)
	name2, addr2, _, _ := r.RegisterAssociated(snap, "RECIPIENT_WALLET_PUBKEY", usdcMint)
	if name1 != name2 || addr1 != addr2 || len(snap.KeyMap) != size {
		t.Fatalf("derivation not idempotent: %s/%s vs %s/%s, size %d -> %d", name1, addr1, name2, addr2, size, len(snap.KeyMap))
	}
	if _, _, _, err := r.RegisterAssociated(snap, PrimaryWallet, "bad-mint"); err == nil {
		t.Fatal("expected invalid mint error")
	}
}

func TestResolveUsesLiveStateAndExistingKeys(t *testing.T) {
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	provider := &fakeProvider{
		accounts: map[common.Address]chain.Account{wallet: {Address: wallet, Balance: chain.AmountFromUint64(42)}},
		tokens: map[[2]common.Address]chain.TokenAccount{
			{common.HexToAddress(usdcMint), wallet}: {Amount: chain.AmountFromUint64(9), Decimals: 6},
		},
	}
	r := New(provider, nil)
	snap, err := r.ResolveInitialContext(context.Background(), initialState(), benchmark.GroundTruth{}, map[string]string{PrimaryWallet: wallet.Hex()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if snap.KeyMap[PrimaryWallet] != wallet.Hex() {
		t.Fatal("existing key map entry must be reused")
	}
	if st := snap.AccountStates[PrimaryWallet]; st.Balance.String() != "42" || !st.Exists {
		t.Fatalf("live balance not used: %+v", st)
	}
	if st := snap.AccountStates["RECIPIENT_WALLET_PUBKEY"]; st.Exists || !st.Balance.IsZero() {
		t.Fatalf("missing account must be recorded as non-existent: %+v", st)
	}
	if st := snap.AccountStates["USER_USDC_ATA"]; st.TokenAmount.String() != "9" {
		t.Fatalf("live token amount not used: %+v", st)
	}

	provider.fail = errors.New("dial tcp: connection refused")
	if err := r.UpdateContextAfterStep(context.Background(), snap, StepEntry{Step: 0, Success: true}); apperrors.CodeOf(err) != apperrors.CodeNetwork {
		t.Fatalf("expected network error from refresh, got %v", err)
	}
}

func TestUpdateContextAfterStep(t *testing.T) {
	r := New(nil, nil)
	snap, err := r.ResolveInitialContext(context.Background(), initialState(), benchmark.GroundTruth{}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	swap := StepEntry{Step: 0, Tool: "swap", Success: true, Output: []byte(`{"swap_details":{"output_mint":"` + strings.ToLower(usdcMint) + `","output_amount":"1500"}}`)}
	if err := r.UpdateContextAfterStep(context.Background(), snap, swap); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := snap.AccountStates["USER_USDC_ATA"].TokenAmount.String(); got != "1500" {
		t.Fatalf("swap output not merged, amount %s", got)
	}
	if err := r.UpdateContextAfterStep(context.Background(), snap, swap); apperrors.CodeOf(err) != apperrors.CodeConflict {
		t.Fatalf("expected conflict on rewriting a step, got %v", err)
	}

	received := StepEntry{Step: 1, Tool: "lend_withdraw", Success: true, Output: []byte(`{"usdc_received":"77"}`)}
	if err := r.UpdateContextAfterStep(context.Background(), snap, received); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := snap.AccountStates["USER_USDC_ATA"].TokenAmount.String(); got != "77" {
		t.Fatalf("usdc_received not merged, amount %s", got)
	}
	if err := ValidateResolvedContext(snap); err != nil {
		t.Fatalf("validate: %v", err)
	}

	gap := snap.Clone()
	if err := r.UpdateContextAfterStep(context.Background(), gap, StepEntry{Step: 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := ValidateResolvedContext(gap); err == nil || !strings.Contains(err.Error(), "step 2") {
		t.Fatalf("expected missing step 2, got %v", err)
	}
	if err := ValidateResolvedContext(snap); err != nil {
		t.Fatal("clone must not share step results with the original")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	r := New(nil, nil)
	snap, err := r.ResolveInitialContext(context.Background(), initialState(), benchmark.GroundTruth{}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.UpdateContextAfterStep(context.Background(), snap, StepEntry{Step: 0, Tool: "swap", Success: true, Output: []byte(`{"ok":true}`)}); err != nil {
		t.Fatalf("update: %v", err)
	}

	out, err := ExportYAML(snap)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "# Placeholder names resolved") || strings.Index(text, "RECIPIENT_WALLET_PUBKEY") > strings.Index(text, "USER_USDC_ATA") {
		t.Fatalf("export should be commented and sorted:\n%s", text)
	}

	back, err := ImportYAML(out)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(back.KeyMap) != len(snap.KeyMap) {
		t.Fatalf("key map size mismatch")
	}
	for k, v := range snap.KeyMap {
		if back.KeyMap[k] != v {
			t.Fatalf("key %s: %s != %s", k, back.KeyMap[k], v)
		}
	}
	for k, want := range snap.AccountStates {
		got := back.AccountStates[k]
		if got.Address != want.Address || got.Exists != want.Exists || got.Balance.String() != want.Balance.String() || got.Mint != want.Mint {
			t.Fatalf("state %s mismatch: %+v vs %+v", k, got, want)
		}
		if (want.TokenAmount == nil) != (got.TokenAmount == nil) || (want.TokenAmount != nil && want.TokenAmount.String() != got.TokenAmount.String()) {
			t.Fatalf("token amount %s mismatch", k)
		}
	}
	if entry, ok := back.StepResult(0); !ok || entry.Tool != "swap" || string(entry.Output) != `{"ok":true}` {
		t.Fatalf("step result lost: %+v", entry)
	}
}

func TestSubstitute(t *testing.T) {
	snap := NewSnapshot()
	snap.KeyMap[PrimaryWallet] = "0x00000000000000000000000000000000000000a1"
	ix := chain.Instruction{ProgramID: PrimaryWallet, Accounts: []chain.AccountMeta{{Pubkey: PrimaryWallet}, {Pubkey: "0x00000000000000000000000000000000000000b2"}}}
	out := snap.Substitute(ix)
	if out.ProgramID != snap.KeyMap[PrimaryWallet] || out.Accounts[0].Pubkey != snap.KeyMap[PrimaryWallet] {
		t.Fatalf("placeholders not substituted: %+v", out)
	}
	if ix.Accounts[0].Pubkey != PrimaryWallet {
		t.Fatal("substitute must not mutate its input")
	}
}

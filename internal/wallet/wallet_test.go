package wallet

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/resolver"
)

const (
	owner = "0x00000000000000000000000000000000000000A1"
	usdc  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func snapshot(native, token string) *resolver.Snapshot {
	snap := resolver.NewSnapshot()
	snap.KeyMap[resolver.PrimaryWallet] = owner
	snap.KeyMap["USER_USDC_ATA"] = "0x00000000000000000000000000000000000000b2"
	bal, _ := chain.ParseAmount(native)
	amt, _ := chain.ParseAmount(token)
	snap.AccountStates[resolver.PrimaryWallet] = resolver.AccountState{Address: owner, Balance: bal, Exists: true}
	snap.AccountStates["USER_USDC_ATA"] = resolver.AccountState{Mint: usdc, TokenOwner: owner, TokenAmount: &amt, Decimals: 6, Exists: true}
	return snap
}

func TestCaptureValuesWallet(t *testing.T) {
	pricer := NewStaticPricer(0, map[string]float64{strings.ToLower(usdc): 1})
	state, err := Capture(context.Background(), snapshot("2000000000000000000", "2500000"), pricer, time.Time{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if state.NativeUSD != 300 {
		t.Fatalf("native should use the default price, got %v", state.NativeUSD)
	}
	if math.Abs(state.TotalUSD-302.5) > 1e-9 {
		t.Fatalf("unexpected total %v", state.TotalUSD)
	}
}

func TestCaptureWithoutWallet(t *testing.T) {
	state, err := Capture(context.Background(), nil, nil, time.Time{})
	if err != nil || state.Owner != "" || state.TotalUSD != 0 {
		t.Fatalf("nil snapshot should give an empty state: %+v %v", state, err)
	}
}

func TestCaptureUsesGivenTime(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	state, _ := Capture(context.Background(), snapshot("1", "0"), nil, at)
	if !state.CapturedAt.Equal(at) || state.CapturedAt.Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", at, state.CapturedAt)
	}
	if now, _ := Capture(context.Background(), nil, nil, time.Time{}); now.CapturedAt.IsZero() {
		t.Fatalf("zero time should fall back to the current time")
	}
}

func TestDiff(t *testing.T) {
	pricer := NewStaticPricer(100, nil)
	entry, _ := Capture(context.Background(), snapshot("1000000000000000000", "0"), pricer, time.Time{})
	exit, _ := Capture(context.Background(), snapshot("500000000000000000", "0"), pricer, time.Time{})

	diff := Diff(entry, exit)
	if !strings.Contains(diff, "- native: 1000000000000000000") || !strings.Contains(diff, "+ native: 500000000000000000") {
		t.Fatalf("native change missing from diff:\n%s", diff)
	}
	if !strings.Contains(diff, "  owner: "+owner) {
		t.Fatalf("unchanged owner line missing:\n%s", diff)
	}
}

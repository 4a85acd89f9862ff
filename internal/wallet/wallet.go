// Package wallet captures the primary wallet state from a context snapshot,
// values it in USD and renders entry/exit differences.
package wallet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/resolver"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const nativeDecimals = 18

// DefaultNativePrice is used when no native price is configured.
const DefaultNativePrice = 150.0

// TokenBalance is one token holding of the wallet.
type TokenBalance struct {
	Mint     string       `json:"mint"`
	Amount   chain.Amount `json:"amount"`
	Decimals uint8        `json:"decimals"`
	Units    float64      `json:"units"`
	USD      float64      `json:"usd"`
}

// State is the wallet at one point of an execution.
type State struct {
	Owner       string                  `json:"owner"`
	Native      chain.Amount            `json:"native"`
	NativeUnits float64                 `json:"native_units"`
	NativeUSD   float64                 `json:"native_usd"`
	Tokens      map[string]TokenBalance `json:"tokens,omitempty"`
	TotalUSD    float64                 `json:"total_usd"`
	CapturedAt  time.Time               `json:"captured_at"`
}

// Pricer returns USD prices for whole units.
type Pricer interface {
	NativePrice(ctx context.Context) (float64, error)
	TokenPrice(ctx context.Context, mint string) (float64, error)
}

// StaticPricer serves prices from a fixed table. Unknown tokens are worth 0.
type StaticPricer struct {
	native float64
	tokens map[string]float64
}

// NewStaticPricer builds a StaticPricer. A non-positive native price falls
// back to DefaultNativePrice. Token keys are mint addresses.
func NewStaticPricer(native float64, tokens map[string]float64) *StaticPricer {
	if native <= 0 {
		native = DefaultNativePrice
	}
	p := &StaticPricer{native: native, tokens: make(map[string]float64, len(tokens))}
	for mint, price := range tokens {
		p.tokens[strings.ToLower(mint)] = price
	}
	return p
}

func (p *StaticPricer) NativePrice(context.Context) (float64, error) { return p.native, nil }

func (p *StaticPricer) TokenPrice(_ context.Context, mint string) (float64, error) {
	return p.tokens[strings.ToLower(mint)], nil
}

// Capture reads the primary wallet out of snap and stamps it with at, or with
// the current time when at is zero. A nil snapshot or one without the primary
// wallet yields an empty state so that exit capture always succeeds.
func Capture(ctx context.Context, snap *resolver.Snapshot, pricer Pricer, at time.Time) (State, error) {
	if at.IsZero() {
		at = time.Now()
	}
	state := State{Tokens: map[string]TokenBalance{}, CapturedAt: at.UTC()}
	if snap == nil {
		return state, nil
	}
	owner, ok := snap.Address(resolver.PrimaryWallet)
	if !ok {
		return state, nil
	}
	state.Owner = owner
	if acc, found := snap.AccountStates[resolver.PrimaryWallet]; found {
		state.Native = acc.Balance
	}

	for _, name := range snap.Placeholders() {
		acc, found := snap.AccountStates[name]
		if !found || !acc.IsToken() || acc.TokenAmount == nil {
			continue
		}
		if !strings.EqualFold(acc.TokenOwner, owner) {
			continue
		}
		mint := common.HexToAddress(acc.Mint).Hex()
		bal := state.Tokens[mint]
		bal.Mint, bal.Decimals = mint, acc.Decimals
		// Aliased placeholders point at the same holding.
		if bal.Amount.Cmp(*acc.TokenAmount) < 0 {
			bal.Amount = *acc.TokenAmount
		}
		state.Tokens[mint] = bal
	}

	if pricer == nil {
		pricer = NewStaticPricer(DefaultNativePrice, nil)
	}
	return state, state.value(ctx, pricer)
}

func (s *State) value(ctx context.Context, pricer Pricer) error {
	price, err := pricer.NativePrice(ctx)
	if err != nil {
		return fmt.Errorf("native price: %w", err)
	}
	s.NativeUnits = s.Native.Units(nativeDecimals)
	s.NativeUSD = s.NativeUnits * price
	s.TotalUSD = s.NativeUSD
	for mint, bal := range s.Tokens {
		p, err := pricer.TokenPrice(ctx, mint)
		if err != nil {
			return fmt.Errorf("token price %s: %w", mint, err)
		}
		bal.Units = bal.Amount.Units(bal.Decimals)
		bal.USD = bal.Units * p
		s.Tokens[mint] = bal
		s.TotalUSD += bal.USD
	}
	return nil
}

// Lines renders the state one fact per line in a stable order.
func (s State) Lines() []string {
	lines := []string{
		fmt.Sprintf("owner: %s", s.Owner),
		fmt.Sprintf("native: %s (%.6f, $%.2f)", s.Native, s.NativeUnits, s.NativeUSD),
	}
	mints := make([]string, 0, len(s.Tokens))
	for mint := range s.Tokens {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	for _, mint := range mints {
		bal := s.Tokens[mint]
		lines = append(lines, fmt.Sprintf("token %s: %s (%.6f, $%.2f)", mint, bal.Amount, bal.Units, bal.USD))
	}
	lines = append(lines, fmt.Sprintf("total: $%.2f", s.TotalUSD))
	return lines
}

// Diff renders a line diff between entry and exit states. Unchanged lines
// are prefixed with two spaces, removed ones with "- " and added ones with "+ ".
func Diff(entry, exit State) string {
	a := strings.Join(entry.Lines(), "\n") + "\n"
	b := strings.Join(exit.Lines(), "\n") + "\n"

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
		}
	}
	return out.String()
}

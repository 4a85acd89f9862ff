package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gopkg.in/yaml.v3"
)

// Amount is a non-negative or negative integer quantity in base units (wei
// or token base units). The zero value is 0.
type Amount struct {
	v *big.Int
}

// NewAmount copies x into an Amount.
func NewAmount(x *big.Int) Amount {
	if x == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(x)}
}

// AmountFromUint64 builds an Amount from a machine integer.
func AmountFromUint64(u uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(u)}
}

// ParseAmount accepts decimal text or 0x prefixed hex.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return Amount{}, nil
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return Amount{v: v}, nil
}

// Big returns a copy of the value; never nil.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// IsZero reports whether the amount is 0.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Cmp compares two amounts like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.Big(), b.Big())}
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.Big(), b.Big())}
}

// Units converts base units into whole units using the given decimals.
func (a Amount) Units(decimals uint8) float64 {
	f := new(big.Float).SetInt(a.Big())
	if decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		f.Quo(f, scale)
	}
	out, _ := f.Float64()
	return out
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if text == "null" {
		*a = Amount{}
		return nil
	}
	parsed, err := ParseAmount(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: a.String()}, nil
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseAmount(node.Value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// AccountMeta is one (address, is-signer, is-writable) tuple of an instruction.
type AccountMeta struct {
	Pubkey     string `json:"pubkey" yaml:"pubkey"`
	IsSigner   bool   `json:"is_signer" yaml:"is_signer"`
	IsWritable bool   `json:"is_writable" yaml:"is_writable"`
}

// Instruction is the canonical call every parsing and execution path
// produces before submission. ProgramID is the call target, Data the hex
// encoded calldata and Value an optional wei amount.
type Instruction struct {
	ProgramID     string        `json:"program_id" yaml:"program_id"`
	Accounts      []AccountMeta `json:"accounts" yaml:"accounts"`
	Data          string        `json:"data" yaml:"data"`
	Value         string        `json:"value,omitempty" yaml:"value,omitempty"`
	ExpectSuccess bool          `json:"expect_success" yaml:"expect_success"`
}

var (
	ErrMissingProgram  = errors.New("instruction missing program_id")
	ErrMissingAccounts = errors.New("instruction missing accounts")
	ErrMissingData     = errors.New("instruction missing data")
)

// UnmarshalJSON accepts the canonical field names and a few common aliases
// (programId, program, keys) and defaults expect_success to true.
func (in *Instruction) UnmarshalJSON(data []byte) error {
	var raw struct {
		ProgramID     string          `json:"program_id"`
		ProgramIDAlt  string          `json:"programId"`
		Program       string          `json:"program"`
		Accounts      []AccountMeta   `json:"accounts"`
		Keys          []AccountMeta   `json:"keys"`
		Data          json.RawMessage `json:"data"`
		Value         json.RawMessage `json:"value"`
		ExpectSuccess *bool           `json:"expect_success"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Instruction{ProgramID: firstNonEmpty(raw.ProgramID, raw.ProgramIDAlt, raw.Program), Accounts: raw.Accounts, ExpectSuccess: true}
	if out.Accounts == nil {
		out.Accounts = raw.Keys
	}
	if len(raw.Data) > 0 {
		var s string
		if err := json.Unmarshal(raw.Data, &s); err != nil {
			return fmt.Errorf("instruction data must be text: %w", err)
		}
		out.Data = s
	}
	if len(raw.Value) > 0 && string(raw.Value) != "null" {
		out.Value = strings.Trim(string(raw.Value), `"`)
	}
	if raw.ExpectSuccess != nil {
		out.ExpectSuccess = *raw.ExpectSuccess
	}
	*in = out
	return nil
}

// Validate checks that the instruction carries a valid target, at least one
// account and a payload.
func (in Instruction) Validate() error {
	if strings.TrimSpace(in.ProgramID) == "" {
		return ErrMissingProgram
	}
	if !common.IsHexAddress(in.ProgramID) {
		return fmt.Errorf("invalid program_id %q", in.ProgramID)
	}
	if in.Accounts == nil {
		return ErrMissingAccounts
	}
	for i, acc := range in.Accounts {
		if !common.IsHexAddress(acc.Pubkey) {
			return fmt.Errorf("account %d has invalid address %q", i, acc.Pubkey)
		}
	}
	if strings.TrimSpace(in.Data) == "" {
		return ErrMissingData
	}
	if _, err := in.Calldata(); err != nil {
		return err
	}
	if _, err := in.WeiValue(); err != nil {
		return err
	}
	return nil
}

// Target returns the call target address.
func (in Instruction) Target() common.Address {
	return common.HexToAddress(in.ProgramID)
}

// Calldata decodes the hex payload. "0x" alone is an empty payload.
func (in Instruction) Calldata() ([]byte, error) {
	data := strings.TrimSpace(in.Data)
	if !strings.HasPrefix(data, "0x") && !strings.HasPrefix(data, "0X") {
		data = "0x" + data
	}
	if data == "0x" {
		return []byte{}, nil
	}
	out, err := hexutil.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid instruction data: %w", err)
	}
	return out, nil
}

// WeiValue parses the optional value field.
func (in Instruction) WeiValue() (*big.Int, error) {
	if strings.TrimSpace(in.Value) == "" {
		return new(big.Int), nil
	}
	amt, err := ParseAmount(in.Value)
	if err != nil {
		return nil, err
	}
	return amt.Big(), nil
}

// AccessList turns writable accounts into an EIP-2930 access list.
func (in Instruction) AccessList() types.AccessList {
	var list types.AccessList
	seen := make(map[common.Address]struct{})
	for _, acc := range in.Accounts {
		if !acc.IsWritable {
			continue
		}
		addr := common.HexToAddress(acc.Pubkey)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		list = append(list, types.AccessTuple{Address: addr, StorageKeys: []common.Hash{}})
	}
	return list
}

// Signers lists the accounts flagged as signers, in order.
func (in Instruction) Signers() []common.Address {
	var out []common.Address
	for _, acc := range in.Accounts {
		if acc.IsSigner {
			out = append(out, common.HexToAddress(acc.Pubkey))
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

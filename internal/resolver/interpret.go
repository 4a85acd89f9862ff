package resolver

import (
	"strings"
	"sync"

	"AgentFlow-Chain/internal/chain"

	"github.com/tidwall/gjson"
)

// Update 是结果解释器从步骤输出中读出的余额变化。
// Mint 非空时按代币合约匹配账户，否则按占位符包含 Hint 匹配。
type Update struct {
	Mint   string
	Hint   string
	Amount chain.Amount
	Source string
}

// Interpreter 从某类工具的原始输出中提取余额更新。
type Interpreter interface {
	Name() string
	// Applies 判断解释器是否处理该工具；空工具名表示未知来源。
	Applies(tool string) bool
	Interpret(output []byte) []Update
}

// Interpreters 是可插拔的解释器注册表，按注册顺序执行。
type Interpreters struct {
	mu   sync.RWMutex
	list []Interpreter
}

// NewInterpreters 构造注册表。
func NewInterpreters(list ...Interpreter) *Interpreters {
	return &Interpreters{list: list}
}

// DefaultInterpreters 返回内置的兑换与到账解释器。
func DefaultInterpreters() *Interpreters {
	return NewInterpreters(SwapInterpreter{}, ReceivedInterpreter{})
}

// Register 追加解释器。
func (r *Interpreters) Register(in Interpreter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, in)
}

// Interpret 汇总全部适用解释器的结果。
func (r *Interpreters) Interpret(tool string, output []byte) []Update {
	if r == nil || len(output) == 0 || !gjson.ValidBytes(output) {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var updates []Update
	for _, in := range r.list {
		if !in.Applies(tool) {
			continue
		}
		updates = append(updates, in.Interpret(output)...)
	}
	return updates
}

// SwapInterpreter 读取 swap_details.output_mint / output_amount。
type SwapInterpreter struct{}

func (SwapInterpreter) Name() string { return "swap" }

func (SwapInterpreter) Applies(tool string) bool {
	return tool == "" || strings.Contains(tool, "swap")
}

func (SwapInterpreter) Interpret(output []byte) []Update {
	mint := gjson.GetBytes(output, "swap_details.output_mint")
	amount := gjson.GetBytes(output, "swap_details.output_amount")
	if !mint.Exists() || !amount.Exists() {
		return nil
	}
	parsed, err := chain.ParseAmount(amount.String())
	if err != nil {
		return nil
	}
	return []Update{{Mint: mint.String(), Amount: parsed, Source: "swap_details"}}
}

// ReceivedInterpreter 读取通用的到账字段。
type ReceivedInterpreter struct{}

func (ReceivedInterpreter) Name() string { return "received" }

func (ReceivedInterpreter) Applies(string) bool { return true }

func (ReceivedInterpreter) Interpret(output []byte) []Update {
	var updates []Update
	mint := gjson.GetBytes(output, "received_mint")
	amount := gjson.GetBytes(output, "received_amount")
	if mint.Exists() && amount.Exists() {
		if parsed, err := chain.ParseAmount(amount.String()); err == nil {
			updates = append(updates, Update{Mint: mint.String(), Amount: parsed, Source: "received_amount"})
		}
	}
	if usdc := gjson.GetBytes(output, "usdc_received"); usdc.Exists() {
		if parsed, err := chain.ParseAmount(usdc.String()); err == nil {
			updates = append(updates, Update{Hint: "USDC", Amount: parsed, Source: "usdc_received"})
		}
	}
	return updates
}

// Package benchmark defines the declarative benchmark and flow descriptor
// format, loads it from YAML and evaluates final-state assertions.
package benchmark

import (
	"fmt"
	"strings"

	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
)

// TestCase 描述一个完整的基准用例：初始状态、提示词、可选的多步流程以及最终状态断言。
type TestCase struct {
	ID           string           `yaml:"id" json:"id"`
	Description  string           `yaml:"description" json:"description"`
	Tags         []string         `yaml:"tags,omitempty" json:"tags,omitempty"`
	InitialState []InitialAccount `yaml:"initial_state" json:"initial_state"`
	Prompt       string           `yaml:"prompt" json:"prompt"`
	Flow         []FlowStep       `yaml:"flow,omitempty" json:"flow,omitempty"`
	GroundTruth  GroundTruth      `yaml:"ground_truth" json:"ground_truth"`
}

// InitialAccount 是初始状态中的一个账户，Pubkey 可以是字面地址也可以是占位符。
type InitialAccount struct {
	Pubkey  string       `yaml:"pubkey" json:"pubkey"`
	Owner   string       `yaml:"owner,omitempty" json:"owner,omitempty"`
	Balance chain.Amount `yaml:"balance" json:"balance"`
	Data    *TokenData   `yaml:"data,omitempty" json:"data,omitempty"`
}

// TokenData 描述代币持仓账户。
type TokenData struct {
	Mint     string       `yaml:"mint" json:"mint"`
	Owner    string       `yaml:"owner" json:"owner"`
	Amount   chain.Amount `yaml:"amount" json:"amount"`
	Decimals uint8        `yaml:"decimals,omitempty" json:"decimals,omitempty"`
}

// FlowStep 是多步流程中的一步。
type FlowStep struct {
	Step              int                `yaml:"step" json:"step"`
	Description       string             `yaml:"description" json:"description"`
	Prompt            string             `yaml:"prompt" json:"prompt"`
	Critical          *bool              `yaml:"critical,omitempty" json:"critical,omitempty"`
	ExpectedToolCalls []ExpectedToolCall `yaml:"expected_tool_calls,omitempty" json:"expected_tool_calls,omitempty"`
}

// IsCritical 返回显式设置的 critical 标记；未设置时，只要任一期望工具调用为关键即视为关键步骤。
func (s FlowStep) IsCritical() bool {
	if s.Critical != nil {
		return *s.Critical
	}
	for _, call := range s.ExpectedToolCalls {
		if call.Critical {
			return true
		}
	}
	return false
}

// ExpectedToolCall 描述某一步期望调用的工具。
type ExpectedToolCall struct {
	ToolName           string         `yaml:"tool_name" json:"tool_name"`
	Critical           bool           `yaml:"critical,omitempty" json:"critical,omitempty"`
	ExpectedParameters map[string]any `yaml:"expected_parameters,omitempty" json:"expected_parameters,omitempty"`
}

// GroundTruth 汇总期望的交易状态、最终状态断言与参考指令。
type GroundTruth struct {
	TransactionStatus    string              `yaml:"transaction_status,omitempty" json:"transaction_status,omitempty"`
	FinalStateAssertions []Assertion         `yaml:"final_state_assertions" json:"final_state_assertions"`
	ExpectedInstructions []chain.Instruction `yaml:"expected_instructions,omitempty" json:"expected_instructions,omitempty"`
}

// ExpectsSuccess 判断用例期望交易成功，缺省为 Success。
func (g GroundTruth) ExpectsSuccess() bool {
	return g.TransactionStatus == "" || strings.EqualFold(g.TransactionStatus, "success")
}

// AssertionType 是最终状态断言的类别。
type AssertionType string

const (
	AssertNativeBalance       AssertionType = "NativeBalance"
	AssertNativeBalanceChange AssertionType = "NativeBalanceChange"
	AssertTokenBalance        AssertionType = "TokenAccountBalance"
	AssertExpression          AssertionType = "Expression"
)

// Assertion 是一条最终状态断言。Owner 与 Mint 同时出现时，解析器会据此推导关联地址。
type Assertion struct {
	Type              AssertionType `yaml:"type" json:"type"`
	Pubkey            string        `yaml:"pubkey,omitempty" json:"pubkey,omitempty"`
	Owner             string        `yaml:"owner,omitempty" json:"owner,omitempty"`
	Mint              string        `yaml:"mint,omitempty" json:"mint,omitempty"`
	Expected          *chain.Amount `yaml:"expected,omitempty" json:"expected,omitempty"`
	ExpectedGTE       *chain.Amount `yaml:"expected_gte,omitempty" json:"expected_gte,omitempty"`
	ExpectedChangeGTE *chain.Amount `yaml:"expected_change_gte,omitempty" json:"expected_change_gte,omitempty"`
	Condition         string        `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// HasDerivation 判断断言是否携带 owner + mint 推导提示。
func (a Assertion) HasDerivation() bool {
	return strings.TrimSpace(a.Owner) != "" && strings.TrimSpace(a.Mint) != ""
}

// Steps 返回需要执行的步骤；单提示词用例被视作一个关键步骤。
func (tc TestCase) Steps() []FlowStep {
	if len(tc.Flow) > 0 {
		return tc.Flow
	}
	critical := true
	return []FlowStep{{Step: 1, Description: tc.Description, Prompt: tc.Prompt, Critical: &critical}}
}

// Validate 校验用例结构完整性。
func (tc TestCase) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("benchmark %s: %s", tc.ID, fmt.Sprintf(format, args...)))
	}
	if strings.TrimSpace(tc.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "benchmark id cannot be empty")
	}
	if strings.TrimSpace(tc.Prompt) == "" && len(tc.Flow) == 0 {
		return invalid("prompt or flow is required")
	}

	seen := make(map[string]struct{}, len(tc.InitialState))
	for _, acc := range tc.InitialState {
		name := strings.TrimSpace(acc.Pubkey)
		if name == "" {
			return invalid("initial_state entry without pubkey")
		}
		if _, dup := seen[name]; dup {
			return invalid("duplicate initial_state pubkey %s", name)
		}
		seen[name] = struct{}{}
		if acc.Data != nil && (acc.Data.Mint == "" || acc.Data.Owner == "") {
			return invalid("token account %s needs mint and owner", name)
		}
	}

	last := 0
	for i, step := range tc.Flow {
		if step.Step <= last {
			return invalid("flow step %d is out of order", step.Step)
		}
		last = step.Step
		if strings.TrimSpace(step.Prompt) == "" {
			return invalid("flow step %d (index %d) has no prompt", step.Step, i)
		}
	}

	for i, a := range tc.GroundTruth.FinalStateAssertions {
		if err := a.validate(); err != nil {
			return invalid("assertion %d: %v", i, err)
		}
	}
	return nil
}

func (a Assertion) validate() error {
	switch a.Type {
	case AssertNativeBalance:
		if a.Pubkey == "" || a.Expected == nil {
			return fmt.Errorf("%s needs pubkey and expected", a.Type)
		}
	case AssertNativeBalanceChange:
		if a.Pubkey == "" || a.ExpectedChangeGTE == nil {
			return fmt.Errorf("%s needs pubkey and expected_change_gte", a.Type)
		}
	case AssertTokenBalance:
		if a.Pubkey == "" || (a.Expected == nil && a.ExpectedGTE == nil) {
			return fmt.Errorf("%s needs pubkey and expected or expected_gte", a.Type)
		}
	case AssertExpression:
		if strings.TrimSpace(a.Condition) == "" {
			return fmt.Errorf("%s needs a condition", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

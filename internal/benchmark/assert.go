package benchmark

import (
	"fmt"
	"math/big"

	"AgentFlow-Chain/internal/chain"

	"github.com/expr-lang/expr"
)

// AccountView 是断言所需的账户视图，金额均为最小单位。
type AccountView struct {
	Native   chain.Amount
	Token    chain.Amount
	Decimals uint8
	HasToken bool
	Exists   bool
}

// StateView 由上下文快照实现，按占位符查询账户。
type StateView interface {
	Account(placeholder string) (AccountView, bool)
	Placeholders() []string
}

// Outcome 是单条断言的结果。
type Outcome struct {
	Assertion Assertion `json:"assertion"`
	Passed    bool      `json:"passed"`
	Skipped   bool      `json:"skipped,omitempty"`
	Message   string    `json:"message"`
}

// Report 汇总一次评估。
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
}

// Score 返回通过比例；没有可评估断言时为 1。
func (r Report) Score() float64 {
	total := r.Passed + r.Failed
	if total == 0 {
		return 1
	}
	return float64(r.Passed) / float64(total)
}

// Evaluate 以执行前后两个视图评估全部断言。
func Evaluate(assertions []Assertion, before, after StateView) Report {
	var report Report
	for _, a := range assertions {
		out := evaluate(a, before, after)
		switch {
		case out.Skipped:
			report.Skipped++
		case out.Passed:
			report.Passed++
		default:
			report.Failed++
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report
}

func evaluate(a Assertion, before, after StateView) Outcome {
	out := Outcome{Assertion: a}
	if a.Type == AssertExpression {
		passed, err := evalExpression(a.Condition, before, after)
		if err != nil {
			out.Message = err.Error()
			return out
		}
		out.Passed = passed
		out.Message = fmt.Sprintf("%s => %t", a.Condition, passed)
		return out
	}

	now, ok := after.Account(a.Pubkey)
	if !ok {
		out.Skipped = true
		out.Message = fmt.Sprintf("account %s is not tracked", a.Pubkey)
		return out
	}

	switch a.Type {
	case AssertNativeBalance:
		out.Passed = now.Native.Cmp(*a.Expected) == 0
		out.Message = fmt.Sprintf("native balance %s, expected %s", now.Native, a.Expected)
	case AssertNativeBalanceChange:
		prev, found := before.Account(a.Pubkey)
		if !found {
			out.Skipped = true
			out.Message = fmt.Sprintf("no entry state for %s", a.Pubkey)
			return out
		}
		change := now.Native.Sub(prev.Native)
		out.Passed = change.Cmp(*a.ExpectedChangeGTE) >= 0
		out.Message = fmt.Sprintf("native change %s, expected >= %s", change, a.ExpectedChangeGTE)
	case AssertTokenBalance:
		if a.Expected != nil {
			out.Passed = now.Token.Cmp(*a.Expected) == 0
			out.Message = fmt.Sprintf("token balance %s, expected %s", now.Token, a.Expected)
		} else {
			out.Passed = now.Token.Cmp(*a.ExpectedGTE) >= 0
			out.Message = fmt.Sprintf("token balance %s, expected >= %s", now.Token, a.ExpectedGTE)
		}
	default:
		out.Message = fmt.Sprintf("unsupported assertion type %q", a.Type)
	}
	return out
}

// evalExpression 在 before/after 环境中求值布尔表达式，例如
// after.USER_WALLET_PUBKEY.native < before.USER_WALLET_PUBKEY.native。
func evalExpression(condition string, before, after StateView) (bool, error) {
	env := map[string]any{
		"before": exprState(before),
		"after":  exprState(after),
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	passed, _ := result.(bool)
	return passed, nil
}

func exprState(view StateView) map[string]any {
	out := make(map[string]any)
	if view == nil {
		return out
	}
	for _, name := range view.Placeholders() {
		acc, ok := view.Account(name)
		if !ok {
			continue
		}
		out[name] = map[string]any{
			"native": toFloat(acc.Native),
			"token":  toFloat(acc.Token),
			"exists": acc.Exists,
		}
	}
	return out
}

func toFloat(a chain.Amount) float64 {
	f, _ := new(big.Float).SetInt(a.Big()).Float64()
	return f
}

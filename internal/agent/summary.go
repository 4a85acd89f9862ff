package agent

import (
	"fmt"
	"strings"

	"AgentFlow-Chain/internal/wallet"
)

// buildSummary 渲染执行摘要：步骤统计、入口与当前估值以及钱包差异。
func buildSummary(exec *Execution, current wallet.State) string {
	succeeded := 0
	for _, step := range exec.Steps {
		if step.Success {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution Summary:\n")
	fmt.Fprintf(&b, "- Total Steps: %d\n", len(exec.Steps))
	fmt.Fprintf(&b, "- Successful Steps: %d\n", succeeded)
	fmt.Fprintf(&b, "- Failed Steps: %d\n", len(exec.Steps)-succeeded)
	fmt.Fprintf(&b, "- Entry Value: $%.2f\n", exec.Entry.TotalUSD)
	fmt.Fprintf(&b, "- Current Value: $%.2f\n", current.TotalUSD)
	fmt.Fprintf(&b, "- Value Change: $%.2f", current.TotalUSD-exec.Entry.TotalUSD)

	for _, step := range exec.Steps {
		if step.Success {
			continue
		}
		kind := "non-critical"
		if step.Critical {
			kind = "critical"
		}
		fmt.Fprintf(&b, "\n- Step %d failed (%s): %s", step.Step, kind, step.Error)
	}
	if exec.Aborted && len(exec.Steps) > 0 {
		fmt.Fprintf(&b, "\n- Flow stopped after step %d", exec.Steps[len(exec.Steps)-1].Step)
	}
	if exec.Err != nil {
		fmt.Fprintf(&b, "\n- Error: %v", exec.Err)
	}

	if exec.Entry.Owner != "" || current.Owner != "" {
		b.WriteString("\n\nWallet Changes:\n")
		b.WriteString(wallet.Diff(exec.Entry, current))
	}
	return b.String()
}

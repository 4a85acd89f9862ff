package llm

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt 约定模型的回复格式：选择工具或直接给出指令。
const DefaultSystemPrompt = "" +
	"You are an on-chain execution agent. Account placeholders in the context are already resolved; " +
	"refer to accounts by placeholder name or by the resolved address.\n" +
	"To call a tool reply with JSON: {\"tool_call\": {\"tool_name\": string, \"parameters\": object}}. " +
	"Available tools: native_transfer, token_transfer, swap, lend_deposit, lend_withdraw, get_account_balance.\n" +
	"To submit instructions directly reply with JSON: {\"summary\": string, \"instructions\": [{\"program_id\": string, " +
	"\"accounts\": [{\"pubkey\": string, \"is_signer\": bool, \"is_writable\": bool}], \"data\": string}]}.\n" +
	"When the request is fully handled reply with {\"status\": \"ready\", \"action\": \"transaction_complete\", \"summary\": string}."

const (
	maxHistoryTurns = 5
	maxKnowledge    = 5
	truncateRunes   = 240
)

// SystemPrompt 返回请求的系统提示词。
func SystemPrompt(req Request) string {
	if s := strings.TrimSpace(req.System); s != "" {
		return s
	}
	return DefaultSystemPrompt
}

// BuildUserPrompt 组装用户提示词：任务、链上上下文、历史往返与知识切片。
func BuildUserPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("## Request\n")
	builder.WriteString(strings.TrimSpace(req.Prompt))
	builder.WriteString("\n")
	if req.Step > 0 {
		builder.WriteString(fmt.Sprintf("Flow step: %d\n", req.Step))
	}

	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		builder.WriteString("\n## On-chain context\n```yaml\n")
		builder.WriteString(ctx)
		builder.WriteString("\n```\n")
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## Previous turns\n")
		history := req.History
		if len(history) > maxHistoryTurns {
			history = history[len(history)-maxHistoryTurns:]
		}
		for idx, turn := range history {
			builder.WriteString(fmt.Sprintf("[%d] asked: %s | replied: %s\n", idx+1, truncate(turn.Prompt), truncate(turn.Reply)))
		}
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## Hints\n")
		for idx, card := range req.Knowledge {
			if idx >= maxKnowledge {
				break
			}
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), strings.TrimSpace(card.Content)))
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > truncateRunes {
		return string(r[:truncateRunes]) + "..."
	}
	return text
}

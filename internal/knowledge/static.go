// Package knowledge 为提示词补充与操作相关的提示片段。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"AgentFlow-Chain/internal/llm"
)

// Provider 按请求文本与操作名检索提示片段。
type Provider interface {
	Query(prompt, operation string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

// DefaultSnippets 返回内置的操作提示。
func DefaultSnippets() []Snippet {
	return []Snippet{
		{
			Title:    "native_transfer",
			Content:  `Move native currency with {"tool_name":"native_transfer","parameters":{"from":"USER_WALLET_PUBKEY","to":<placeholder or address>,"amount":<wei as decimal string>}}.`,
			Keywords: []string{"send", "transfer", "pay", "eth"},
		},
		{
			Title:    "token_transfer",
			Content:  `Move ERC-20 tokens with {"tool_name":"token_transfer","parameters":{"mint":<token address>,"to":<recipient>,"amount":<base units>}}. The recipient's associated account is derived automatically.`,
			Keywords: []string{"token", "usdc", "usdt", "transfer"},
		},
		{
			Title:    "swap",
			Content:  `Swap with {"tool_name":"swap","parameters":{"input_mint":<token>,"output_mint":<token>,"amount":<base units>,"min_output":<base units>}}. Amounts are in the input token's base units.`,
			Keywords: []string{"swap", "exchange", "convert", "trade"},
		},
		{
			Title:    "lend",
			Content:  `Deposit with {"tool_name":"lend_deposit","parameters":{"mint":<token>,"amount":<base units>}} and withdraw with lend_withdraw using the same parameters.`,
			Keywords: []string{"lend", "deposit", "supply", "yield", "withdraw", "redeem"},
		},
		{
			Title:    "balances",
			Content:  `Read balances with {"tool_name":"get_account_balance","parameters":{"account":<placeholder>,"mint":<optional token>}} before acting when amounts are unknown.`,
			Keywords: []string{"balance", "how much", "all my", "check"},
		},
	}
}

// StaticProvider 在固定的片段集合中按关键字检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// Load 从 JSON 文件加载片段；路径为空时使用内置片段。
func Load(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return NewStaticProvider(DefaultSnippets(), maxResults), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回标题与操作名相同或关键字出现在请求中的片段。
func (p *StaticProvider) Query(prompt, operation string) []Snippet {
	if p == nil {
		return nil
	}
	prompt = strings.ToLower(prompt)
	operation = strings.ToLower(strings.TrimSpace(operation))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !matches(item, prompt, operation) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func matches(snippet Snippet, prompt, operation string) bool {
	if operation != "" && strings.EqualFold(snippet.Title, operation) {
		return true
	}
	for _, keyword := range snippet.Keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(prompt, keyword) {
			return true
		}
	}
	return false
}

// Cards 把片段转换为模型请求使用的知识卡片。
func Cards(snippets []Snippet) []llm.KnowledgeCard {
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

var _ Provider = (*StaticProvider)(nil)

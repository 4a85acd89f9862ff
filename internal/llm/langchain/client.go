// Package langchain 通过 langchaingo 的 llms.Model 接入任意受支持的模型提供方。
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"AgentFlow-Chain/internal/llm"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// Config 描述 OpenAI 兼容模型的连接参数。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Client 把 llm.Request 转换为 langchaingo 的多轮消息。
type Client struct {
	model llms.Model
	name  string
	opts  []llms.CallOption
}

// New 包装已有的 llms.Model。
func New(model llms.Model, name string, opts ...llms.CallOption) *Client {
	return &Client{model: model, name: name, opts: opts}
}

// NewOpenAI 使用 langchaingo 的 OpenAI 实现创建客户端。
func NewOpenAI(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("未提供 LangChain 模型的 API Key")
	}
	opts := []lcopenai.Option{
		lcopenai.WithToken(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	model, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化 LangChain 模型失败: %w", err)
	}
	return New(model, cfg.Model, llms.WithTemperature(cfg.Temperature)), nil
}

// Generate 以系统提示、历史往返、当前请求的顺序组织消息。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(llm.SystemPrompt(req))}},
	}
	for _, turn := range req.History {
		messages = append(messages,
			llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(turn.Prompt)}},
			llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: []llms.ContentPart{llms.TextPart(turn.Reply)}},
		)
	}
	// 历史已作为消息传入，不再重复写进提示词。
	current := req
	current.History = nil
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(llm.BuildUserPrompt(current))},
	})

	resp, err := c.model.GenerateContent(ctx, messages, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("调用 LangChain 模型失败: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("LangChain 模型没有返回候选回复")
	}
	return &llm.Response{Text: resp.Choices[0].Content, Model: c.name}, nil
}

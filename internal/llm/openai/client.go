// Package openai 直接调用 OpenAI 兼容的 Chat Completions 接口。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxErrorBody     = 2048
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 是无状态的，可被多个 worker 共享。
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 校验 API Key 并补齐默认地址、模型与超时。
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
	}
	if c.apiKey == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	if c.model == "" {
		c.model = defaultModelName
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	c.endpoint = base + "/chat/completions"

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// messages 把历史往返展开成 user/assistant 交替的消息，当前请求放在最后。
func messages(req llm.Request) []chatMessage {
	out := make([]chatMessage, 0, 2+2*len(req.History))
	out = append(out, chatMessage{Role: "system", Content: llm.SystemPrompt(req)})
	for _, turn := range req.History {
		out = append(out,
			chatMessage{Role: "user", Content: turn.Prompt},
			chatMessage{Role: "assistant", Content: turn.Reply},
		)
	}
	current := req
	current.History = nil
	return append(out, chatMessage{Role: "user", Content: llm.BuildUserPrompt(current)})
}

// Generate 返回第一条候选回复的原文。空回复交给 parser 处理。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages(req), Temperature: c.temperature})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFatal, err, "序列化 OpenAI 请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFatal, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, err, "读取 OpenAI 响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.New(apperrors.CodeRetryable, "OpenAI 响应不是合法 JSON")
	}
	choice := gjson.GetBytes(body, "choices.0.message.content")
	if !choice.Exists() {
		return nil, apperrors.New(apperrors.CodeRetryable, "OpenAI 响应中没有有效的 choices")
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = c.model
	}
	return &llm.Response{Text: choice.String(), Model: model}, nil
}

// statusError 按状态码归类：限流与服务端错误可重试，其余 4xx 视为请求本身有误。
func statusError(status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	detail := gjson.GetBytes(body, "error.message").String()
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	code := apperrors.CodeFatal
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		code = apperrors.CodeRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = apperrors.CodeUserInput
	}
	return apperrors.New(code, "OpenAI 返回错误状态 "+http.StatusText(status)+": "+detail,
		apperrors.WithMetadata("status", http.StatusText(status)))
}

package llm

import "context"

// Request 描述一次文本生成请求。
type Request struct {
	// System 为空时使用 DefaultSystemPrompt。
	System string
	Prompt string
	// Context 是导出的链上上下文（YAML）。
	Context   string
	Step      int
	History   []Turn
	Knowledge []KnowledgeCard
}

// Turn 是工具调用循环中的一轮往返。
type Turn struct {
	Prompt string
	Reply  string
}

// Response 是模型的原始文本回复，结构由 parser 包负责解读。
type Response struct {
	Text  string
	Model string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数满足 Client 接口。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

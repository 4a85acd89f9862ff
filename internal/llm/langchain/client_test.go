package langchain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentFlow-Chain/internal/llm"

	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	messages []llms.MessageContent
	reply    string
	err      error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestGenerateBuildsConversation(t *testing.T) {
	model := &fakeModel{reply: `{"status":"ready","action":"transaction_complete"}`}
	client := New(model, "fake")

	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:  "lend my USDC",
		History: []llm.Turn{{Prompt: "swap first", Reply: `{"tool_call":{"tool_name":"swap"}}`}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != model.reply || resp.Model != "fake" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(model.messages) != 4 {
		t.Fatalf("expected system, two history turns and the request, got %d", len(model.messages))
	}
	if model.messages[0].Role != llms.ChatMessageTypeSystem || model.messages[2].Role != llms.ChatMessageTypeAI {
		t.Fatalf("unexpected roles %+v", model.messages)
	}
	last, ok := model.messages[3].Parts[0].(llms.TextContent)
	if !ok || !strings.Contains(last.Text, "lend my USDC") || strings.Contains(last.Text, "Previous turns") {
		t.Fatalf("unexpected final message %+v", model.messages[3].Parts[0])
	}
}

func TestGenerateError(t *testing.T) {
	client := New(&fakeModel{err: errors.New("quota exceeded")}, "fake")
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected model error to surface")
	}
	if _, err := NewOpenAI(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/llm"
)

func TestParseOutput(t *testing.T) {
	cases := []struct {
		in, text, model string
	}{
		{`{"reply":"{\"tool_call\":{}}"}`, `{"tool_call":{}}`, "python_bridge"},
		{`{"text":"done","model":"local-llama"}`, "done", "local-llama"},
		{`{"instructions":[]}`, `{"instructions":[]}`, "python_bridge"},
		{"plain words", "plain words", "python_bridge"},
	}
	for _, tc := range cases {
		text, model := parseOutput([]byte(tc.in))
		if text != tc.text || model != tc.model {
			t.Fatalf("%s: got (%q, %q)", tc.in, text, model)
		}
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "scripts/agent.py"); got != filepath.Join("/srv", "scripts/agent.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/agent.py"); got != "/opt/agent.py" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}
	if _, err := NewClient(Config{}); apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument without script, got %v", err)
	}
}

func shellClient(t *testing.T, script string) *Client {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bridge.sh"), []byte(script), 0o600); err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(Config{Executable: "sh", Script: "bridge.sh", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestGenerateRunsScript(t *testing.T) {
	// 脚本把收到的请求写入 request.json。
	client := shellClient(t, "input=$(cat)\nprintf '%s' \"$input\" > request.json\necho '{\"reply\":\"ok\",\"model\":\"sh\"}'\n")

	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:  "send 1 wei",
		Step:    2,
		History: []llm.Turn{{Prompt: "p", Reply: "r"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "ok" || resp.Model != "sh" {
		t.Fatalf("unexpected response %+v", resp)
	}
	raw, err := os.ReadFile(filepath.Join(client.cfg.WorkingDir, "request.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"step":2`, `"history":[{"prompt":"p","reply":"r"}]`, "send 1 wei"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("request missing %s: %s", want, raw)
		}
	}
}

func TestGenerateScriptFailure(t *testing.T) {
	client := shellClient(t, "echo 'model crashed' >&2\nexit 3\n")
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	if apperrors.CodeOf(err) != apperrors.CodeExecutorFailure || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("unexpected error %v", err)
	}
}

// Package pythonbridge 通过外部脚本完成推理：请求以 JSON 写入标准输入，回复从标准输出读取。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/llm"
)

const maxStderr = 1024

// Config 对应配置文件中的 llm.python_bridge。
type Config struct {
	Executable string
	Script     string
	WorkingDir string
}

type Client struct {
	cfg Config
	now func() time.Time
}

// NewClient 解析脚本路径，Executable 为空时使用 python3。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Script) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if cfg.Executable == "" {
		cfg.Executable = "python3"
	}
	cfg.Script = ResolveScriptPath(cfg.WorkingDir, cfg.Script)
	return &Client{cfg: cfg, now: time.Now}, nil
}

type bridgeTurn struct {
	Prompt string `json:"prompt"`
	Reply  string `json:"reply"`
}

type bridgeRequest struct {
	System    string       `json:"system"`
	Prompt    string       `json:"prompt"`
	Step      int          `json:"step,omitempty"`
	History   []bridgeTurn `json:"history,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

func (c *Client) payload(req llm.Request) ([]byte, error) {
	body := bridgeRequest{
		System:    llm.SystemPrompt(req),
		Prompt:    llm.BuildUserPrompt(req),
		Step:      req.Step,
		Timestamp: c.now().Unix(),
	}
	for _, turn := range req.History {
		body.History = append(body.History, bridgeTurn(turn))
	}
	return json.Marshal(body)
}

// Generate 运行一次脚本。脚本可以输出纯文本，也可以输出带 reply（或 text）字段的 JSON，
// 其中的 model 字段会透传到回复里。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	input, err := c.payload(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFatal, err, "序列化请求失败")
	}

	cmd := exec.CommandContext(ctx, c.cfg.Executable, c.cfg.Script)
	cmd.Dir = c.cfg.WorkingDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.Wrap(apperrors.CodeTimeout, ctxErr, "Python 脚本被取消")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, apperrors.Wrap(apperrors.CodeExecutorFailure, err, "Python 脚本退出异常: "+tail(stderr.String()))
		}
		return nil, apperrors.Wrap(apperrors.CodeFatal, err, "无法启动 Python 脚本")
	}

	text, model := parseOutput(stdout.Bytes())
	return &llm.Response{Text: text, Model: model}, nil
}

func parseOutput(out []byte) (text, model string) {
	model = "python_bridge"
	if !gjson.ValidBytes(out) {
		return string(out), model
	}
	if m := gjson.GetBytes(out, "model"); m.Type == gjson.String && m.String() != "" {
		model = m.String()
	}
	for _, field := range []string{"reply", "text"} {
		if v := gjson.GetBytes(out, field); v.Type == gjson.String {
			return v.String(), model
		}
	}
	return string(out), model
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}

// ResolveScriptPath 把相对路径解析到 baseDir 下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

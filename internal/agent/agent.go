package agent

import (
	"encoding/json"
	"log/slog"
	"time"

	"AgentFlow-Chain/internal/benchmark"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/knowledge"
	"AgentFlow-Chain/internal/llm"
	"AgentFlow-Chain/internal/parser"
	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/tools"
	"AgentFlow-Chain/internal/wallet"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// CodeNoAction 表示模型既没有选择工具也没有给出指令。
	CodeNoAction apperrors.Code = "AGENT_NO_ACTION"
	// CodeStepAborted 表示关键步骤失败导致流程提前结束。
	CodeStepAborted apperrors.Code = "AGENT_STEP_ABORTED"
)

func init() {
	apperrors.Register(CodeNoAction, apperrors.Attributes{Message: "model produced no actionable output", Severity: apperrors.SeverityWarning})
	apperrors.Register(CodeStepAborted, apperrors.Attributes{Message: "critical step failed", Severity: apperrors.SeverityCritical, Alert: true})
}

// 对话深度的默认值：上下文充分时直接行动，否则留出探索余量。
const (
	defaultContextDepth   = 3
	defaultDiscoveryDepth = 7
)

// Request 描述一次执行：基准用例（单提示词或多步流程）以及调用方预先绑定的占位符。
type Request struct {
	ID     string
	Case   benchmark.TestCase
	KeyMap map[string]string
}

// RecoveryInfo 记录某一步的恢复过程。
type RecoveryInfo struct {
	Outcome   string `json:"outcome"`
	Recovered bool   `json:"recovered"`
	Strategy  string `json:"strategy,omitempty"`
	Attempts  int    `json:"attempts"`

	outcome recovery.Outcome
}

// StepResult 是单个流程步骤的结果。失败的步骤同样保留工具返回的原始数据。
type StepResult struct {
	Step        int                `json:"step"`
	Description string             `json:"description,omitempty"`
	Critical    bool               `json:"critical"`
	Success     bool               `json:"success"`
	Tool        string             `json:"tool,omitempty"`
	Calls       []*tools.Result    `json:"calls,omitempty"`
	Signatures  []string           `json:"signatures,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Reply       string             `json:"reply,omitempty"`
	Completed   bool               `json:"completed"`
	Turns       int                `json:"turns"`
	Error       string             `json:"error,omitempty"`
	Category    apperrors.Category `json:"category,omitempty"`
	Recovery    *RecoveryInfo      `json:"recovery,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`

	err error
}

// Err 返回该步骤失败的原始错误。
func (r StepResult) Err() error {
	return r.err
}

// Execution 汇总一次执行的全部产出：步骤结果、钱包入口与出口状态、摘要与阶段事件。
type Execution struct {
	ID          string             `json:"id"`
	BenchmarkID string             `json:"benchmark_id,omitempty"`
	Steps       []StepResult       `json:"steps"`
	Entry       wallet.State       `json:"entry"`
	Exit        wallet.State       `json:"exit"`
	Summary     string             `json:"summary"`
	Aborted     bool               `json:"aborted"`
	Error       string             `json:"error,omitempty"`
	Category    apperrors.Category `json:"category,omitempty"`
	Events      []Event            `json:"events"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`

	// Initial 是解析完成、尚未执行任何步骤时的快照副本，供最终状态断言使用。
	Initial *resolver.Snapshot `json:"-"`
	// Snapshot 是执行结束时的上下文快照。
	Snapshot *resolver.Snapshot `json:"-"`
	// Err 是上下文解析或校验阶段的致命错误。
	Err error `json:"-"`
}

// Succeeded 判断执行没有致命错误且全部步骤成功。
func (e *Execution) Succeeded() bool {
	if e.Err != nil || len(e.Steps) == 0 {
		return false
	}
	for _, step := range e.Steps {
		if !step.Success {
			return false
		}
	}
	return true
}

// Signatures 按步骤顺序返回全部交易哈希。
func (e *Execution) Signatures() []string {
	var out []string
	for _, step := range e.Steps {
		out = append(out, step.Signatures...)
	}
	return out
}

// Agent 串联上下文解析、模型推理、响应解析与工具执行，是系统的业务核心。
type Agent struct {
	llmClient llm.Client
	resolver  *resolver.Resolver
	executor  *tools.Executor
	parser    *parser.Parser
	recovery  *recovery.Engine
	knowledge knowledge.Provider
	pricer    wallet.Pricer
	tracer    trace.Tracer
	log       *slog.Logger

	contextDepth   int
	discoveryDepth int
	llmTimeout     time.Duration
	now            func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLogger 指定日志记录器，未设置时丢弃日志。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// WithTracer 指定链路追踪器。
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// WithRecovery 为失败的步骤启用恢复引擎。
func WithRecovery(engine *recovery.Engine) Option {
	return func(a *Agent) {
		a.recovery = engine
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充提示。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithDepth 设置对话深度：contextDepth 用于上下文充分的情形，discoveryDepth 用于需要探索的情形。
func WithDepth(contextDepth, discoveryDepth int) Option {
	return func(a *Agent) {
		if contextDepth > 0 {
			a.contextDepth = contextDepth
		}
		if discoveryDepth > 0 {
			a.discoveryDepth = discoveryDepth
		}
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithPricer 指定钱包估值使用的价格来源。
func WithPricer(pricer wallet.Pricer) Option {
	return func(a *Agent) {
		if pricer != nil {
			a.pricer = pricer
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, res *resolver.Resolver, executor *tools.Executor, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:      llmClient,
		resolver:       res,
		executor:       executor,
		pricer:         wallet.NewStaticPricer(wallet.DefaultNativePrice, nil),
		tracer:         noop.NewTracerProvider().Tracer(""),
		log:            slog.New(slog.DiscardHandler),
		contextDepth:   defaultContextDepth,
		discoveryDepth: defaultDiscoveryDepth,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	ag.parser = parser.New(ag.log)
	return ag
}

// depthFor 返回本次对话允许的最大轮数。
func (a *Agent) depthFor(snap *resolver.Snapshot) int {
	if snap != nil && snap.HasContext {
		return a.contextDepth
	}
	return a.discoveryDepth
}

func newExecutionID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AgentFlow-Chain/internal/agent"
	"AgentFlow-Chain/internal/benchmark"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/task"
	"AgentFlow-Chain/pkg/logger"
)

const (
	// CodeAssertionFailed 表示运行结束但最终状态断言未全部通过。
	CodeAssertionFailed apperrors.Code = "RUN_ASSERTIONS_FAILED"
	// CodeUnexpectedOutcome 表示交易结果与用例期望相反。
	CodeUnexpectedOutcome apperrors.Code = "RUN_UNEXPECTED_OUTCOME"
)

func init() {
	apperrors.Register(CodeAssertionFailed, apperrors.Attributes{Message: "final state assertions failed", Severity: apperrors.SeverityWarning})
	apperrors.Register(CodeUnexpectedOutcome, apperrors.Attributes{Message: "run outcome differs from ground truth", Severity: apperrors.SeverityWarning})
}

// Orchestrator 是执行一次请求所需的编排能力，由 *agent.Agent 实现。
type Orchestrator interface {
	Execute(ctx context.Context, req agent.Request) (*agent.Execution, error)
}

// Outcome 汇总一次运行：编排结果、断言评估与写入存储的结果。
type Outcome struct {
	Case      benchmark.TestCase
	Execution *agent.Execution
	Report    benchmark.Report
	Result    task.ExecutionResult
}

// Runner 把排队的运行映射到基准用例并交给编排器执行，最后评分。
type Runner struct {
	catalog      *benchmark.Catalog
	orchestrator Orchestrator
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Runner)

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// New 创建 Runner。catalog 为空时只能执行临时提示词。
func New(catalog *benchmark.Catalog, orchestrator Orchestrator, opts ...Option) *Runner {
	r := &Runner{catalog: catalog, orchestrator: orchestrator, log: logger.Named("runner")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Validate 在提交时确认基准用例存在，可直接作为 task.Validator 使用。
func (r *Runner) Validate(req task.Request) error {
	_, err := r.caseFor(req.BenchmarkID, req.Prompt)
	return err
}

// Execute 实现 task.Executor。
func (r *Runner) Execute(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	tc, err := r.caseFor(t.BenchmarkID, t.Prompt)
	if err != nil {
		return nil, err
	}
	out, err := r.Run(ctx, t.ID, tc, t.KeyMap)
	if out == nil {
		return nil, err
	}
	return &out.Result, err
}

// Run 执行一个用例并评分。运行没有达到预期时返回的错误携带可用于重试判断的错误码，Outcome 始终非空。
func (r *Runner) Run(ctx context.Context, runID string, tc benchmark.TestCase, keyMap map[string]string) (*Outcome, error) {
	if r.orchestrator == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "orchestrator is not configured")
	}
	exec, execErr := r.orchestrator.Execute(ctx, agent.Request{ID: runID, Case: tc, KeyMap: keyMap})
	if exec == nil {
		if execErr == nil {
			execErr = apperrors.New(apperrors.CodeExecutorFailure, "orchestrator returned no execution")
		}
		return nil, execErr
	}
	log := r.log.With(slog.String("run_id", exec.ID), slog.String("benchmark_id", tc.ID))
	for _, ev := range exec.Events {
		attrs := []slog.Attr{slog.String("stage", ev.Stage.String()), slog.Int("step", ev.Step)}
		if ev.Error != "" {
			log.LogAttrs(ctx, slog.LevelWarn, ev.Message, append(attrs, slog.String("error", ev.Error))...)
			continue
		}
		log.LogAttrs(ctx, slog.LevelDebug, ev.Message, attrs...)
	}

	out := &Outcome{Case: tc, Execution: exec}
	if exec.Initial != nil && exec.Snapshot != nil {
		out.Report = benchmark.Evaluate(tc.GroundTruth.FinalStateAssertions, exec.Initial, exec.Snapshot)
	}
	out.Result = buildResult(exec, out.Report)

	err := r.judge(tc, exec, out.Report, execErr)
	out.Result.Success = err == nil
	if err != nil {
		out.Result.Score = 0
	}
	log.Info("run finished",
		slog.Bool("success", out.Result.Success),
		slog.Float64("score", out.Result.Score),
		slog.Int("assertions_passed", out.Report.Passed),
		slog.Int("assertions_failed", out.Report.Failed),
		slog.String("category", out.Result.Category),
	)
	return out, err
}

// judge 比较执行结果与用例期望。期望失败的用例在流程失败时视为通过。
func (r *Runner) judge(tc benchmark.TestCase, exec *agent.Execution, report benchmark.Report, execErr error) error {
	if execErr != nil {
		return execErr
	}
	expectSuccess := tc.GroundTruth.ExpectsSuccess()
	succeeded := exec.Succeeded()
	switch {
	case expectSuccess && !succeeded:
		msg := exec.Error
		if msg == "" {
			msg = firstFailure(exec)
		}
		return apperrors.New(apperrors.CodeFor(exec.Category), fmt.Sprintf("run %s failed: %s", exec.ID, msg))
	case !expectSuccess && succeeded:
		return apperrors.New(CodeUnexpectedOutcome, fmt.Sprintf("run %s: expected transaction status %q but every step succeeded", exec.ID, tc.GroundTruth.TransactionStatus))
	case report.Failed > 0:
		return apperrors.New(CodeAssertionFailed, fmt.Sprintf("run %s: %d of %d assertions failed: %s",
			exec.ID, report.Failed, report.Passed+report.Failed, failedAssertions(report)))
	}
	return nil
}

func buildResult(exec *agent.Execution, report benchmark.Report) task.ExecutionResult {
	result := task.ExecutionResult{
		ExecutionID:      exec.ID,
		Summary:          exec.Summary,
		Aborted:          exec.Aborted,
		Category:         string(exec.Category),
		StepsTotal:       len(exec.Steps),
		EntryValueUSD:    exec.Entry.TotalUSD,
		ExitValueUSD:     exec.Exit.TotalUSD,
		Score:            report.Score(),
		AssertionsPassed: report.Passed,
		AssertionsFailed: report.Failed,
		Signatures:       exec.Signatures(),
	}
	for _, step := range exec.Steps {
		if !step.Success {
			result.StepsFailed++
		}
	}
	return result
}

// caseFor 选择要执行的用例。只给出提示词时构造一个单步临时用例，主钱包由解析器生成。
func (r *Runner) caseFor(benchmarkID, prompt string) (benchmark.TestCase, error) {
	benchmarkID = strings.TrimSpace(benchmarkID)
	if benchmarkID != "" {
		if r.catalog == nil {
			return benchmark.TestCase{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("benchmark %s: no catalog loaded", benchmarkID))
		}
		tc, err := r.catalog.Get(benchmarkID)
		if err != nil {
			return benchmark.TestCase{}, err
		}
		if strings.TrimSpace(prompt) != "" && len(tc.Flow) == 0 {
			tc.Prompt = prompt
		}
		return tc, nil
	}
	if strings.TrimSpace(prompt) == "" {
		return benchmark.TestCase{}, apperrors.New(apperrors.CodeInvalidArgument, "run needs a benchmark id or a prompt")
	}
	return benchmark.TestCase{
		ID:           "adhoc",
		Description:  "ad hoc prompt",
		Prompt:       prompt,
		InitialState: []benchmark.InitialAccount{{Pubkey: resolver.PrimaryWallet}},
	}, nil
}

func firstFailure(exec *agent.Execution) string {
	for _, step := range exec.Steps {
		if !step.Success {
			return fmt.Sprintf("step %d: %s", step.Step, step.Error)
		}
	}
	return "no steps executed"
}

func failedAssertions(report benchmark.Report) string {
	var parts []string
	for _, o := range report.Outcomes {
		if !o.Passed && !o.Skipped {
			parts = append(parts, o.Message)
		}
	}
	return strings.Join(parts, "; ")
}

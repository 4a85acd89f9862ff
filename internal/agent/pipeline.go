package agent

import (
	"context"
	"fmt"

	"AgentFlow-Chain/internal/benchmark"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/wallet"
)

// run 持有一次执行独占的全部可变状态，执行结束后不再被引用。
type run struct {
	agent *Agent
	req   Request
	exec  *Execution
	snap  *resolver.Snapshot
	// err 是致命错误；阶段失败只记录，不向上抛出。
	err error
}

// Execute 按固定阶段顺序执行一次请求。无论前面的阶段是否失败，错误评估与出口状态记录都会执行，
// 因此返回的 Execution 总是完整的；上下文解析或校验失败时同时返回该错误。
func (a *Agent) Execute(ctx context.Context, req Request) (*Execution, error) {
	steps := req.Case.Steps()
	r := &run{
		agent: a,
		req:   req,
		exec: &Execution{
			ID:          newExecutionID(req.ID),
			BenchmarkID: req.Case.ID,
			StartedAt:   a.now().UTC(),
		},
	}
	ctx, span := a.startExecutionSpan(ctx, r.exec, len(steps))

	r.initialize(ctx)
	if r.err == nil {
		r.resolveWallet(ctx)
	}
	if r.err == nil {
		r.recordEntry(ctx)
	}
	if r.err == nil {
		r.runSteps(ctx, steps)
	}
	current := r.summarize(ctx)
	r.evaluateError(ctx)
	r.recordExit(ctx, current)

	r.exec.Snapshot = r.snap
	r.exec.FinishedAt = a.now().UTC()
	a.endExecutionSpan(span, r.exec)
	return r.exec, r.exec.Err
}

// RunFlow 执行一个基准用例。
func (a *Agent) RunFlow(ctx context.Context, tc benchmark.TestCase) (*Execution, error) {
	return a.Execute(ctx, Request{Case: tc})
}

func (r *run) event(ctx context.Context, stage Stage, step int, msg string, err error) {
	ev := Event{Stage: stage, Step: step, Message: msg, At: r.agent.now().UTC()}
	if err != nil {
		ev.Error = err.Error()
	}
	r.exec.Events = append(r.exec.Events, ev)
	stageEvent(ctx, ev)
	if err != nil {
		r.agent.log.Warn(msg, "execution_id", r.exec.ID, "stage", stage.String(), "step", step, "error", err)
		return
	}
	r.agent.log.Debug(msg, "execution_id", r.exec.ID, "stage", stage.String(), "step", step)
}

// fatal 记录致命错误，摘要需要引用它。
func (r *run) fatal(ctx context.Context, stage Stage, err error) {
	r.err = err
	r.exec.Err = err
	r.exec.Error = err.Error()
	r.event(ctx, stage, 0, "stage failed", err)
}

func (r *run) initialize(ctx context.Context) {
	a := r.agent
	switch {
	case a.llmClient == nil:
		r.fatal(ctx, StageInitialized, apperrors.New(apperrors.CodeInitializationFailure, "language model client is not configured"))
		return
	case a.resolver == nil:
		r.fatal(ctx, StageInitialized, apperrors.New(apperrors.CodeInitializationFailure, "context resolver is not configured"))
		return
	case a.executor == nil:
		r.fatal(ctx, StageInitialized, apperrors.New(apperrors.CodeInitializationFailure, "tool executor is not configured"))
		return
	}
	if len(r.req.Case.Flow) == 0 && r.req.Case.Prompt == "" {
		r.fatal(ctx, StageInitialized, apperrors.New(apperrors.CodeInvalidArgument, "request has neither a prompt nor flow steps"))
		return
	}
	r.event(ctx, StageInitialized, 0, fmt.Sprintf("execution %s initialized", r.exec.ID), nil)
}

func (r *run) resolveWallet(ctx context.Context) {
	tc := r.req.Case
	snap, err := r.agent.resolver.ResolveInitialContext(ctx, tc.InitialState, tc.GroundTruth, r.req.KeyMap)
	if err != nil {
		r.fatal(ctx, StageWalletResolved, err)
		return
	}
	r.snap = snap
	if err := resolver.ValidateResolvedContext(snap); err != nil {
		r.fatal(ctx, StageWalletResolved, err)
		return
	}
	owner, _ := snap.Address(resolver.PrimaryWallet)
	r.event(ctx, StageWalletResolved, 0, fmt.Sprintf("resolved %d placeholders, fee payer %s", len(snap.KeyMap), owner), nil)
}

func (r *run) recordEntry(ctx context.Context) {
	entry, err := wallet.Capture(ctx, r.snap, r.agent.pricer, r.agent.now())
	if err != nil {
		r.fatal(ctx, StageEntryStateRecorded, apperrors.Wrap(apperrors.CodeExecutorFailure, err, "capture entry wallet state"))
		return
	}
	r.exec.Entry = entry
	r.exec.Initial = r.snap.Clone()
	r.event(ctx, StageEntryStateRecorded, 0, fmt.Sprintf("entry value $%.2f", entry.TotalUSD), nil)
}

// summarize 生成执行摘要并返回用于估值的当前钱包状态。
func (r *run) summarize(ctx context.Context) wallet.State {
	current, err := wallet.Capture(ctx, r.snap, r.agent.pricer, r.agent.now())
	if err != nil {
		r.event(ctx, StageSummaryGenerated, 0, "capture current wallet state", err)
	}
	r.exec.Summary = buildSummary(r.exec, current)
	r.event(ctx, StageSummaryGenerated, 0, "summary generated", nil)
	return current
}

// evaluateError 对致命错误或第一个失败的步骤进行分类。
func (r *run) evaluateError(ctx context.Context) {
	failure := r.err
	if failure == nil {
		for _, step := range r.exec.Steps {
			if !step.Success {
				failure = step.err
				break
			}
		}
	}
	if r.err == nil && r.exec.Aborted && failure != nil {
		r.exec.Error = failure.Error()
	}
	if failure == nil {
		r.event(ctx, StageErrorEvaluated, 0, "no errors", nil)
		return
	}
	r.exec.Category = apperrors.Classify(failure)
	r.event(ctx, StageErrorEvaluated, 0, fmt.Sprintf("failure classified as %s", r.exec.Category), nil)
}

// recordExit 记录出口钱包状态，失败路径上同样执行。
func (r *run) recordExit(ctx context.Context, current wallet.State) {
	exit, err := wallet.Capture(ctx, r.snap, r.agent.pricer, r.agent.now())
	if err != nil {
		exit = current
	}
	r.exec.Exit = exit
	r.event(ctx, StageExitStateRecorded, 0, fmt.Sprintf("exit value $%.2f", exit.TotalUSD), err)
}

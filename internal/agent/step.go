package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/knowledge"
	"AgentFlow-Chain/internal/llm"
	"AgentFlow-Chain/internal/parser"
	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/tools"
)

// runSteps 依次执行流程步骤。关键步骤失败时立即停止，非关键步骤失败只记录。
func (r *run) runSteps(ctx context.Context, steps []benchmark.FlowStep) {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			r.fatal(ctx, StageContextPrepared, apperrors.Wrap(apperrors.CodeTimeout, err, "execution cancelled"))
			return
		}
		// 执行前确认此前每一步的结果都已写入快照。
		if err := resolver.ValidateResolvedContext(r.snap); err != nil {
			r.fatal(ctx, StageContextPrepared, err)
			return
		}

		result := r.runStep(ctx, i, step)
		r.exec.Steps = append(r.exec.Steps, result)
		r.collect(ctx, i, result)

		if !result.Success && aborts(result) {
			r.exec.Aborted = true
			r.event(ctx, StageNextContextBuilt, result.Step,
				fmt.Sprintf("step %d failed, skipping %d remaining steps", result.Step, len(steps)-i-1),
				apperrors.Wrap(CodeStepAborted, result.err, fmt.Sprintf("step %d aborted the flow", result.Step)))
			return
		}
		if i < len(steps)-1 {
			r.event(ctx, StageNextContextBuilt, result.Step, "context carried to next step", nil)
		}
	}
}

// aborts 判断失败的步骤是否终止流程。人工终止与恢复超时对非关键步骤同样生效。
func aborts(result StepResult) bool {
	if result.Critical {
		return true
	}
	return result.Recovery != nil && result.Recovery.outcome.Aborts(false)
}

func (r *run) runStep(ctx context.Context, index int, step benchmark.FlowStep) StepResult {
	number := step.Step
	if number <= 0 {
		number = index + 1
	}
	base := StepResult{Step: number, Description: step.Description, Critical: step.IsCritical()}

	ctx, span := r.agent.startStepSpan(ctx, base)
	result, at := r.attempt(ctx, base, step)
	if !result.Success && r.agent.recovery != nil {
		result = r.recover(ctx, base, result, at)
	}
	r.agent.endStepSpan(span, result)
	return result
}

// recover 将失败的步骤交给恢复引擎。重试与替代流程从失败的轮次继续，此前已提交交易的轮次不会重放。
func (r *run) recover(ctx context.Context, base, failed StepResult, at turnState) StepResult {
	last, pending := failed, at
	report := r.agent.recovery.Recover(ctx, recovery.Failure{
		Step:     base.Step,
		Tool:     failed.Tool,
		Critical: base.Critical,
		Err:      failed.err,
		Retry: func(ctx context.Context) error {
			last, pending = r.converse(ctx, pending)
			return last.err
		},
		Alternative: func(ctx context.Context, hint string) error {
			alt := pending
			alt.prompt += "\n\n" + hint
			alt.req.Prompt += "\n\n" + hint
			last, pending = r.converse(ctx, alt)
			return last.err
		},
	})
	if !report.Recovered && last.Success {
		// 人工跳过等情形下步骤并未真正完成。
		last = failed
	}
	if !report.Recovered && report.Err != nil && !errors.Is(report.Err, failed.err) {
		last.err = report.Err
		last.Error = report.Err.Error()
		last.Category = apperrors.Classify(report.Err)
	}
	last.Recovery = &RecoveryInfo{
		Outcome:   report.Outcome.String(),
		Recovered: report.Recovered,
		Strategy:  report.Strategy,
		Attempts:  report.Attempts,
		outcome:   report.Outcome,
	}
	r.event(ctx, StageErrorEvaluated, base.Step, fmt.Sprintf("recovery finished: %s", report.Outcome), nil)
	return last
}

// turnState 是对话循环在某一轮开始前的位置。
type turnState struct {
	res    StepResult
	req    llm.Request
	prompt string
	turn   int
}

// attempt 准备上下文后从第一轮开始执行对话循环。
func (r *run) attempt(ctx context.Context, base StepResult, step benchmark.FlowStep) (StepResult, turnState) {
	start := turnState{res: base, prompt: step.Prompt, turn: 1}
	contextYAML, err := resolver.ExportYAML(r.snap)
	if err != nil {
		res := base
		fail(&res, apperrors.Wrap(apperrors.CodeExecutorFailure, err, "export context"))
		return res, start
	}
	r.event(ctx, StageContextPrepared, base.Step, fmt.Sprintf("context exported (%d bytes)", len(contextYAML)), nil)

	start.req = llm.Request{
		Prompt:    step.Prompt,
		Context:   string(contextYAML),
		Step:      base.Step,
		Knowledge: r.knowledgeFor(step.Prompt, step),
	}
	r.event(ctx, StagePromptRefined, base.Step, fmt.Sprintf("prompt refined with %d hints", len(start.req.Knowledge)), nil)
	return r.converse(ctx, start)
}

func fail(res *StepResult, err error) {
	res.Success = false
	res.err = err
	res.Error = err.Error()
	res.Category = apperrors.Classify(err)
}

// converse 从 st 所在的轮次执行模型与工具的对话循环，返回结果以及最后一轮开始前的位置。
// 深度由快照是否已有上下文决定，完成信号会无条件终止循环。
func (r *run) converse(ctx context.Context, st turnState) (StepResult, turnState) {
	a := r.agent
	res, req, prompt := st.res, st.req, st.prompt
	at := st
	start := a.now()
	finish := func(err error) (StepResult, turnState) {
		res.Elapsed = a.now().Sub(start)
		if err != nil {
			fail(&res, err)
			return res, at
		}
		res.Success = true
		return res, at
	}

	depth := a.depthFor(r.snap)
	for turn := st.turn; turn <= depth; turn++ {
		res.Turns = turn
		res.Calls = slices.Clip(res.Calls)
		res.Signatures = slices.Clip(res.Signatures)
		req.History = slices.Clip(req.History)
		at = turnState{res: res, req: req, prompt: prompt, turn: turn}
		reply, err := r.generate(ctx, req)
		if err != nil {
			return finish(err)
		}
		res.Reply = reply
		if parser.DetectCompletion(reply) {
			res.Completed = true
			r.event(ctx, StagePlanParsed, res.Step, "completion signal received", nil)
			break
		}

		parsed := a.parser.Parse(reply)
		r.event(ctx, StagePlanParsed, res.Step,
			fmt.Sprintf("reply parsed at stage %s with %d instructions", parsed.Stage, len(parsed.Instructions)), nil)

		out, direct, acted, err := r.act(ctx, res.Step, parsed)
		if out != nil {
			res.Calls = append(res.Calls, out)
			res.Tool = string(out.Tool)
			res.Output = out.Output
		}
		if err != nil {
			return finish(err)
		}
		if !acted {
			break
		}
		res.Signatures = append(res.Signatures, out.Signatures...)
		r.event(ctx, StageTransactionRecorded, res.Step, fmt.Sprintf("%s recorded %d instructions", out.Tool, len(out.Instructions)), nil)
		if len(out.Signatures) > 0 {
			r.event(ctx, StageTransactionSubmitted, res.Step, fmt.Sprintf("submitted %s", strings.Join(out.Signatures, ",")), nil)
		}
		if direct {
			break
		}
		req.History = append(req.History, llm.Turn{Prompt: req.Prompt, Reply: reply})
		req.Prompt = followUp(prompt, out)
	}

	if len(res.Calls) == 0 && !res.Completed {
		return finish(apperrors.New(CodeNoAction, fmt.Sprintf("step %d: model reply contained no tool call or instructions", res.Step)))
	}
	return finish(nil)
}

// act 执行解析出的工具调用或直接指令。acted 为 false 表示回复中没有可执行内容。
func (r *run) act(ctx context.Context, step int, parsed parser.Result) (out *tools.Result, direct, acted bool, err error) {
	a := r.agent
	if call, ok := parser.ExtractToolCall(parsed.Document); ok {
		r.event(ctx, StageToolExecutionPrepared, step, fmt.Sprintf("tool call %s selected", call.Name), nil)
		typed, err := tools.ParseCall(call.Name, call.Parameters)
		if err != nil {
			return nil, false, false, err
		}
		r.event(ctx, StageToolCallRequested, step, fmt.Sprintf("calling %s", typed.Operation()), nil)
		tctx, span := a.startToolSpan(ctx, string(typed.Operation()))
		out, err = a.executor.Execute(tctx, typed, r.snap)
		a.endToolSpan(span, len(out.Signatures), err)
		r.event(ctx, StageToolExecuted, step, fmt.Sprintf("%s executed", typed.Operation()), err)
		return out, false, err == nil, err
	}

	if len(parsed.Instructions) == 0 {
		r.event(ctx, StageToolExecutionPrepared, step, "reply carries no tool call or instructions", nil)
		return nil, false, false, nil
	}
	r.event(ctx, StageToolExecutionPrepared, step, fmt.Sprintf("%d direct instructions", len(parsed.Instructions)), nil)
	instructions := make([]chain.Instruction, len(parsed.Instructions))
	for i, ix := range parsed.Instructions {
		instructions[i] = r.snap.Substitute(ix)
	}
	tctx, span := a.startToolSpan(ctx, string(tools.OpDirect))
	out, err = a.executor.SubmitInstructions(tctx, instructions, r.snap)
	a.endToolSpan(span, len(out.Signatures), err)
	r.event(ctx, StageToolExecuted, step, "direct instructions executed", err)
	return out, true, err == nil, err
}

// generate 调用大模型，超时与其他失败分别归类。
func (r *run) generate(ctx context.Context, req llm.Request) (string, error) {
	a := r.agent
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(llmCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.Wrap(apperrors.CodeTimeout, err, "model generation timeout")
		}
		return "", apperrors.Wrap(apperrors.CodeExecutorFailure, err, "model generation failed")
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text, nil
}

// collect 把步骤结果写入快照，并由结果解释器与链上刷新更新账户状态。
func (r *run) collect(ctx context.Context, index int, result StepResult) {
	entry := resolver.StepEntry{Step: index, Tool: result.Tool, Success: result.Success, Output: result.Output}
	if err := r.agent.resolver.UpdateContextAfterStep(ctx, r.snap, entry); err != nil {
		r.event(ctx, StageResultsCollected, result.Step, "update context after step", err)
		return
	}
	r.event(ctx, StageResultsCollected, result.Step, fmt.Sprintf("step %d recorded (success=%t)", result.Step, result.Success), nil)
}

func (r *run) knowledgeFor(prompt string, step benchmark.FlowStep) []llm.KnowledgeCard {
	if r.agent.knowledge == nil {
		return nil
	}
	operation := ""
	if len(step.ExpectedToolCalls) > 0 {
		if op, ok := tools.Lookup(step.ExpectedToolCalls[0].ToolName); ok {
			operation = string(op)
		}
	}
	return knowledge.Cards(r.agent.knowledge.Query(prompt, operation))
}

// followUp 把上一次工具调用的结果交还给模型。
func followUp(prompt string, out *tools.Result) string {
	payload := out.Output
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return fmt.Sprintf("%s\n\nTool %s returned:\n%s\nIf the request is fully handled reply with {\"status\":\"ready\",\"action\":\"transaction_complete\"}.", prompt, out.Tool, payload)
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/llm"
	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/tools"

	"github.com/ethereum/go-ethereum/common"
)

const complete = `{"status":"ready","action":"transaction_complete"}`

type fakeSubmitter struct {
	mu       sync.Mutex
	values   []string
	failures map[string][]error
}

func (f *fakeSubmitter) Submit(_ context.Context, ixs []chain.Instruction, _ common.Address, _ chain.Signer) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sigs := make([]string, 0, len(ixs))
	for _, ix := range ixs {
		f.values = append(f.values, ix.Value)
		if queue := f.failures[ix.Value]; len(queue) > 0 {
			f.failures[ix.Value] = queue[1:]
			if queue[0] != nil {
				return nil, queue[0]
			}
		}
		sigs = append(sigs, common.BigToHash(big.NewInt(int64(len(f.values)))).Hex())
	}
	return sigs, nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.values...)
}

// transferModel 对 "send N wei" 形式的提示返回原生转账调用，看到工具结果后发出完成信号。
func transferModel(prompts *[]string) llm.Client {
	var mu sync.Mutex
	return llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		mu.Lock()
		*prompts = append(*prompts, req.Prompt)
		mu.Unlock()
		if strings.Contains(req.Prompt, "returned:") {
			return &llm.Response{Text: complete}, nil
		}
		var amount string
		if _, err := fmt.Sscanf(req.Prompt, "send %s wei", &amount); err != nil {
			return &llm.Response{Text: "I am not sure what to do."}, nil
		}
		return &llm.Response{Text: fmt.Sprintf(`{"tool_call":{"tool_name":"native_transfer","parameters":{"to":"RECIPIENT_WALLET_PUBKEY","amount":"%s"}}}`, amount)}, nil
	})
}

func newTestAgent(client llm.Client, sub *fakeSubmitter, opts ...Option) *Agent {
	keys := chain.NewKeyring()
	res := resolver.New(nil, keys)
	exec := tools.NewExecutor(nil, sub, keys)
	return New(client, res, exec, opts...)
}

func initialState() []benchmark.InitialAccount {
	oneEther, _ := chain.ParseAmount("1000000000000000000")
	return []benchmark.InitialAccount{
		{Pubkey: resolver.PrimaryWallet, Balance: oneEther},
		{Pubkey: "RECIPIENT_WALLET_PUBKEY"},
	}
}

func threeStepFlow(secondCritical bool) benchmark.TestCase {
	yes := true
	second := secondCritical
	return benchmark.TestCase{
		ID:           "flow-transfers",
		InitialState: initialState(),
		Flow: []benchmark.FlowStep{
			{Step: 1, Prompt: "send 100 wei", Critical: &yes},
			{Step: 2, Prompt: "send 200 wei", Critical: &second},
			{Step: 3, Prompt: "send 300 wei", Critical: &yes},
		},
	}
}

func TestCriticalStepFailureStopsFlow(t *testing.T) {
	var prompts []string
	sub := &fakeSubmitter{failures: map[string][]error{"200": {errors.New("insufficient funds for transfer")}}}
	ag := newTestAgent(transferModel(&prompts), sub)

	exec, err := ag.RunFlow(context.Background(), threeStepFlow(true))
	if err != nil {
		t.Fatalf("step failures must not surface as fatal errors: %v", err)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("expected exactly 2 step results, got %d", len(exec.Steps))
	}
	if !exec.Steps[0].Success || exec.Steps[1].Success {
		t.Fatalf("unexpected step outcomes: %+v", exec.Steps)
	}
	if !exec.Aborted || exec.Category != apperrors.CategoryInsufficientFunds {
		t.Fatalf("expected aborted flow classified as insufficient funds, got aborted=%t category=%s", exec.Aborted, exec.Category)
	}
	for _, p := range prompts {
		if strings.HasPrefix(p, "send 300") {
			t.Fatalf("step 3 must never reach the model")
		}
	}
	if got := sub.submitted(); len(got) != 2 || got[1] != "200" {
		t.Fatalf("unexpected submissions %v", got)
	}
	if len(exec.Snapshot.StepResults) != 2 {
		t.Fatalf("both executed steps must be recorded in the snapshot")
	}
	if !strings.Contains(exec.Summary, "- Total Steps: 2") || !strings.Contains(exec.Summary, "- Failed Steps: 1") {
		t.Fatalf("unexpected summary:\n%s", exec.Summary)
	}
}

func TestNonCriticalFailureContinues(t *testing.T) {
	var prompts []string
	sub := &fakeSubmitter{failures: map[string][]error{"200": {errors.New("insufficient funds for transfer")}}}
	ag := newTestAgent(transferModel(&prompts), sub)

	exec, err := ag.RunFlow(context.Background(), threeStepFlow(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Steps) != 3 || exec.Aborted {
		t.Fatalf("expected all 3 steps, got %d (aborted=%t)", len(exec.Steps), exec.Aborted)
	}
	if exec.Steps[1].Success || !exec.Steps[2].Success {
		t.Fatalf("step 2 should fail and step 3 succeed: %+v", exec.Steps)
	}
	if exec.Succeeded() {
		t.Fatalf("execution with a failed step is not a success")
	}
	if got := sub.submitted(); got[len(got)-1] != "300" {
		t.Fatalf("step 3 did not execute: %v", got)
	}
}

func TestToolLoopEndsOnCompletion(t *testing.T) {
	var prompts []string
	sub := &fakeSubmitter{}
	ag := newTestAgent(transferModel(&prompts), sub)

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "single", InitialState: initialState(), Prompt: "send 7 wei"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step := exec.Steps[0]
	if !step.Success || !step.Completed || step.Turns != 2 || len(step.Signatures) != 1 {
		t.Fatalf("unexpected step %+v", step)
	}
	if len(prompts) != 2 || !strings.Contains(prompts[1], "Tool native_transfer returned:") {
		t.Fatalf("tool result was not fed back: %q", prompts)
	}
	if exec.Entry.TotalUSD != 150 {
		t.Fatalf("entry value should price one ether at 150, got %.2f", exec.Entry.TotalUSD)
	}
}

func TestDepthFollowsContext(t *testing.T) {
	call := `{"tool_name":"native_transfer","parameters":{"to":"RECIPIENT_WALLET_PUBKEY","amount":"1"}}`
	endless := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: call}, nil
	})

	sub := &fakeSubmitter{}
	ag := newTestAgent(endless, sub, WithDepth(2, 4))
	exec, _ := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "ctx", InitialState: initialState(), Prompt: "pay"})
	if exec.Steps[0].Turns != 2 || len(sub.submitted()) != 2 {
		t.Fatalf("context depth not applied: turns=%d", exec.Steps[0].Turns)
	}

	keys := chain.NewKeyring()
	owner, _ := keys.Generate(resolver.PrimaryWallet)
	sub = &fakeSubmitter{}
	ag = New(endless, resolver.New(nil, keys), tools.NewExecutor(nil, sub, keys), WithDepth(2, 4))
	exec, err := ag.Execute(context.Background(), Request{
		Case:   benchmark.TestCase{ID: "discovery", Prompt: "pay"},
		KeyMap: map[string]string{resolver.PrimaryWallet: owner.Hex(), "RECIPIENT_WALLET_PUBKEY": "0x00000000000000000000000000000000000000B2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Steps[0].Turns != 4 || !exec.Steps[0].Success {
		t.Fatalf("discovery depth not applied: %+v", exec.Steps[0])
	}
}

func TestDirectInstructionsAreSubstituted(t *testing.T) {
	reply := "Here you go:\n```json\n" + `{"transactions":[{"program_id":"RECIPIENT_WALLET_PUBKEY","accounts":[{"pubkey":"USER_WALLET_PUBKEY","is_signer":true,"is_writable":true}],"data":"0x","value":"5"}]}` + "\n```"
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: reply}, nil
	})
	sub := &fakeSubmitter{}
	ag := newTestAgent(client, sub)

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "direct", InitialState: initialState(), Prompt: "send 5 wei"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step := exec.Steps[0]
	if !step.Success || step.Tool != string(tools.OpDirect) || step.Turns != 1 {
		t.Fatalf("unexpected step %+v", step)
	}
	target := step.Calls[0].Instructions[0].ProgramID
	if target != exec.Snapshot.KeyMap["RECIPIENT_WALLET_PUBKEY"] {
		t.Fatalf("placeholder not substituted: %s", target)
	}
}

func TestReplyWithoutActionFailsStep(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "I cannot help with that."}, nil
	})
	ag := newTestAgent(client, &fakeSubmitter{})

	exec, _ := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "prose", InitialState: initialState(), Prompt: "do something"})
	if exec.Steps[0].Success || apperrors.CodeOf(exec.Steps[0].Err()) != CodeNoAction {
		t.Fatalf("expected no-action failure, got %+v", exec.Steps[0])
	}
}

func TestMissingPrimaryWalletIsFatal(t *testing.T) {
	var prompts []string
	ag := newTestAgent(transferModel(&prompts), &fakeSubmitter{})

	tc := benchmark.TestCase{ID: "no-wallet", InitialState: []benchmark.InitialAccount{{Pubkey: "OTHER_WALLET"}}, Prompt: "send 1 wei"}
	exec, err := ag.RunFlow(context.Background(), tc)
	if apperrors.CodeOf(err) != apperrors.CodeUserInput {
		t.Fatalf("expected user input error, got %v", err)
	}
	if exec == nil || len(exec.Steps) != 0 || len(prompts) != 0 {
		t.Fatalf("no step may run without a valid context")
	}
	last := exec.Events[len(exec.Events)-1]
	if last.Stage != StageExitStateRecorded || exec.Summary == "" {
		t.Fatalf("exit state and summary must be recorded on failure, last stage %s", last.Stage)
	}
	if !strings.Contains(exec.Summary, "- Error: ") || !strings.Contains(exec.Summary, resolver.PrimaryWallet) {
		t.Fatalf("summary must name the fatal error:\n%s", exec.Summary)
	}
}

func TestStagesRunInOrder(t *testing.T) {
	var prompts []string
	ag := newTestAgent(transferModel(&prompts), &fakeSubmitter{})

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "stages", InitialState: initialState(), Prompt: "send 3 wei"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[Stage]int{}
	for i, ev := range exec.Events {
		if _, ok := seen[ev.Stage]; !ok {
			seen[ev.Stage] = i
		}
	}
	prev := -1
	for s := StageInitialized; s <= StageExitStateRecorded; s++ {
		if s == StageNextContextBuilt {
			// 单步流程没有下一步。
			continue
		}
		idx, ok := seen[s]
		if !ok {
			t.Fatalf("stage %s never reported", s)
		}
		if idx < prev {
			t.Fatalf("stage %s first reported out of order", s)
		}
		prev = idx
	}
	if !exec.Events[len(exec.Events)-1].Stage.Terminal() {
		t.Fatalf("last event must be the exit state")
	}
}

func TestRecoveryRetriesFailedStep(t *testing.T) {
	var prompts []string
	sub := &fakeSubmitter{failures: map[string][]error{"9": {errors.New("network error: connection reset")}}}
	clock := time.Unix(1_700_000_000, 0)
	engine := recovery.NewEngine(recovery.DefaultPolicy(), recovery.WithClock(
		func() time.Time { return clock },
		func(context.Context, time.Duration) error { return nil },
	))
	ag := newTestAgent(transferModel(&prompts), sub, WithRecovery(engine))

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "retry", InitialState: initialState(), Prompt: "send 9 wei"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step := exec.Steps[0]
	if !step.Success || step.Recovery == nil || !step.Recovery.Recovered || step.Recovery.Strategy != "retry" {
		t.Fatalf("expected recovered step, got %+v (recovery %+v)", step, step.Recovery)
	}
	if got := sub.submitted(); len(got) != 2 {
		t.Fatalf("expected one failed and one retried submission, got %v", got)
	}
}

func TestRecoveryTimeoutStopsNonCriticalStep(t *testing.T) {
	var prompts []string
	netErr := errors.New("network error: connection reset")
	sub := &fakeSubmitter{failures: map[string][]error{"200": {netErr, netErr, netErr}}}
	clock := time.Unix(1_700_000_000, 0)
	policy := recovery.DefaultPolicy()
	policy.MaxRecoveryTime = 2500 * time.Millisecond
	engine := recovery.NewEngine(policy, recovery.WithClock(
		func() time.Time { return clock },
		func(_ context.Context, d time.Duration) error { clock = clock.Add(d); return nil },
	))
	ag := newTestAgent(transferModel(&prompts), sub, WithRecovery(engine))

	exec, err := ag.RunFlow(context.Background(), threeStepFlow(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Steps) != 2 || !exec.Aborted {
		t.Fatalf("recovery timeout must stop the flow, got %d steps (aborted=%t)", len(exec.Steps), exec.Aborted)
	}
	if rec := exec.Steps[1].Recovery; rec == nil || rec.Outcome != recovery.AbortTimeout.String() {
		t.Fatalf("expected timed out recovery, got %+v", rec)
	}
	for _, v := range sub.submitted() {
		if v == "300" {
			t.Fatalf("step 3 must not run after a recovery timeout")
		}
	}
}

func TestRetryResumesFromFailedTurn(t *testing.T) {
	// 第一轮转账成功，第二轮转账失败；重试只应重放第二轮。
	model := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		switch len(req.History) {
		case 0:
			return &llm.Response{Text: `{"tool_call":{"tool_name":"native_transfer","parameters":{"to":"RECIPIENT_WALLET_PUBKEY","amount":"5"}}}`}, nil
		case 1:
			return &llm.Response{Text: `{"tool_call":{"tool_name":"native_transfer","parameters":{"to":"RECIPIENT_WALLET_PUBKEY","amount":"6"}}}`}, nil
		}
		return &llm.Response{Text: complete}, nil
	})
	sub := &fakeSubmitter{failures: map[string][]error{"6": {errors.New("network error: connection reset")}}}
	clock := time.Unix(1_700_000_000, 0)
	engine := recovery.NewEngine(recovery.DefaultPolicy(), recovery.WithClock(
		func() time.Time { return clock },
		func(context.Context, time.Duration) error { return nil },
	))
	ag := newTestAgent(model, sub, WithRecovery(engine), WithDepth(5, 5))

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "resume", InitialState: initialState(), Prompt: "pay twice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step := exec.Steps[0]
	if !step.Success || step.Recovery == nil || !step.Recovery.Recovered {
		t.Fatalf("expected recovered step, got %+v", step)
	}
	if got := sub.submitted(); strings.Join(got, ",") != "5,6,6" {
		t.Fatalf("first transfer must not be resubmitted, got %v", got)
	}
	if len(step.Signatures) != 2 || len(step.Calls) != 2 || !step.Completed {
		t.Fatalf("resumed step should keep earlier turns: %+v", step)
	}
}

func TestWalletStatesFollowAgentClock(t *testing.T) {
	var prompts []string
	fixed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	ag := newTestAgent(transferModel(&prompts), &fakeSubmitter{}, WithClock(func() time.Time { return fixed }))

	exec, err := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "clock", InitialState: initialState(), Prompt: "send 2 wei"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exec.Entry.CapturedAt.Equal(fixed) || !exec.Exit.CapturedAt.Equal(fixed) {
		t.Fatalf("wallet states must use the agent clock, got entry %v exit %v", exec.Entry.CapturedAt, exec.Exit.CapturedAt)
	}
}

func TestLLMTimeout(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		select {
		case <-time.After(time.Second):
			return &llm.Response{Text: complete}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ag := newTestAgent(slow, &fakeSubmitter{}, WithLLMTimeout(10*time.Millisecond))

	exec, _ := ag.RunFlow(context.Background(), benchmark.TestCase{ID: "slow", InitialState: initialState(), Prompt: "send 1 wei"})
	step := exec.Steps[0]
	if step.Success || !errors.Is(step.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", step.Err())
	}
	if step.Category != apperrors.CategoryNetwork {
		t.Fatalf("timeouts classify as network failures, got %s", step.Category)
	}
}

package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentFlow-Chain/internal/agent"
	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/task"
	"AgentFlow-Chain/pkg/logger"
)

func amount(t *testing.T, s string) chain.Amount {
	t.Helper()
	a, err := chain.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func snapshotWith(balance chain.Amount) *resolver.Snapshot {
	snap := resolver.NewSnapshot()
	snap.KeyMap[resolver.PrimaryWallet] = "0x00000000000000000000000000000000000000aa"
	snap.AccountStates[resolver.PrimaryWallet] = resolver.AccountState{Balance: balance, Exists: true}
	return snap
}

// stubOrchestrator 返回预设的执行结果，并记录收到的请求。
type stubOrchestrator struct {
	requests []agent.Request
	build    func(req agent.Request) (*agent.Execution, error)
}

func (s *stubOrchestrator) Execute(_ context.Context, req agent.Request) (*agent.Execution, error) {
	s.requests = append(s.requests, req)
	return s.build(req)
}

func transferCase(t *testing.T, expected string, status string) benchmark.TestCase {
	exp := amount(t, expected)
	return benchmark.TestCase{
		ID:     "transfer-001",
		Prompt: "send 100 wei to the recipient",
		InitialState: []benchmark.InitialAccount{
			{Pubkey: resolver.PrimaryWallet, Balance: amount(t, "1000")},
		},
		GroundTruth: benchmark.GroundTruth{
			TransactionStatus: status,
			FinalStateAssertions: []benchmark.Assertion{
				{Type: benchmark.AssertNativeBalance, Pubkey: resolver.PrimaryWallet, Expected: &exp},
				{Type: benchmark.AssertExpression, Condition: "after.USER_WALLET_PUBKEY.native < before.USER_WALLET_PUBKEY.native"},
			},
		},
	}
}

func successfulExecution(t *testing.T) func(agent.Request) (*agent.Execution, error) {
	return func(req agent.Request) (*agent.Execution, error) {
		return &agent.Execution{
			ID:          req.ID,
			BenchmarkID: req.Case.ID,
			Steps:       []agent.StepResult{{Step: 1, Success: true, Signatures: []string{"0x01"}}},
			Summary:     "Execution Summary:\n- Total Steps: 1",
			Events:      []agent.Event{{Stage: agent.StageInitialized, Message: "initialized"}},
			Initial:     snapshotWith(amount(t, "1000")),
			Snapshot:    snapshotWith(amount(t, "900")),
		}, nil
	}
}

func newRunner(t *testing.T, orch Orchestrator, cases ...benchmark.TestCase) *Runner {
	t.Helper()
	catalog, err := benchmark.NewCatalog(cases...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return New(catalog, orch, WithLogger(logger.Discard()))
}

func TestExecuteScoresAssertions(t *testing.T) {
	orch := &stubOrchestrator{build: successfulExecution(t)}
	r := newRunner(t, orch, transferCase(t, "900", ""))

	run := &task.Task{ID: "run-1", BenchmarkID: "transfer-001", KeyMap: map[string]string{"X": "0x01"}}
	result, err := r.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Score != 1 || result.AssertionsPassed != 2 || result.ExecutionID != "run-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Signatures) != 1 || result.StepsTotal != 1 || result.StepsFailed != 0 {
		t.Fatalf("unexpected step data: %+v", result)
	}
	if got := orch.requests[0]; got.ID != "run-1" || got.KeyMap["X"] != "0x01" || got.Case.ID != "transfer-001" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestExecuteReportsFailedAssertions(t *testing.T) {
	orch := &stubOrchestrator{build: successfulExecution(t)}
	r := newRunner(t, orch, transferCase(t, "500", ""))

	result, err := r.Execute(context.Background(), &task.Task{ID: "run-2", BenchmarkID: "transfer-001"})
	if apperrors.CodeOf(err) != CodeAssertionFailed {
		t.Fatalf("expected assertion failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 assertions failed") {
		t.Fatalf("unexpected message: %v", err)
	}
	if result == nil || result.Success || result.Score != 0 || result.AssertionsFailed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteClassifiesFailedFlow(t *testing.T) {
	orch := &stubOrchestrator{build: func(req agent.Request) (*agent.Execution, error) {
		return &agent.Execution{
			ID:       req.ID,
			Steps:    []agent.StepResult{{Step: 1, Success: false, Critical: true, Error: "network error: connection refused"}},
			Aborted:  true,
			Category: apperrors.CategoryNetwork,
			Error:    "network error: connection refused",
			Initial:  snapshotWith(amount(t, "1000")),
			Snapshot: snapshotWith(amount(t, "1000")),
		}, nil
	}}
	r := newRunner(t, orch, transferCase(t, "900", ""))

	result, err := r.Execute(context.Background(), &task.Task{ID: "run-3", BenchmarkID: "transfer-001"})
	if apperrors.CodeOf(err) != apperrors.CodeNetwork || !apperrors.RetryableError(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
	if result.Category != string(apperrors.CategoryNetwork) || !result.Aborted || result.StepsFailed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExpectedFailureCountsAsPass(t *testing.T) {
	orch := &stubOrchestrator{build: func(req agent.Request) (*agent.Execution, error) {
		return &agent.Execution{
			ID:       req.ID,
			Steps:    []agent.StepResult{{Step: 1, Success: false, Error: "insufficient funds"}},
			Category: apperrors.CategoryInsufficientFunds,
			Initial:  snapshotWith(amount(t, "1000")),
			Snapshot: snapshotWith(amount(t, "1000")),
		}, nil
	}}
	tc := transferCase(t, "1000", "Failure")
	tc.GroundTruth.FinalStateAssertions = tc.GroundTruth.FinalStateAssertions[:1]
	r := newRunner(t, orch, tc)

	result, err := r.Execute(context.Background(), &task.Task{ID: "run-4", BenchmarkID: "transfer-001"})
	if err != nil {
		t.Fatalf("expected pass for expected failure, got %v", err)
	}
	if !result.Success || result.Score != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	unexpected := newRunner(t, &stubOrchestrator{build: successfulExecution(t)}, transferCase(t, "900", "Failure"))
	if _, err := unexpected.Execute(context.Background(), &task.Task{ID: "run-5", BenchmarkID: "transfer-001"}); apperrors.CodeOf(err) != CodeUnexpectedOutcome {
		t.Fatalf("expected unexpected outcome, got %v", err)
	}
}

func TestFatalExecutionErrorPropagates(t *testing.T) {
	fatal := apperrors.New(apperrors.CodeFatal, "primary wallet placeholder USER_WALLET_PUBKEY is missing")
	orch := &stubOrchestrator{build: func(req agent.Request) (*agent.Execution, error) {
		return &agent.Execution{ID: req.ID, Err: fatal, Error: fatal.Error()}, fatal
	}}
	r := newRunner(t, orch, transferCase(t, "900", ""))

	result, err := r.Execute(context.Background(), &task.Task{ID: "run-6", BenchmarkID: "transfer-001"})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if result == nil || result.Success || result.AssertionsPassed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCaseSelection(t *testing.T) {
	orch := &stubOrchestrator{build: successfulExecution(t)}
	r := newRunner(t, orch, transferCase(t, "900", ""))

	if err := r.Validate(task.Request{BenchmarkID: "missing"}); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.Validate(task.Request{}); apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	if _, err := r.Execute(context.Background(), &task.Task{ID: "adhoc-1", Prompt: "check my balance"}); err != nil {
		t.Fatalf("ad hoc run: %v", err)
	}
	adhoc := orch.requests[len(orch.requests)-1].Case
	if adhoc.Prompt != "check my balance" || len(adhoc.InitialState) != 1 || adhoc.InitialState[0].Pubkey != resolver.PrimaryWallet {
		t.Fatalf("unexpected ad hoc case: %+v", adhoc)
	}

	if _, err := r.Execute(context.Background(), &task.Task{ID: "override", BenchmarkID: "transfer-001", Prompt: "send 5 wei"}); err != nil {
		t.Fatalf("override run: %v", err)
	}
	if got := orch.requests[len(orch.requests)-1].Case.Prompt; got != "send 5 wei" {
		t.Fatalf("prompt override not applied: %q", got)
	}
}

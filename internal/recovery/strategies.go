package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Session 是单次恢复过程的共享状态。
type Session struct {
	Failure Failure
	Policy  Policy

	deadline time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Expired 判断是否已超过恢复时间预算。
func (s *Session) Expired() bool {
	return s.now().After(s.deadline)
}

// Wait 等待 d，但不会越过截止时间；越过时返回 ErrDeadlineExceeded。
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if remaining := s.deadline.Sub(s.now()); d > remaining {
		if remaining > 0 {
			_ = s.sleep(ctx, remaining)
		}
		return ErrDeadlineExceeded
	}
	if err := s.sleep(ctx, d); err != nil {
		return err
	}
	if s.Expired() {
		return ErrDeadlineExceeded
	}
	return nil
}

// Result 是单个策略的执行结果。
type Result struct {
	Recovered bool
	Attempts  int
	LastErr   error
	// Abort 表示人工要求终止整个流程。
	Abort bool
}

// Strategy 是一种恢复手段。
type Strategy interface {
	Name() string
	Applicable(s *Session) bool
	Recover(ctx context.Context, s *Session) (Result, error)
}

// RetryStrategy 按指数退避重新执行原步骤。
type RetryStrategy struct{}

func (*RetryStrategy) Name() string { return "retry" }

func (*RetryStrategy) Applicable(s *Session) bool {
	return s.Failure.Retry != nil && s.Policy.RetryAttempts > 0 && ShouldRetry(s.Failure.Err)
}

func (*RetryStrategy) Recover(ctx context.Context, s *Session) (Result, error) {
	var result Result
	lastErr := s.Failure.Err
	for attempt := 1; attempt <= s.Policy.RetryAttempts; attempt++ {
		if err := s.Wait(ctx, s.Policy.Backoff(attempt)); err != nil {
			result.LastErr = lastErr
			return result, err
		}
		result.Attempts++
		err := s.Failure.Retry(ctx)
		if err == nil {
			result.Recovered = true
			return result, nil
		}
		lastErr = err
		if !ShouldRetry(err) {
			break
		}
	}
	result.LastErr = lastErr
	return result, fmt.Errorf("all %d retry attempts failed: %w", result.Attempts, lastErr)
}

// AlternativeFlow 是由错误关键字触发的替代执行提示。
type AlternativeFlow struct {
	Name     string
	Triggers []string
	Prompt   string
}

// DefaultAlternativeFlows 返回内置的替代流程。
func DefaultAlternativeFlows() []AlternativeFlow {
	return []AlternativeFlow{
		{
			Name:     "reduced_amount",
			Triggers: []string{"insufficient liquidity", "slippage exceeded", "too large"},
			Prompt:   "The previous attempt failed because of insufficient liquidity. Reduce the amount by 50% and try again.",
		},
		{
			Name:     "network_recovery",
			Triggers: []string{"network error", "connection refused", "timeout", "rate limit"},
			Prompt:   "Network issues were detected. Rebuild the transaction with fresh fee and nonce values and retry the same operation.",
		},
	}
}

// AlternativeFlowStrategy 以替代提示重新规划失败的步骤。
type AlternativeFlowStrategy struct {
	Flows []AlternativeFlow
}

// NewAlternativeFlowStrategy 使用内置替代流程创建策略。
func NewAlternativeFlowStrategy() *AlternativeFlowStrategy {
	return &AlternativeFlowStrategy{Flows: DefaultAlternativeFlows()}
}

func (*AlternativeFlowStrategy) Name() string { return "alternative_flow" }

func (a *AlternativeFlowStrategy) Applicable(s *Session) bool {
	if !s.Policy.EnableAltFlows || s.Failure.Alternative == nil {
		return false
	}
	_, ok := a.match(s.Failure.Err)
	return ok
}

func (a *AlternativeFlowStrategy) match(err error) (AlternativeFlow, bool) {
	if err == nil {
		return AlternativeFlow{}, false
	}
	msg := strings.ToLower(err.Error())
	for _, flow := range a.Flows {
		for _, trigger := range flow.Triggers {
			if strings.Contains(msg, trigger) {
				return flow, true
			}
		}
	}
	return AlternativeFlow{}, false
}

func (a *AlternativeFlowStrategy) Recover(ctx context.Context, s *Session) (Result, error) {
	flow, ok := a.match(s.Failure.Err)
	if !ok {
		return Result{}, nil
	}
	if s.Expired() {
		return Result{}, ErrDeadlineExceeded
	}
	err := s.Failure.Alternative(ctx, flow.Prompt)
	if err != nil {
		return Result{Attempts: 1, LastErr: err}, fmt.Errorf("alternative flow %s: %w", flow.Name, err)
	}
	return Result{Recovered: true, Attempts: 1}, nil
}

// UserFulfillmentStrategy 把失败交给人工决定重试、跳过或终止。
type UserFulfillmentStrategy struct {
	Fulfiller Fulfiller
}

func (*UserFulfillmentStrategy) Name() string { return "user_fulfillment" }

func (u *UserFulfillmentStrategy) Applicable(s *Session) bool {
	return s.Policy.EnableUserFulfillment && u.Fulfiller != nil
}

func (u *UserFulfillmentStrategy) Recover(ctx context.Context, s *Session) (Result, error) {
	answer, err := u.Fulfiller.Ask(ctx, Questions(s.Failure))
	if err != nil {
		return Result{}, fmt.Errorf("ask user: %w", err)
	}
	switch ParseDecision(answer) {
	case DecisionRetry:
		if s.Failure.Retry == nil {
			return Result{}, nil
		}
		if err := s.Failure.Retry(ctx); err != nil {
			return Result{Attempts: 1, LastErr: err}, err
		}
		return Result{Recovered: true, Attempts: 1}, nil
	case DecisionAbort:
		return Result{Abort: true}, nil
	default:
		return Result{}, nil
	}
}

// Decision 是人工答复的解读结果。
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionRetry
	DecisionAbort
)

// ParseDecision 按关键字解读答复；无法识别时视为跳过。
func ParseDecision(answer string) Decision {
	lower := strings.ToLower(answer)
	switch {
	case strings.Contains(lower, "abort"), strings.Contains(lower, "cancel"):
		return DecisionAbort
	case strings.Contains(lower, "retry"), strings.Contains(lower, "yes"):
		return DecisionRetry
	default:
		return DecisionSkip
	}
}

// Questions 生成交给人工的问题列表。
func Questions(f Failure) []string {
	questions := []string{fmt.Sprintf("Step %d (%s) failed: %s. Would you like to retry this step?", f.Step, f.Tool, errString(f.Err))}
	tool := strings.ToLower(f.Tool)
	if strings.Contains(tool, "swap") {
		questions = append(questions, "Would you like to try a different route?", "Would you like to reduce the swap amount?")
	}
	if strings.Contains(tool, "lend") {
		questions = append(questions, "Would you like to reduce the lending amount?")
	}
	return append(questions, "Would you like to skip this step and continue?", "Would you like to abort the entire flow?")
}

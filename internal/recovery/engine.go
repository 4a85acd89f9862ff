// Package recovery 为多步流程中失败的步骤提供重试、替代流程与人工介入三种恢复手段。
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "AgentFlow-Chain/internal/errors"
)

// Outcome 是一次恢复结束后流程应采取的动作。
type Outcome int

const (
	// Continue 恢复成功，继续下一步。
	Continue Outcome = iota
	// ContinueNonCritical 恢复失败但步骤非关键，继续下一步。
	ContinueNonCritical
	// AbortCritical 关键步骤恢复失败，终止流程。
	AbortCritical
	// AbortNoMoreAttempts 没有任何可用的恢复手段。
	AbortNoMoreAttempts
	// AbortTimeout 超出恢复时间预算。
	AbortTimeout
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case ContinueNonCritical:
		return "continue_non_critical"
	case AbortCritical:
		return "abort_critical"
	case AbortNoMoreAttempts:
		return "abort_no_more_attempts"
	case AbortTimeout:
		return "abort_timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Aborts 判断该结果对给定关键性的步骤是否应终止流程。
func (o Outcome) Aborts(critical bool) bool {
	switch o {
	case AbortCritical, AbortTimeout:
		return true
	case AbortNoMoreAttempts:
		return critical
	default:
		return false
	}
}

// ErrDeadlineExceeded 表示恢复时间预算已耗尽。
var ErrDeadlineExceeded = apperrors.New(apperrors.CodeTimeout, "recovery deadline exceeded")

// Failure 描述一次失败的步骤以及重新执行它的方式。
type Failure struct {
	Step     int
	Tool     string
	Critical bool
	Err      error
	// Retry 以原始输入重新执行该步骤。
	Retry func(ctx context.Context) error
	// Alternative 以追加的提示重新执行该步骤，为 nil 时替代流程不可用。
	Alternative func(ctx context.Context, prompt string) error
}

// Report 汇总一次恢复过程。
type Report struct {
	Outcome   Outcome
	Recovered bool
	Strategy  string
	Attempts  int
	Err       error
	Elapsed   time.Duration
}

// Metrics 统计引擎生命周期内的恢复情况。
type Metrics struct {
	TotalAttempts int
	Recovered     int
	Failed        int
	ByStrategy    map[string]int
}

// Fulfiller 将问题交给人工并返回其答复。
type Fulfiller interface {
	Ask(ctx context.Context, questions []string) (string, error)
}

// Engine 按顺序尝试各项恢复策略。
type Engine struct {
	policy     Policy
	strategies []Strategy
	log        *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	metrics Metrics
}

// Option 定制恢复引擎。
type Option func(*Engine)

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithStrategies 替换默认策略列表。
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Engine) { e.strategies = strategies }
}

// WithFulfiller 提供人工介入通道，仅在策略开启人工介入时生效。
func WithFulfiller(f Fulfiller) Option {
	return func(e *Engine) {
		for i, s := range e.strategies {
			if _, ok := s.(*UserFulfillmentStrategy); ok {
				e.strategies[i] = &UserFulfillmentStrategy{Fulfiller: f}
			}
		}
	}
}

// WithClock 替换时钟与等待函数，便于测试。
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewEngine 创建恢复引擎，默认依次使用重试、替代流程与人工介入。
func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy: policy.normalized(),
		strategies: []Strategy{
			&RetryStrategy{},
			NewAlternativeFlowStrategy(),
			&UserFulfillmentStrategy{},
		},
		log:     slog.New(slog.DiscardHandler),
		now:     time.Now,
		sleep:   sleepContext,
		metrics: Metrics{ByStrategy: map[string]int{}},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy 返回引擎使用的策略参数。
func (e *Engine) Policy() Policy {
	return e.policy
}

// Recover 尝试恢复失败的步骤。每个策略开始前及每次重试前都会检查时间预算。
func (e *Engine) Recover(ctx context.Context, f Failure) Report {
	start := e.now()
	session := &Session{
		Failure:  f,
		Policy:   e.policy,
		deadline: start.Add(e.policy.MaxRecoveryTime),
		now:      e.now,
		sleep:    e.sleep,
	}
	log := e.log.With("step", f.Step, "tool", f.Tool, "critical", f.Critical)
	log.Info("starting recovery for failed step", "error", errString(f.Err))

	report := Report{Err: f.Err}
	attempted := false
	for _, strategy := range e.strategies {
		if !strategy.Applicable(session) {
			log.Debug("strategy not applicable", "strategy", strategy.Name())
			continue
		}
		if session.Expired() {
			report.Err = ErrDeadlineExceeded
			report.Outcome = AbortTimeout
			return e.finish(log, report, start)
		}

		attempted = true
		result, err := strategy.Recover(ctx, session)
		report.Attempts += result.Attempts
		e.record(strategy.Name(), result)
		if result.LastErr != nil {
			report.Err = result.LastErr
		}

		switch {
		case result.Recovered:
			report.Recovered, report.Strategy, report.Err = true, strategy.Name(), nil
			report.Outcome = Continue
			return e.finish(log, report, start)
		case err == ErrDeadlineExceeded || ctx.Err() != nil:
			report.Strategy = strategy.Name()
			report.Err = ErrDeadlineExceeded
			report.Outcome = AbortTimeout
			return e.finish(log, report, start)
		case result.Abort:
			report.Strategy = strategy.Name()
			report.Outcome = AbortCritical
			return e.finish(log, report, start)
		case err != nil:
			log.Warn("recovery strategy failed", "strategy", strategy.Name(), "error", err)
		}
	}

	switch {
	case !attempted:
		report.Outcome = AbortNoMoreAttempts
	case f.Critical:
		report.Outcome = AbortCritical
	default:
		report.Outcome = ContinueNonCritical
	}
	return e.finish(log, report, start)
}

func (e *Engine) finish(log *slog.Logger, report Report, start time.Time) Report {
	report.Elapsed = e.now().Sub(start)
	if report.Recovered {
		log.Info("recovery successful", "strategy", report.Strategy, "attempts", report.Attempts, "elapsed", report.Elapsed)
	} else {
		log.Warn("recovery failed", "outcome", report.Outcome.String(), "attempts", report.Attempts, "error", errString(report.Err))
	}
	return report
}

func (e *Engine) record(strategy string, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalAttempts += result.Attempts
	if result.Recovered {
		e.metrics.Recovered++
	} else {
		e.metrics.Failed++
	}
	e.metrics.ByStrategy[strategy]++
}

// Metrics 返回统计快照。
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.metrics
	out.ByStrategy = make(map[string]int, len(e.metrics.ByStrategy))
	for k, v := range e.metrics.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

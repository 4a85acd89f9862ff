package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "AgentFlow-Chain/internal/errors"
)

type fakeClock struct {
	t      time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.delays = append(c.delays, d)
	c.t = c.t.Add(d)
	return nil
}

type stubFulfiller struct {
	answer    string
	questions []string
}

func (s *stubFulfiller) Ask(_ context.Context, q []string) (string, error) {
	s.questions = q
	return s.answer, nil
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("insufficient funds for gas * price + value"), false},
		{errors.New("request timeout after 30s"), true},
		{errors.New("nonce too low"), true},
		{errors.New("timeout: permission denied"), false},
		{errors.New("something odd"), false},
		{apperrors.New(apperrors.CodeNetwork, "upstream closed"), true},
		{nil, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.err); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestRetryRecoversWithBackoff(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngine(DefaultPolicy(), WithClock(clock.now, clock.sleep))

	calls := 0
	report := engine.Recover(context.Background(), Failure{
		Step:     2,
		Tool:     "swap",
		Critical: true,
		Err:      errors.New("network error"),
		Retry: func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("service unavailable")
			}
			return nil
		},
	})
	if !report.Recovered || report.Outcome != Continue || report.Strategy != "retry" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Attempts != 2 || len(clock.delays) != 2 || clock.delays[1] != 2*time.Second {
		t.Fatalf("unexpected attempts %d delays %v", report.Attempts, clock.delays)
	}
	if m := engine.Metrics(); m.Recovered != 1 || m.ByStrategy["retry"] != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	clock := newFakeClock()
	policy := DefaultPolicy()
	policy.EnableAltFlows = false
	engine := NewEngine(policy, WithClock(clock.now, clock.sleep))

	retried := false
	failure := Failure{
		Step:  1,
		Err:   errors.New("insufficient funds"),
		Retry: func(context.Context) error { retried = true; return nil },
	}
	failure.Critical = true
	if report := engine.Recover(context.Background(), failure); report.Outcome != AbortNoMoreAttempts || retried {
		t.Fatalf("expected no attempts, got %+v retried=%v", report, retried)
	}
	if !AbortNoMoreAttempts.Aborts(true) || AbortNoMoreAttempts.Aborts(false) {
		t.Fatalf("no-more-attempts should abort only critical steps")
	}
}

func TestExhaustedRetriesFollowCriticality(t *testing.T) {
	for _, critical := range []bool{true, false} {
		clock := newFakeClock()
		policy := DefaultPolicy()
		policy.EnableAltFlows = false
		engine := NewEngine(policy, WithClock(clock.now, clock.sleep))

		report := engine.Recover(context.Background(), Failure{
			Critical: critical,
			Err:      errors.New("temporary failure"),
			Retry:    func(context.Context) error { return errors.New("temporary failure") },
		})
		want := ContinueNonCritical
		if critical {
			want = AbortCritical
		}
		if report.Outcome != want || report.Attempts != 3 {
			t.Fatalf("critical=%v: unexpected report %+v", critical, report)
		}
	}
}

func TestRecoveryTimeBudget(t *testing.T) {
	clock := newFakeClock()
	policy := DefaultPolicy()
	policy.MaxRecoveryTime = 2500 * time.Millisecond
	engine := NewEngine(policy, WithClock(clock.now, clock.sleep))

	report := engine.Recover(context.Background(), Failure{
		Err:   errors.New("rate limit"),
		Retry: func(context.Context) error { return errors.New("rate limit") },
	})
	if report.Outcome != AbortTimeout {
		t.Fatalf("expected timeout, got %+v", report)
	}
	if report.Attempts != 1 {
		t.Fatalf("only the first retry fits the budget, got %d", report.Attempts)
	}
}

func TestAlternativeFlowForLiquidity(t *testing.T) {
	clock := newFakeClock()
	policy := DefaultPolicy()
	policy.RetryAttempts = 1
	engine := NewEngine(policy, WithClock(clock.now, clock.sleep))

	var prompt string
	report := engine.Recover(context.Background(), Failure{
		Tool:  "swap",
		Err:   errors.New("execution reverted: insufficient liquidity"),
		Retry: func(context.Context) error { return errors.New("insufficient liquidity") },
		Alternative: func(_ context.Context, p string) error {
			prompt = p
			return nil
		},
	})
	if !report.Recovered || report.Strategy != "alternative_flow" {
		t.Fatalf("unexpected report %+v", report)
	}
	if !strings.Contains(prompt, "Reduce the amount") {
		t.Fatalf("unexpected alternative prompt %q", prompt)
	}
}

func TestUserFulfillment(t *testing.T) {
	policy := DefaultPolicy()
	policy.EnableAltFlows = false
	policy.EnableUserFulfillment = true
	policy.RetryAttempts = 0

	abort := &stubFulfiller{answer: "Abort please"}
	engine := NewEngine(policy, WithFulfiller(abort))
	report := engine.Recover(context.Background(), Failure{Tool: "lend_deposit", Err: errors.New("boom")})
	if report.Outcome != AbortCritical {
		t.Fatalf("expected abort, got %+v", report)
	}
	if len(abort.questions) != 4 {
		t.Fatalf("unexpected questions %v", abort.questions)
	}

	retry := &stubFulfiller{answer: "yes, retry"}
	engine = NewEngine(policy, WithFulfiller(retry))
	report = engine.Recover(context.Background(), Failure{
		Err:   errors.New("boom"),
		Retry: func(context.Context) error { return nil },
	})
	if !report.Recovered || report.Strategy != "user_fulfillment" {
		t.Fatalf("expected recovery by user, got %+v", report)
	}
}

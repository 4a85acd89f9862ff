package recovery

import (
	"math"
	"strings"
	"time"

	apperrors "AgentFlow-Chain/internal/errors"
)

// Policy 描述失败步骤的恢复参数，构造后只读，可在并发执行间共享。
type Policy struct {
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	Multiplier            float64
	MaxRecoveryTime       time.Duration
	RetryAttempts         int
	EnableAltFlows        bool
	EnableUserFulfillment bool
}

// DefaultPolicy 返回默认恢复策略：自动化场景下关闭人工介入。
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:       time.Second,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		MaxRecoveryTime: 30 * time.Second,
		RetryAttempts:   3,
		EnableAltFlows:  true,
	}
}

// normalized 用默认值补齐未设置的字段。
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxRecoveryTime <= 0 {
		p.MaxRecoveryTime = def.MaxRecoveryTime
	}
	if p.RetryAttempts < 0 {
		p.RetryAttempts = 0
	}
	return p
}

// Backoff 计算第 attempt 次重试前的等待时间（attempt 从 1 开始）。
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	p = p.normalized()
	ms := math.Round(float64(p.BaseDelay.Milliseconds()) * math.Pow(p.Multiplier, float64(attempt-1)))
	delay := time.Duration(ms) * time.Millisecond
	if delay > p.MaxDelay || delay < 0 {
		return p.MaxDelay
	}
	return delay
}

var permanentKeywords = []string{
	"insufficient funds",
	"invalid signature",
	"account not found",
	"invalid instruction",
	"custom program error",
	"permission denied",
	"authentication failed",
}

var transientKeywords = []string{
	"timeout",
	"network error",
	"connection refused",
	"rate limit",
	"temporary failure",
	"service unavailable",
	"slot skipped",
	"blockhash not found",
	"nonce too low",
	"replacement transaction underpriced",
}

// ShouldRetry 判断错误是否值得重试。永久性错误优先于瞬时错误，
// 两者都未命中时以错误自身的 Retryable 属性为准。
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range permanentKeywords {
		if strings.Contains(msg, kw) {
			return false
		}
	}
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return apperrors.RetryableError(err)
}

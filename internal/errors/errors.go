package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Code 是跨模块共享的错误码。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeChainFailure          Code = "CHAIN_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Error 携带错误码，属性在读取时从登记表解析。
type Error struct {
	code     Code
	message  string
	cause    error
	tweaks   []func(*Attributes)
	metadata map[string]string
}

func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	for _, tweak := range e.tweaks {
		tweak(&attr)
	}
	return attr
}

func tweak(fn func(*Attributes)) Option {
	return func(e *Error) { e.tweaks = append(e.tweaks, fn) }
}

// Option 在创建时修改单个错误的属性。
type Option func(*Error)

// WithMetadata 附加键值信息，例如步骤编号、工具名。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

func WithRetryable(retryable bool) Option {
	return tweak(func(a *Attributes) { a.Retryable = retryable })
}

func WithAlert(alert bool) Option {
	return tweak(func(a *Attributes) { a.Alert = alert })
}

func WithSeverity(sev Severity) Option {
	return tweak(func(a *Attributes) { a.Severity = sev })
}

// WithCategory 为单个错误指定失败分类，优先于错误码的默认分类。
func WithCategory(category Category) Option {
	return tweak(func(a *Attributes) { a.Category = category })
}

// New 创建错误，message 为空时取登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在 New 的基础上保留底层原因。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := "[" + string(e.code) + "] " + e.Message()
	if e.cause == nil {
		return text
	}
	return fmt.Sprintf("%s: %v", text, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 只比较错误码，message 与 cause 不参与。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 不含底层原因。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" {
		return e.attributes().Message
	}
	return e.message
}

func (e *Error) Metadata() map[string]string {
	if e == nil {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool   { return e != nil && e.attributes().Retryable }
func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// Category 返回显式分类，未指定时为空。
func (e *Error) Category() Category {
	if e == nil {
		return ""
	}
	return e.attributes().Category
}

// From 取出错误链中最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 对未包装的普通 error 返回 false。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

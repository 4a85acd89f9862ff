package task

import (
	stdErrors "errors"
	"maps"

	xerrors "AgentFlow-Chain/internal/errors"
)

// Status 表示一次运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次基准运行的结果摘要，失败的运行同样会带上它。
type ExecutionResult struct {
	ExecutionID      string   `json:"execution_id"`
	Summary          string   `json:"summary"`
	Success          bool     `json:"success"`
	Aborted          bool     `json:"aborted,omitempty"`
	Category         string   `json:"category,omitempty"`
	StepsTotal       int      `json:"steps_total"`
	StepsFailed      int      `json:"steps_failed"`
	EntryValueUSD    float64  `json:"entry_value_usd"`
	ExitValueUSD     float64  `json:"exit_value_usd"`
	Score            float64  `json:"score"`
	AssertionsPassed int      `json:"assertions_passed"`
	AssertionsFailed int      `json:"assertions_failed"`
	Signatures       []string `json:"signatures,omitempty"`
}

// Task 描述排队执行的一次基准运行。BenchmarkID 与 Prompt 至少提供一个。
type Task struct {
	ID          string            `json:"id"`
	BenchmarkID string            `json:"benchmark_id,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	Terminal    bool              `json:"terminal,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Result      *ExecutionResult  `json:"result,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Request 是提交一次运行所需的参数。
type Request struct {
	ID          string            `json:"id,omitempty"`
	BenchmarkID string            `json:"benchmark_id,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Failure 描述写回存储的一次失败。Terminal 为 true 时任务不再被领取。
type Failure struct {
	Code     xerrors.Code
	Message  string
	Terminal bool
	Result   *ExecutionResult
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽或已被终止。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrQueueClosed 表示队列已经关闭。
	ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{Message: "task not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{Message: "task conflict", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{Message: "task already completed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{Message: "task validation failed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeTaskNotFound:
		return stdErrors.Is(err, ErrTaskNotFound)
	case CodeTaskConflict:
		return stdErrors.Is(err, ErrTaskConflict)
	case CodeTaskCompleted:
		return stdErrors.Is(err, ErrTaskCompleted)
	case CodeTaskExhausted:
		return stdErrors.Is(err, ErrTaskExhausted)
	}
	return xerrors.CodeOf(err) == target
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Done 表示任务不会再被执行。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || (t.Status == StatusFailed && (t.Terminal || t.Attempts >= t.MaxRetries))
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		result.Signatures = append([]string(nil), task.Result.Signatures...)
		clone.Result = &result
	}
	clone.Metadata = maps.Clone(task.Metadata)
	clone.KeyMap = maps.Clone(task.KeyMap)
	return &clone
}

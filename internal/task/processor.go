package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/observability/alerting"
	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/pkg/logger"
)

// Executor 执行一次运行。失败的运行也应尽量返回结果，以便记录评分与摘要。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc 让普通函数满足 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// Processor 负责从队列消费运行并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	backoff     func(attempt int) time.Duration
	observer    Observer
	now         func() time.Time
}

// Observer 接收每次执行的结果统计，outcome 为 succeeded、requeued 或 failed。
type Observer interface {
	ObserveRun(outcome, category string, elapsed time.Duration, score float64)
	ObserveQueueWait(wait time.Duration)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRequeueBackoff 设置重新入队前的等待时间，参数为已尝试次数。
func WithRequeueBackoff(backoff func(attempt int) time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.backoff = backoff
	}
}

// WithObserver 配置执行统计的接收方。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条队列消息。返回错误表示状态没有落库，队列实现会据此重新投递。
func (p *Processor) Handle(ctx context.Context, msg Message) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	taskID := msg.RunID
	if p.observer != nil {
		p.observer.ObserveQueueWait(msg.Wait(p.now()))
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过运行", slog.String("task_id", taskID), slog.Int("attempt", msg.Attempt), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "", "claim")
		return err
	}

	started := p.now()
	result, execErr := p.executor.Execute(ctx, task)
	elapsed := p.now().Sub(started)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, result, execErr, elapsed)
	}

	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		logger.L().Error("标记运行成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	p.observe(string(StatusSucceeded), record.Category, elapsed, record.Score)
	logger.Audit().Info("运行完成",
		slog.String("task_id", task.ID),
		slog.String("benchmark_id", task.BenchmarkID),
		slog.Float64("score", record.Score),
		slog.Int("steps", record.StepsTotal),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, result *ExecutionResult, execErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := recovery.ShouldRetry(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	category := string(xerrors.Classify(execErr))
	if result != nil && result.Category != "" {
		category = result.Category
	}

	failure := Failure{Code: code, Message: execErr.Error(), Terminal: terminal, Result: result}
	if err := p.store.MarkFailed(ctx, task.ID, failure); err != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("运行失败",
		slog.String("task_id", task.ID),
		slog.String("benchmark_id", task.BenchmarkID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.String("category", category),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	outcome := "requeued"
	if terminal {
		outcome = string(StatusFailed)
	}
	var score float64
	if result != nil {
		score = result.Score
	}
	p.observe(outcome, category, elapsed, score)

	switch {
	case terminal && retryable:
		p.emitAlert(ctx, task, CodeTaskExhausted, execErr, category, "exhausted")
	case terminal:
		p.emitAlert(ctx, task, code, execErr, category, "non_retryable")
	case xerrors.ShouldAlert(execErr):
		p.emitAlert(ctx, task, code, execErr, category, "retry")
	}

	if terminal {
		return nil
	}
	if p.backoff != nil {
		if delay := p.backoff(task.Attempts); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, NewMessage(task.ID, task.Attempts+1)); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("运行 %s 重投失败", task.ID))
	}
	p.logDebug("运行已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) observe(outcome, category string, elapsed time.Duration, score float64) {
	if p.observer != nil {
		p.observer.ObserveRun(outcome, category, elapsed, score)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, category, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause_code"] = string(xerrors.CodeOf(cause))
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		Category:    category,
		RunID:       task.ID,
		BenchmarkID: task.BenchmarkID,
		Attempts:    task.Attempts,
		MaxRetries:  task.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  p.now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

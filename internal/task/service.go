package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/pkg/logger"
)

// Validator 在提交时检查请求，例如确认基准用例存在。
type Validator func(req Request) error

// Service 负责运行的提交与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	validate   Validator
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithValidator 设置提交校验。
func WithValidator(v Validator) ServiceOption {
	return func(s *Service) {
		s.validate = v
	}
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var errServiceNotReady = xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")

// Submit 创建一次新的运行并推送到队列。调用方提供的 ID 已存在时直接返回已有记录，不会重复入队。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.BenchmarkID = strings.TrimSpace(req.BenchmarkID)
	if req.BenchmarkID == "" && strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(CodeTaskValidation, "benchmark_id 与 prompt 不能同时为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, errServiceNotReady
	}
	if s.validate != nil {
		if err := s.validate(req); err != nil {
			return nil, xerrors.Wrap(CodeTaskValidation, err, "运行请求校验失败")
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if existing, err := s.lookup(ctx, req.ID); existing != nil || err != nil {
		return existing, err
	}

	run := &Task{
		ID:          req.ID,
		BenchmarkID: req.BenchmarkID,
		Prompt:      req.Prompt,
		KeyMap:      maps.Clone(req.KeyMap),
		Metadata:    maps.Clone(req.Metadata),
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, run); err != nil {
		// 并发提交同一 ID 时，后到者返回先到者创建的记录。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, _ := s.lookup(ctx, run.ID); existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.enqueue(ctx, run); err != nil {
		return nil, err
	}
	logger.Audit().Info("运行入队成功",
		slog.String("task_id", run.ID),
		slog.String("benchmark_id", run.BenchmarkID),
		slog.Int("max_retries", run.MaxRetries),
	)
	return run, nil
}

// lookup 在记录不存在时返回 (nil, nil)。
func (s *Service) lookup(ctx context.Context, id string) (*Task, error) {
	existing, err := s.store.Get(ctx, id)
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return existing, err
}

// enqueue 发布首个消息，发布失败的运行被标记为终态失败。
func (s *Service) enqueue(ctx context.Context, run *Task) error {
	err := s.producer.Publish(ctx, NewMessage(run.ID, 1))
	if err == nil {
		return nil
	}
	logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("task_id", run.ID))
	wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布运行到队列失败")
	_ = s.store.MarkFailed(ctx, run.ID, Failure{Code: CodeTaskPublish, Message: wrapped.Error(), Terminal: true})
	return wrapped
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, errServiceNotReady
	}
	return s.store.Get(ctx, id)
}

// List 与 Stats 共用 ListOption，Stats 忽略分页与排序。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, errServiceNotReady
	}
	return s.store.List(ctx, buildListOptions(opts))
}

func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, errServiceNotReady
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到运行不会再被执行或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现运行队列，LPUSH 入队，BRPOP 出队，消息体为 JSON 编码的 Message。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "agentflow:runs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 以 LPUSH 写入编码后的消息。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis 发布运行失败", xerrors.WithMetadata("run_id", msg.RunID))
	}
	return nil
}

// Consume 启动 workerCount 个协程以 BRPOP 阻塞读取，任一协程遇到连接错误即返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	workerCount = max(workerCount, 1)
	errCh := make(chan error, workerCount)
	for range workerCount {
		go func() {
			errCh <- q.work(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	log := logger.Named("redis-queue")
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil && (ctx.Err() != nil || errors.Is(err, redis.ErrClosed)):
			return err
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis 读取运行失败")
		case len(values) != 2:
			continue
		}
		msg, err := DecodeMessage([]byte(values[1]))
		if err != nil {
			log.Warn("丢弃无法解析的消息", slog.String("body", values[1]), slog.Any("error", err))
			continue
		}
		if err := handler(ctx, msg); err != nil {
			// 状态未落库，放回队尾稍后再试。
			log.Warn("处理运行失败，重新入队", slog.String("run_id", msg.RunID), slog.Any("error", err))
			_ = q.client.RPush(ctx, q.queue, values[1]).Err()
		}
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

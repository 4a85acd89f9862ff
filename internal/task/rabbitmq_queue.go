package task

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 默认交换机实现运行队列，消息体为 JSON 编码的 Message。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentflow.runs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 以持久化模式投递消息。amqp channel 不是并发安全的，发布需要串行。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.RunID,
		Timestamp:    msg.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布运行失败", xerrors.WithMetadata("run_id", msg.RunID))
	}
	return nil
}

// Consume 使用手动确认模式消费队列。处理失败的投递重新入队一次，再次失败则丢弃，
// 运行仍停留在存储中，可以重新提交。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	log := logger.Named("rabbitmq-queue")
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, log, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler Handler) {
	msg, err := DecodeMessage(d.Body)
	if err != nil {
		log.Warn("丢弃无法解析的消息", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, msg); err != nil {
		log.Warn("处理运行失败",
			slog.String("run_id", msg.RunID),
			slog.Bool("redelivered", d.Redelivered),
			slog.Any("error", err))
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/pkg/logger"
)

// NATSQueueConfig 描述 NATS 队列的连接参数。
type NATSQueueConfig struct {
	URL     string
	Subject string
	// Group 是队列组名称，同组的订阅者之间负载均衡。
	Group       string
	Name        string
	PendingSize int
}

// NATSQueue 通过 NATS 主题与队列组分发运行 ID。核心 NATS 不持久化消息，
// 发布时没有订阅者的运行会留在 pending 状态，由调用方重新提交。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	pending int
}

// NewNATSQueue 连接 NATS 服务器。
func NewNATSQueue(cfg NATSQueueConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "agentflowd"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L().Warn("NATS 连接断开", slog.Any("error", err))
			}
		}),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 NATS 失败")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "agentflow.runs"
	}
	group := cfg.Group
	if group == "" {
		group = "agentflow-workers"
	}
	pending := cfg.PendingSize
	if pending <= 0 {
		pending = 256
	}
	return &NATSQueue{conn: conn, subject: subject, group: group, pending: pending}, nil
}

// Publish 发布消息并 flush，确保服务器已经收到。
func (q *NATSQueue) Publish(ctx context.Context, msg Message) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, body); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 发布运行失败", xerrors.WithMetadata("run_id", msg.RunID))
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS flush 失败")
	}
	return nil
}

// Consume 以队列组订阅主题，消息经由 channel 分发给 workerCount 个协程。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	inbox := make(chan *nats.Msg, q.pending)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, inbox)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 NATS 主题失败")
	}
	defer func() { _ = sub.Unsubscribe() }()

	log := logger.Named("nats-queue")
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw := <-inbox:
					msg, err := DecodeMessage(raw.Data)
					if err != nil {
						log.Warn("丢弃无法解析的消息", slog.String("subject", raw.Subject), slog.Any("error", err))
						continue
					}
					if err := handler(ctx, msg); err != nil {
						log.Warn("处理运行失败，重新发布", slog.String("run_id", msg.RunID), slog.Any("error", err))
						_ = q.conn.Publish(q.subject, raw.Data)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 排空并关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		q.conn.Close()
		return err
	}
	return nil
}

package task

import (
	"context"
	"log/slog"
	"sync"

	"AgentFlow-Chain/pkg/logger"
)

// MemoryQueue 是基于 channel 的进程内队列，单机模式与测试使用。
// 消息不经过编码，重启后丢失。
type MemoryQueue struct {
	messages chan Message

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{messages: make(chan Message, size)}
}

// Len 返回尚未被消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}

// Publish 投递消息，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程处理消息，阻塞到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	workerCount = max(workerCount, 1)
	log := logger.Named("memory-queue")

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			for {
				var msg Message
				var ok bool
				select {
				case <-ctx.Done():
					return
				case msg, ok = <-q.messages:
				}
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil {
					log.Warn("处理运行失败", slog.String("run_id", msg.RunID), slog.Int("attempt", msg.Attempt), slog.Any("error", err))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列，之后的 Publish 返回 ErrQueueClosed。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.messages)
	}
	return nil
}

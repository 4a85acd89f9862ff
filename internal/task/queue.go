package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message 是队列中传递的一次投递，Attempt 从 1 开始。
type Message struct {
	RunID      string    `json:"run_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage 为运行构造一次投递。
func NewMessage(runID string, attempt int) Message {
	if attempt <= 0 {
		attempt = 1
	}
	return Message{RunID: runID, Attempt: attempt, EnqueuedAt: time.Now().UTC()}
}

// Wait 返回消息在队列中停留的时间，缺少入队时间时为 0。
func (m Message) Wait(now time.Time) time.Duration {
	if m.EnqueuedAt.IsZero() || now.Before(m.EnqueuedAt) {
		return 0
	}
	return now.Sub(m.EnqueuedAt)
}

// Encode 将消息编码为 JSON。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解析队列中的消息体。非 JSON 的消息体视为裸运行 ID，
// 便于运维直接向队列推送运行。
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("空的队列消息")
	}
	if trimmed[0] != '{' {
		return Message{RunID: string(trimmed), Attempt: 1}, nil
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, fmt.Errorf("解析队列消息失败: %w", err)
	}
	if strings.TrimSpace(msg.RunID) == "" {
		return Message{}, fmt.Errorf("队列消息缺少 run_id")
	}
	return msg, nil
}

// Handler 处理一条队列消息。返回错误表示状态没有落库，队列实现应重新投递。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递运行。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

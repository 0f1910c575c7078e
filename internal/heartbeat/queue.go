package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"Lifeline-Treasury/internal/lifesupport"
)

// Trigger 是一次心跳或手动触发。Swap 非空时执行同账本兑换。
type Trigger struct {
	ID       string                   `json:"id"`
	Source   string                   `json:"source"`
	Swap     *lifesupport.SwapRequest `json:"swap,omitempty"`
	IssuedAt time.Time                `json:"issued_at"`
}

// NewTrigger 创建带唯一 ID 的触发消息。
func NewTrigger(source string, at time.Time) Trigger {
	return Trigger{ID: uuid.NewString(), Source: source, IssuedAt: at}
}

func encodeTrigger(t Trigger) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("序列化触发消息失败: %w", err)
	}
	return body, nil
}

func decodeTrigger(body []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return Trigger{}, fmt.Errorf("解析触发消息失败: %w", err)
	}
	if t.ID == "" {
		return Trigger{}, fmt.Errorf("触发消息缺少 id")
	}
	return t, nil
}

// Handler 处理来自队列的触发消息。
type Handler func(ctx context.Context, trigger Trigger) error

// Producer 负责向队列投递触发消息。
type Producer interface {
	Publish(ctx context.Context, trigger Trigger) error
	Close() error
}

// Consumer 负责从队列中消费触发消息。处理失败的消息不会重新投递，等待下一次心跳。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

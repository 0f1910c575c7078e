package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"Lifeline-Treasury/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现触发队列，外部调度器可以直接 LPUSH。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
}

// NewRedisQueue 基于已建立的连接创建 Redis 队列。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "lifeline:heartbeats"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将触发消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, trigger Trigger) error {
	body, err := encodeTrigger(trigger)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布触发消息失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取触发消息。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取触发消息失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				trigger, err := decodeTrigger([]byte(values[1]))
				if err != nil {
					logger.L().Warn("丢弃无法解析的触发消息", slog.String("queue", q.queue), slog.Any("error", err))
					continue
				}
				// 处理失败不重新投递，下一次心跳会重新评估余额。
				_ = handler(ctx, trigger)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 由连接的所有者负责关闭客户端。
func (q *RedisQueue) Close() error {
	return nil
}

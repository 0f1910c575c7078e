package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"Lifeline-Treasury/pkg/logger"
)

// SourceScheduler 标记由内置调度器产生的触发。
const SourceScheduler = "scheduler"

// Scheduler 按固定间隔发布心跳。
type Scheduler struct {
	producer   Producer
	interval   time.Duration
	runOnStart bool
	now        func() time.Time
	log        *slog.Logger
}

// NewScheduler 创建调度器；interval 非正数时使用 5 分钟。
func NewScheduler(producer Producer, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		producer:   producer,
		interval:   interval,
		runOnStart: runOnStart,
		now:        time.Now,
		log:        logger.Named("scheduler"),
	}
}

// Run 发布心跳直到 ctx 取消。发布失败只记录日志，等待下一个周期。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.runOnStart {
		s.emit(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.emit(ctx)
		}
	}
}

func (s *Scheduler) emit(ctx context.Context) {
	trigger := NewTrigger(SourceScheduler, s.now())
	if err := s.producer.Publish(ctx, trigger); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("发布心跳失败", slog.String("trigger_id", trigger.ID), slog.Any("error", err))
	}
}

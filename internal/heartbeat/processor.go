package heartbeat

import (
	"context"
	"log/slog"
	"time"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/lifesupport"
	"Lifeline-Treasury/pkg/logger"
)

// Runner 定义处理器所需的控制器能力。
type Runner interface {
	Check(ctx context.Context) lifesupport.CheckResult
	Swap(ctx context.Context, req lifesupport.SwapRequest) lifesupport.CheckResult
}

// Processor 负责从队列消费触发消息并交给控制器执行。
type Processor struct {
	runner      Runner
	consumer    Consumer
	workerCount int
	maxAge      time.Duration
	now         func() time.Time
	logger      *slog.Logger
	observer    func(Trigger, lifesupport.CheckResult)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
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

// WithMaxAge 丢弃早于 maxAge 的积压触发消息，避免停机恢复后连续执行。
func WithMaxAge(maxAge time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.maxAge = maxAge
	}
}

// WithResultObserver 在每次执行后回调，供测试与运维钩子使用。
func WithResultObserver(fn func(Trigger, lifesupport.CheckResult)) ProcessorOption {
	return func(p *Processor) {
		p.observer = fn
	}
}

// WithProcessorClock 替换时间来源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("heartbeat")
	}
	return p
}

// Start 启动处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置触发消费者或控制器")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, trigger Trigger) error {
	if p.maxAge > 0 && !trigger.IssuedAt.IsZero() && p.now().Sub(trigger.IssuedAt) > p.maxAge {
		p.logger.Info("跳过过期的触发消息",
			slog.String("trigger_id", trigger.ID),
			slog.Time("issued_at", trigger.IssuedAt))
		return nil
	}

	var result lifesupport.CheckResult
	if trigger.Swap != nil {
		result = p.runner.Swap(ctx, *trigger.Swap)
	} else {
		result = p.runner.Check(ctx)
	}

	p.logger.Debug("触发消息处理完成",
		slog.String("trigger_id", trigger.ID),
		slog.String("source", trigger.Source),
		slog.String("attempt_id", result.AttemptID),
		slog.String("status", string(result.Status)))
	if p.observer != nil {
		p.observer(trigger, result)
	}
	return nil
}

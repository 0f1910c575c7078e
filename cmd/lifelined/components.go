package main

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"Lifeline-Treasury/internal/config"
	"Lifeline-Treasury/internal/heartbeat"
	"Lifeline-Treasury/internal/lifesupport"
	"Lifeline-Treasury/internal/observability/alerting"
	"Lifeline-Treasury/internal/sink"
	"Lifeline-Treasury/internal/storage/mysql"
	redisstore "Lifeline-Treasury/internal/storage/redis"
)

// resultSink 同时支持写入与读取。
type resultSink interface {
	sink.Sink
	sink.Reader
}

func buildGuard(cfg *config.Config, client goredis.UniversalClient) (lifesupport.Guard, error) {
	switch cfg.Guard.Driver {
	case "", "memory":
		return lifesupport.NewMemoryGuard(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis 守卫需要 redis 连接")
		}
		locker := redisstore.NewLocker(client, cfg.Sink.Prefix+":lock", config.Seconds(cfg.Guard.LeaseSeconds))
		return lifesupport.NewRedisGuard(locker), nil
	default:
		return nil, fmt.Errorf("未知的守卫驱动: %s", cfg.Guard.Driver)
	}
}

// buildSinks 按配置顺序组合结果存储，状态接口从第一个命中的存储读取。
func buildSinks(ctx context.Context, cfg *config.Config, client goredis.UniversalClient) (resultSink, func(), error) {
	var (
		sinks   []sink.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, driver := range cfg.Sink.Drivers {
		switch strings.ToLower(strings.TrimSpace(driver)) {
		case "memory":
			sinks = append(sinks, sink.NewMemory(cfg.Sink.HistoryLimit))
		case "file":
			file, err := sink.NewFile(cfg.Runtime.DataDir)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, file)
		case "redis":
			if client == nil {
				closeAll()
				return nil, nil, fmt.Errorf("redis 结果存储需要 redis 连接")
			}
			sinks = append(sinks, sink.NewRedis(client, cfg.Sink.Prefix, int64(cfg.Sink.HistoryLimit)))
		case "mysql":
			repo, err := mysql.NewResultRepository(ctx, mysql.Config{
				DSN:             cfg.MySQL.DSN,
				MaxOpenConns:    cfg.MySQL.MaxOpenConns,
				MaxIdleConns:    cfg.MySQL.MaxIdleConns,
				ConnMaxLifetime: config.Seconds(cfg.MySQL.ConnMaxLifetimeSeconds),
				ConnMaxIdleTime: config.Seconds(cfg.MySQL.ConnMaxIdleTimeSeconds),
			})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, repo)
			closers = append(closers, func() { _ = repo.Close() })
		default:
			closeAll()
			return nil, nil, fmt.Errorf("未知的结果存储驱动: %s", driver)
		}
	}
	return sink.NewFanout(sinks...), closeAll, nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if strings.TrimSpace(cfg.Alerting.WebhookURL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.WebhookURL,
			Headers: cfg.Alerting.WebhookHeaders,
		})
	}
	if strings.TrimSpace(cfg.Alerting.SlackWebhookURL) != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerting.SlackWebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildQueue(cfg *config.Config, client goredis.UniversalClient) (heartbeat.Queue, error) {
	switch cfg.Heartbeat.Queue.Driver {
	case "", "memory":
		return heartbeat.NewMemoryQueue(64), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis 队列需要 redis 连接")
		}
		return heartbeat.NewRedisQueue(client, heartbeat.RedisQueueConfig{
			Queue:     cfg.Heartbeat.Queue.Redis.Queue,
			BlockWait: config.Seconds(cfg.Heartbeat.Queue.Redis.BlockWait),
		})
	case "rabbitmq":
		return heartbeat.NewRabbitMQQueue(heartbeat.RabbitMQConfig{
			URL:        cfg.Heartbeat.Queue.RabbitMQ.URL,
			Queue:      cfg.Heartbeat.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Heartbeat.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Heartbeat.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Heartbeat.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Heartbeat.Queue.Driver)
	}
}

package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。URL 优先于 Address。
type Config struct {
	URL         string
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Open 建立 Redis 连接并执行 PING 检查。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	var opts *goredis.Options
	if url := strings.TrimSpace(cfg.URL); url != "" {
		parsed, err := goredis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
		}
		opts = parsed
	} else {
		addr := strings.TrimSpace(cfg.Address)
		if addr == "" {
			return nil, fmt.Errorf("Redis 地址不能为空")
		}
		opts = &goredis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("无法连接到 Redis: %w", err)
	}
	return client, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLockHeld 表示锁已被其他持有者占用。
var ErrLockHeld = errors.New("lock already held")

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 实现带租期的互斥锁。
type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLocker 创建分布式锁。ttl 应覆盖一次完整流程的最长耗时。
func NewLocker(client goredis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if strings.TrimSpace(prefix) == "" {
		prefix = "lifeline:lock"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lease 是一次成功获取的锁。
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire 尝试获取 key 对应的锁，已被占用时返回 ErrLockHeld。
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redis locker 未初始化")
	}
	token := uuid.NewString()
	full := l.prefix + ":" + key
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{locker: l, key: full, token: token}, nil
}

// Release 仅在令牌仍匹配时删除锁，避免误删租期过期后被他人获取的锁。
func (lease *Lease) Release(ctx context.Context) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("释放 Redis 锁失败: %w", err)
	}
	return nil
}

package lifesupport

import (
	"context"
	"errors"
	"sync"
	"time"

	redisstore "Lifeline-Treasury/internal/storage/redis"
)

// ErrInProgress 表示守卫已被持有。
var ErrInProgress = errors.New("pipeline already in progress")

// Guard 保证同一个键同一时刻最多一个流程在执行。
type Guard interface {
	// Acquire 获取键对应的守卫；被占用时返回 ErrInProgress。
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryGuard 是进程内守卫。
type MemoryGuard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryGuard 创建进程内守卫。
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{locks: make(map[string]*sync.Mutex)}
}

// Acquire 以非阻塞方式获取锁。
func (g *MemoryGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	g.mu.Unlock()

	if !lock.TryLock() {
		return nil, ErrInProgress
	}
	var once sync.Once
	return func() { once.Do(lock.Unlock) }, nil
}

// RedisGuard 基于 Redis 租约实现跨进程守卫。
type RedisGuard struct {
	locker         *redisstore.Locker
	releaseTimeout time.Duration
}

// NewRedisGuard 包装分布式锁。
func NewRedisGuard(locker *redisstore.Locker) *RedisGuard {
	return &RedisGuard{locker: locker, releaseTimeout: 5 * time.Second}
}

// Acquire 获取 Redis 租约。释放使用独立的上下文，调用方取消后仍能归还租约。
func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	lease, err := g.locker.Acquire(ctx, key)
	if errors.Is(err, redisstore.ErrLockHeld) {
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), g.releaseTimeout)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				guardLog().Warn("释放 Redis 守卫失败", "key", key, "error", err)
			}
		})
	}, nil
}

var (
	_ Guard = (*MemoryGuard)(nil)
	_ Guard = (*RedisGuard)(nil)
)

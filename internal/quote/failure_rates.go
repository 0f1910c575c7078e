package quote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FailureRates tracks per-provider pipeline outcomes across cycles. It is
// only consulted to break ties between equally priced quotes.
type FailureRates interface {
	FailureRate(ctx context.Context, provider string) (float64, error)
	Record(ctx context.Context, provider string, success bool) error
}

type providerStats struct {
	attempts int64
	failures int64
}

// MemoryFailureRates keeps outcome counters in process.
type MemoryFailureRates struct {
	mu    sync.RWMutex
	stats map[string]*providerStats
}

// NewMemoryFailureRates creates an empty in-process tracker.
func NewMemoryFailureRates() *MemoryFailureRates {
	return &MemoryFailureRates{stats: make(map[string]*providerStats)}
}

// FailureRate returns failures/attempts, or zero for unseen providers.
func (m *MemoryFailureRates) FailureRate(_ context.Context, provider string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[provider]
	if !ok || s.attempts == 0 {
		return 0, nil
	}
	return float64(s.failures) / float64(s.attempts), nil
}

// Record adds one outcome for provider.
func (m *MemoryFailureRates) Record(_ context.Context, provider string, success bool) error {
	if strings.TrimSpace(provider) == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[provider]
	if !ok {
		s = &providerStats{}
		m.stats[provider] = s
	}
	s.attempts++
	if !success {
		s.failures++
	}
	return nil
}

const (
	fieldAttempts = "attempts"
	fieldFailures = "failures"
)

// RedisFailureRates shares provider statistics between controller replicas
// through one Redis hash per provider.
type RedisFailureRates struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFailureRates creates a tracker using keys under prefix.
func NewRedisFailureRates(client redis.UniversalClient, prefix string) *RedisFailureRates {
	if strings.TrimSpace(prefix) == "" {
		prefix = "lifeline:quote:stats"
	}
	return &RedisFailureRates{client: client, prefix: prefix}
}

func (r *RedisFailureRates) key(provider string) string {
	return r.prefix + ":" + provider
}

// FailureRate reads the provider hash.
func (r *RedisFailureRates) FailureRate(ctx context.Context, provider string) (float64, error) {
	values, err := r.client.HMGet(ctx, r.key(provider), fieldAttempts, fieldFailures).Result()
	if err != nil {
		return 0, fmt.Errorf("读取报价源统计失败: %w", err)
	}
	attempts := parseCounter(values[0])
	failures := parseCounter(values[1])
	if attempts == 0 {
		return 0, nil
	}
	return float64(failures) / float64(attempts), nil
}

// Record increments the provider hash atomically.
func (r *RedisFailureRates) Record(ctx context.Context, provider string, success bool) error {
	if strings.TrimSpace(provider) == "" {
		return nil
	}
	key := r.key(provider)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldAttempts, 1)
		if !success {
			pipe.HIncrBy(ctx, key, fieldFailures, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("记录报价源统计失败: %w", err)
	}
	return nil
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var (
	_ FailureRates = (*MemoryFailureRates)(nil)
	_ FailureRates = (*RedisFailureRates)(nil)
)

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis stores the latest record per key as a string value and keeps a
// capped history list next to it.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	historyLimit int64
}

// NewRedis creates a Redis-backed sink.
func NewRedis(client redis.UniversalClient, prefix string, historyLimit int64) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = "lifeline"
	}
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &Redis{client: client, prefix: prefix, historyLimit: historyLimit}
}

func (r *Redis) key(key string) string {
	return r.prefix + ":" + key
}

func (r *Redis) historyKey(key string) string {
	return r.prefix + ":history:" + key
}

// Put writes rec and prepends it to the key's history.
func (r *Redis) Put(ctx context.Context, key string, rec Record) error {
	rec.Key = key
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化结果记录失败: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(key), encoded, 0)
		pipe.LPush(ctx, r.historyKey(key), encoded)
		pipe.LTrim(ctx, r.historyKey(key), 0, r.historyLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入 Redis 结果失败: %w", err)
	}
	return nil
}

// Get reads the latest record under key.
func (r *Redis) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("读取 Redis 结果失败: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("解析 Redis 结果失败: %w", err)
	}
	return rec, true, nil
}

// History returns up to limit records for key, newest first.
func (r *Redis) History(ctx context.Context, key string, limit int64) ([]Record, error) {
	if limit <= 0 {
		limit = r.historyLimit
	}
	values, err := r.client.LRange(ctx, r.historyKey(key), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 历史失败: %w", err)
	}
	records := make([]Record, 0, len(values))
	for _, v := range values {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

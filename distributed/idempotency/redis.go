package idempotency

import (
	"context"
	"time"
)

// RedisClient RedisStore 所需的最小能力，由 internal/cache.Manager 实现
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisStore 基于 Redis SET NX PX 的共享窗口。
// 容量由 Redis 的过期与内存策略约束，MaxEntries 不适用。
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 窗口；prefix 区分不同用途的窗口
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

// Contains 实现 Store
func (s *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	return s.client.Exists(ctx, s.key(key))
}

// Add 实现 Store
func (s *RedisStore) Add(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), "1", s.ttl)
}

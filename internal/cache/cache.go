// 包 cache：两级 JSON 缓存（进程内 LRU + 可选 Redis），用于矿工详情与快照热启动
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Store：按键读写 JSON 值；Get 未命中返回 false 且不报错
type Store interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Local：进程内过期 LRU，条目 TTL 在构造时固定
type Local struct {
	lru *expirable.LRU[string, []byte]
}

func NewLocal(size int, ttl time.Duration) *Local {
	if size <= 0 {
		size = 256
	}
	return &Local{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (l *Local) Get(_ context.Context, key string, out any) (bool, error) {
	b, ok := l.lru.Get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

// Set：ttl 参数被忽略，使用构造时的 TTL
func (l *Local) Set(_ context.Context, key string, v any, _ time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.lru.Add(key, b)
	return nil
}

func (l *Local) Len() int { return l.lru.Len() }

// Redis：以 prefix 为命名空间的 Redis 字符串缓存
type Redis struct {
	rc     *redis.Client
	prefix string
}

func NewRedis(rc *redis.Client, prefix string) *Redis {
	return &Redis{rc: rc, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string, out any) (bool, error) {
	s, err := r.rc.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(s, out)
}

func (r *Redis) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rc.Set(ctx, r.prefix+key, b, ttl).Err()
}

// Tiered：先查本地再查 Redis；Redis 命中后回填本地
// 约束：Redis 出错只记录日志，按未命中处理，不影响调用方
type Tiered struct {
	local  *Local
	remote Store
	ttl    time.Duration
}

// NewTiered：rc 为 nil 时退化为仅本地缓存
func NewTiered(local *Local, rc *redis.Client, ttl time.Duration) *Tiered {
	t := &Tiered{local: local, ttl: ttl}
	if rc != nil {
		t.remote = NewRedis(rc, "dash:")
	}
	return t
}

func (t *Tiered) Get(ctx context.Context, key string, out any) (bool, error) {
	if ok, err := t.local.Get(ctx, key, out); ok && err == nil {
		metrics.CacheHitsTotal.WithLabelValues("local").Inc()
		return true, nil
	}
	metrics.CacheMissesTotal.WithLabelValues("local").Inc()
	if t.remote == nil {
		return false, nil
	}
	ok, err := t.remote.Get(ctx, key, out)
	if err != nil {
		logger.L().Warn("cache_redis_get_error", "key", key, "err", err)
		return false, nil
	}
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return false, nil
	}
	metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
	_ = t.local.Set(ctx, key, out, t.ttl)
	return true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.ttl
	}
	if err := t.local.Set(ctx, key, v, ttl); err != nil {
		return err
	}
	if t.remote != nil {
		if err := t.remote.Set(ctx, key, v, ttl); err != nil {
			logger.L().Warn("cache_redis_set_error", "key", key, "err", err)
		}
	}
	return nil
}

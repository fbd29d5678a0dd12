package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/jundi69/dashboard38/internal/config"
	"github.com/jundi69/dashboard38/internal/logger"
)

// 文档注释：令牌桶限流中间件（每秒）
// 背景：看板前端轮询与手动刷新叠加时对入口限速，避免上游被连带压垮。
// 约束：不做队列排队，超限直接返回 429；令牌在每个自然秒开始时补满。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	now      func() time.Time
	mu       sync.Mutex
}

func NewTokenBucket(qps int) *TokenBucket {
	if qps <= 0 {
		qps = 200
	}
	return &TokenBucket{capacity: qps, tokens: qps, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limit：按配置生成限流中间件，挂在路由的访问日志中间件之后；未启用时原样返回 next
// 约束：超限响应与 API 其它错误一致，为 JSON 且不缓存。
func Limit(c config.RateLimitConfig) func(http.Handler) http.Handler {
	if !c.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	tb := NewTokenBucket(c.QPS)
	logger.L().Info("rate_limit_enabled", "qps", tb.capacity)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				logger.L().Debug("rate_limited", "path", r.URL.Path, "req_id", logger.RequestID(r.Context()))
				w.Header().Set("content-type", "application/json; charset=utf-8")
				w.Header().Set("cache-control", "no-store")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

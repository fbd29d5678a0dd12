// 包 utils：外部连接工具（Redis/PostgreSQL），统一由配置构建并在启动时探活
package utils

import (
	"context"
	"time"

	"github.com/jundi69/dashboard38/internal/config"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/redis/go-redis/v9"
)

// OpenRedis：按配置打开 Redis 客户端
// 约束：未启用时返回 nil；探活失败只记录日志并返回 nil，缓存层据此降级为仅进程内缓存
func OpenRedis(ctx context.Context, c config.RedisConfig) *redis.Client {
	if !c.Enabled {
		logger.L().Info("redis_disabled")
		return nil
	}
	rc := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Pass, DB: c.DB})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		logger.L().Error("redis_ping_error", "addr", c.Addr, "err", err)
		_ = rc.Close()
		return nil
	}
	logger.L().Info("redis_ping_ok", "addr", c.Addr, "db", c.DB)
	return rc
}

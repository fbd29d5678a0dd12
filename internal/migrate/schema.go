package migrate

import (
	"context"
	"database/sql"

	"github.com/jundi69/dashboard38/internal/logger"
)

// 背景：首次运行自动创建刷新统计表，保障统计写入
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；总计表只有 id=1 一行
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS _dash_refresh_total (
		id INT PRIMARY KEY,
		refreshes BIGINT NOT NULL DEFAULT 0,
		failures BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS _dash_refresh_daily (
		day DATE PRIMARY KEY,
		refreshes BIGINT NOT NULL DEFAULT 0,
		failures BIGINT NOT NULL DEFAULT 0,
		dropped BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO _dash_refresh_total(id, refreshes, failures)
	 VALUES(1, 0, 0)
	 ON CONFLICT (id) DO NOTHING`,
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range schemaStmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}

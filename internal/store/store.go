// 包 store: PostgreSQL 数据访问层，记录看板快照刷新统计
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jundi69/dashboard38/internal/logger"
)

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

// RecordRefresh: 一次完整刷新结束后递增总计与当日计数
// 约束：ok=false 计入失败；dropped 为本次位置快照中被丢弃的记录数，只累加到当日
func (s *Store) RecordRefresh(ctx context.Context, ok bool, dropped int) error {
	fail := 0
	if !ok {
		fail = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE _dash_refresh_total SET refreshes=refreshes+1, failures=failures+$1 WHERE id=1", fail); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update total: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _dash_refresh_daily(day, refreshes, failures, dropped) VALUES(current_date, 1, $1, $2)
		ON CONFLICT (day) DO UPDATE SET refreshes=_dash_refresh_daily.refreshes+1,
		failures=_dash_refresh_daily.failures+EXCLUDED.failures, dropped=_dash_refresh_daily.dropped+EXCLUDED.dropped`, fail, dropped); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert daily: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.L().Debug("stats_refresh_recorded", "ok", ok, "dropped", dropped)
	return nil
}

// Totals: 累计与当日刷新统计
type Totals struct {
	Refreshes      int64 `json:"refreshes"`
	Failures       int64 `json:"failures"`
	TodayRefreshes int64 `json:"todayRefreshes"`
	TodayFailures  int64 `json:"todayFailures"`
	TodayDropped   int64 `json:"todayDropped"`
}

// GetTotals: 读取累计与当日统计；当日尚无记录时当日字段为 0
func (s *Store) GetTotals(ctx context.Context) (*Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx, "SELECT refreshes, failures FROM _dash_refresh_total WHERE id=1")
	if err := row.Scan(&t.Refreshes, &t.Failures); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read total: %w", err)
	}
	row2 := s.db.QueryRowContext(ctx, "SELECT refreshes, failures, dropped FROM _dash_refresh_daily WHERE day=current_date")
	if err := row2.Scan(&t.TodayRefreshes, &t.TodayFailures, &t.TodayDropped); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read daily: %w", err)
	}
	logger.L().Debug("stats_totals", "refreshes", t.Refreshes, "today", t.TodayRefreshes)
	return &t, nil
}

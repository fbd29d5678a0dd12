// 包 dashboard：训练网络看板的快照服务
// 背景：后台定时并发拉取上游各资源，保存最近一次快照与逐资源加载/错误状态；
// 拉取失败时保留旧快照，无旧快照时按配置安装生成的兜底数据。
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jundi69/dashboard38/internal/cache"
	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/geoip"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/jundi69/dashboard38/internal/upstream"
	"golang.org/x/sync/errgroup"
)

// 资源标识，同时作为状态表的键
const (
	ResourceGlobal    = "global"
	ResourceMiners    = "miners"
	ResourceAllReduce = "allreduce"
	ResourceLocations = "locations"
)

// MinerResource 返回单个矿工详情的资源标识
func MinerResource(uid string) string { return "miner:" + uid }

// ErrUnknownMiner：uid 不在当前矿工列表中
var ErrUnknownMiner = errors.New("unknown miner")

// Upstream：服务依赖的上游读取接口，由 *upstream.Client 实现
type Upstream interface {
	Global(ctx context.Context) (*upstream.GlobalMetrics, error)
	Miners(ctx context.Context) ([]geoagg.EntityID, error)
	Miner(ctx context.Context, uid string) (*upstream.MinerDetail, error)
	AllReduce(ctx context.Context) ([]upstream.AllReduceOp, error)
	Locations(ctx context.Context) ([]geoagg.LocationRecord, error)
}

// Recorder：刷新统计落库接口，由 *store.Store 实现
type Recorder interface {
	RecordRefresh(ctx context.Context, ok bool, dropped int) error
}

// State：单个资源的加载状态
type State struct {
	Loading   bool       `json:"loading"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Fallback  bool       `json:"fallback"`
}

// Options：服务参数；Cache/Enricher/Recorder 均可为空
// 约束：Precision 为 nil 时取 geoagg.CoordinatePrecision，0 表示按整数度分组。
type Options struct {
	Interval    time.Duration
	Fallback    bool
	Precision   *int
	MeshLimit   int
	RadiusScale float64
	CacheTTL    time.Duration
	// MinerStates：单个矿工状态最多保留的条数，超出按 LRU 淘汰
	MinerStates int

	Cache    cache.Store
	Enricher *geoip.Enricher
	Recorder Recorder

	Now func() time.Time
}

type Service struct {
	up   Upstream
	opts Options

	precision int

	mu        sync.RWMutex
	global    *upstream.GlobalMetrics
	miners    []geoagg.EntityID
	allreduce []upstream.AllReduceOp
	locations []geoagg.LocationRecord
	mapView   MapView
	state     map[string]State

	// 矿工详情状态单独存放并限量，uid 来自请求路径
	minerStates *expirable.LRU[string, State]

	refreshMu sync.Mutex
	trigger   chan struct{}
}

func New(up Upstream, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MeshLimit <= 0 {
		opts.MeshLimit = geoagg.MeshLimit
	}
	if opts.RadiusScale <= 0 {
		opts.RadiusScale = geoagg.RadiusScale
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.MinerStates <= 0 {
		opts.MinerStates = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	precision := geoagg.CoordinatePrecision
	if opts.Precision != nil {
		precision = *opts.Precision
	}
	s := &Service{
		up:          up,
		opts:        opts,
		precision:   precision,
		state:       make(map[string]State),
		minerStates: expirable.NewLRU[string, State](opts.MinerStates, nil, 0),
		trigger:     make(chan struct{}, 1),
	}
	s.mapView = s.buildMap(nil)
	return s
}

// 文档注释：启动后台刷新循环
// 背景：先用缓存中的快照热启动，随即完整刷新一次；之后按周期或手动触发刷新，ctx 取消后退出。
func (s *Service) Start(ctx context.Context) {
	s.warm(ctx)
	go func() {
		_ = s.RefreshAll(ctx)
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			case <-s.trigger:
			}
			_ = s.RefreshAll(ctx)
		}
	}()
}

// Trigger：请求一次立即刷新；已有待处理请求时合并
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// 文档注释：并发刷新全部资源
// 背景：各资源独立拉取，单个失败不取消其它资源；同一时刻只允许一次刷新。
// 返回：所有失败资源的合并错误；全部成功返回 nil。
func (s *Service) RefreshAll(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	begin := s.opts.Now()
	errs := make([]error, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { errs[0] = s.refreshGlobal(gctx); return nil })
	g.Go(func() error { errs[1] = s.refreshMiners(gctx); return nil })
	g.Go(func() error { errs[2] = s.refreshAllReduce(gctx); return nil })
	g.Go(func() error { errs[3] = s.refreshLocations(gctx); return nil })
	_ = g.Wait()

	err := errors.Join(errs...)
	s.mu.RLock()
	dropped := s.mapView.Report.Dropped
	s.mu.RUnlock()
	if s.opts.Recorder != nil {
		if rerr := s.opts.Recorder.RecordRefresh(ctx, err == nil, dropped); rerr != nil {
			logger.L().Warn("refresh_record_error", "err", rerr)
		}
	}
	logger.L().Debug("refresh_all_done", "ok", err == nil, "ms", s.opts.Now().Sub(begin).Milliseconds())
	return err
}

func (s *Service) refreshGlobal(ctx context.Context) error {
	return s.refresh(ctx, ResourceGlobal, "Failed to load global metrics",
		func(ctx context.Context) error {
			g, err := s.up.Global(ctx)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.global = g
			s.mu.Unlock()
			s.save(ctx, ResourceGlobal, g)
			return nil
		},
		func() bool {
			if s.global != nil {
				return false
			}
			s.global = upstream.FallbackGlobal(s.opts.Now())
			return true
		})
}

func (s *Service) refreshMiners(ctx context.Context) error {
	return s.refresh(ctx, ResourceMiners, "Failed to load miners list",
		func(ctx context.Context) error {
			ids, err := s.up.Miners(ctx)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.miners = ids
			s.mu.Unlock()
			s.save(ctx, ResourceMiners, ids)
			return nil
		},
		func() bool {
			if s.miners != nil {
				return false
			}
			s.miners = upstream.FallbackMiners()
			return true
		})
}

func (s *Service) refreshAllReduce(ctx context.Context) error {
	return s.refresh(ctx, ResourceAllReduce, "Failed to load AllReduce operations",
		func(ctx context.Context) error {
			ops, err := s.up.AllReduce(ctx)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.allreduce = ops
			s.mu.Unlock()
			s.save(ctx, ResourceAllReduce, ops)
			return nil
		},
		func() bool {
			if s.allreduce != nil {
				return false
			}
			s.allreduce = upstream.FallbackAllReduce(s.opts.Now())
			return true
		})
}

// 位置数据没有生成的兜底，失败且无旧快照时地图显示为空
func (s *Service) refreshLocations(ctx context.Context) error {
	return s.refresh(ctx, ResourceLocations, "Failed to load miner locations",
		func(ctx context.Context) error {
			recs, err := s.up.Locations(ctx)
			if err != nil {
				return err
			}
			recs = s.opts.Enricher.Enrich(recs)
			view := s.buildMap(recs)
			if view.Report.Dropped > 0 {
				metrics.DroppedRecordsTotal.Add(float64(view.Report.Dropped))
			}
			s.mu.Lock()
			s.locations = recs
			s.mapView = view
			s.mu.Unlock()
			s.save(ctx, ResourceLocations, recs)
			return nil
		},
		nil)
}

// 文档注释：单资源刷新的公共流程
// 背景：置加载态并清空错误；成功记录更新时间；失败写入面向用户的错误文案，
// 在持锁状态下调用 fallback 决定是否安装兜底数据。
func (s *Service) refresh(ctx context.Context, key, userMsg string, fetch func(context.Context) error, fallback func() bool) error {
	s.setState(key, func(st *State) {
		st.Loading = true
		st.Error = ""
	})
	err := fetch(ctx)
	if err == nil {
		now := s.opts.Now()
		s.setState(key, func(st *State) {
			*st = State{UpdatedAt: &now}
		})
		metrics.RefreshTotal.WithLabelValues(metricLabel(key), "ok").Inc()
		return nil
	}

	metrics.RefreshTotal.WithLabelValues(metricLabel(key), "fail").Inc()
	logger.L().Error("refresh_error", "resource", key, "err", err)
	report(key, err)

	installed := false
	s.mu.Lock()
	if s.opts.Fallback && fallback != nil {
		installed = fallback()
	}
	st := s.getState(key)
	st.Loading = false
	st.Error = userMsg
	if installed {
		st.Fallback = true
	}
	s.putState(key, st)
	s.mu.Unlock()
	if installed {
		metrics.FallbackTotal.WithLabelValues(metricLabel(key)).Inc()
		logger.L().Warn("fallback_installed", "resource", key)
	}
	return fmt.Errorf("refresh %s: %w", key, err)
}

func isMinerKey(key string) bool { return strings.HasPrefix(key, "miner:") }

// metricLabel：矿工详情按类别计数，避免 uid 进入指标标签
func metricLabel(key string) string {
	if isMinerKey(key) {
		return "miner"
	}
	return key
}

// getState/putState 需在持有 s.mu 时调用
func (s *Service) getState(key string) State {
	if isMinerKey(key) {
		st, _ := s.minerStates.Peek(key)
		return st
	}
	return s.state[key]
}

func (s *Service) putState(key string, st State) {
	if isMinerKey(key) {
		s.minerStates.Add(key, st)
		return
	}
	s.state[key] = st
}

func (s *Service) setState(key string, f func(*State)) {
	s.mu.Lock()
	st := s.getState(key)
	f(&st)
	s.putState(key, st)
	s.mu.Unlock()
}

// report：已初始化 Sentry 时上报刷新失败，未初始化时为空操作
func report(resource string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("resource", resource)
		sentry.CaptureException(err)
	})
}

func snapshotKey(resource string) string { return "snapshot:" + resource }

func (s *Service) save(ctx context.Context, resource string, v any) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Set(ctx, snapshotKey(resource), v, s.opts.CacheTTL); err != nil {
		logger.L().Warn("snapshot_save_error", "resource", resource, "err", err)
	}
}

// warm：从缓存恢复上次快照，只填充尚为空的资源
func (s *Service) warm(ctx context.Context) {
	c := s.opts.Cache
	if c == nil {
		return
	}
	var (
		g    upstream.GlobalMetrics
		ids  []geoagg.EntityID
		ops  []upstream.AllReduceOp
		recs []geoagg.LocationRecord
	)
	okG, _ := c.Get(ctx, snapshotKey(ResourceGlobal), &g)
	okM, _ := c.Get(ctx, snapshotKey(ResourceMiners), &ids)
	okA, _ := c.Get(ctx, snapshotKey(ResourceAllReduce), &ops)
	okL, _ := c.Get(ctx, snapshotKey(ResourceLocations), &recs)
	var view MapView
	if okL {
		view = s.buildMap(recs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if okG && s.global == nil {
		s.global = &g
	}
	if okM && s.miners == nil {
		s.miners = ids
	}
	if okA && s.allreduce == nil {
		s.allreduce = ops
	}
	if okL && s.locations == nil {
		s.locations = recs
		s.mapView = view
	}
	logger.L().Info("snapshot_warm", "global", okG, "miners", okM, "allreduce", okA, "locations", okL)
}

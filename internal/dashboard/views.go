package dashboard

import (
	"context"
	"fmt"
	"math"

	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/jundi69/dashboard38/internal/upstream"
)

const (
	MsgNoLocations   = "No location data available."
	MsgUnprocessable = "Location data found, but could not be processed for map. Check lat/lon values."
)

// Summary：全网指标概要
type Summary struct {
	AvgBandwidth    float64 `json:"avg_bandwidth"`
	AvgTrainingRate float64 `json:"avg_training_rate"`
	ActiveMiners    float64 `json:"active_miners"`
	CurrentEpoch    float64 `json:"current_epoch"`
}

// Summarize：带宽均值保留 2 位、训练速率均值取整、活跃矿工取最新值取整、当前轮次取最大值；空序列记 0
func Summarize(g *upstream.GlobalMetrics) Summary {
	var out Summary
	if g == nil {
		return out
	}
	out.AvgBandwidth = roundTo(mean(g.Bandwidth), 2)
	out.AvgTrainingRate = roundTo(mean(g.TrainingRate), 0)
	if n := len(g.ActiveMiners); n > 0 {
		out.ActiveMiners = roundTo(g.ActiveMiners[n-1].Value, 0)
	}
	for i, p := range g.Epochs {
		if i == 0 || p.Value > out.CurrentEpoch {
			out.CurrentEpoch = p.Value
		}
	}
	return out
}

func mean(s upstream.Series) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s {
		sum += p.Value
	}
	return sum / float64(len(s))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

type GlobalView struct {
	Metrics *upstream.GlobalMetrics `json:"metrics"`
	Summary Summary                 `json:"summary"`
	State   State                   `json:"state"`
}

func (s *Service) Global() GlobalView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.global
	if g == nil {
		g = &upstream.GlobalMetrics{}
	}
	return GlobalView{Metrics: g, Summary: Summarize(g), State: s.state[ResourceGlobal]}
}

// MinerOption：矿工下拉选项
type MinerOption struct {
	Value geoagg.EntityID `json:"value"`
	Label string          `json:"label"`
}

func (s *Service) Miners() []MinerOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MinerOption, 0, len(s.miners))
	for _, id := range s.miners {
		out = append(out, MinerOption{Value: id, Label: "Miner " + id.String()})
	}
	return out
}

type MinerView struct {
	UID    string                `json:"uid"`
	Detail *upstream.MinerDetail `json:"detail"`
	State  State                 `json:"state"`
}

// 文档注释：按需读取单个矿工详情
// 背景：先查缓存，未命中再请求上游并回写缓存；失败时按配置返回生成的兜底详情并在状态中带出错误文案。
// 返回：已加载矿工列表且 uid 不在其中时返回 ErrUnknownMiner；未开启兜底且上游失败时返回错误。
func (s *Service) Miner(ctx context.Context, uid string) (MinerView, error) {
	if !s.knownMiner(uid) {
		return MinerView{}, ErrUnknownMiner
	}
	key := MinerResource(uid)
	if s.opts.Cache != nil {
		var d upstream.MinerDetail
		if ok, _ := s.opts.Cache.Get(ctx, key, &d); ok {
			return MinerView{UID: uid, Detail: &d, State: s.stateOf(key)}, nil
		}
	}
	var detail *upstream.MinerDetail
	err := s.refresh(ctx, key, fmt.Sprintf("Failed to load data for miner %s", uid),
		func(ctx context.Context) error {
			d, err := s.up.Miner(ctx, uid)
			if err != nil {
				return err
			}
			detail = d
			if s.opts.Cache != nil {
				if err := s.opts.Cache.Set(ctx, key, d, s.opts.CacheTTL); err != nil {
					logger.L().Warn("miner_cache_set_error", "uid", uid, "err", err)
				}
			}
			return nil
		},
		func() bool {
			detail = upstream.FallbackMiner(s.opts.Now(), uid)
			return true
		})
	if detail == nil {
		return MinerView{}, err
	}
	return MinerView{UID: uid, Detail: detail, State: s.stateOf(key)}, nil
}

// knownMiner：矿工列表尚未加载时不做限制
func (s *Service) knownMiner(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.miners == nil {
		return true
	}
	for _, id := range s.miners {
		if id.String() == uid {
			return true
		}
	}
	return false
}

type AllReduceView struct {
	Operations []upstream.AllReduceOp `json:"operations"`
	State      State                  `json:"state"`
}

func (s *Service) AllReduce() AllReduceView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.allreduce
	if ops == nil {
		ops = []upstream.AllReduceOp{}
	}
	return AllReduceView{Operations: ops, State: s.state[ResourceAllReduce]}
}

// Locations：返回补全后的原始位置记录
func (s *Service) Locations() []geoagg.LocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locations == nil {
		return []geoagg.LocationRecord{}
	}
	return s.locations
}

// MapPoint：带渲染半径的聚合点
type MapPoint struct {
	geoagg.AggregatePoint
	Radius float64 `json:"radius"`
}

type MapView struct {
	Points  []MapPoint    `json:"points"`
	Lines   []geoagg.Line `json:"lines"`
	Report  geoagg.Report `json:"report"`
	Message string        `json:"message,omitempty"`
}

func (s *Service) Map() MapView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapView
}

// 文档注释：由位置记录构建地图视图
// 背景：聚合同一坐标的记录并计算半径与连线，点数超过连线上限时告警。
// 丢弃计数器只在拉取到新数据时累加，由调用方负责，热启动重建视图不重复计数。
// 约束：无记录与记录全部无效时给出不同提示文案。
func (s *Service) buildMap(recs []geoagg.LocationRecord) MapView {
	pts, rep := geoagg.SummarizeWithPrecision(recs, s.precision)
	view := MapView{
		Points: make([]MapPoint, 0, len(pts)),
		Lines:  geoagg.Mesh(pts, s.opts.MeshLimit),
		Report: rep,
	}
	for _, p := range pts {
		view.Points = append(view.Points, MapPoint{AggregatePoint: p, Radius: geoagg.Radius(p.Count, s.opts.RadiusScale)})
	}
	switch {
	case rep.Total == 0:
		view.Message = MsgNoLocations
	case rep.Points == 0:
		view.Message = MsgUnprocessable
	}
	if len(pts) > s.opts.MeshLimit {
		logger.L().Warn("map_mesh_skipped", "points", len(pts), "limit", s.opts.MeshLimit)
	}
	if rep.Dropped > 0 {
		logger.L().Debug("map_records_dropped", "total", rep.Total, "dropped", rep.Dropped)
	}
	metrics.MapPoints.Set(float64(rep.Points))
	metrics.MapRecords.Set(float64(rep.Total))
	return view
}

func (s *Service) stateOf(key string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getState(key)
}

// States：全部资源状态的副本
func (s *Service) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.state)+s.minerStates.Len())
	for k, v := range s.state {
		out[k] = v
	}
	for _, k := range s.minerStates.Keys() {
		if v, ok := s.minerStates.Peek(k); ok {
			out[k] = v
		}
	}
	return out
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_upstream_requests_total",
		Help: "Total upstream metrics API requests",
	}, []string{"endpoint"})
	UpstreamFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_upstream_fail_total",
		Help: "Total upstream metrics API failures after retries",
	}, []string{"endpoint"})
	UpstreamRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_upstream_retries_total",
		Help: "Total upstream request retries",
	}, []string{"endpoint"})
	UpstreamDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dash_upstream_duration_ms",
		Help:    "Upstream request duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	}, []string{"endpoint"})
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_refresh_total",
		Help: "Snapshot refreshes by resource and status",
	}, []string{"resource", "status"})
	FallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_fallback_total",
		Help: "Times generated fallback data was installed",
	}, []string{"resource"})
	MapPoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dash_map_points",
		Help: "Aggregated map points in the current snapshot",
	})
	MapRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dash_map_records",
		Help: "Location records in the current snapshot",
	})
	DroppedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dash_dropped_records_total",
		Help: "Location records dropped for invalid coordinates",
	})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_cache_hits_total",
		Help: "Cache hits by tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_cache_misses_total",
		Help: "Cache misses by tier",
	}, []string{"tier"})
	EnrichedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dash_enriched_total",
		Help: "Location records enriched from IP databases",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamFailTotal)
	prometheus.MustRegister(UpstreamRetriesTotal)
	prometheus.MustRegister(UpstreamDurationMs)
	prometheus.MustRegister(RefreshTotal)
	prometheus.MustRegister(FallbackTotal)
	prometheus.MustRegister(MapPoints)
	prometheus.MustRegister(MapRecords)
	prometheus.MustRegister(DroppedRecordsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(EnrichedTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标，供 Prometheus 抓取；在主入口挂载到 API 前缀下。
func Handler() http.Handler { return promhttp.Handler() }

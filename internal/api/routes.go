// 包 api：集中注册看板 HTTP API 路由以解耦主入口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jundi69/dashboard38/internal/dashboard"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/jundi69/dashboard38/internal/store"
)

// StatsReader：刷新统计读取接口，由 *store.Store 实现
type StatsReader interface {
	GetTotals(ctx context.Context) (*store.Totals, error)
}

type handlers struct {
	svc   *dashboard.Service
	stats StatsReader
}

// 构建并返回 API 路由：所有路由挂在 base 前缀下，统一附加访问日志中间件
// 约束：stats 为 nil 时 /stats 返回 503
func BuildRoutes(base string, svc *dashboard.Service, stats StatsReader) *mux.Router {
	h := &handlers{svc: svc, stats: stats}
	root := mux.NewRouter()
	root.Use(logger.AccessMiddleware(logger.L()))
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r := root
	if base = strings.TrimRight(base, "/"); base != "" {
		r = root.PathPrefix(base).Subrouter()
	}
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/global", h.global).Methods(http.MethodGet)
	r.HandleFunc("/miners", h.miners).Methods(http.MethodGet)
	r.HandleFunc("/miners/{uid}", h.miner).Methods(http.MethodGet)
	r.HandleFunc("/allreduce", h.allreduce).Methods(http.MethodGet)
	r.HandleFunc("/map", h.mapView).Methods(http.MethodGet)
	r.HandleFunc("/locations", h.locations).Methods(http.MethodGet)
	r.HandleFunc("/refresh", h.refresh).Methods(http.MethodPost)
	r.HandleFunc("/state", h.state).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.statsTotals).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return root
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) global(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Global())
}

func (h *handlers) miners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Miners())
}

func (h *handlers) miner(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	v, err := h.svc.Miner(r.Context(), uid)
	if errors.Is(err, dashboard.ErrUnknownMiner) {
		writeError(w, http.StatusNotFound, "Unknown miner "+uid)
		return
	}
	if err != nil {
		logger.L().Warn("miner_detail_error", "uid", uid, "err", err, "req_id", logger.RequestID(r.Context()))
		writeError(w, http.StatusBadGateway, "Failed to load data for miner "+uid)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) allreduce(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.AllReduce())
}

func (h *handlers) mapView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Map())
}

func (h *handlers) locations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Locations())
}

// refresh：只登记刷新请求，由后台循环执行
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	h.svc.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.States())
}

func (h *handlers) statsTotals(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}
	t, err := h.stats.GetTotals(r.Context())
	if err != nil {
		logger.L().Error("stats_totals_error", "err", err, "req_id", logger.RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jundi69/dashboard38/internal/api"
	"github.com/jundi69/dashboard38/internal/cache"
	"github.com/jundi69/dashboard38/internal/config"
	"github.com/jundi69/dashboard38/internal/dashboard"
	"github.com/jundi69/dashboard38/internal/geoip"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/middleware"
	"github.com/jundi69/dashboard38/internal/migrate"
	"github.com/jundi69/dashboard38/internal/store"
	"github.com/jundi69/dashboard38/internal/upstream"
	"github.com/jundi69/dashboard38/internal/utils"
)

func main() {
	config.LoadEnvFiles()
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok")
	cfg := config.FromEnv()
	l.Debug("config_loaded", "addr", cfg.Addr, "base", cfg.APIBase, "upstream", cfg.Upstream.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			l.Error("sentry_init_error", "err", err)
		} else {
			l.Info("sentry_init_ok")
			defer sentry.Flush(2 * time.Second)
		}
	}

	// 背景：统计库可选；未配置 PG_HOST 时不落库，/stats 返回 503
	var st *store.Store
	if cfg.PostgresEnabled {
		db, err := utils.OpenPostgresFromEnv(ctx)
		if err != nil {
			l.Error("db_open_error", "err", err)
		} else if err := migrate.EnsureSchema(ctx, db); err != nil {
			l.Error("schema_error", "err", err)
			_ = db.Close()
		} else {
			l.Info("db_open_ok")
			st = store.AttachDB(db)
			defer st.Close()
		}
	}

	rc := utils.OpenRedis(ctx, cfg.Redis)
	if rc != nil {
		defer rc.Close()
	}
	tc := cache.NewTiered(cache.NewLocal(cfg.Cache.LocalSize, cfg.Cache.TTL), rc, cfg.Cache.TTL)

	enricher, closeGeo := geoip.OpenFromPaths(cfg.GeoIP.CityPath, cfg.GeoIP.ASNPath, cfg.GeoIP.IP2RegionPath)
	defer closeGeo()

	client := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	hctx, hcancel := context.WithTimeout(ctx, cfg.Upstream.Timeout)
	if err := client.Heartbeat(hctx); err != nil {
		l.Warn("upstream_unreachable", "url", cfg.Upstream.BaseURL, "err", err)
	} else {
		l.Info("upstream_ok", "url", cfg.Upstream.BaseURL)
	}
	hcancel()

	opts := dashboard.Options{
		Interval:    cfg.Refresh.Interval,
		Fallback:    cfg.Refresh.FallbackEnabled,
		Precision:   &cfg.Map.Precision,
		MeshLimit:   cfg.Map.MeshLimit,
		RadiusScale: cfg.Map.RadiusScale,
		CacheTTL:    cfg.Cache.TTL,
		Cache:       tc,
		Enricher:    enricher,
	}
	var stats api.StatsReader
	if st != nil {
		opts.Recorder = st
		stats = st
	}
	svc := dashboard.New(client, opts)
	svc.Start(ctx)

	router := api.BuildRoutes(cfg.APIBase, svc, stats)
	router.Use(middleware.Limit(cfg.Limit))
	// NOTE: 向前端暴露 API 基础路径，避免硬编码
	router.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__='" + cfg.APIBase + "'\n"))
	})
	if fi, err := os.Stat(cfg.UIDir); err == nil && fi.IsDir() {
		l.Debug("config_ui_dir", "dir", cfg.UIDir)
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.UIDir)))
	}

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.Info("shutdown_begin")
		if err := s.Shutdown(sctx); err != nil {
			l.Error("shutdown_error", "err", err)
		}
	}()

	var err error
	if cfg.TLS.Enabled {
		if err := utils.EnsureSelfSignedCert(cfg.TLS.CertPath, cfg.TLS.KeyPath, "dashboard.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLS.CertPath)
		err = s.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
	} else {
		l.Info("listening", "addr", cfg.Addr)
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_done")
}

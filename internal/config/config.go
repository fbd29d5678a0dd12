// 包 config：集中读取环境变量为类型化配置，主入口与工具共用；非法数值静默回退默认值
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr    string
	APIBase string

	Upstream UpstreamConfig
	Refresh  RefreshConfig
	Map      MapConfig
	Cache    CacheConfig
	Redis    RedisConfig
	GeoIP    GeoIPConfig
	Limit    RateLimitConfig
	TLS      TLSConfig

	UIDir           string
	PostgresEnabled bool
	SentryDSN       string
}

type UpstreamConfig struct {
	BaseURL string
	Timeout time.Duration
}

type RefreshConfig struct {
	Interval        time.Duration
	FallbackEnabled bool
}

type MapConfig struct {
	Precision   int
	MeshLimit   int
	RadiusScale float64
}

type CacheConfig struct {
	TTL       time.Duration
	LocalSize int
}

type RedisConfig struct {
	Enabled bool
	Addr    string
	Pass    string
	DB      int
}

type GeoIPConfig struct {
	CityPath      string
	ASNPath       string
	IP2RegionPath string
}

// TLSConfig：启用且证书缺失时启动阶段生成自签名证书
type TLSConfig struct {
	Enabled  bool
	CertPath string
	KeyPath  string
}

type RateLimitConfig struct {
	Enabled bool
	QPS     int
}

// LoadEnvFiles：依次尝试加载 .env 与 data/env/.env，文件缺失不报错
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
}

// FromEnv：读取当前进程环境变量
func FromEnv() Config {
	return Config{
		Addr:    str("ADDR", ":8080"),
		APIBase: strings.TrimRight(str("API_BASE", "/api"), "/"),
		Upstream: UpstreamConfig{
			BaseURL: strings.TrimRight(str("UPSTREAM_URL", "http://localhost:8000"), "/"),
			Timeout: time.Duration(num("UPSTREAM_TIMEOUT_MS", 4000)) * time.Millisecond,
		},
		Refresh: RefreshConfig{
			Interval:        time.Duration(num("REFRESH_INTERVAL_S", 30)) * time.Second,
			FallbackEnabled: os.Getenv("FALLBACK_ENABLED") != "false",
		},
		Map: MapConfig{
			Precision:   numAllowZero("MAP_PRECISION", 5),
			MeshLimit:   num("MAP_MESH_LIMIT", 15),
			RadiusScale: float("MAP_RADIUS_SCALE", 6),
		},
		Cache: CacheConfig{
			TTL:       time.Duration(num("CACHE_TTL_S", 60)) * time.Second,
			LocalSize: num("CACHE_LOCAL_SIZE", 256),
		},
		Redis: RedisConfig{
			Enabled: os.Getenv("REDIS_ENABLED") == "true",
			Addr:    str("REDIS_HOST", "127.0.0.1") + ":" + str("REDIS_PORT", "6379"),
			Pass:    os.Getenv("REDIS_PASS"),
			DB:      numAllowZero("REDIS_DB", 0),
		},
		GeoIP: GeoIPConfig{
			CityPath:      os.Getenv("GEOIP_CITY_PATH"),
			ASNPath:       os.Getenv("GEOIP_ASN_PATH"),
			IP2RegionPath: os.Getenv("IP2REGION_V4_PATH"),
		},
		Limit: RateLimitConfig{
			Enabled: os.Getenv("RATE_LIMIT_ENABLED") == "true",
			QPS:     num("RATE_LIMIT_QPS", 200),
		},
		TLS: TLSConfig{
			Enabled:  os.Getenv("TLS_ENABLE") == "true",
			CertPath: str("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt")),
			KeyPath:  str("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key")),
		},
		UIDir:           str("UI_DIST", filepath.Join("ui", "dist")),
		PostgresEnabled: os.Getenv("PG_HOST") != "",
		SentryDSN:       os.Getenv("SENTRY_DSN"),
	}
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// num：仅接受正整数
func num(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func numAllowZero(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

func float(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return def
}

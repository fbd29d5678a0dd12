// 包 upstream：训练网络后端指标 API 的 HTTP 客户端，统一超时、重试、指标与日志
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
)

// StatusError：上游返回 4xx/5xx 时的错误，携带截断后的响应体
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

const maxErrBody = 512

// 文档注释：后端指标 API 客户端
// 约束：重试仅针对网络错误与 429/5xx；退避从 Backoff 起翻倍，尝试次数上限 MaxAttempts；遵守 ctx 取消。
type Client struct {
	base        string
	http        *http.Client
	MaxAttempts int
	Backoff     time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		base:        strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		MaxAttempts: 4,
		Backoff:     200 * time.Millisecond,
	}
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) Global(ctx context.Context) (*GlobalMetrics, error) {
	var out GlobalMetrics
	if err := c.getJSON(ctx, "global", "/metrics/global", &out); err != nil {
		return nil, fmt.Errorf("fetch global metrics: %w", err)
	}
	return &out, nil
}

func (c *Client) Miners(ctx context.Context) ([]geoagg.EntityID, error) {
	var out []geoagg.EntityID
	if err := c.getJSON(ctx, "miners", "/metrics/miners", &out); err != nil {
		return nil, fmt.Errorf("fetch miners: %w", err)
	}
	return out, nil
}

func (c *Client) Miner(ctx context.Context, uid string) (*MinerDetail, error) {
	var out MinerDetail
	if err := c.getJSON(ctx, "miner", "/metrics/miner/"+url.PathEscape(uid), &out); err != nil {
		return nil, fmt.Errorf("fetch miner %s: %w", uid, err)
	}
	return &out, nil
}

func (c *Client) AllReduce(ctx context.Context) ([]AllReduceOp, error) {
	var out []AllReduceOp
	if err := c.getJSON(ctx, "allreduce", "/metrics/allreduce", &out); err != nil {
		return nil, fmt.Errorf("fetch allreduce operations: %w", err)
	}
	return out, nil
}

func (c *Client) Locations(ctx context.Context) ([]geoagg.LocationRecord, error) {
	var out []geoagg.LocationRecord
	if err := c.getJSON(ctx, "locations", "/metrics/locations", &out); err != nil {
		return nil, fmt.Errorf("fetch locations: %w", err)
	}
	return out, nil
}

// 文档注释：心跳检测
// 背景：访问 /health 探测后端可用性；非 200 视为不可用，不重试。
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	t0 := time.Now()
	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint).Inc()
	logger.L().Debug("upstream_req", "endpoint", endpoint, "path", path)
	resp, err := c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if rid := logger.RequestID(ctx); rid != "" {
			req.Header.Set(logger.RequestIDHeader, rid)
		}
		return req, nil
	})
	metrics.UpstreamDurationMs.WithLabelValues(endpoint).Observe(float64(time.Since(t0).Milliseconds()))
	if err != nil {
		metrics.UpstreamFailTotal.WithLabelValues(endpoint).Inc()
		logger.L().Warn("upstream_http_error", "endpoint", endpoint, "err", err)
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.UpstreamFailTotal.WithLabelValues(endpoint).Inc()
		logger.L().Warn("upstream_decode_error", "endpoint", endpoint, "err", err)
		return fmt.Errorf("decode response: %w", err)
	}
	logger.L().Debug("upstream_resp", "endpoint", endpoint, "duration_ms", time.Since(t0).Milliseconds())
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry：对网络错误与 429/5xx 指数退避重试
func (c *Client) doWithRetry(ctx context.Context, endpoint string, makeReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			return nil, lastErr
		}
		metrics.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
		logger.L().Debug("upstream_retry", "endpoint", endpoint, "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

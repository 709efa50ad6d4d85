// Package httpx provides the outbound HTTP client shared by the dispatcher,
// the retry loops, the session refresher and the backend calls.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/internal/tlsutil"
)

// =============================================================================
// 🌐 出站 HTTP 客户端
// =============================================================================

// Config 出站客户端配置
type Config struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	// 每个目标主机的请求速率（req/s），0 表示不限速
	RatePerHost float64 `yaml:"rate_per_host" json:"rate_per_host" env:"RATE_PER_HOST"`
	Burst       int     `yaml:"burst" json:"burst" env:"BURST"`
	UserAgent   string  `yaml:"user_agent" json:"user_agent" env:"USER_AGENT"`
	Proxy       string  `yaml:"proxy" json:"proxy" env:"PROXY"`
	// 响应体读取上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RatePerHost:  5,
		Burst:        5,
		UserAgent:    "formrelay/1.0",
		MaxBodyBytes: 10 << 20,
	}
}

// Client 带每主机限速、Cookie 共享、指标与追踪的 HTTP 客户端。
// Client 可并发使用。
type Client struct {
	http    *http.Client
	jar     *cookiejar.Jar
	cfg     Config
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient 创建出站客户端
func NewClient(cfg Config, collector *metrics.Collector, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	tr, err := tlsutil.SecureTransport(tlsutil.TransportOptions{Proxy: cfg.Proxy})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("build cookie jar: %w", err)
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tr,
			Jar:       jar,
		},
		jar:      jar,
		cfg:      cfg,
		metrics:  collector,
		tracer:   otel.Tracer("formrelay/httpx"),
		logger:   logger.With(zap.String("component", "httpx")),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// SetCookies 把浏览器会话中的 Cookie 同步到客户端，使带外提交携带同一会话。
func (c *Client) SetCookies(u *url.URL, cookies []*http.Cookie) {
	c.jar.SetCookies(u, cookies)
}

// Cookie 返回 u 对应的指定名称 Cookie
func (c *Client) Cookie(u *url.URL, name string) (string, bool) {
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Get 发送 GET 请求
func (c *Client) Get(ctx context.Context, target string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(req)
}

// PostForm 发送 application/x-www-form-urlencoded 表单
func (c *Client) PostForm(ctx context.Context, target string, values url.Values, referer string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return c.Do(req)
}

// PostJSON 发送 JSON 请求体
func (c *Client) PostJSON(ctx context.Context, target string, body any) (*Document, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// FilePart 多部分表单中的文件字段
type FilePart struct {
	Field    string
	FileName string
	Data     []byte
}

// PostMultipart 发送 multipart/form-data 请求
func (c *Client) PostMultipart(ctx context.Context, target string, fields map[string]string, files ...FilePart) (*Document, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.FileName)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write form file: %w", err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.Do(req)
}

// Do 执行请求：等待主机令牌、注入追踪上下文、读取受限响应体。
// 只有传输层失败返回 error；非 2xx 响应通过 Document.OK 判断。
func (c *Client) Do(req *http.Request) (*Document, error) {
	ctx := req.Context()
	host := req.URL.Host

	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, req.Method+" "+host,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordHTTPRequest(req.Method, host, 0, time.Since(start), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read body: %w", err)
	}

	c.metrics.RecordHTTPRequest(req.Method, host, resp.StatusCode, time.Since(start), int64(len(body)))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}

	c.logger.Debug("http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	return &Document{
		Status: resp.StatusCode,
		URL:    resp.Request.URL.String(),
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		limit := rate.Inf
		if c.cfg.RatePerHost > 0 {
			limit = rate.Limit(c.cfg.RatePerHost)
		}
		l = rate.NewLimiter(limit, c.cfg.Burst)
		c.limiters[host] = l
	}
	return l
}

// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法在 nil 接收者上是空操作，
// 组件可以在未启用指标时直接持有 nil。
type Collector struct {
	// 出站 HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 控制面入站请求指标
	controlRequestsTotal   *prometheus.CounterVec
	controlRequestDuration *prometheus.HistogramVec

	// 实时通道指标
	channelState      *prometheus.GaugeVec
	channelReconnects prometheus.Counter
	channelMessages   *prometheus.CounterVec

	// 调度器指标
	jobsDecided    *prometheus.CounterVec
	jobsResolved   *prometheus.CounterVec
	dispatchQueued prometheus.Gauge

	// 验证码指标
	captchaPuts      prometheus.Counter
	captchaEvictions prometheus.Counter
	captchaTakes     *prometheus.CounterVec
	ocrRequests      *prometheus.CounterVec
	ocrDuration      prometheus.Histogram

	// 提交指标
	submissions *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	// 后台任务池指标
	workersActive prometheus.Gauge
	workersQueued prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建注册到默认 Registerer 的指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建注册到指定 Registerer 的指标收集器
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 出站 HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "host", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Outbound HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "host"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Outbound HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "host"},
	)

	// 控制面入站请求指标
	c.controlRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"method", "route", "status"},
	)

	c.controlRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"method", "route"},
	)

	// 实时通道指标
	c.channelState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Realtime channel state (1 for the current state)",
		},
		[]string{"state"},
	)

	c.channelReconnects = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	c.channelMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Total number of inbound channel messages by kind",
		},
		[]string{"kind"},
	)

	// 调度器指标
	c.jobsDecided = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_decided_total",
			Help:      "Total number of broadcast jobs by acceptance decision",
		},
		[]string{"decision"},
	)

	c.jobsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_resolved_total",
			Help:      "Total number of dispatched jobs by route and outcome",
		},
		[]string{"route", "status"},
	)

	c.dispatchQueued = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_length",
			Help:      "Jobs waiting in the dispatcher queue",
		},
	)

	// 验证码指标
	c.captchaPuts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_puts_total",
			Help:      "Total number of captcha records stored",
		},
	)

	c.captchaEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_evictions_total",
			Help:      "Total number of captcha records evicted for capacity",
		},
	)

	c.captchaTakes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_takes_total",
			Help:      "Total number of captcha take attempts by result",
		},
		[]string{"result"},
	)

	c.ocrRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_requests_total",
			Help:      "Total number of OCR requests by status",
		},
		[]string{"status"},
	)

	c.ocrDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_request_duration_seconds",
			Help:      "OCR request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// 提交指标
	c.submissions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of form submissions by page and outcome",
		},
		[]string{"page", "outcome"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)

	c.workersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Background tasks currently running",
		},
	)

	c.workersQueued = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_queued",
			Help:      "Background tasks waiting for a worker",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📝 记录方法
// =============================================================================

// RecordHTTPRequest 记录出站 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, host string, status int, duration time.Duration, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, host, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, host).Observe(duration.Seconds())
	if responseSize > 0 {
		c.httpResponseSize.WithLabelValues(method, host).Observe(float64(responseSize))
	}
}

// RecordControlRequest 记录控制面请求，route 须为归一化后的路由模式
func (c *Collector) RecordControlRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.controlRequestsTotal.WithLabelValues(method, route, statusCode(status)).Inc()
	c.controlRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordChannelState 将当前状态置 1，其余已知状态置 0
func (c *Collector) RecordChannelState(current string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.channelState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect 记录一次计划中的重连
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.channelReconnects.Inc()
}

// RecordChannelMessage 记录入站消息
func (c *Collector) RecordChannelMessage(kind string) {
	if c == nil {
		return
	}
	c.channelMessages.WithLabelValues(kind).Inc()
}

// RecordJobDecision 记录广播任务的接收判定
func (c *Collector) RecordJobDecision(decision string) {
	if c == nil {
		return
	}
	c.jobsDecided.WithLabelValues(decision).Inc()
}

// RecordJobResolved 记录任务处理结果
func (c *Collector) RecordJobResolved(route string, err error) {
	if c == nil {
		return
	}
	c.jobsResolved.WithLabelValues(route, outcome(err)).Inc()
}

// RecordQueueLength 记录调度队列长度
func (c *Collector) RecordQueueLength(n int) {
	if c == nil {
		return
	}
	c.dispatchQueued.Set(float64(n))
}

// RecordCaptchaPut 记录验证码写入与淘汰数
func (c *Collector) RecordCaptchaPut(evicted int) {
	if c == nil {
		return
	}
	c.captchaPuts.Inc()
	if evicted > 0 {
		c.captchaEvictions.Add(float64(evicted))
	}
}

// RecordCaptchaTake 记录验证码消费
func (c *Collector) RecordCaptchaTake(found bool) {
	if c == nil {
		return
	}
	result := "empty"
	if found {
		result = "taken"
	}
	c.captchaTakes.WithLabelValues(result).Inc()
}

// RecordOCR 记录 OCR 请求
func (c *Collector) RecordOCR(duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.ocrRequests.WithLabelValues(outcome(err)).Inc()
	c.ocrDuration.Observe(duration.Seconds())
}

// RecordSubmission 记录表单提交
func (c *Collector) RecordSubmission(page, result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(page, result).Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordWorkers 记录后台任务池的占用
func (c *Collector) RecordWorkers(active, queued int) {
	if c == nil {
		return
	}
	c.workersActive.Set(float64(active))
	c.workersQueued.Set(float64(queued))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusCode(code int) string {
	switch {
	case code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errEngineStopped = errors.New("engine is not running")

// readyTimeout 单次就绪检查的总时限
const readyTimeout = 5 * time.Second

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []registeredCheck
}

type registeredCheck struct {
	HealthCheck
	optional bool
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // "pass", "warn", "fail"
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("component", "health"))}
}

// RegisterCheck 注册必需的健康检查，失败时 /ready 返回 503
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.register(check, false)
}

// RegisterOptionalCheck 注册可选检查，失败只把状态降为 degraded。
// Redis 缓存与实时通道属于此类：缺失时流程仍可降级运行。
func (h *HealthHandler) RegisterOptionalCheck(check HealthCheck) {
	h.register(check, true)
}

func (h *HealthHandler) register(check HealthCheck, optional bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{HealthCheck: check, optional: optional})
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求（存活探针）
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务处于活动状态"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 请求，并发执行全部检查
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已准备就绪或降级"
// @Failure 503 {object} HealthStatus "服务尚未准备好"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]registeredCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	var (
		mu       sync.Mutex
		failed   bool
		degraded bool
		g        errgroup.Group
	)
	for _, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			latency := time.Since(start)

			result := CheckResult{Status: "pass", Latency: latency.String(), Optional: check.optional}
			if err != nil {
				result.Status = "fail"
				if check.optional {
					result.Status = "warn"
				}
				result.Message = err.Error()
				h.logger.Warn("health check failed",
					zap.String("check", check.Name()),
					zap.Bool("optional", check.optional),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[check.Name()] = result
			if err != nil {
				if check.optional {
					degraded = true
				} else {
					failed = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case failed:
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
	case degraded:
		status.Status = "degraded"
		WriteJSON(w, http.StatusOK, status)
	default:
		WriteJSON(w, http.StatusOK, status)
	}
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// PingCheck 以 ping 函数实现的检查，用于数据库连接池与 Redis
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewDatabaseHealthCheck 创建数据库健康检查
func NewDatabaseHealthCheck(ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: "database", ping: ping}
}

// NewRedisHealthCheck 创建 Redis 健康检查
func NewRedisHealthCheck(ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: "redis", ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// EngineHealthCheck 引擎运行检查：Run 未在执行时就绪检查失败
type EngineHealthCheck struct {
	running func() bool
}

// NewEngineHealthCheck 创建引擎运行检查
func NewEngineHealthCheck(running func() bool) *EngineHealthCheck {
	return &EngineHealthCheck{running: running}
}

func (c *EngineHealthCheck) Name() string { return "engine" }

func (c *EngineHealthCheck) Check(ctx context.Context) error {
	if !c.running() {
		return errEngineStopped
	}
	return nil
}

// ChannelHealthCheck 实时通道检查：当前页面加载的通道未打开时失败
type ChannelHealthCheck struct {
	state func() (string, bool)
}

// NewChannelHealthCheck 创建通道检查。state 返回通道状态以及是否存在页面加载。
func NewChannelHealthCheck(state func() (string, bool)) *ChannelHealthCheck {
	return &ChannelHealthCheck{state: state}
}

func (c *ChannelHealthCheck) Name() string { return "channel" }

func (c *ChannelHealthCheck) Check(ctx context.Context) error {
	st, ok := c.state()
	if !ok {
		return nil
	}
	if st != "open" {
		return errors.New("realtime channel " + st)
	}
	return nil
}

// =============================================================================
// 📦 FormRelay 默认配置
// =============================================================================
// 组合各组件的默认值；组件自身的 DefaultConfig 是唯一来源
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/formrelay/automation"
	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/internal/cache"
	"github.com/BaSui01/formrelay/internal/database"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/internal/pool"
	"github.com/BaSui01/formrelay/internal/server"
	"github.com/BaSui01/formrelay/internal/telemetry"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/realtime"
	"github.com/BaSui01/formrelay/session"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:        DefaultLogConfig(),
		Browser:    page.DefaultBrowserConfig(),
		Automation: automation.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Realtime:   realtime.DefaultConfig(),
		Session:    DefaultSessionConfig(),
		Captcha:    DefaultCaptchaConfig(),
		Backend:    backend.DefaultConfig(),
		Report:     backend.DefaultReportConfig(),
		HTTP:       httpx.DefaultConfig(),
		Database:   database.DefaultConfig(),
		Redis:      DefaultRedisConfig(),
		Engine:     EngineConfig{StopTimeout: 5 * time.Second, Workers: pool.DefaultConfig()},
		Server:     DefaultServerConfig(),
		Metrics:    DefaultMetricsConfig(),
		Telemetry:  telemetry.DefaultConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultSessionConfig 凭证缓存在进程内存中
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Refresh: session.DefaultRefreshConfig(),
		Cache: session.CacheConfig{
			Key:       session.DefaultKey,
			Freshness: session.DefaultFreshness,
		},
		Store: session.StoreConfig{Type: session.StoreTypeMemory},
	}
}

// DefaultCaptchaConfig 返回默认验证码存储配置
func DefaultCaptchaConfig() CaptchaConfig {
	d := captcha.DefaultConfig()
	return CaptchaConfig{
		Backend:    "memory",
		Capacity:   d.Capacity,
		StaleAfter: d.StaleAfter,
		Eviction:   d.Eviction,
		PurgeEvery: d.PurgeEvery,
	}
}

// DefaultRedisConfig 默认不连接 Redis
func DefaultRedisConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Addr = ""
	return cfg
}

// DefaultServerConfig 控制面默认只监听本机
func DefaultServerConfig() ServerConfig {
	d := server.DefaultConfig()
	return ServerConfig{
		Enabled:         true,
		Addr:            d.Addr,
		ReadTimeout:     d.ReadTimeout,
		WriteTimeout:    d.WriteTimeout,
		IdleTimeout:     d.IdleTimeout,
		ShutdownTimeout: d.ShutdownTimeout,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Addr:      "127.0.0.1:9091",
		Namespace: "formrelay",
	}
}

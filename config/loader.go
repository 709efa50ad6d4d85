// =============================================================================
// 📦 FormRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("formrelay.yaml").
//	    WithEnvPrefix("FORMRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

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

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "FORMRELAY"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FormRelay 的完整配置结构
type Config struct {
	Log LogConfig `yaml:"log" json:"log" env:"LOG"`

	// Browser 受控浏览器
	Browser page.BrowserConfig `yaml:"browser" json:"browser" env:"BROWSER"`

	// Automation 页面自动化（选择器、节奏、点击连发）
	Automation automation.Config `yaml:"automation" json:"automation"`

	// Dispatch 远程数据队列
	Dispatch dispatch.Config `yaml:"dispatch" json:"dispatch" env:"DISPATCH"`

	// Realtime 实时指令通道
	Realtime realtime.Config `yaml:"realtime" json:"realtime" env:"REALTIME"`

	Session SessionConfig `yaml:"session" json:"session" env:"SESSION"`
	Captcha CaptchaConfig `yaml:"captcha" json:"captcha" env:"CAPTCHA"`

	// Backend OCR / 转发 / 阶段日志服务
	Backend backend.Config       `yaml:"backend" json:"backend" env:"BACKEND"`
	Report  backend.ReportConfig `yaml:"report" json:"report" env:"REPORT"`

	// HTTP 页面外的表单请求客户端
	HTTP httpx.Config `yaml:"http" json:"http" env:"HTTP"`

	Database database.Config `yaml:"database" json:"database" env:"DATABASE"`

	// Redis 地址为空时不连接
	Redis cache.Config `yaml:"redis" json:"redis" env:"REDIS"`

	Engine    EngineConfig     `yaml:"engine" json:"engine" env:"ENGINE"`
	Server    ServerConfig     `yaml:"server" json:"server" env:"SERVER"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics" env:"METRICS"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// SessionConfig 会话凭证的刷新、缓存与存储
type SessionConfig struct {
	Refresh session.RefreshConfig `yaml:"refresh" json:"refresh" env:"REFRESH"`
	Cache   session.CacheConfig   `yaml:"cache" json:"cache"`
	Store   session.StoreConfig   `yaml:"store" json:"store" env:"STORE"`
	// Secret 缓存凭证的加密密钥
	Secret string `yaml:"secret" json:"-" env:"SECRET"`
}

// CaptchaConfig 验证码存储
type CaptchaConfig struct {
	// Backend 存储后端: memory, sql, redis
	Backend    string               `yaml:"backend" json:"backend" env:"BACKEND"`
	Capacity   int                  `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	StaleAfter time.Duration        `yaml:"stale_after" json:"stale_after" env:"STALE_AFTER"`
	Eviction   captcha.EvictionMode `yaml:"eviction" json:"eviction" env:"EVICTION"`
	PurgeEvery time.Duration        `yaml:"purge_every" json:"purge_every" env:"PURGE_EVERY"`
}

// Store 转换为 captcha 包的配置
func (c CaptchaConfig) Store() captcha.Config {
	return captcha.Config{Capacity: c.Capacity, StaleAfter: c.StaleAfter, Eviction: c.Eviction, PurgeEvery: c.PurgeEvery}
}

// EngineConfig 页面加载生命周期
type EngineConfig struct {
	// StopTimeout 等待上一次页面加载清理的最长时间
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout" env:"STOP_TIMEOUT"`
	// Workers 所有页面加载共享的后台任务池
	Workers pool.Config `yaml:"workers" json:"workers" env:"WORKERS"`
}

// ServerConfig 控制面 HTTP 服务配置
type ServerConfig struct {
	// Enabled 为 false 时不启动控制面
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" json:"addr" env:"ADDR"`

	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	CertFile string `yaml:"cert_file" json:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" json:"key_file" env:"KEY_FILE"`

	// 限流，RPS 为 0 表示不限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// 允许跨域的来源，为空时不输出 CORS 头
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" json:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	JWT JWTConfig `yaml:"jwt" json:"jwt" env:"JWT"`
}

// HTTP 转换为服务器管理器配置
func (s ServerConfig) HTTP() server.Config {
	cfg := server.DefaultConfig()
	cfg.Addr = s.Addr
	cfg.ReadTimeout = s.ReadTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.IdleTimeout = s.IdleTimeout
	cfg.ShutdownTimeout = s.ShutdownTimeout
	cfg.CertFile = s.CertFile
	cfg.KeyFile = s.KeyFile
	return cfg
}

// JWTConfig 控制面令牌校验。Secret 与 PublicKey 均为空时不启用鉴权
type JWTConfig struct {
	// HMAC 密钥
	Secret string `yaml:"secret" json:"-" env:"SECRET"`
	// RSA 公钥（PEM）
	PublicKey string `yaml:"public_key" json:"-" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" json:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" json:"audience" env:"AUDIENCE"`
}

// Enabled 是否配置了校验密钥
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// MetricsConfig Prometheus 指标端口
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" json:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" json:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// ConfigPath 返回配置文件路径
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，只处理带 env tag 的字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// time.Duration 以外的结构体递归处理
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := reflect.MakeSlice(field.Type(), 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = reflect.Append(out, reflect.ValueOf(p).Convert(field.Type().Elem()))
				}
			}
			field.Set(out)
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var errs []error

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	if c.Browser.StartURL == "" {
		errs = append(errs, errors.New("browser.start_url is required"))
	} else if _, err := url.ParseRequestURI(c.Browser.StartURL); err != nil {
		errs = append(errs, fmt.Errorf("browser.start_url: %w", err))
	}

	if c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("dispatch.interval must be positive"))
	}

	switch c.Realtime.Reconnect.Policy {
	case "", "flat", "backoff":
	default:
		errs = append(errs, fmt.Errorf("realtime.reconnect.policy must be flat or backoff, got %q", c.Realtime.Reconnect.Policy))
	}
	if c.Realtime.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.reconnect.max_attempts must not be negative"))
	}

	switch c.Session.Store.Type {
	case session.StoreTypeMemory, session.StoreTypeFile:
	case session.StoreTypeRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("session.store.type redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store.type: unknown %q", c.Session.Store.Type))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("session.secret is required"))
	}

	switch c.Captcha.Backend {
	case "memory":
	case "sql":
		if c.Database.Driver == "" {
			errs = append(errs, errors.New("captcha.backend sql requires database.driver"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("captcha.backend redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("captcha.backend: unknown %q", c.Captcha.Backend))
	}
	if c.Captcha.Capacity <= 0 {
		errs = append(errs, errors.New("captcha.capacity must be positive"))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := c.Engine.Workers.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.workers: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the control server is enabled"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

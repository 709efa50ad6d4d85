package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Config 数据库配置
type Config struct {
	// 驱动类型: postgres, mysql, sqlite；为空表示不使用数据库
	Driver   string `yaml:"driver" json:"driver" env:"DRIVER"`
	Host     string `yaml:"host" json:"host" env:"HOST"`
	Port     int    `yaml:"port" json:"port" env:"PORT"`
	User     string `yaml:"user" json:"user" env:"USER"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	// Name 数据库名；sqlite 下是文件路径，":memory:" 为内存库
	Name    string `yaml:"name" json:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`

	// 慢查询阈值，超过时以 warn 级别记录
	SlowThreshold time.Duration `yaml:"slow_threshold" json:"slow_threshold"`

	Pool PoolConfig `yaml:"pool" json:"pool" env:"POOL"`
}

// DefaultConfig 返回默认配置：本地 SQLite 文件
func DefaultConfig() Config {
	return Config{
		Driver:        DriverSQLite,
		Name:          "formrelay.db",
		SSLMode:       "disable",
		SlowThreshold: 200 * time.Millisecond,
		Pool:          DefaultPoolConfig(),
	}
}

// Enabled 报告是否配置了数据库
func (c Config) Enabled() bool { return c.Driver != "" }

// DSN 返回 GORM 驱动使用的连接串
func (c Config) DSN() string {
	switch c.Driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	case DriverMySQL:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name,
		)
	case DriverSQLite:
		if c.Name == ":memory:" {
			return "file::memory:?cache=shared"
		}
		return c.Name
	default:
		return ""
	}
}

// MigrationURL 返回 golang-migrate 使用的数据库 URL
func (c Config) MigrationURL() string {
	switch c.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:     "/" + c.Name,
			RawQuery: "sslmode=" + c.SSLMode,
		}
		return u.String()
	case DriverMySQL:
		return fmt.Sprintf("mysql://%s", c.DSN())
	case DriverSQLite:
		return "sqlite://" + c.Name
	default:
		return ""
	}
}

// Validate 检查配置
func (c Config) Validate() error {
	var errs []error
	switch c.Driver {
	case "":
		return nil
	case DriverSQLite:
		if c.Name == "" {
			errs = append(errs, errors.New("sqlite requires a file name"))
		}
	case DriverPostgres, DriverMySQL:
		if c.Host == "" {
			errs = append(errs, errors.New("database host is required"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid database port %d", c.Port))
		}
		if c.Name == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Driver))
	}
	return errors.Join(errs...)
}

// Dialector 返回驱动对应的 GORM 方言
func (c Config) Dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverPostgres:
		return postgres.Open(c.DSN()), nil
	case DriverMySQL:
		return mysql.Open(c.DSN()), nil
	case DriverSQLite:
		return sqlite.Open(c.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// QueryObserver 接收每条 SQL 的操作类型与耗时
type QueryObserver func(operation string, elapsed time.Duration)

// OpenOption 配置 Open
type OpenOption func(*openOptions)

type openOptions struct {
	observer QueryObserver
}

// WithQueryObserver 为每条执行的 SQL 回调 observer
func WithQueryObserver(observer QueryObserver) OpenOption {
	return func(o *openOptions) { o.observer = observer }
}

// Open 打开数据库。GORM 日志输出到 zap。
func Open(cfg Config, logger *zap.Logger, opts ...OpenOption) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	gormLog := NewGormLogger(logger, cfg.SlowThreshold)
	if o.observer != nil {
		gormLog = observedLogger{Interface: gormLog, observe: o.observer}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.String("name", cfg.Name))
	return db, nil
}

// zapWriter 把 GORM 的 Printf 输出转给 zap
type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.sugar.Debugf(format, args...)
}

// NewGormLogger 创建写入 zap 的 GORM 日志器，记录慢查询与错误
func NewGormLogger(logger *zap.Logger, slow time.Duration) gormlogger.Interface {
	w := zapWriter{sugar: logger.With(zap.String("component", "gorm")).Sugar()}
	return gormlogger.New(w, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// observedLogger 在 GORM 的 Trace 钩子上统计查询耗时，其余行为交给内层日志器
type observedLogger struct {
	gormlogger.Interface
	observe QueryObserver
}

func (l observedLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return observedLogger{Interface: l.Interface.LogMode(level), observe: l.observe}
}

func (l observedLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	sql, _ := fc()
	l.observe(queryOperation(sql), time.Since(begin))
	l.Interface.Trace(ctx, begin, fc, err)
}

// queryOperation 把 SQL 归类为有限的几个指标标签
func queryOperation(sql string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(sql), " ")
	switch op := strings.ToUpper(verb); op {
	case "SELECT", "INSERT", "UPDATE", "DELETE":
		return op
	default:
		return "OTHER"
	}
}

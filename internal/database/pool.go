package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 连接池管理器
// =============================================================================

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database: pool is closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 事务遇到瞬时错误时的最大尝试次数
	TxMaxAttempts uint `yaml:"tx_max_attempts" json:"tx_max_attempts"`
}

// DefaultPoolConfig 返回默认连接池配置。
// 单个引擎实例的写入量很小，连接数保持在个位数。
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        2,
		MaxOpenConns:        8,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		TxMaxAttempts:       3,
	}
}

// PoolManager 管理 GORM 连接池
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	// healthy 是最近一次健康检查的结果
	healthy bool
}

// NewPoolManager 应用连接池配置
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("database: db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:      db,
		sqlDB:   sqlDB,
		config:  config,
		logger:  logger.With(zap.String("component", "db_pool")),
		healthy: true,
	}
	pm.logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)
	return pm, nil
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 探测数据库
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Healthy 返回最近一次健康检查的结果
func (pm *PoolManager) Healthy() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.healthy && !pm.closed
}

// Start 启动后台健康检查，ctx 结束或连接池关闭时退出
func (pm *PoolManager) Start(ctx context.Context) {
	if pm.config.HealthCheckInterval <= 0 {
		return
	}
	go pm.healthCheckLoop(ctx)
}

func (pm *PoolManager) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !pm.checkOnce(ctx) {
			return
		}
	}
}

// checkOnce 执行一次探活，连接池已关闭时返回 false
func (pm *PoolManager) checkOnce(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pm.Ping(pingCtx)
	if errors.Is(err, ErrPoolClosed) {
		return false
	}

	pm.mu.Lock()
	pm.healthy = err == nil
	pm.mu.Unlock()

	if err != nil {
		pm.logger.Error("database health check failed", zap.Error(err))
		return true
	}
	stats := pm.Stats()
	pm.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
		zap.Int("idle", stats.Idle),
	)
	return true
}

// Close 关闭连接池
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// PoolStats 连接池统计
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// Stats 返回连接池统计
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行 fn，瞬时错误按指数退避重试
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	attempts := pm.config.TxMaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond

	try := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		try++
		pm.mu.RLock()
		closed := pm.closed
		pm.mu.RUnlock()
		if closed {
			return struct{}{}, backoff.Permanent(ErrPoolClosed)
		}

		err := pm.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !isRetryableError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", try),
			zap.Uint("max_attempts", attempts),
			zap.Error(err))
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
	return err
}

// isRetryableError 判断是否是瞬时错误
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"deadlock",
		"serialization failure",
		"40001",
		"connection reset",
		"connection refused",
		"broken pipe",
		"lock timeout",
		"lock wait timeout",
		"bad connection",
		"database is locked",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/database"
)

// NewMigratorFromConfig 按数据库配置打开一条专用连接并创建迁移器。
// 连接随迁移器 Close 一起关闭，不影响运行时的连接池。
func NewMigratorFromConfig(cfg database.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("migration: database is not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("migration: underlying connection: %w", err)
	}

	m, err := NewMigrator(sqlDB, cfg.Driver, DefaultTable, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return m, nil
}

// MigrateUp 打开、迁移到最新并关闭，供服务启动时使用
func MigrateUp(ctx context.Context, cfg database.Config, logger *zap.Logger) (*MigrationInfo, error) {
	m, err := NewMigratorFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return nil, err
	}
	return m.Info(ctx)
}

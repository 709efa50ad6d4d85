package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/database"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations
var migrationsFS embed.FS

// DefaultTable 版本表名
const DefaultTable = "schema_migrations"

// =============================================================================
// 🎯 类型定义
// =============================================================================

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty"`
}

// MigrationInfo 迁移摘要
type MigrationInfo struct {
	CurrentVersion    uint `json:"current_version"`
	Dirty             bool `json:"dirty"`
	TotalMigrations   int  `json:"total_migrations"`
	AppliedMigrations int  `json:"applied_migrations"`
	PendingMigrations int  `json:"pending_migrations"`
}

// Migrator 迁移器接口，CLI 与启动流程只依赖它
type Migrator interface {
	Up(ctx context.Context) error
	// Down 回滚最近一次迁移
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	// Steps n>0 前进 n 步，n<0 回退 |n| 步
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	// Force 只改版本号不执行 SQL，用于修复 dirty 状态
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// =============================================================================
// 🛠️ DefaultMigrator
// =============================================================================

// DefaultMigrator 基于 golang-migrate 与内嵌 SQL 的迁移器。
// 它在调用方提供的 *sql.DB 上工作，Close 时会一并关闭该连接。
type DefaultMigrator struct {
	dialect string
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator 在已打开的连接上创建迁移器。
// dialect 取 database.DriverPostgres / DriverMySQL / DriverSQLite。
func NewMigrator(db *sql.DB, dialect, table string, logger *zap.Logger) (*DefaultMigrator, error) {
	if db == nil {
		return nil, errors.New("migration: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = DefaultTable
	}

	driver, err := databaseDriver(db, dialect, table)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrationsFS, sourceDir(dialect))
	if err != nil {
		return nil, fmt.Errorf("migration: open %s sources: %w", dialect, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return nil, fmt.Errorf("migration: init: %w", err)
	}

	mg := &DefaultMigrator{
		dialect: dialect,
		migrate: m,
		logger:  logger.With(zap.String("component", "migration"), zap.String("dialect", dialect)),
	}
	m.Log = migrateLogger{sugar: mg.logger.Sugar()}
	return mg, nil
}

func databaseDriver(db *sql.DB, dialect, table string) (migratedb.Driver, error) {
	var (
		driver migratedb.Driver
		err    error
	)
	switch dialect {
	case database.DriverPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case database.DriverMySQL:
		driver, err = mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case database.DriverSQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("migration: unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("migration: %s driver: %w", dialect, err)
	}
	return driver, nil
}

func sourceDir(dialect string) string {
	return path.Join("migrations", dialect)
}

// Up 执行所有待执行的迁移
func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.run("up", m.migrate.Up)
}

// Down 回滚最近一次迁移
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.run("down", func() error { return m.migrate.Steps(-1) })
}

// DownAll 回滚全部迁移
func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	return m.run("down all", m.migrate.Down)
}

// Steps 前进或回退 n 步
func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	return m.run("steps", func() error { return m.migrate.Steps(n) })
}

// Goto 迁移到指定版本
func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	return m.run("goto", func() error { return m.migrate.Migrate(version) })
}

// run 执行一次迁移操作，ErrNoChange 视为成功
func (m *DefaultMigrator) run(op string, fn func() error) error {
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Debug("schema unchanged", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s: %w", op, err)
	}
	if v, dirty, verr := m.migrate.Version(); verr == nil {
		m.logger.Info("schema migrated", zap.String("op", op), zap.Uint("version", v), zap.Bool("dirty", dirty))
	}
	return nil
}

// Force 设置版本号
func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force: %w", err)
	}
	m.logger.Warn("schema version forced", zap.Int("version", version))
	return nil
}

// Version 返回当前版本，未迁移过时返回 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	v, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// Status 列出全部内嵌迁移及其是否已执行
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := listMigrations(m.dialect)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		out = append(out, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return out, nil
}

// Info 返回迁移摘要
func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	info := &MigrationInfo{CurrentVersion: current, Dirty: dirty, TotalMigrations: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close 释放迁移源与数据库连接
func (m *DefaultMigrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 🔍 内嵌文件枚举
// =============================================================================

type migrationFile struct {
	version uint
	name    string
}

// listMigrations 解析 000001_name.up.sql 形式的文件名
func listMigrations(dialect string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, sourceDir(dialect))
	if err != nil {
		return nil, fmt.Errorf("migration: read %s sources: %w", dialect, err)
	}

	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{
			version: uint(v),
			name:    strings.TrimSuffix(rest, ".up.sql"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ParseDialect 把命令行里常见的写法规范成 database 包的驱动名
func ParseDialect(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return database.DriverPostgres, nil
	case "mysql", "mariadb":
		return database.DriverMySQL, nil
	case "sqlite", "sqlite3":
		return database.DriverSQLite, nil
	default:
		return "", fmt.Errorf("migration: unsupported dialect %q", s)
	}
}

// migrateLogger 把 golang-migrate 的日志转给 zap
type migrateLogger struct {
	sugar *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.sugar.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }

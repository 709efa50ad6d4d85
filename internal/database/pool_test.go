package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mock, gormDB
}

func newTestManager(t *testing.T, cfg PoolConfig) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)
	return pm, mock
}

func TestNewPoolManager(t *testing.T) {
	cfg := PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Hour}
	pm, _ := newTestManager(t, cfg)

	assert.NotNil(t, pm.DB())
	assert.Equal(t, cfg, pm.config)
	assert.Equal(t, 4, pm.Stats().MaxOpenConnections)
	assert.True(t, pm.Healthy())
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, pm.Ping(context.Background()), sql.ErrConnDone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_CheckOnceTracksHealth(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.True(t, pm.checkOnce(context.Background()))
	assert.False(t, pm.Healthy())

	mock.ExpectPing()
	assert.True(t, pm.checkOnce(context.Background()))
	assert.True(t, pm.Healthy())

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	assert.False(t, pm.checkOnce(context.Background()), "a closed pool ends the loop")
	assert.False(t, pm.Healthy())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	mock.ExpectBegin()
	mock.ExpectCommit()
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollbackNotRetried(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	calls := 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetriesTransientError(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	calls := 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.TxMaxAttempts = 2
	pm, mock := newTestManager(t, cfg)

	calls := 0
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestPoolManager_ClosedPool(t *testing.T) {
	pm, mock := newTestManager(t, DefaultPoolConfig())

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close(), "close is idempotent")

	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_StartStopsWithContext(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	pm, mock := newTestManager(t, cfg)
	for i := 0; i < 100; i++ {
		mock.ExpectPing()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pm.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.True(t, pm.Healthy())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("pq: deadlock detected"), true},
		{errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("duplicate key value violates unique constraint"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "%v", tt.err)
	}
}

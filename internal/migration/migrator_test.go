package migration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/internal/database"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"postgres", database.DriverPostgres, false},
		{"PostgreSQL", database.DriverPostgres, false},
		{"pg", database.DriverPostgres, false},
		{"mariadb", database.DriverMySQL, false},
		{"sqlite3", database.DriverSQLite, false},
		{" sqlite ", database.DriverSQLite, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListMigrations_EveryDialectHasSameVersions(t *testing.T) {
	var want []migrationFile
	for i, dialect := range []string{database.DriverSQLite, database.DriverPostgres, database.DriverMySQL} {
		files, err := listMigrations(dialect)
		require.NoError(t, err, dialect)
		require.NotEmpty(t, files, dialect)
		for j := 1; j < len(files); j++ {
			assert.Greater(t, files[j].version, files[j-1].version)
		}
		if i == 0 {
			want = files
			continue
		}
		assert.Equal(t, want, files, dialect)
	}
	assert.Equal(t, "create_captcha_records", want[0].name)
}

func TestNewMigrator_Rejects(t *testing.T) {
	_, err := NewMigrator(nil, database.DriverSQLite, "", nil)
	assert.Error(t, err)

	_, err = NewMigratorFromConfig(database.Config{}, nil)
	assert.Error(t, err)
}

func openSQLite(t *testing.T) (database.Config, *gorm.DB) {
	t.Helper()
	cfg := database.Config{Driver: database.DriverSQLite, Name: filepath.Join(t.TempDir(), "relay.db")}
	db, err := database.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return cfg, db
}

func TestMigrator_SQLiteUpDown(t *testing.T) {
	cfg, db := openSQLite(t)
	ctx := context.Background()

	m, err := NewMigratorFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "up without changes is not an error")

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Zero(t, info.PendingMigrations)

	// 表结构与 GORM 模型的列一致
	mig := db.Migrator()
	assert.True(t, mig.HasTable(&captcha.Record{}))
	assert.True(t, mig.HasTable(&forms.Profile{}))
	for _, col := range []string{"challenge_id", "solution", "image", "is_used", "is_correct", "created_at", "updated_at"} {
		assert.True(t, mig.HasColumn(&captcha.Record{}, col), col)
	}
	for _, col := range []string{"name", "fields", "flags", "sort_order"} {
		assert.True(t, mig.HasColumn(&forms.Profile{}, col), col)
	}

	require.NoError(t, m.Down(ctx))
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)
	assert.False(t, mig.HasTable(&forms.Profile{}))

	require.NoError(t, m.DownAll(ctx))
	assert.False(t, mig.HasTable(&captcha.Record{}))
}

func TestMigrateUp_StoresWork(t *testing.T) {
	cfg, db := openSQLite(t)
	ctx := context.Background()

	info, err := MigrateUp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, info.PendingMigrations)

	backend := captcha.NewSQLBackend(db)
	rec := &captcha.Record{ChallengeID: "ch-1", Solution: "AB12"}
	_, err = backend.Insert(ctx, rec, captcha.Limits{Capacity: 10})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
}

func TestCLI_Run(t *testing.T) {
	cfg, _ := openSQLite(t)
	ctx := context.Background()

	m, err := NewMigratorFromConfig(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	var out bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&out)

	require.NoError(t, cli.Run(ctx, "version", nil))
	assert.Contains(t, out.String(), "no migrations applied")

	out.Reset()
	require.NoError(t, cli.Run(ctx, "steps", []string{"1"}))
	assert.Contains(t, out.String(), "version 1")

	out.Reset()
	require.NoError(t, cli.Run(ctx, "status", nil))
	assert.Contains(t, out.String(), "create_captcha_records")
	assert.Contains(t, out.String(), "2 migration(s), 1 pending")

	out.Reset()
	require.NoError(t, cli.Run(ctx, "up", nil))
	assert.Contains(t, out.String(), "schema up to date, version 2")

	assert.Error(t, cli.Run(ctx, "steps", nil))
	assert.Error(t, cli.Run(ctx, "goto", []string{"-1"}))
	assert.Error(t, cli.Run(ctx, "sideways", nil))
}

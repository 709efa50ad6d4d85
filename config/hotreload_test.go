package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func changePaths(changes []ConfigChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}

func TestDetectChanges_UsesYAMLPaths(t *testing.T) {
	oldCfg, newCfg := validConfig(), validConfig()
	newCfg.Log.Level = "debug"
	newCfg.Captcha.Capacity = 3
	newCfg.Realtime.Reconnect.Delay = time.Minute
	newCfg.Server.CORSAllowedOrigins = []string{"https://ops.example.test"}

	changes := detectChanges(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{
		"log.level",
		"captcha.capacity",
		"realtime.reconnect.delay",
		"server.cors_allowed_origins",
	}, changePaths(changes))
}

func TestHotReloadManager_ApplyConfig(t *testing.T) {
	m := NewHotReloadManager(validConfig(), WithHotReloadLogger(zap.NewNop()))

	var seen []ConfigChange
	m.OnChange(func(c ConfigChange) { seen = append(seen, c) })
	var reloads atomic.Int32
	m.OnReload(func(oldCfg, newCfg *Config) error {
		reloads.Add(1)
		assert.Equal(t, "info", oldCfg.Log.Level)
		assert.Equal(t, "debug", newCfg.Log.Level)
		return nil
	})

	next := validConfig()
	next.Log.Level = "debug"
	next.Dispatch.RequeueFailed = true
	require.NoError(t, m.ApplyConfig(next, "manual"))

	assert.EqualValues(t, 1, reloads.Load())
	require.Len(t, seen, 2)
	byPath := map[string]ConfigChange{}
	for _, c := range seen {
		byPath[c.Path] = c
	}
	assert.False(t, byPath["log.level"].RequiresRestart)
	assert.True(t, byPath["log.level"].Applied)
	assert.True(t, byPath["dispatch.requeue_failed"].RequiresRestart)
	assert.False(t, byPath["dispatch.requeue_failed"].Applied)

	assert.Equal(t, "debug", m.GetConfig().Log.Level)
	assert.Equal(t, 2, m.GetCurrentVersion())
	assert.Len(t, m.GetChangeLog(0), 2)
	assert.Len(t, m.GetChangeLog(1), 1)
}

func TestHotReloadManager_NoChangesIsNoop(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	called := false
	m.OnReload(func(_, _ *Config) error { called = true; return nil })

	require.NoError(t, m.ApplyConfig(validConfig(), "manual"))
	assert.False(t, called)
	assert.Equal(t, 1, m.GetCurrentVersion())
}

func TestHotReloadManager_ReapplyingCopyIsNoop(t *testing.T) {
	cfg := validConfig()
	require.Nil(t, cfg.Server.CORSAllowedOrigins)
	m := NewHotReloadManager(cfg, WithHotReloadLogger(zap.NewNop()))

	require.NoError(t, m.ApplyConfig(m.GetConfig(), "manual"))
	assert.Equal(t, 1, m.GetCurrentVersion())
	assert.Empty(t, m.GetChangeLog(10))
}

func TestDetectChanges_EmptyEqualsNil(t *testing.T) {
	oldCfg, newCfg := validConfig(), validConfig()
	oldCfg.Server.CORSAllowedOrigins = nil
	newCfg.Server.CORSAllowedOrigins = []string{}
	assert.Empty(t, detectChanges(oldCfg, newCfg))

	newCfg.Server.CORSAllowedOrigins = []string{"https://ops.example.test"}
	assert.Equal(t, []string{"server.cors_allowed_origins"}, changePaths(detectChanges(oldCfg, newCfg)))
}

func TestHotReloadManager_RejectsInvalidHotValue(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	next := validConfig()
	next.Captcha.Capacity = 0

	err := m.ApplyConfig(next, "manual")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captcha.capacity")
	assert.Equal(t, 10, m.GetConfig().Captcha.Capacity)
}

func TestHotReloadManager_ValidateHook(t *testing.T) {
	m := NewHotReloadManager(validConfig(), WithValidateFunc(func(c *Config) error {
		if c.Log.Level == "debug" {
			return errors.New("debug not allowed in production")
		}
		return nil
	}))
	next := validConfig()
	next.Log.Level = "debug"

	require.Error(t, m.ApplyConfig(next, "manual"))
	assert.Equal(t, "info", m.GetConfig().Log.Level)
	log := m.GetChangeLog(0)
	require.Len(t, log, 1)
	assert.Equal(t, "(validation_hook)", log[0].Path)
}

func TestHotReloadManager_CallbackErrorRollsBack(t *testing.T) {
	m := NewHotReloadManager(validConfig())

	var levels []string
	m.OnReload(func(_, newCfg *Config) error {
		levels = append(levels, newCfg.Log.Level)
		if newCfg.Log.Level == "error" {
			return errors.New("sink rejected level")
		}
		return nil
	})
	var rollback RollbackEvent
	m.OnRollback(func(ev RollbackEvent) { rollback = ev })

	next := validConfig()
	next.Log.Level = "error"
	err := m.ApplyConfig(next, "file")
	require.Error(t, err)

	assert.Equal(t, "info", m.GetConfig().Log.Level)
	assert.Equal(t, []string{"error", "info"}, levels, "callbacks are told about the restored config")
	assert.Equal(t, 1, rollback.Version)
	assert.Contains(t, rollback.Reason, "sink rejected level")
}

func TestHotReloadManager_CallbackPanicRollsBack(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	m.OnChange(func(ConfigChange) { panic("boom") })

	next := validConfig()
	next.Captcha.Capacity = 4
	err := m.ApplyConfig(next, "manual")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 10, m.GetConfig().Captcha.Capacity)
}

func TestHotReloadManager_ManualRollback(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	require.Error(t, m.Rollback(), "nothing to roll back to")

	next := validConfig()
	next.Captcha.Capacity = 2
	require.NoError(t, m.ApplyConfig(next, "manual"))

	var restored int
	m.OnReload(func(_, newCfg *Config) error { restored = newCfg.Captcha.Capacity; return nil })
	require.NoError(t, m.Rollback())

	assert.Equal(t, 10, m.GetConfig().Captcha.Capacity)
	assert.Equal(t, 10, restored)
	require.Error(t, m.Rollback(), "previous config is consumed")
}

func TestHotReloadManager_SensitiveValuesRedacted(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	next := validConfig()
	next.Session.Secret = "rotated"

	require.NoError(t, m.ApplyConfig(next, "manual"))
	change := m.GetChangeLog(1)[0]
	assert.Equal(t, "session.secret", change.Path)
	assert.Equal(t, "[REDACTED]", change.NewValue)
	assert.True(t, change.RequiresRestart)
}

func TestHotReloadManager_HistoryBounded(t *testing.T) {
	m := NewHotReloadManager(validConfig(), WithMaxHistorySize(3))
	for i := 1; i <= 5; i++ {
		next := validConfig()
		next.Captcha.Capacity = 10 + i
		require.NoError(t, m.ApplyConfig(next, "manual"))
	}
	history := m.GetConfigHistory()
	require.Len(t, history, 3)
	assert.Equal(t, 6, history[2].Version)
	assert.Equal(t, 15, history[2].Config.Captcha.Capacity)
}

func TestDeepCopyConfig_KeepsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Server.JWT.Secret = "jwt"
	cp := deepCopyConfig(cfg)

	assert.Equal(t, "s3cret", cp.Session.Secret)
	assert.Equal(t, "jwt", cp.Server.JWT.Secret)
	assert.Equal(t, cfg.Realtime.HeartbeatInterval, cp.Realtime.HeartbeatInterval)
	cp.Log.OutputPaths[0] = "stderr"
	assert.Equal(t, "stdout", cfg.Log.OutputPaths[0])
}

func TestSanitized(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "pw"
	cfg.Report.URI = "mongodb://user:pw@mongo:27017"

	out := Sanitized(cfg)
	session := out["session"].(map[string]any)
	assert.Equal(t, "[REDACTED]", session["secret"])
	assert.Equal(t, "[REDACTED]", out["database"].(map[string]any)["password"])
	assert.Equal(t, "[REDACTED]", out["report"].(map[string]any)["uri"])
	assert.Equal(t, "info", out["log"].(map[string]any)["level"])
	// 空值不替换
	assert.Equal(t, "", out["server"].(map[string]any)["jwt"].(map[string]any)["secret"])
}

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("log.level"))
	assert.True(t, IsHotReloadable("captcha.capacity"))
	assert.False(t, IsHotReloadable("session.secret"))
	assert.False(t, IsHotReloadable("browser.start_url"))

	fields := GetHotReloadableFields()
	fields["log.level"] = HotReloadableField{RequiresRestart: true}
	assert.True(t, IsHotReloadable("log.level"), "returned map is a copy")
}

// --- 文件集成 ---

func TestHotReloadManager_ReloadsOnFileWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formrelay.yaml")
	write := func(level string) {
		require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: `+level+`
browser:
  start_url: https://forms.example.test/
session:
  secret: s
`), 0o644))
	}
	write("info")

	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	m := NewHotReloadManager(cfg, WithLoader(loader), WithReloadDebounce(50*time.Millisecond))
	var level atomic.Value
	level.Store("info")
	m.OnReload(func(_, newCfg *Config) error {
		level.Store(newCfg.Log.Level)
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	write("warn")
	require.Eventually(t, func() bool { return level.Load() == "warn" }, 3*time.Second, 20*time.Millisecond)

	// 非法内容保留当前配置
	require.NoError(t, os.WriteFile(path, []byte("log: [broken"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "warn", m.GetConfig().Log.Level)
}

func TestHotReloadManager_ReloadFromFileWithoutPath(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	assert.Error(t, m.ReloadFromFile())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

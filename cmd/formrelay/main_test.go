package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/formrelay/config"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/internal/database"
	"github.com/BaSui01/formrelay/session"
)

// execute 运行根命令并返回输出
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig 写入一个使用临时 sqlite 库的配置文件
func writeConfig(t *testing.T, extra string) (path, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "formrelay.db")
	path = filepath.Join(dir, "config.yaml")
	content := `
browser:
  start_url: https://forms.example.test/start
session:
  secret: top-secret-value
database:
  driver: sqlite
  name: ` + dbPath + `
captcha:
  backend: sql
server:
  jwt:
    secret: jwt-secret-value
` + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dbPath
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "FormRelay "+Version)
	assert.Contains(t, out, "Git Commit")
}

func TestConfigPrint_RedactsSecrets(t *testing.T) {
	path, _ := writeConfig(t, "")
	out, err := execute(t, "config", "print", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "https://forms.example.test/start")
	assert.NotContains(t, out, "top-secret-value")
	assert.NotContains(t, out, "jwt-secret-value")
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t, "")
	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log:\n  level: loud\n"), 0o600))
	_, err = execute(t, "config", "validate", "--config", bad)
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := execute(t, "health", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	ready = false
	_, err = execute(t, "health", "--addr", srv.URL)
	assert.ErrorContains(t, err, "status 503")
}

func TestMigrateAndRecordCommands(t *testing.T) {
	path, dbPath := writeConfig(t, "")

	_, err := execute(t, "migrate", "up", "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "migrate", "version", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2")

	db, err := database.Open(database.Config{Driver: database.DriverSQLite, Name: dbPath}, zap.NewNop())
	require.NoError(t, err)
	store := forms.NewStore(db, zap.NewNop())
	_, err = store.Save(context.Background(), forms.Profile{
		ID:     "home",
		Name:   "Home address",
		Fields: map[string]string{"#city": "Springfield"},
		Flags:  map[string]bool{forms.FlagAuto: true},
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	out, err = execute(t, "forms", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "home")
	assert.Contains(t, out, "Home address")
	assert.Contains(t, out, forms.FlagAuto)

	out, err = execute(t, "forms", "show", "home", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Springfield")

	_, err = execute(t, "forms", "delete", "home", "--config", path)
	require.NoError(t, err)
	_, err = execute(t, "forms", "show", "home", "--config", path)
	assert.ErrorIs(t, err, forms.ErrNotFound)

	out, err = execute(t, "captcha", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CHALLENGE")

	out, err = execute(t, "captcha", "purge", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0")
}

func TestCaptchaCommand_MemoryBackendIsProcessLocal(t *testing.T) {
	path, _ := writeConfig(t, "")
	cfgPath := filepath.Join(filepath.Dir(path), "memory.yaml")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, bytes.Replace(raw, []byte("backend: sql"), []byte("backend: memory"), 1), 0o600))

	_, err = execute(t, "captcha", "list", "--config", cfgPath)
	assert.ErrorContains(t, err, "process-local")
}

func TestSessionCommand_ShowAndClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  start_url: https://forms.example.test/start
session:
  secret: top-secret-value
  store:
    type: file
    base_dir: `+filepath.Join(dir, "session")+`
`), 0o600))

	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	kv, err := session.NewKV(cfg.Session.Store, nil)
	require.NoError(t, err)
	cipher, err := session.NewSealedCipher(cfg.Session.Secret)
	require.NoError(t, err)
	profiles := session.NewCache(kv, cipher, cfg.Session.Cache, zap.NewNop())
	require.NoError(t, profiles.Store(context.Background(), &session.Profile{User: "op1", Credential: "cred"}))

	out, err := execute(t, "session", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "user: op1")
	assert.NotContains(t, out, "cred")

	out, err = execute(t, "session", "clear", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	out, err = execute(t, "session", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no cached profile")
}

func TestSessionCommand_MemoryStoreIsProcessLocal(t *testing.T) {
	path, _ := writeConfig(t, "")
	_, err := execute(t, "session", "clear", "--config", path)
	assert.ErrorContains(t, err, "process-local")
}

func TestInitLogger(t *testing.T) {
	cfg := config.DefaultLogConfig()
	cfg.Level = "warn"
	logger, level, err := initLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	require.NoError(t, level.UnmarshalText([]byte("debug")))
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel), "level changes apply to the built logger")

	cfg.Level = "loud"
	_, _, err = initLogger(cfg)
	assert.Error(t, err)
}

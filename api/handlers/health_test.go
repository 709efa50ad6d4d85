package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

type mockHealthCheck struct {
	name string
	err  error
}

func (m *mockHealthCheck) Name() string                    { return m.name }
func (m *mockHealthCheck) Check(ctx context.Context) error { return m.err }

func readyStatus(t *testing.T, h *HealthHandler) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*HealthHandler)
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			setup:      func(h *HealthHandler) {},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "all pass",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(&mockHealthCheck{name: "database"})
				h.RegisterOptionalCheck(&mockHealthCheck{name: "redis"})
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "pass", "redis": "pass"},
		},
		{
			name: "optional failure degrades",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(&mockHealthCheck{name: "database"})
				h.RegisterOptionalCheck(&mockHealthCheck{name: "redis", err: errors.New("connection refused")})
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"database": "pass", "redis": "warn"},
		},
		{
			name: "required failure",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(&mockHealthCheck{name: "database", err: errors.New("db down")})
				h.RegisterOptionalCheck(&mockHealthCheck{name: "redis", err: errors.New("connection refused")})
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"database": "fail", "redis": "warn"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			tt.setup(h)

			code, status := readyStatus(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Len(t, status.Checks, len(tt.wantChecks))
			for name, want := range tt.wantChecks {
				assert.Equal(t, want, status.Checks[name].Status, name)
			}
		})
	}
}

func TestHealthHandler_FailureMessageReported(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterCheck(&mockHealthCheck{name: "database", err: errors.New("db down")})

	_, status := readyStatus(t, h)
	assert.Equal(t, "db down", status.Checks["database"].Message)
	assert.NotEmpty(t, status.Checks["database"].Latency)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleVersion("1.0.0", "2025-03-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}

func TestHealthHandler_ConcurrentReady(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	for i := 0; i < 10; i++ {
		h.RegisterCheck(&mockHealthCheck{name: string(rune('a' + i))})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}

func TestBuiltinChecks(t *testing.T) {
	ctx := context.Background()

	db := NewDatabaseHealthCheck(func(context.Context) error { return nil })
	assert.Equal(t, "database", db.Name())
	assert.NoError(t, db.Check(ctx))

	rdb := NewRedisHealthCheck(func(context.Context) error { return errors.New("nope") })
	assert.Equal(t, "redis", rdb.Name())
	assert.Error(t, rdb.Check(ctx))

	running := false
	eng := NewEngineHealthCheck(func() bool { return running })
	assert.ErrorIs(t, eng.Check(ctx), errEngineStopped)
	running = true
	assert.NoError(t, eng.Check(ctx))

	state, loaded := "connecting", false
	ch := NewChannelHealthCheck(func() (string, bool) { return state, loaded })
	assert.NoError(t, ch.Check(ctx), "no page load means nothing to check")
	loaded = true
	assert.ErrorContains(t, ch.Check(ctx), "connecting")
	state = "open"
	assert.NoError(t, ch.Check(ctx))
}

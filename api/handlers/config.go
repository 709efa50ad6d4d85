package handlers

import (
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/api"
	"github.com/BaSui01/formrelay/config"
	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// ⚙️ 配置管理 Handler
// =============================================================================

// defaultChangeLimit 变更记录默认返回条数
const defaultChangeLimit = 50

// ConfigManager 是热重载管理器对控制面暴露的部分
type ConfigManager interface {
	GetConfig() *config.Config
	GetCurrentVersion() int
	GetConfigHistory() []config.ConfigSnapshot
	GetChangeLog(limit int) []config.ConfigChange
	ReloadFromFile() error
	Rollback() error
}

// ConfigHandler 查询运行中配置，触发重载与回滚
type ConfigHandler struct {
	manager ConfigManager
	logger  *zap.Logger
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(manager ConfigManager, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{manager: manager, logger: logger.With(zap.String("component", "config_api"))}
}

// Register 挂载路由
func (h *ConfigHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("GET /api/v1/config", wrap(h.HandleGet))
	mux.HandleFunc("GET /api/v1/config/changes", wrap(h.HandleChanges))
	mux.HandleFunc("GET /api/v1/config/history", wrap(h.HandleHistory))
	mux.HandleFunc("POST /api/v1/config/reload", wrap(h.HandleReload))
	mux.HandleFunc("POST /api/v1/config/rollback", wrap(h.HandleRollback))
}

// HandleGet 返回脱敏后的当前配置与可热重载字段
// @Summary 当前配置
// @Tags 配置
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/config [get]
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	registered := config.GetHotReloadableFields()
	fields := make([]api.ConfigField, 0, len(registered))
	for _, f := range registered {
		fields = append(fields, api.ConfigField{
			Path:            f.Path,
			Description:     f.Description,
			RequiresRestart: f.RequiresRestart,
			Sensitive:       f.Sensitive,
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })

	WriteSuccess(w, api.ConfigResponse{
		Version: h.manager.GetCurrentVersion(),
		Config:  config.Sanitized(h.manager.GetConfig()),
		Fields:  fields,
	})
}

// HandleChanges 返回最近的字段变更，?limit 默认 50
// @Summary 配置变更记录
// @Tags 配置
// @Produce json
// @Param limit query int false "最大条数" default(50)
// @Success 200 {object} Response
// @Router /api/v1/config/changes [get]
func (h *ConfigHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultChangeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, types.NewError(types.ErrInvalidInput, "limit must be a positive integer"), h.logger)
			return
		}
		limit = n
	}
	WriteSuccess(w, h.manager.GetChangeLog(limit))
}

// HandleHistory 列出保留的配置版本
func (h *ConfigHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history := h.manager.GetConfigHistory()
	out := make([]api.ConfigVersion, 0, len(history))
	for _, s := range history {
		out = append(out, api.ConfigVersion{Version: s.Version, Source: s.Source, Checksum: s.Checksum, Timestamp: s.Timestamp})
	}
	WriteSuccess(w, out)
}

// HandleReload 立即从配置文件重新加载
// @Summary 重新加载配置
// @Tags 配置
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response "配置无效，保留当前配置"
// @Router /api/v1/config/reload [post]
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ReloadFromFile(); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidInput, "reload rejected").WithCause(err), h.logger)
		return
	}
	version := h.manager.GetCurrentVersion()
	h.logger.Info("configuration reloaded via control api", zap.Int("version", version))
	WriteSuccess(w, api.ConfigVersion{Version: version, Source: "file"})
}

// HandleRollback 回滚到上一个配置
// @Summary 回滚配置
// @Tags 配置
// @Produce json
// @Success 200 {object} Response
// @Failure 409 {object} Response "没有可回滚的配置"
// @Router /api/v1/config/rollback [post]
func (h *ConfigHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Rollback(); err != nil {
		WriteError(w, types.NewError(types.ErrConflict, "rollback unavailable").WithCause(err), h.logger)
		return
	}
	h.logger.Warn("configuration rolled back via control api")
	WriteSuccess(w, api.ConfigVersion{Version: h.manager.GetCurrentVersion(), Source: "rollback"})
}

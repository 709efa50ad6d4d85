package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/api"
	"github.com/BaSui01/formrelay/automation"
	"github.com/BaSui01/formrelay/engine"
	"github.com/BaSui01/formrelay/internal/ctxkeys"
	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// 🎮 操作员控制 Handler
// =============================================================================

// Controller 是引擎对控制面暴露的部分
type Controller interface {
	Do(ctx context.Context, action func(m *automation.Machine)) error
	Status() engine.Snapshot
}

// actionTimeout 等待动作在事件循环上执行的上限
const actionTimeout = 10 * time.Second

// binder 解析请求体并返回要在循环上执行的动作
type binder func(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool)

// ControlHandler 把 HTTP 请求转换为状态机上的操作员动作
type ControlHandler struct {
	ctl     Controller
	logger  *zap.Logger
	actions map[string]binder
}

// NewControlHandler 创建控制处理器
func NewControlHandler(ctl Controller, logger *zap.Logger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ControlHandler{ctl: ctl, logger: logger.With(zap.String("component", "control_api"))}
	h.actions = map[string]binder{
		"mode":           bare((*automation.Machine).ToggleMode),
		"shoot":          bare((*automation.Machine).Shoot),
		"final-submit":   bare((*automation.Machine).OnFinalSubmit),
		"send-all":       bare((*automation.Machine).SendToAll),
		"retry-start":    bare((*automation.Machine).StartRetry),
		"retry-restart":  bare((*automation.Machine).RestartRetry),
		"retry-stop":     bare((*automation.Machine).StopRetry),
		"relay":          h.toggle((*automation.Machine).SetRelayEnabled),
		"broad-accept":   h.toggle((*automation.Machine).SetBroadAccept),
		"confirm-link":   h.confirmLink,
		"cached-captcha": h.cachedCaptcha,
		"profile-fill":   h.fillProfile,
		"profile-save":   h.saveProfile,
	}
	return h
}

// Register 挂载路由
func (h *ControlHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("GET /api/v1/status", wrap(h.HandleStatus))
	mux.HandleFunc("GET /api/v1/control", wrap(h.HandleListActions))
	mux.HandleFunc("POST /api/v1/control/{action}", wrap(h.HandleAction))
}

// HandleStatus 返回引擎快照
// @Summary 引擎状态
// @Tags 控制
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/status [get]
func (h *ControlHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.ctl.Status())
}

// HandleListActions 列出支持的动作名
func (h *ControlHandler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.actions))
	for name := range h.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	WriteSuccess(w, names)
}

// HandleAction 执行一个操作员动作并返回执行后的状态
// @Summary 操作员动作
// @Tags 控制
// @Accept json
// @Produce json
// @Param action path string true "动作名"
// @Success 200 {object} Response
// @Failure 404 {object} Response "未知动作"
// @Failure 409 {object} Response "没有进行中的页面加载"
// @Router /api/v1/control/{action} [post]
func (h *ControlHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("action")
	bind, ok := h.actions[name]
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "unknown action "+name), h.logger)
		return
	}
	action, ok := bind(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := h.ctl.Do(ctx, action); err != nil {
		switch {
		case errors.Is(err, engine.ErrIdle):
			WriteError(w, types.NewError(types.ErrNotRunning, "no page load in progress"), h.logger)
		case errors.Is(err, context.DeadlineExceeded):
			WriteError(w, types.NewError(types.ErrTimeout, "action did not run in time").WithRetryable(true), h.logger)
		default:
			writeCause(w, err, h.logger)
		}
		return
	}

	h.logger.Info("operator action", append([]zap.Field{zap.String("action", name)}, ctxkeys.Fields(r.Context())...)...)
	WriteSuccess(w, api.ActionResponse{Action: name, Machine: h.ctl.Status().Machine})
}

// =============================================================================
// 🔧 请求绑定
// =============================================================================

func bare(fn func(m *automation.Machine)) binder {
	return func(http.ResponseWriter, *http.Request) (func(m *automation.Machine), bool) {
		return fn, true
	}
}

func (h *ControlHandler) toggle(fn func(m *automation.Machine, on bool)) binder {
	return func(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool) {
		var req api.ToggleRequest
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return nil, false
		}
		if req.Enabled == nil {
			WriteError(w, types.NewError(types.ErrInvalidInput, "enabled is required"), h.logger)
			return nil, false
		}
		on := *req.Enabled
		return func(m *automation.Machine) { fn(m, on) }, true
	}
}

func (h *ControlHandler) confirmLink(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool) {
	var req api.ConfirmLinkRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return nil, false
	}
	link := strings.TrimSpace(req.Link)
	if link == "" {
		WriteError(w, types.NewError(types.ErrInvalidInput, "link is required"), h.logger)
		return nil, false
	}
	return func(m *automation.Machine) { m.SetConfirmLink(link) }, true
}

func (h *ControlHandler) cachedCaptcha(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool) {
	var req api.CachedCaptchaRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return nil, false
		}
	}
	return func(m *automation.Machine) { m.UseCachedCaptcha(req.RequireCorrect) }, true
}

func (h *ControlHandler) fillProfile(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool) {
	var req api.ProfileActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return nil, false
	}
	if req.ID == "" {
		WriteError(w, types.NewError(types.ErrInvalidInput, "id is required"), h.logger)
		return nil, false
	}
	return func(m *automation.Machine) { m.FillProfile(req.ID) }, true
}

func (h *ControlHandler) saveProfile(w http.ResponseWriter, r *http.Request) (func(m *automation.Machine), bool) {
	var req api.ProfileActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return nil, false
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteError(w, types.NewError(types.ErrInvalidInput, "name is required"), h.logger)
		return nil, false
	}
	return func(m *automation.Machine) { m.SaveProfile(req.ID, req.Name) }, true
}

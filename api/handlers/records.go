package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/api"
	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// 🔐 验证码缓存 Handler
// =============================================================================

// CaptchaStore 是控制面使用的验证码缓存操作
type CaptchaStore interface {
	List(ctx context.Context) []captcha.Record
	Update(ctx context.Context, rec captcha.Record) bool
	Purge(ctx context.Context) int
	SetCapacity(n int)
	Capacity() int
}

// CaptchaHandler 查询与维护验证码缓存
type CaptchaHandler struct {
	store  CaptchaStore
	logger *zap.Logger
}

// NewCaptchaHandler 创建验证码处理器
func NewCaptchaHandler(store CaptchaStore, logger *zap.Logger) *CaptchaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptchaHandler{store: store, logger: logger.With(zap.String("component", "captcha_api"))}
}

// Register 挂载路由
func (h *CaptchaHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("GET /api/v1/captchas", wrap(h.HandleList))
	mux.HandleFunc("PATCH /api/v1/captchas/{id}", wrap(h.HandleUpdate))
	mux.HandleFunc("DELETE /api/v1/captchas/stale", wrap(h.HandlePurge))
	mux.HandleFunc("PUT /api/v1/captchas/capacity", wrap(h.HandleCapacity))
}

// HandleList 列出缓存记录，?image=true 时附带图片
// @Summary 验证码列表
// @Tags 验证码
// @Produce json
// @Param image query bool false "附带图片"
// @Success 200 {object} Response
// @Router /api/v1/captchas [get]
func (h *CaptchaHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	withImage, _ := strconv.ParseBool(r.URL.Query().Get("image"))
	records := h.store.List(r.Context())
	out := make([]api.CaptchaRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, captchaView(rec, withImage))
	}
	WriteSuccess(w, api.CaptchaListResponse{Capacity: h.store.Capacity(), Records: out})
}

// HandleUpdate 修正解答或正确性标记
// @Summary 更新验证码记录
// @Tags 验证码
// @Accept json
// @Produce json
// @Param id path int true "记录 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/captchas/{id} [patch]
func (h *CaptchaHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, types.NewError(types.ErrInvalidInput, "invalid record id"), h.logger)
		return
	}
	var req api.CaptchaUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	rec, ok := h.find(r.Context(), id)
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "captcha record not found"), h.logger)
		return
	}
	if req.Solution != nil {
		rec.Solution = *req.Solution
	}
	if req.IsCorrect != nil {
		rec.IsCorrect = *req.IsCorrect
	}
	if !h.store.Update(r.Context(), rec) {
		WriteError(w, types.NewError(types.ErrStorage, "update failed").WithRetryable(true), h.logger)
		return
	}
	updated, _ := h.find(r.Context(), id)
	WriteSuccess(w, captchaView(updated, false))
}

// HandlePurge 删除过期记录
// @Summary 清理过期验证码
// @Tags 验证码
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/captchas/stale [delete]
func (h *CaptchaHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, api.PurgeResponse{Purged: h.store.Purge(r.Context())})
}

// HandleCapacity 修改缓存容量，只影响之后的插入
// @Summary 修改缓存容量
// @Tags 验证码
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/captchas/capacity [put]
func (h *CaptchaHandler) HandleCapacity(w http.ResponseWriter, r *http.Request) {
	var req api.CapacityRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Capacity <= 0 {
		WriteError(w, types.NewError(types.ErrInvalidInput, "capacity must be positive"), h.logger)
		return
	}
	h.store.SetCapacity(req.Capacity)
	h.logger.Info("captcha capacity changed", zap.Int("capacity", req.Capacity))
	WriteSuccess(w, api.CapacityRequest{Capacity: h.store.Capacity()})
}

func (h *CaptchaHandler) find(ctx context.Context, id int64) (captcha.Record, bool) {
	for _, rec := range h.store.List(ctx) {
		if rec.ID == id {
			return rec, true
		}
	}
	return captcha.Record{}, false
}

func captchaView(rec captcha.Record, withImage bool) api.CaptchaRecord {
	v := api.CaptchaRecord{
		ID:          rec.ID,
		ChallengeID: rec.ChallengeID,
		Solution:    rec.Solution,
		IsUsed:      rec.IsUsed,
		IsCorrect:   rec.IsCorrect,
		HasImage:    len(rec.Image) > 0,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if withImage {
		v.Image = rec.Image
	}
	return v
}

// =============================================================================
// 📝 表单档案 Handler
// =============================================================================

// FormStore 是控制面使用的表单档案操作
type FormStore interface {
	Save(ctx context.Context, p forms.Profile) (forms.Profile, error)
	Get(ctx context.Context, id string) (forms.Profile, error)
	List(ctx context.Context) ([]forms.Profile, error)
	FindByFlag(ctx context.Context, flag string, value bool) ([]forms.Profile, error)
	FindByOrder(ctx context.Context, min, max int) ([]forms.Profile, error)
	UpdateFlags(ctx context.Context, id string, flags map[string]bool) (forms.Profile, error)
	SetOrder(ctx context.Context, id string, order int) (forms.Profile, error)
	Delete(ctx context.Context, id string) error
}

// FormsHandler 表单档案 CRUD
type FormsHandler struct {
	store  FormStore
	logger *zap.Logger
}

// NewFormsHandler 创建表单档案处理器
func NewFormsHandler(store FormStore, logger *zap.Logger) *FormsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormsHandler{store: store, logger: logger.With(zap.String("component", "forms_api"))}
}

// Register 挂载路由
func (h *FormsHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("GET /api/v1/forms", wrap(h.HandleList))
	mux.HandleFunc("POST /api/v1/forms", wrap(h.HandleSave))
	mux.HandleFunc("GET /api/v1/forms/{id}", wrap(h.HandleGet))
	mux.HandleFunc("PUT /api/v1/forms/{id}", wrap(h.HandleSave))
	mux.HandleFunc("DELETE /api/v1/forms/{id}", wrap(h.HandleDelete))
	mux.HandleFunc("PATCH /api/v1/forms/{id}/flags", wrap(h.HandleFlags))
	mux.HandleFunc("PUT /api/v1/forms/{id}/order", wrap(h.HandleOrder))
}

// HandleList 列出档案。?flag=auto&value=true 按标记过滤，?min=&max= 按排序区间过滤。
// @Summary 表单档案列表
// @Tags 表单
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/forms [get]
func (h *FormsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		profiles []forms.Profile
		err      error
	)
	switch {
	case q.Get("flag") != "":
		value := true
		if v := q.Get("value"); v != "" {
			if value, err = strconv.ParseBool(v); err != nil {
				WriteError(w, types.NewError(types.ErrInvalidInput, "value must be a boolean"), h.logger)
				return
			}
		}
		profiles, err = h.store.FindByFlag(r.Context(), q.Get("flag"), value)
	case q.Has("min") || q.Has("max"):
		lo, loErr := strconv.Atoi(q.Get("min"))
		hi, hiErr := strconv.Atoi(q.Get("max"))
		if loErr != nil || hiErr != nil || lo > hi {
			WriteError(w, types.NewError(types.ErrInvalidInput, "min and max must be integers with min <= max"), h.logger)
			return
		}
		profiles, err = h.store.FindByOrder(r.Context(), lo, hi)
	default:
		profiles, err = h.store.List(r.Context())
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if profiles == nil {
		profiles = []forms.Profile{}
	}
	WriteSuccess(w, profiles)
}

// HandleGet 读取单个档案
// @Summary 表单档案详情
// @Tags 表单
// @Produce json
// @Param id path string true "档案 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/forms/{id} [get]
func (h *FormsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, p)
}

// HandleSave 创建（POST）或替换（PUT）档案。路径中的 id 优先于请求体。
// @Summary 保存表单档案
// @Tags 表单
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/forms [post]
// @Router /api/v1/forms/{id} [put]
func (h *FormsHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var req api.FormProfileRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.ID = id
	}
	if len(req.Fields) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidInput, "fields must not be empty"), h.logger)
		return
	}

	p, err := h.store.Save(r.Context(), forms.Profile{
		ID:     req.ID,
		Name:   req.Name,
		Fields: req.Fields,
		Flags:  req.Flags,
		Order:  req.Order,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("form profile saved", zap.String("profile", p.ID))
	WriteSuccess(w, p)
}

// HandleDelete 删除档案
// @Summary 删除表单档案
// @Tags 表单
// @Param id path string true "档案 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/forms/{id} [delete]
func (h *FormsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"deleted": id})
}

// HandleFlags 合并标记
// @Summary 更新档案标记
// @Tags 表单
// @Accept json
// @Produce json
// @Router /api/v1/forms/{id}/flags [patch]
func (h *FormsHandler) HandleFlags(w http.ResponseWriter, r *http.Request) {
	var req api.FlagsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	p, err := h.store.UpdateFlags(r.Context(), r.PathValue("id"), req.Flags)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, p)
}

// HandleOrder 修改排序位置
// @Summary 更新档案排序
// @Tags 表单
// @Accept json
// @Produce json
// @Router /api/v1/forms/{id}/order [put]
func (h *FormsHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	var req api.OrderRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	p, err := h.store.SetOrder(r.Context(), r.PathValue("id"), req.Order)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, p)
}

func (h *FormsHandler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, forms.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "form profile not found"), h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrStorage, "form store failed").WithCause(err).WithRetryable(true), h.logger)
}

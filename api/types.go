package api

import (
	"time"

	"github.com/BaSui01/formrelay/automation"
)

// =============================================================================
// 🎮 操作员控制类型
// =============================================================================

// ToggleRequest 开关类动作的请求体（relay、broad-accept）
// @Description 开关请求
type ToggleRequest struct {
	// 目标状态，必填
	Enabled *bool `json:"enabled" example:"true"`
}

// ConfirmLinkRequest 手动提交确认链接
// @Description 确认链接请求
type ConfirmLinkRequest struct {
	Link string `json:"link" example:"https://forms.example.test/confirm/AB12345"`
}

// CachedCaptchaRequest 从缓存取验证码
type CachedCaptchaRequest struct {
	// 仅使用已被确认正确的记录
	RequireCorrect bool `json:"require_correct"`
}

// ProfileActionRequest 填充或保存表单档案
type ProfileActionRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ActionResponse 动作执行后的状态快照
type ActionResponse struct {
	Action  string             `json:"action"`
	Machine *automation.Status `json:"machine,omitempty"`
}

// =============================================================================
// 🔐 验证码缓存类型
// =============================================================================

// CaptchaRecord 验证码记录视图，图片默认省略
type CaptchaRecord struct {
	ID          int64     `json:"id"`
	ChallengeID string    `json:"challenge_id"`
	Solution    string    `json:"solution"`
	IsUsed      bool      `json:"is_used"`
	IsCorrect   bool      `json:"is_correct"`
	HasImage    bool      `json:"has_image"`
	Image       []byte    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CaptchaListResponse 验证码列表
type CaptchaListResponse struct {
	Capacity int             `json:"capacity"`
	Records  []CaptchaRecord `json:"records"`
}

// CaptchaUpdateRequest 修正解答或正确性标记，空字段保持不变
type CaptchaUpdateRequest struct {
	Solution  *string `json:"solution,omitempty"`
	IsCorrect *bool   `json:"is_correct,omitempty"`
}

// CapacityRequest 修改缓存容量
type CapacityRequest struct {
	Capacity int `json:"capacity" example:"10"`
}

// PurgeResponse 清理结果
type PurgeResponse struct {
	Purged int `json:"purged"`
}

// =============================================================================
// 📝 表单档案类型
// =============================================================================

// FormProfileRequest 创建或替换表单档案
type FormProfileRequest struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
	Flags  map[string]bool   `json:"flags,omitempty"`
	Order  int               `json:"order"`
}

// FlagsRequest 合并标记
type FlagsRequest struct {
	Flags map[string]bool `json:"flags"`
}

// OrderRequest 修改排序位置
type OrderRequest struct {
	Order int `json:"order"`
}

// =============================================================================
// ⚙️ 配置管理类型
// =============================================================================

// ConfigResponse 当前配置（已脱敏）与版本
type ConfigResponse struct {
	Version int            `json:"version"`
	Config  map[string]any `json:"config"`
	Fields  []ConfigField  `json:"fields"`
}

// ConfigField 登记字段的热重载属性
type ConfigField struct {
	Path            string `json:"path"`
	Description     string `json:"description,omitempty"`
	RequiresRestart bool   `json:"requires_restart"`
	Sensitive       bool   `json:"sensitive"`
}

// ConfigVersion 一个历史版本
type ConfigVersion struct {
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

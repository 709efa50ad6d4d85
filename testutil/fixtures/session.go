// =============================================================================
// 📦 测试数据工厂 - 会话与策略
// =============================================================================
package fixtures

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/formrelay/session"
)

// BaseTime 所有虚拟时钟的起点
var BaseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	// Fingerprint 测试环境的指纹
	Fingerprint = "f1e2d3c4b5a69788"
	// Credential 测试用户的通道凭据
	Credential = "cred-0001"
	// User 测试用户名
	User = "relay-user"
)

// FastPolicy 返回计时缩短、所有功能打开的策略
func FastPolicy() session.Policy {
	p := session.DefaultPolicy()
	p.SubmitWait = 5 * time.Second
	p.SolveWindow = 60 * time.Second
	p.ReloadDelay = 2 * time.Second
	p.QueueInterval = time.Second
	p.SubmitInterval = time.Second
	p.ConfirmGroup = "g1"
	p.SolveCaptcha = true
	p.RetryLoopEnabled = true
	p.RelayToggle = true
	p.LinkInput = true
	p.AutoReload = true
	p.Email = "relay@example.test"
	return p
}

// Profile 返回签发于 BaseTime 的档案
func Profile() *session.Profile {
	return &session.Profile{
		Fingerprint: Fingerprint,
		Credential:  Credential,
		User:        User,
		Policy:      FastPolicy(),
		IssuedAt:    BaseTime,
	}
}

// ManualProfile 返回以手动模式启动的档案
func ManualProfile() *session.Profile {
	p := Profile()
	p.Policy.Automatic = false
	return p
}

// RefreshResponse 构造刷新接口的响应体，pre 使用服务端的短字段名
func RefreshResponse(status, user string, pre map[string]any) []byte {
	if pre == nil {
		pre = map[string]any{
			"congr":  "g1",
			"sch":    true,
			"autrl":  true,
			"email":  "relay@example.test",
			"isAuto": true,
			"fp":     Fingerprint,
		}
	}
	b, _ := json.Marshal(map[string]any{"status": status, "user": user, "pre": pre})
	return b
}

// IssuedResponse 参考服务端的签发响应
func IssuedResponse() []byte {
	return RefreshResponse(session.DefaultRefreshConfig().IssueStatus, User, nil)
}

// ExpiredResponse 参考服务端的订阅过期响应
func ExpiredResponse() []byte {
	return RefreshResponse(session.DefaultRefreshConfig().ExpiredStatus, User, map[string]any{})
}

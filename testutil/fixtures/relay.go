// =============================================================================
// 📦 测试数据工厂 - 广播、验证码与页面
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/realtime"
)

const (
	// Origin 测试站点
	Origin = "https://forms.example.test"
	// ActivationKey 链接中的激活码
	ActivationKey = "AB12345"
)

// FirstStepURL 第一步页面
func FirstStepURL() string { return Origin + "/en/visa/" }

// ConfirmURL 确认页面
func ConfirmURL(ref string) string {
	return fmt.Sprintf("%s/en/visa/confirm/%s/%s", Origin, ref, ActivationKey)
}

// KeyedLink 带激活码的注册链接
func KeyedLink(ref string) string {
	return fmt.Sprintf("%s/en/visa/register/%s/%s", Origin, ref, ActivationKey)
}

// Broadcast 构造一条广播
func Broadcast(ref, group, challengeID, solution string) realtime.Broadcast {
	return realtime.Broadcast{
		Link:        KeyedLink(ref),
		Group:       group,
		ChallengeID: challengeID,
		Solution:    solution,
	}
}

// CaptchaRecord 构造创建于 BaseTime+age 的未使用记录
func CaptchaRecord(challengeID, solution string, age time.Duration) captcha.Record {
	at := BaseTime.Add(age)
	return captcha.Record{
		ChallengeID: challengeID,
		Solution:    solution,
		Image:       TinyPNG(),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// TinyPNG 1x1 透明 PNG
func TinyPNG() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
		0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
}
